package scheduler

import (
	"context"
	"time"
)

// Backoff policies.
const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"
)

// Backoff shapes the wait between retry attempts of a task.
type Backoff struct {
	Policy string
	Delay  time.Duration
}

// delay returns the wait after the given failed attempt (1-based).
// Exponential doubles per attempt; the shift is capped so the duration
// cannot overflow.
func (b Backoff) delay(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Policy != PolicyExponential {
		return b.Delay
	}
	n := attempt - 1
	if n > 16 {
		n = 16
	}
	return b.Delay << n
}

// Task is one named unit of work in a pipeline graph.
//
// Deps lists the names of tasks that must succeed before this one may
// start. MaxRetries is the retry budget after the first attempt, so a
// task with MaxRetries 2 runs at most three times. The Action receives
// a context that is cancelled when the run is cancelled or the attempt
// times out; long actions should watch it.
type Task struct {
	Name       string
	Deps       []string
	Action     func(ctx context.Context) error
	MaxRetries int
	Backoff    Backoff
}
