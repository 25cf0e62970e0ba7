// Package scheduler executes validated task graphs for pipeline runs.
// Tasks start as soon as their dependencies have succeeded, bounded by
// a worker cap. Failed attempts are retried with backoff when the error
// is retryable; a final failure propagates to every transitive
// dependent without executing it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openretail-dev/heron/internal/domain"
)

var tracer = otel.Tracer("heron-scheduler")

// Options tune one execution of a graph.
type Options struct {
	// AttemptTimeout bounds a single attempt of a task. Zero means no bound.
	AttemptTimeout time.Duration

	// MaxWorkers caps concurrently running actions. Zero or negative
	// falls back to 4.
	MaxWorkers int

	// OnTransition, when set, is called for every task state change.
	// The callback must not call back into the executor.
	OnTransition func(tr domain.TaskTransition)
}

// Result is the outcome of one graph execution. FailedTasks holds the
// names of every task that ended FAILED, in name order.
type Result struct {
	Status      domain.RunStatus
	FailedTasks []string
	Tasks       map[string]domain.TaskSnapshot
}

// Executor runs a Graph once. All state mutations go through a single
// mutex-guarded transition path, so the emitted state changes are
// always consistent with the task state machine.
type Executor struct {
	graph *Graph
	opts  Options
	sem   chan struct{}
	wake  chan struct{}

	mu        sync.Mutex
	states    map[string]domain.TaskState
	attempts  map[string]int
	durations map[string]time.Duration
	errs      map[string]string
	launched  map[string]bool
	violation error
}

// NewExecutor creates an executor with every task in PENDING.
func NewExecutor(g *Graph, opts Options) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}

	e := &Executor{
		graph:     g,
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxWorkers),
		wake:      make(chan struct{}, g.Len()),
		states:    make(map[string]domain.TaskState, g.Len()),
		attempts:  make(map[string]int, g.Len()),
		durations: make(map[string]time.Duration, g.Len()),
		errs:      make(map[string]string, g.Len()),
		launched:  make(map[string]bool, g.Len()),
	}
	for _, name := range g.Names() {
		e.states[name] = domain.TaskPending
	}
	return e, nil
}

// States returns a copy of the current task states.
func (e *Executor) States() map[string]domain.TaskState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make(map[string]domain.TaskState, len(e.states))
	for k, v := range e.states {
		cp[k] = v
	}
	return cp
}

// Run executes the graph and blocks until every task has settled or the
// context is cancelled. Cancellation is cooperative: no new attempts
// start once ctx is done, in-flight actions see a cancelled context,
// and tasks that never started stay PENDING. The returned error is
// reserved for internal invariant violations; task failures are
// reported through the Result.
func (e *Executor) Run(ctx context.Context, runID string) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	cancelled := false

loop:
	for {
		e.mu.Lock()
		if e.violation != nil {
			e.mu.Unlock()
			cancel()
			break
		}
		for _, name := range e.graph.Ready(e.states) {
			if e.launched[name] {
				continue
			}
			e.launched[name] = true
			t, _ := e.graph.Task(name)
			wg.Add(1)
			go func(t *Task) {
				defer wg.Done()
				e.runTask(ctx, runID, t)
			}(t)
		}
		done := e.allTerminalLocked()
		e.mu.Unlock()
		if done {
			break
		}

		select {
		case <-ctx.Done():
			e.mu.Lock()
			cancelled = !e.allTerminalLocked()
			e.mu.Unlock()
			break loop
		case <-e.wake:
		}
	}

	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.violation != nil {
		return nil, e.violation
	}
	return e.resultLocked(cancelled), nil
}

// runTask drives one task through its attempt loop until it settles.
// The worker slot is held only while the action runs, not during
// backoff waits.
func (e *Executor) runTask(ctx context.Context, runID string, t *Task) {
	defer func() { e.wake <- struct{}{} }()

	for attempt := 1; ; attempt++ {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			// First attempts that never got a slot stay PENDING; a task
			// waiting on a retry slot gave up its retry and is failed.
			if attempt > 1 {
				e.noteViolation(e.transition(runID, t.Name, domain.TaskRetrying, domain.TaskFailed, attempt-1, e.lastErr(t.Name)))
			}
			return
		}

		from := domain.TaskPending
		if attempt > 1 {
			from = domain.TaskRetrying
		}
		if err := e.transition(runID, t.Name, from, domain.TaskRunning, attempt, ""); err != nil {
			<-e.sem
			e.noteViolation(err)
			return
		}
		slog.Debug("task started", "run_id", runID, "task", t.Name, "attempt", attempt)

		start := time.Now()
		timedOut, err := e.invoke(ctx, t, attempt)
		e.addDuration(t.Name, time.Since(start))
		<-e.sem

		if err == nil {
			e.noteViolation(e.transition(runID, t.Name, domain.TaskRunning, domain.TaskSucceeded, attempt, ""))
			slog.Debug("task succeeded", "run_id", runID, "task", t.Name, "attempt", attempt)
			return
		}

		msg := err.Error()
		if timedOut {
			msg = fmt.Sprintf("timed out after %s: %v", e.opts.AttemptTimeout, err)
		}

		if ctx.Err() != nil {
			// The run is being cancelled. The failure is final but does
			// not cascade, so unstarted dependents stay PENDING.
			e.noteViolation(e.transition(runID, t.Name, domain.TaskRunning, domain.TaskFailed, attempt, msg))
			return
		}

		retryable := timedOut || domain.IsRetryable(err)
		if !retryable || attempt > t.MaxRetries {
			e.noteViolation(e.transition(runID, t.Name, domain.TaskRunning, domain.TaskFailed, attempt, msg))
			slog.Error("task failed", "run_id", runID, "task", t.Name, "attempt", attempt, "error", msg)
			e.noteViolation(e.failDownstream(runID, t.Name))
			return
		}

		if err := e.transition(runID, t.Name, domain.TaskRunning, domain.TaskRetrying, attempt, msg); err != nil {
			e.noteViolation(err)
			return
		}
		wait := t.Backoff.delay(attempt)
		slog.Warn("task attempt failed, retrying",
			"run_id", runID, "task", t.Name, "attempt", attempt, "backoff", wait, "error", msg)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				e.noteViolation(e.transition(runID, t.Name, domain.TaskRetrying, domain.TaskFailed, attempt, msg))
				return
			case <-timer.C:
			}
		}
	}
}

// invoke runs one attempt of the task's action under the attempt
// timeout. A panicking action is converted into an error so it flows
// through the normal retry and failure handling.
func (e *Executor) invoke(ctx context.Context, t *Task, attempt int) (timedOut bool, err error) {
	actx := ctx
	cancel := func() {}
	if e.opts.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, e.opts.AttemptTimeout)
	}
	defer cancel()

	actx, span := tracer.Start(actx, "task."+t.Name,
		trace.WithAttributes(
			attribute.String("task.name", t.Name),
			attribute.Int("task.attempt", attempt),
		),
	)
	defer span.End()

	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				slog.Error("task panicked", "task", t.Name, "panic", r, "stack", string(buf[:n]))
				err = fmt.Errorf("task %s panicked: %v", t.Name, r)
			}
		}()
		err = t.Action(actx)
	}()

	timedOut = actx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	return timedOut, err
}

// transition performs one validated state change and emits it. The
// expected prior state makes races observable, as any mismatch means
// two goroutines disagree about who owns the task.
func (e *Executor) transition(runID, task string, from, to domain.TaskState, attempt int, msg string) error {
	e.mu.Lock()
	cur, ok := e.states[task]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown task in state: %q", task)
	}
	if cur != from {
		e.mu.Unlock()
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", task, from, cur)
	}
	if !allowedTransition(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("disallowed transition for %q: %s -> %s", task, from, to)
	}
	e.states[task] = to
	if to == domain.TaskRunning {
		e.attempts[task] = attempt
	}
	if msg != "" {
		e.errs[task] = msg
	}
	cb := e.opts.OnTransition
	e.mu.Unlock()

	if cb != nil {
		cb(domain.TaskTransition{
			RunID:   runID,
			Task:    task,
			From:    from,
			To:      to,
			Attempt: attempt,
			Error:   msg,
			At:      time.Now().UTC(),
		})
	}
	return nil
}

// allowedTransition encodes the task state machine.
func allowedTransition(from, to domain.TaskState) bool {
	switch from {
	case domain.TaskPending:
		return to == domain.TaskRunning || to == domain.TaskFailed
	case domain.TaskRunning:
		return to == domain.TaskSucceeded || to == domain.TaskRetrying || to == domain.TaskFailed
	case domain.TaskRetrying:
		return to == domain.TaskRunning || to == domain.TaskFailed
	default:
		return false
	}
}

// failDownstream marks every transitive dependent of a failed task as
// FAILED without executing it. Dependents can only be PENDING here: a
// task starts only after all dependencies succeeded, so a RUNNING or
// RETRYING dependent of a failed task indicates a scheduling bug.
func (e *Executor) failDownstream(runID, name string) error {
	downstream := e.graph.Downstream(name)
	msg := fmt.Sprintf("upstream task %q failed", name)

	e.mu.Lock()
	var marked []string
	for _, d := range downstream {
		switch e.states[d] {
		case domain.TaskPending:
			e.states[d] = domain.TaskFailed
			e.errs[d] = msg
			marked = append(marked, d)
		case domain.TaskRunning, domain.TaskRetrying:
			st := e.states[d]
			e.mu.Unlock()
			return fmt.Errorf("invariant violation: downstream task %q is %s during failure propagation", d, st)
		default:
			// already failed through another path
		}
	}
	cb := e.opts.OnTransition
	e.mu.Unlock()

	if len(marked) > 0 {
		slog.Warn("downstream tasks failed without execution", "run_id", runID, "failed_task", name, "downstream", marked)
	}
	if cb != nil {
		at := time.Now().UTC()
		for _, d := range marked {
			cb(domain.TaskTransition{
				RunID: runID,
				Task:  d,
				From:  domain.TaskPending,
				To:    domain.TaskFailed,
				Error: msg,
				At:    at,
			})
		}
	}
	return nil
}

func (e *Executor) addDuration(name string, d time.Duration) {
	e.mu.Lock()
	e.durations[name] += d
	e.mu.Unlock()
}

func (e *Executor) lastErr(name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errs[name]
}

// noteViolation records the first internal invariant breakage. The run
// loop aborts the execution once it observes one.
func (e *Executor) noteViolation(err error) {
	if err == nil {
		return
	}
	slog.Error("scheduler invariant violated", "error", err)
	e.mu.Lock()
	if e.violation == nil {
		e.violation = err
	}
	e.mu.Unlock()
}

func (e *Executor) allTerminalLocked() bool {
	for _, n := range e.graph.nodes {
		if !e.states[n.Name].Terminal() {
			return false
		}
	}
	return true
}

func (e *Executor) resultLocked(cancelled bool) *Result {
	tasks := make(map[string]domain.TaskSnapshot, e.graph.Len())
	var failed []string
	for _, name := range e.graph.Names() {
		st := e.states[name]
		tasks[name] = domain.TaskSnapshot{
			State:      st,
			Attempts:   e.attempts[name],
			DurationMs: e.durations[name].Milliseconds(),
			Error:      e.errs[name],
		}
		if st == domain.TaskFailed {
			failed = append(failed, name)
		}
	}

	status := domain.RunSucceeded
	if len(failed) > 0 {
		status = domain.RunFailed
	}
	if cancelled {
		status = domain.RunCancelled
	}
	return &Result{Status: status, FailedTasks: failed, Tasks: tasks}
}
