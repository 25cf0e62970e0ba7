package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.TaskTransition
}

func (r *eventRecorder) record(tr domain.TaskTransition) {
	r.mu.Lock()
	r.events = append(r.events, tr)
	r.mu.Unlock()
}

func (r *eventRecorder) forTask(name string) []domain.TaskTransition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.TaskTransition
	for _, tr := range r.events {
		if tr.Task == name {
			out = append(out, tr)
		}
	}
	return out
}

type runTracker struct {
	mu  sync.Mutex
	ran []string
}

func (tk *runTracker) action(name string) func(context.Context) error {
	return func(context.Context) error {
		tk.mu.Lock()
		tk.ran = append(tk.ran, name)
		tk.mu.Unlock()
		return nil
	}
}

func (tk *runTracker) executed() []string {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return append([]string(nil), tk.ran...)
}

func mustExecutor(t *testing.T, tasks []*Task, opts Options) *Executor {
	t.Helper()
	g, err := NewGraph(tasks)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	e, err := NewExecutor(g, opts)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

func TestRunLinearChain(t *testing.T) {
	tk := &runTracker{}
	e := mustExecutor(t, []*Task{
		{Name: "a", Action: tk.action("a")},
		{Name: "b", Deps: []string{"a"}, Action: tk.action("b")},
		{Name: "c", Deps: []string{"b"}, Action: tk.action("c")},
	}, Options{})

	res, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", res.Status)
	}
	if len(res.FailedTasks) != 0 {
		t.Errorf("failed tasks = %v, want none", res.FailedTasks)
	}

	ran := tk.executed()
	if len(ran) != 3 || ran[0] != "a" || ran[1] != "b" || ran[2] != "c" {
		t.Errorf("execution order = %v, want [a b c]", ran)
	}
	for name, snap := range res.Tasks {
		if snap.State != domain.TaskSucceeded {
			t.Errorf("task %s state = %s, want SUCCEEDED", name, snap.State)
		}
		if snap.Attempts != 1 {
			t.Errorf("task %s attempts = %d, want 1", name, snap.Attempts)
		}
	}
}

func TestFailurePropagatesToAllDownstream(t *testing.T) {
	tk := &runTracker{}
	rec := &eventRecorder{}
	boom := errors.New("fetch failed")

	e := mustExecutor(t, []*Task{
		{Name: "a", Action: func(context.Context) error { return boom }},
		{Name: "b", Deps: []string{"a"}, Action: tk.action("b")},
		{Name: "c", Deps: []string{"b"}, Action: tk.action("c")},
		{Name: "d", Deps: []string{"a"}, Action: tk.action("d")},
		{Name: "e", Action: tk.action("e")},
	}, Options{OnTransition: rec.record})

	res, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}

	wantFailed := []string{"a", "b", "c", "d"}
	if len(res.FailedTasks) != len(wantFailed) {
		t.Fatalf("failed tasks = %v, want %v", res.FailedTasks, wantFailed)
	}
	for i, name := range wantFailed {
		if res.FailedTasks[i] != name {
			t.Fatalf("failed tasks = %v, want %v", res.FailedTasks, wantFailed)
		}
	}

	// b, c and d never executed; the independent branch ran to completion.
	ran := tk.executed()
	if len(ran) != 1 || ran[0] != "e" {
		t.Errorf("executed = %v, want only e", ran)
	}
	if res.Tasks["e"].State != domain.TaskSucceeded {
		t.Errorf("task e state = %s, want SUCCEEDED", res.Tasks["e"].State)
	}

	for _, name := range []string{"b", "c", "d"} {
		snap := res.Tasks[name]
		if snap.Attempts != 0 {
			t.Errorf("task %s attempts = %d, want 0", name, snap.Attempts)
		}
		if !strings.Contains(snap.Error, `upstream task "a" failed`) {
			t.Errorf("task %s error = %q, want upstream failure", name, snap.Error)
		}
		evs := rec.forTask(name)
		if len(evs) != 1 || evs[0].From != domain.TaskPending || evs[0].To != domain.TaskFailed {
			t.Errorf("task %s events = %+v, want single PENDING->FAILED", name, evs)
		}
	}
}

func TestRetryableErrorIsRetried(t *testing.T) {
	rec := &eventRecorder{}
	var calls atomic.Int32

	e := mustExecutor(t, []*Task{{
		Name: "load",
		Action: func(context.Context) error {
			if calls.Add(1) == 1 {
				return domain.Transient("load", errors.New("connection reset"))
			}
			return nil
		},
		MaxRetries: 2,
		Backoff:    Backoff{Policy: PolicyFixed, Delay: 5 * time.Millisecond},
	}}, Options{OnTransition: rec.record})

	res, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", res.Status)
	}
	if got := res.Tasks["load"].Attempts; got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}

	evs := rec.forTask("load")
	want := []struct {
		from, to domain.TaskState
		attempt  int
	}{
		{domain.TaskPending, domain.TaskRunning, 1},
		{domain.TaskRunning, domain.TaskRetrying, 1},
		{domain.TaskRetrying, domain.TaskRunning, 2},
		{domain.TaskRunning, domain.TaskSucceeded, 2},
	}
	if len(evs) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(evs), len(want), evs)
	}
	for i, w := range want {
		if evs[i].From != w.from || evs[i].To != w.to || evs[i].Attempt != w.attempt {
			t.Errorf("event %d = %s->%s attempt %d, want %s->%s attempt %d",
				i, evs[i].From, evs[i].To, evs[i].Attempt, w.from, w.to, w.attempt)
		}
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	rec := &eventRecorder{}
	var calls atomic.Int32

	e := mustExecutor(t, []*Task{{
		Name: "load",
		Action: func(context.Context) error {
			calls.Add(1)
			return &domain.IdempotencyViolationError{Key: "tx_001", Detail: "conflicting write"}
		},
		MaxRetries: 3,
		Backoff:    Backoff{Policy: PolicyFixed, Delay: time.Millisecond},
	}}, Options{OnTransition: rec.record})

	res, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("action ran %d times, want 1", got)
	}
	for _, ev := range rec.forTask("load") {
		if ev.To == domain.TaskRetrying {
			t.Errorf("idempotency violation was retried: %+v", ev)
		}
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32

	e := mustExecutor(t, []*Task{{
		Name: "load",
		Action: func(context.Context) error {
			calls.Add(1)
			return domain.Transient("load", errors.New("still down"))
		},
		MaxRetries: 2,
		Backoff:    Backoff{Policy: PolicyFixed, Delay: time.Millisecond},
	}}, Options{})

	res, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("action ran %d times, want 3", got)
	}
	snap := res.Tasks["load"]
	if snap.State != domain.TaskFailed || snap.Attempts != 3 {
		t.Errorf("snapshot = %+v, want FAILED after 3 attempts", snap)
	}
	if !strings.Contains(snap.Error, "still down") {
		t.Errorf("error = %q, want the last attempt error", snap.Error)
	}
}

func TestAttemptTimeoutTakesRetryPath(t *testing.T) {
	rec := &eventRecorder{}
	var calls atomic.Int32

	e := mustExecutor(t, []*Task{{
		Name: "slow",
		Action: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
		MaxRetries: 1,
		Backoff:    Backoff{Policy: PolicyFixed, Delay: time.Millisecond},
	}}, Options{AttemptTimeout: 50 * time.Millisecond, OnTransition: rec.record})

	res, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", res.Status)
	}
	if got := res.Tasks["slow"].Attempts; got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}

	var sawTimeout bool
	for _, ev := range rec.forTask("slow") {
		if ev.To == domain.TaskRetrying && strings.Contains(ev.Error, "timed out after") {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("no RETRYING event carrying the timeout")
	}
}

func TestCancellationLeavesUnstartedPending(t *testing.T) {
	started := make(chan struct{})
	tk := &runTracker{}

	e := mustExecutor(t, []*Task{
		{Name: "a", Action: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}},
		{Name: "b", Deps: []string{"a"}, Action: tk.action("b")},
	}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan *Result, 1)
	go func() {
		res, err := e.Run(ctx, "run-1")
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		resCh <- res
	}()

	<-started
	cancel()
	res := <-resCh
	if res == nil {
		t.Fatal("no result")
	}

	if res.Status != domain.RunCancelled {
		t.Fatalf("status = %s, want CANCELLED", res.Status)
	}
	if res.Tasks["b"].State != domain.TaskPending {
		t.Errorf("task b state = %s, want PENDING", res.Tasks["b"].State)
	}
	if got := tk.executed(); len(got) != 0 {
		t.Errorf("task b executed after cancellation: %v", got)
	}
	if res.Tasks["a"].State != domain.TaskFailed {
		t.Errorf("task a state = %s, want FAILED", res.Tasks["a"].State)
	}
}

func TestCancelDuringBackoffStopsRetry(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := mustExecutor(t, []*Task{
		{
			Name: "flaky",
			Action: func(context.Context) error {
				calls.Add(1)
				return domain.Transient("flaky", errors.New("busy"))
			},
			MaxRetries: 3,
			Backoff:    Backoff{Policy: PolicyFixed, Delay: time.Minute},
		},
		// Holds the run open past the cancellation so the executor
		// observes it while flaky is still waiting out its backoff.
		{Name: "slow", Action: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(100 * time.Millisecond)
			return nil
		}},
	}, Options{OnTransition: func(tr domain.TaskTransition) {
		if tr.Task == "flaky" && tr.To == domain.TaskRetrying {
			cancel()
		}
	}})

	res, err := e.Run(ctx, "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunCancelled {
		t.Fatalf("status = %s, want CANCELLED", res.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("action ran %d times, want 1", got)
	}
	if res.Tasks["flaky"].State != domain.TaskFailed {
		t.Errorf("task flaky state = %s, want FAILED", res.Tasks["flaky"].State)
	}
	if res.Tasks["slow"].State != domain.TaskSucceeded {
		t.Errorf("task slow state = %s, want SUCCEEDED", res.Tasks["slow"].State)
	}
}

func TestMaxWorkersBound(t *testing.T) {
	var cur, peak atomic.Int32
	action := func(context.Context) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return nil
	}

	tasks := make([]*Task, 0, 6)
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		tasks = append(tasks, &Task{Name: name, Action: action})
	}
	e := mustExecutor(t, tasks, Options{MaxWorkers: 2})

	res, err := e.Run(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", res.Status)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestTransitionEventLog(t *testing.T) {
	rec := &eventRecorder{}
	e := mustExecutor(t, []*Task{task("only")}, Options{OnTransition: rec.record})

	if _, err := e.Run(context.Background(), "run-42"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := rec.forTask("only")
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(evs), evs)
	}
	if evs[0].From != domain.TaskPending || evs[0].To != domain.TaskRunning {
		t.Errorf("first event = %s->%s, want PENDING->RUNNING", evs[0].From, evs[0].To)
	}
	if evs[1].From != domain.TaskRunning || evs[1].To != domain.TaskSucceeded {
		t.Errorf("second event = %s->%s, want RUNNING->SUCCEEDED", evs[1].From, evs[1].To)
	}
	for _, ev := range evs {
		if ev.RunID != "run-42" {
			t.Errorf("event run id = %q, want run-42", ev.RunID)
		}
		if ev.At.IsZero() {
			t.Error("event timestamp is zero")
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	fixed := Backoff{Policy: PolicyFixed, Delay: 5 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := fixed.delay(attempt); got != 5*time.Second {
			t.Errorf("fixed delay(%d) = %s, want 5s", attempt, got)
		}
	}

	exp := Backoff{Policy: PolicyExponential, Delay: 100 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if got := exp.delay(i + 1); got != w {
			t.Errorf("exponential delay(%d) = %s, want %s", i+1, got, w)
		}
	}

	// The doubling is capped so huge attempt counts cannot overflow.
	if got := exp.delay(40); got != 100*time.Millisecond<<16 {
		t.Errorf("capped delay = %s, want %s", got, 100*time.Millisecond<<16)
	}

	if got := (Backoff{Policy: PolicyFixed}).delay(1); got != 0 {
		t.Errorf("zero delay = %s, want 0", got)
	}
}
