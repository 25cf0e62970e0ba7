// Package pipeline orchestrates the daily batch run: extract, validate,
// stage, load, detect and route, wired as a task graph and executed by
// the scheduler.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openretail-dev/heron/internal/alerting"
	"github.com/openretail-dev/heron/internal/anomaly"
	"github.com/openretail-dev/heron/internal/domain"
	"github.com/openretail-dev/heron/internal/scheduler"
	"github.com/openretail-dev/heron/internal/transform"
	"github.com/openretail-dev/heron/internal/validator"
)

// Task names, also the node names in the run's task graph.
const (
	TaskExtract     = "extract"
	TaskValidate    = "validate"
	TaskStage       = "stage"
	TaskLoadFacts   = "load_facts"
	TaskWarmHistory = "warm_history"
	TaskDetect      = "detect"
	TaskRouteAlerts = "route_alerts"
)

// historyTTL bounds cached lookback aggregates. Closed days are
// immutable, the TTL only caps staleness after late re-loads.
const historyTTL = 24 * time.Hour

// Deps are the stores and services a Runner orchestrates. Source,
// Staging and Warehouse are required; Cache, Bus and Alerts degrade to
// no-ops when nil.
type Deps struct {
	Source    domain.BatchSource
	Staging   domain.Staging
	Warehouse domain.Warehouse
	Cache     domain.Cache
	Bus       domain.EventBus
	Alerts    *alerting.Engine
}

// RunOptions tune a single run trigger.
type RunOptions struct {
	// LookbackDays overrides the configured history window when > 0.
	LookbackDays int

	// TriggeredBy records what started the run: "api", "cli" or "watch".
	TriggeredBy string
}

// InFlightError reports a trigger for a date that is already running.
type InFlightError struct {
	Date  string
	RunID string
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("run %s already in flight for date %s", e.RunID, e.Date)
}

// StagedEvent is published on heron.batch.staged after the staging swap.
type StagedEvent struct {
	RunID   string `json:"runId"`
	Date    string `json:"date"`
	Records int    `json:"records"`
}

// Runner builds and executes the pipeline graph for batch dates, and
// keeps the run ledger current while a run progresses. One run per date
// is allowed in flight at a time.
type Runner struct {
	cfg  domain.PipelineConfig
	deps Deps

	validator *validator.Validator
	transform *transform.Engine
	detector  *anomaly.Detector

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]string
}

// New creates a runner over the given dependencies.
func New(cfg domain.PipelineConfig, deps Deps) (*Runner, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("batch source is required")
	}
	if deps.Staging == nil {
		return nil, fmt.Errorf("staging store is required")
	}
	if deps.Warehouse == nil {
		return nil, fmt.Errorf("warehouse is required")
	}

	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 14
	}
	if cfg.TaskTimeoutSecs <= 0 {
		cfg.TaskTimeoutSecs = 300
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:       cfg,
		deps:      deps,
		validator: validator.New(cfg),
		transform: transform.New(deps.Staging, deps.Warehouse),
		detector:  anomaly.NewDetector(cfg),
		baseCtx:   ctx,
		cancel:    cancel,
		inflight:  make(map[string]string),
	}, nil
}

// Run executes the pipeline for the date and blocks until the run
// settles. The run outcome is carried in the returned run's Status;
// the error return is for triggers that never started.
func (r *Runner) Run(ctx context.Context, date string, opts RunOptions) (*domain.PipelineRun, error) {
	run, err := r.prepare(ctx, date, opts)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run), nil
}

// Start triggers an asynchronous run and returns the queued run record
// immediately. The run executes on a runner-owned context so it
// survives the caller's request; Close cancels it.
func (r *Runner) Start(ctx context.Context, date string, opts RunOptions) (*domain.PipelineRun, error) {
	run, err := r.prepare(ctx, date, opts)
	if err != nil {
		return nil, err
	}

	queued := *run
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(r.baseCtx, run)
	}()
	return &queued, nil
}

// Close cancels asynchronous runs and waits for them to settle in the
// ledger. In-flight runs finish as CANCELLED.
func (r *Runner) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// prepare validates the trigger, claims the date and persists the
// queued run.
func (r *Runner) prepare(ctx context.Context, date string, opts RunOptions) (*domain.PipelineRun, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return nil, fmt.Errorf("invalid batch date %q: %w", date, err)
	}

	lookback := r.cfg.LookbackDays
	if opts.LookbackDays > 0 {
		lookback = opts.LookbackDays
	}
	trigger := opts.TriggeredBy
	if trigger == "" {
		trigger = "api"
	}

	run := &domain.PipelineRun{
		ID:           uuid.New().String(),
		Date:         date,
		LookbackDays: lookback,
		Status:       domain.RunQueued,
		TriggeredBy:  trigger,
		CreatedAt:    time.Now().UTC(),
	}

	r.mu.Lock()
	if active, busy := r.inflight[date]; busy {
		r.mu.Unlock()
		return nil, &InFlightError{Date: date, RunID: active}
	}
	r.inflight[date] = run.ID
	r.mu.Unlock()

	if err := r.deps.Warehouse.SaveRun(ctx, run); err != nil {
		r.release(date)
		return nil, fmt.Errorf("save run: %w", err)
	}

	r.guardDuplicateTrigger(ctx, date)
	return run, nil
}

// guardDuplicateTrigger counts triggers per date in the cache. Every
// stage is idempotent, so a cross-node double run wastes work but
// cannot corrupt the facts; it is worth a warning, not a refusal.
func (r *Runner) guardDuplicateTrigger(ctx context.Context, date string) {
	if r.deps.Cache == nil {
		return
	}

	window := time.Duration(r.cfg.TaskTimeoutSecs) * time.Second
	n, err := r.deps.Cache.IncrementCounter(ctx, "run:"+date, window)
	if err != nil {
		slog.Warn("duplicate-trigger guard unavailable",
			"date", date,
			"error", err)
		return
	}
	if n > 1 {
		slog.Warn("duplicate run trigger within guard window",
			"date", date,
			"triggers", n)
	}
}

// runState is the data handed between tasks of one run. Each field is
// written by exactly one task and read only by its transitive
// dependents, which the executor orders.
type runState struct {
	raws      []domain.RawRecord
	accepted  []*domain.SalesRecord
	report    *domain.RejectionReport
	loaded    int
	history   []*domain.DailyAggregate
	observed  []*domain.DailyAggregate
	detection *anomaly.Result
	alerts    []*domain.Alert
}

func (st *runState) summary() domain.RunSummary {
	s := domain.RunSummary{FactsLoaded: st.loaded}
	if st.report != nil {
		s.TotalRecords = st.report.Total
		s.Accepted = st.report.Accepted
		s.Rejected = st.report.Rejected
		s.Rejections = st.report.Errors
	}
	if st.detection != nil {
		s.FlagsRaised = len(st.detection.Flags)
		s.HistoryWarnings = st.detection.Warnings
	}
	return s
}

// execute drives a prepared run to a terminal status.
func (r *Runner) execute(ctx context.Context, run *domain.PipelineRun) *domain.PipelineRun {
	defer r.release(run.Date)

	start := time.Now()
	run.Status = domain.RunRunning
	run.StartedAt = start.UTC()
	r.saveRun(ctx, run)
	r.publish(ctx, domain.TopicRunStarted, run)

	slog.Info("pipeline run started",
		"run_id", run.ID,
		"date", run.Date,
		"lookback_days", run.LookbackDays,
		"trigger", run.TriggeredBy)

	st := &runState{}
	res, err := r.executeGraph(ctx, run, st)
	if err != nil {
		run.Status = domain.RunFailed
		run.Error = err.Error()
		slog.Error("pipeline run aborted outside the task graph",
			"run_id", run.ID,
			"error", err)
	} else {
		run.Status = res.Status
		run.FailedTasks = res.FailedTasks
		run.TaskStates = res.Tasks
	}

	run.FinishedAt = time.Now().UTC()
	run.Summary = st.summary()

	// The final ledger write and event must land even when the run was
	// cancelled through ctx.
	finalCtx := context.WithoutCancel(ctx)
	r.saveRun(finalCtx, run)
	r.publish(finalCtx, domain.TopicRunFinished, run)

	if run.Status == domain.RunSucceeded {
		slog.Info("pipeline run finished",
			"run_id", run.ID,
			"date", run.Date,
			"status", run.Status,
			"facts_loaded", run.Summary.FactsLoaded,
			"flags_raised", run.Summary.FlagsRaised,
			"duration_ms", time.Since(start).Milliseconds())
	} else {
		slog.Warn("pipeline run finished",
			"run_id", run.ID,
			"date", run.Date,
			"status", run.Status,
			"failed_tasks", run.FailedTasks,
			"duration_ms", time.Since(start).Milliseconds())
	}

	return run
}

func (r *Runner) executeGraph(ctx context.Context, run *domain.PipelineRun, st *runState) (*scheduler.Result, error) {
	graph, err := r.buildGraph(run, st)
	if err != nil {
		return nil, err
	}

	exec, err := scheduler.NewExecutor(graph, scheduler.Options{
		AttemptTimeout: time.Duration(r.cfg.TaskTimeoutSecs) * time.Second,
		MaxWorkers:     r.cfg.MaxWorkers,
		OnTransition: func(tr domain.TaskTransition) {
			r.publish(r.baseCtx, domain.TopicTaskState, tr)
		},
	})
	if err != nil {
		return nil, err
	}

	return exec.Run(ctx, run.ID)
}

// buildGraph wires the run's task closures over the shared run state.
//
//	extract ──> validate ──> stage ──> load_facts ──┐
//	                                                ├─> detect ──> route_alerts
//	warm_history ───────────────────────────────────┘
func (r *Runner) buildGraph(run *domain.PipelineRun, st *runState) (*scheduler.Graph, error) {
	date := run.Date
	backoff := scheduler.Backoff{
		Policy: r.cfg.Backoff.Policy,
		Delay:  time.Duration(r.cfg.Backoff.DelaySeconds) * time.Second,
	}

	task := func(name string, deps []string, action func(ctx context.Context) error) *scheduler.Task {
		return &scheduler.Task{
			Name:       name,
			Deps:       deps,
			Action:     action,
			MaxRetries: r.cfg.MaxRetries,
			Backoff:    backoff,
		}
	}

	tasks := []*scheduler.Task{
		task(TaskExtract, nil, func(ctx context.Context) error {
			raws, err := r.deps.Source.Fetch(ctx, date)
			if err != nil {
				return err
			}
			st.raws = raws
			return nil
		}),

		task(TaskValidate, []string{TaskExtract}, func(ctx context.Context) error {
			res, err := r.validator.Validate(date, st.raws)
			if err != nil {
				// An aborted batch still reports its rejection numbers.
				var aborted *domain.BatchAbortedError
				if errors.As(err, &aborted) {
					st.report = aborted.Report
				}
				return err
			}
			st.accepted = res.Accepted
			st.report = res.Report
			return nil
		}),

		task(TaskStage, []string{TaskValidate}, func(ctx context.Context) error {
			if err := r.deps.Staging.Replace(ctx, date, st.accepted); err != nil {
				return err
			}
			r.publish(ctx, domain.TopicBatchStaged, StagedEvent{
				RunID:   run.ID,
				Date:    date,
				Records: len(st.accepted),
			})
			return nil
		}),

		task(TaskLoadFacts, []string{TaskStage}, func(ctx context.Context) error {
			n, err := r.transform.Load(ctx, date)
			if err != nil {
				return err
			}
			st.loaded = n
			return nil
		}),

		task(TaskWarmHistory, nil, func(ctx context.Context) error {
			hist, err := r.loadHistory(ctx, date, run.LookbackDays)
			if err != nil {
				return err
			}
			st.history = hist
			return nil
		}),

		task(TaskDetect, []string{TaskLoadFacts, TaskWarmHistory}, func(ctx context.Context) error {
			facts, err := r.deps.Warehouse.FactsForDate(ctx, date)
			if err != nil {
				return err
			}
			st.observed = anomaly.Aggregate(facts)
			st.detection = r.detector.Detect(date, st.observed, st.history)
			for _, flag := range st.detection.Flags {
				flag.RunID = run.ID
			}
			return r.deps.Warehouse.SaveFlags(ctx, date, st.detection.Flags)
		}),

		task(TaskRouteAlerts, []string{TaskDetect}, func(ctx context.Context) error {
			if r.deps.Alerts == nil || len(st.detection.Flags) == 0 {
				return nil
			}
			alerts, err := r.deps.Alerts.Route(ctx, run.ID, st.detection.Flags)
			if err != nil {
				return err
			}
			st.alerts = alerts
			for _, alert := range alerts {
				r.publish(ctx, domain.TopicAlert, alert)
				r.publish(ctx, domain.AlertTopic(alert.Channel), alert)
			}
			return nil
		}),
	}

	return scheduler.NewGraph(tasks)
}

// loadHistory assembles per-day aggregates for the lookback window,
// serving closed days from the cache and computing the rest from the
// warehouse. The target date itself is never part of the window and is
// never cached. The detector sorts by date, so mixed append order
// across the cache and warehouse phases is fine.
func (r *Runner) loadHistory(ctx context.Context, date string, lookback int) ([]*domain.DailyAggregate, error) {
	day, err := domain.ParseDate(date)
	if err != nil {
		return nil, err
	}

	hist := make([]*domain.DailyAggregate, 0, lookback)
	var missing []string
	for i := lookback; i >= 1; i-- {
		d := day.AddDate(0, 0, -i).Format(domain.DateLayout)
		if r.deps.Cache != nil {
			aggs, err := r.deps.Cache.GetDailyAggregates(ctx, d)
			if err != nil {
				slog.Warn("history cache read failed",
					"date", d,
					"error", err)
			} else if aggs != nil {
				hist = append(hist, aggs...)
				continue
			}
		}
		missing = append(missing, d)
	}

	if len(missing) == 0 {
		return hist, nil
	}

	facts, err := r.deps.Warehouse.FactsBetween(ctx, missing[0], missing[len(missing)-1])
	if err != nil {
		return nil, err
	}

	byDay := make(map[string][]*domain.DailyAggregate, len(missing))
	for _, agg := range anomaly.Aggregate(facts) {
		byDay[agg.Date] = append(byDay[agg.Date], agg)
	}

	for _, d := range missing {
		aggs := byDay[d]
		if aggs == nil {
			// Cache the empty day too, so quiet days stop hitting the
			// warehouse on every run.
			aggs = []*domain.DailyAggregate{}
		}
		hist = append(hist, aggs...)

		if r.deps.Cache != nil {
			if err := r.deps.Cache.SetDailyAggregates(ctx, d, aggs, historyTTL); err != nil {
				slog.Warn("history cache write failed",
					"date", d,
					"error", err)
			}
		}
	}

	slog.Debug("history window assembled",
		"date", date,
		"lookback_days", lookback,
		"cached_days", lookback-len(missing),
		"computed_days", len(missing))
	return hist, nil
}

func (r *Runner) release(date string) {
	r.mu.Lock()
	delete(r.inflight, date)
	r.mu.Unlock()
}

// saveRun persists the run, logging failures instead of failing the
// run itself.
func (r *Runner) saveRun(ctx context.Context, run *domain.PipelineRun) {
	if err := r.deps.Warehouse.SaveRun(ctx, run); err != nil {
		slog.Error("failed to save run",
			"run_id", run.ID,
			"status", run.Status,
			"error", err)
	}
}

func (r *Runner) publish(ctx context.Context, topic string, v any) {
	if r.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal event",
			"topic", topic,
			"error", err)
		return
	}
	if err := r.deps.Bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"error", err)
	}
}
