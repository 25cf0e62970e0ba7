package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
)

// Worker consumes run requests from the EventBus and drives the runner.
// It lets external systems trigger runs by publishing to
// heron.run.requested instead of calling the HTTP API.
type Worker struct {
	bus    domain.EventBus
	runner *Runner

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// RunRequest is the message payload for a bus-triggered run.
type RunRequest struct {
	Date         string `json:"date"`
	LookbackDays int    `json:"lookbackDays,omitempty"`
	TriggeredBy  string `json:"triggeredBy,omitempty"`
}

// NewWorker creates a worker over the bus and runner.
func NewWorker(bus domain.EventBus, runner *Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the run request topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRunRequested, w.handleRunRequest)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("pipeline worker started",
		"topic", domain.TopicRunRequested,
	)
	return nil
}

// handleRunRequest executes one requested run. Requests for a date
// already in flight are dropped, not queued.
func (w *Worker) handleRunRequest(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req RunRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse run request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	trigger := req.TriggeredBy
	if trigger == "" {
		trigger = "watch"
	}

	slog.Debug("processing run request",
		"date", req.Date,
		"trigger", trigger,
		"message_id", msg.ID,
	)

	run, err := w.runner.Run(ctx, req.Date, RunOptions{
		LookbackDays: req.LookbackDays,
		TriggeredBy:  trigger,
	})
	if err != nil {
		var inflight *InFlightError
		if errors.As(err, &inflight) {
			slog.Info("run request dropped, date already in flight",
				"date", req.Date,
				"active_run_id", inflight.RunID,
			)
			return nil
		}
		slog.Error("run request failed",
			"date", req.Date,
			"error", err,
		)
		return err
	}

	slog.Info("run request processed",
		"run_id", run.ID,
		"date", run.Date,
		"status", run.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("pipeline worker stopped")
	return nil
}
