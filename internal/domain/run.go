package domain

import (
	"time"
)

// TaskState is the execution state of one scheduler task.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskRetrying  TaskState = "RETRYING"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// RunStatus is the overall status of a pipeline run. QUEUED and RUNNING
// are the in-flight statuses visible through the API; the exit statuses
// are SUCCEEDED, FAILED and CANCELLED.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// TaskSnapshot is the final record of one task within a run.
type TaskSnapshot struct {
	State      TaskState `json:"state"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

// TaskTransition is emitted on the event bus for every task state change.
type TaskTransition struct {
	RunID   string    `json:"runId"`
	Task    string    `json:"task"`
	From    TaskState `json:"from"`
	To      TaskState `json:"to"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// RunSummary carries the headline numbers of a completed run.
type RunSummary struct {
	TotalRecords    int                          `json:"totalRecords"`
	Accepted        int                          `json:"accepted"`
	Rejected        int                          `json:"rejected"`
	FactsLoaded     int                          `json:"factsLoaded"`
	FlagsRaised     int                          `json:"flagsRaised"`
	HistoryWarnings []InsufficientHistoryWarning `json:"historyWarnings,omitempty"`
	Rejections      []*ValidationError           `json:"rejections,omitempty"`
}

// PipelineRun is the persisted ledger entry for one pipeline execution.
type PipelineRun struct {
	ID           string                  `json:"id"`
	Date         string                  `json:"date"`
	LookbackDays int                     `json:"lookbackDays"`
	Status       RunStatus               `json:"status"`
	TriggeredBy  string                  `json:"triggeredBy"` // "api", "cli" or "watch"
	CreatedAt    time.Time               `json:"createdAt"`
	StartedAt    time.Time               `json:"startedAt"`
	FinishedAt   time.Time               `json:"finishedAt"`
	FailedTasks  []string                `json:"failedTasks,omitempty"`
	TaskStates   map[string]TaskSnapshot `json:"taskStates,omitempty"`
	Summary      RunSummary              `json:"summary"`
	Error        string                  `json:"error,omitempty"`
}
