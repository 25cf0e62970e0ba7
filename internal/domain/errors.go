package domain

import (
	"context"
	"errors"
	"fmt"
)

// RejectReason classifies why the validator rejected a record.
// The set is closed: downstream reporting switches on these values.
type RejectReason string

const (
	RejectMissingField           RejectReason = "MissingField"
	RejectNegativePrice          RejectReason = "NegativePrice"
	RejectNonPositiveQuantity    RejectReason = "NonPositiveQuantity"
	RejectMalformedTimestamp     RejectReason = "MalformedTimestamp"
	RejectDuplicateIDWithinBatch RejectReason = "DuplicateIdWithinBatch"
)

// ValidationError describes a single rejected record.
type ValidationError struct {
	Index         int          `json:"index"`
	TransactionID string       `json:"transactionId,omitempty"`
	Reason        RejectReason `json:"reason"`
	Detail        string       `json:"detail"`
}

func (e *ValidationError) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("record %d (%s): %s: %s", e.Index, e.TransactionID, e.Reason, e.Detail)
	}
	return fmt.Sprintf("record %d: %s: %s", e.Index, e.Reason, e.Detail)
}

// RejectionReport summarizes validation of one batch.
type RejectionReport struct {
	BatchDate string             `json:"batchDate"`
	Total     int                `json:"total"`
	Accepted  int                `json:"accepted"`
	Rejected  int                `json:"rejected"`
	Rate      float64            `json:"rate"`
	Errors    []*ValidationError `json:"errors,omitempty"`
}

// BatchAbortedError is returned when the rejection rate exceeds the
// configured abort threshold. Nothing from the batch is staged.
type BatchAbortedError struct {
	Report    *RejectionReport
	Threshold float64
}

func (e *BatchAbortedError) Error() string {
	return fmt.Sprintf("batch %s aborted: rejection rate %.2f%% exceeds %.2f%% (%d of %d rejected)",
		e.Report.BatchDate, e.Report.Rate*100, e.Threshold*100, e.Report.Rejected, e.Report.Total)
}

// TransientIOError wraps an I/O failure that is expected to succeed on
// retry (network blips, busy storage, missing-but-late files).
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientIOError for the given operation.
// Returns nil when err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// IdempotencyViolationError signals a conflicting concurrent mutation
// for the same key. It is never retried: retrying would repeat the
// conflicting write.
type IdempotencyViolationError struct {
	Key    string
	Detail string
}

func (e *IdempotencyViolationError) Error() string {
	return fmt.Sprintf("idempotency violation on %s: %s", e.Key, e.Detail)
}

// InsufficientHistoryWarning notes that a (category, store) key had no
// usable history for anomaly detection. It is carried in run summaries
// and logs; it never fails a run.
type InsufficientHistoryWarning struct {
	Category string `json:"category"`
	StoreID  string `json:"storeId"`
	Points   int    `json:"points"`
}

func (w InsufficientHistoryWarning) String() string {
	return fmt.Sprintf("insufficient history for %s/%s: %d points", w.Category, w.StoreID, w.Points)
}

// IsRetryable reports whether the scheduler may re-run a task after err.
// Idempotency violations and deterministic batch failures are final;
// cancellation of the parent context is handled by the executor itself.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var iv *IdempotencyViolationError
	if errors.As(err, &iv) {
		return false
	}
	var ba *BatchAbortedError
	if errors.As(err, &ba) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
