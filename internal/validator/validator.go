// Package validator screens raw batch records before they reach staging.
package validator

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
)

// Accepted layouts for the record timestamp. Naive layouts parse as UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Result is the outcome of validating one batch.
type Result struct {
	Accepted []*domain.SalesRecord
	Report   *domain.RejectionReport
}

// Validator applies the rejection taxonomy and the batch abort threshold.
type Validator struct {
	abortRate float64
}

// New creates a validator from pipeline configuration.
func New(cfg domain.PipelineConfig) *Validator {
	rate := cfg.RejectionAbortRate
	if rate == 0 {
		rate = 0.10
	}
	return &Validator{abortRate: rate}
}

// Validate screens the raw records for a batch date. Each rejected record
// carries exactly one reason, the first failed check in taxonomy order.
// When the rejection rate exceeds the abort threshold the whole batch is
// refused with a BatchAbortedError and nothing may be staged.
func (v *Validator) Validate(date string, raws []domain.RawRecord) (*Result, error) {
	accepted := make([]*domain.SalesRecord, 0, len(raws))
	report := &domain.RejectionReport{
		BatchDate: date,
		Total:     len(raws),
	}

	// First occurrence of a transaction_id stakes the claim, whether or
	// not that occurrence itself survives the other checks.
	seen := make(map[string]int, len(raws))

	for i, raw := range raws {
		id := strings.TrimSpace(raw[domain.FieldTransactionID])
		if id != "" {
			if firstIdx, dup := seen[id]; dup {
				report.Errors = append(report.Errors, &domain.ValidationError{
					Index:         i,
					TransactionID: id,
					Reason:        domain.RejectDuplicateIDWithinBatch,
					Detail:        "first seen at index " + strconv.Itoa(firstIdx),
				})
				continue
			}
			seen[id] = i
		}

		rec, verr := screen(i, raw)
		if verr != nil {
			slog.Debug("record rejected",
				"date", date,
				"index", i,
				"reason", verr.Reason,
				"detail", verr.Detail)
			report.Errors = append(report.Errors, verr)
			continue
		}
		accepted = append(accepted, rec)
	}

	report.Accepted = len(accepted)
	report.Rejected = len(report.Errors)
	if report.Total > 0 {
		report.Rate = float64(report.Rejected) / float64(report.Total)
	}

	if report.Rate > v.abortRate {
		slog.Warn("batch aborted, rejection rate over threshold",
			"date", date,
			"total", report.Total,
			"rejected", report.Rejected,
			"rate", report.Rate,
			"threshold", v.abortRate)
		return nil, &domain.BatchAbortedError{Report: report, Threshold: v.abortRate}
	}

	slog.Info("batch validated",
		"date", date,
		"total", report.Total,
		"accepted", report.Accepted,
		"rejected", report.Rejected)
	return &Result{Accepted: accepted, Report: report}, nil
}

// screen checks a single record against the taxonomy and parses it.
func screen(i int, raw domain.RawRecord) (*domain.SalesRecord, *domain.ValidationError) {
	id := strings.TrimSpace(raw[domain.FieldTransactionID])

	reject := func(reason domain.RejectReason, detail string) (*domain.SalesRecord, *domain.ValidationError) {
		return nil, &domain.ValidationError{
			Index:         i,
			TransactionID: id,
			Reason:        reason,
			Detail:        detail,
		}
	}

	for _, field := range []string{
		domain.FieldTransactionID,
		domain.FieldStoreID,
		domain.FieldProductID,
		domain.FieldCategory,
		domain.FieldPrice,
		domain.FieldQuantity,
	} {
		if strings.TrimSpace(raw[field]) == "" {
			return reject(domain.RejectMissingField, field)
		}
	}
	tsField, tsValue := timeField(raw)
	if tsValue == "" {
		return reject(domain.RejectMissingField, tsField)
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(raw[domain.FieldPrice]), 64)
	if err != nil {
		return reject(domain.RejectNegativePrice, "unparseable price "+strconv.Quote(raw[domain.FieldPrice]))
	}
	if price < 0 {
		return reject(domain.RejectNegativePrice, "price "+strconv.FormatFloat(price, 'f', -1, 64))
	}

	qty, err := strconv.ParseInt(strings.TrimSpace(raw[domain.FieldQuantity]), 10, 64)
	if err != nil {
		return reject(domain.RejectNonPositiveQuantity, "unparseable quantity "+strconv.Quote(raw[domain.FieldQuantity]))
	}
	if qty <= 0 {
		return reject(domain.RejectNonPositiveQuantity, "quantity "+strconv.FormatInt(qty, 10))
	}

	ts, ok := parseTimestamp(tsValue)
	if !ok {
		return reject(domain.RejectMalformedTimestamp, strconv.Quote(tsValue))
	}

	return &domain.SalesRecord{
		TransactionID:   id,
		StoreID:         strings.TrimSpace(raw[domain.FieldStoreID]),
		ProductID:       strings.TrimSpace(raw[domain.FieldProductID]),
		Category:        strings.TrimSpace(raw[domain.FieldCategory]),
		Price:           price,
		Quantity:        qty,
		TransactionTime: ts,
	}, nil
}

// timeField resolves the record's time column. Batch files use
// "timestamp"; records already in canonical form use "transaction_time".
func timeField(raw domain.RawRecord) (string, string) {
	if v := strings.TrimSpace(raw[domain.FieldTimestamp]); v != "" {
		return domain.FieldTimestamp, v
	}
	if v := strings.TrimSpace(raw[domain.FieldTransactionTime]); v != "" {
		return domain.FieldTransactionTime, v
	}
	return domain.FieldTimestamp, ""
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
