package domain

import (
	"time"
)

// Metric names the detector evaluates per (category, store) key.
const (
	MetricDailyRevenue     = "daily_revenue"
	MetricTransactionCount = "transaction_count"
	MetricAvgOrderValue    = "avg_order_value"
)

// Detection methods.
const (
	MethodZScore = "zscore"
	MethodIQR    = "iqr"
)

// Severity levels, weakest to strongest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// DailyAggregate is one day's metrics for a (category, store) key.
type DailyAggregate struct {
	Date             string  `json:"date"`
	Category         string  `json:"category"`
	StoreID          string  `json:"storeId"`
	Revenue          float64 `json:"revenue"`
	TransactionCount int64   `json:"transactionCount"`
	AvgOrderValue    float64 `json:"avgOrderValue"`
}

// AnomalyFlag is one detected anomaly. Output is deterministic: the same
// facts and history always produce the same flags in the same order.
type AnomalyFlag struct {
	ID             string    `json:"id"`
	RunID          string    `json:"runId"`
	Date           string    `json:"date"`
	Category       string    `json:"category"`
	StoreID        string    `json:"storeId"`
	Metric         string    `json:"metric"`
	Observed       float64   `json:"observed"`
	Score          float64   `json:"score"` // signed z-score, or IQR distance-beyond-bound over IQR
	Method         string    `json:"method"`
	Severity       string    `json:"severity"`
	ExpectedLo     float64   `json:"expectedLo"`
	ExpectedHi     float64   `json:"expectedHi"`
	DeviationPct   float64   `json:"deviationPct"`
	Recommendation string    `json:"recommendation"`
	DetectedAt     time.Time `json:"detectedAt"`
}
