// Package anomaly flags statistically unusual daily sales behavior.
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openretail-dev/heron/internal/domain"
)

// minZScorePoints is the history size below which the detector falls
// back from Z-score to the IQR method.
const minZScorePoints = 8

// iqrMultiplier widens the quartile bounds in the IQR method.
const iqrMultiplier = 1.5

// Metrics evaluated per (category, store) key, in output order.
var metrics = []string{
	domain.MetricDailyRevenue,
	domain.MetricTransactionCount,
	domain.MetricAvgOrderValue,
}

// Detector evaluates one day's aggregates against a lookback window.
// Both methods are pure functions over the history series, so the same
// input always yields the same flags in the same order.
type Detector struct {
	zThreshold float64
}

// NewDetector creates a detector from pipeline configuration.
func NewDetector(cfg domain.PipelineConfig) *Detector {
	threshold := cfg.ZThreshold
	if threshold == 0 {
		threshold = 2.5
	}
	return &Detector{zThreshold: threshold}
}

// Result carries the flags for a date plus the keys that were skipped
// for lack of history.
type Result struct {
	Flags    []*domain.AnomalyFlag
	Warnings []domain.InsufficientHistoryWarning
}

// Detect evaluates the observed aggregates for a date against the
// history window. History must not include the date itself. Keys seen
// on the date but absent from the window are skipped with a warning,
// not an error.
func (d *Detector) Detect(date string, observed, history []*domain.DailyAggregate) *Result {
	type key struct {
		category string
		storeID  string
	}

	// Series in date order per key and metric.
	histDates := append([]*domain.DailyAggregate(nil), history...)
	sort.Slice(histDates, func(i, j int) bool { return histDates[i].Date < histDates[j].Date })

	series := make(map[key]map[string][]float64)
	for _, agg := range histDates {
		k := key{agg.Category, agg.StoreID}
		if series[k] == nil {
			series[k] = make(map[string][]float64)
		}
		for _, metric := range metrics {
			series[k][metric] = append(series[k][metric], metricValue(agg, metric))
		}
	}

	days := append([]*domain.DailyAggregate(nil), observed...)
	sort.Slice(days, func(i, j int) bool {
		if days[i].Category != days[j].Category {
			return days[i].Category < days[j].Category
		}
		return days[i].StoreID < days[j].StoreID
	})

	res := &Result{}
	for _, agg := range days {
		k := key{agg.Category, agg.StoreID}
		hist, ok := series[k]
		if !ok {
			res.Warnings = append(res.Warnings, domain.InsufficientHistoryWarning{
				Category: agg.Category,
				StoreID:  agg.StoreID,
				Points:   0,
			})
			continue
		}

		for _, metric := range metrics {
			flag := d.evaluate(date, agg, metric, hist[metric])
			if flag != nil {
				res.Flags = append(res.Flags, flag)
			}
		}
	}

	slog.Info("anomaly detection complete",
		"date", date,
		"keys", len(days),
		"flags", len(res.Flags),
		"skipped", len(res.Warnings))
	return res
}

// evaluate runs one metric series through the Z-score method, or the
// IQR method when the series is short or flat.
func (d *Detector) evaluate(date string, agg *domain.DailyAggregate, metric string, hist []float64) *domain.AnomalyFlag {
	observed := metricValue(agg, metric)

	m := mean(hist)
	sd := stddev(hist, m)

	if len(hist) >= minZScorePoints && sd > 0 {
		score := (observed - m) / sd
		if math.Abs(score) < d.zThreshold {
			return nil
		}
		deviation := pctChange(observed, m)
		return d.newFlag(date, agg, metric, observed, score, domain.MethodZScore,
			severityFor(math.Abs(score)), m-2*sd, m+2*sd, deviation)
	}

	q1 := percentile(hist, 25)
	q3 := percentile(hist, 75)
	iqr := q3 - q1
	lower := q1 - iqrMultiplier*iqr
	upper := q3 + iqrMultiplier*iqr

	if observed >= lower && observed <= upper {
		return nil
	}

	// Strength is how far past the violated bound the value sits,
	// in IQR units. A flat window has no scale, so strength is zero.
	strength := 0.0
	if iqr > 0 {
		distance := math.Min(math.Abs(observed-lower), math.Abs(observed-upper))
		strength = distance / iqr
	}
	deviation := pctChange(observed, percentile(hist, 50))
	return d.newFlag(date, agg, metric, observed, strength, domain.MethodIQR,
		severityFor(strength), lower, upper, deviation)
}

func (d *Detector) newFlag(date string, agg *domain.DailyAggregate, metric string, observed, score float64, method, severity string, lo, hi, deviation float64) *domain.AnomalyFlag {
	// Name-based id keeps re-runs over the same data from minting new
	// flag identities.
	name := date + "/" + agg.Category + "/" + agg.StoreID + "/" + metric
	return &domain.AnomalyFlag{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
		Date:           date,
		Category:       agg.Category,
		StoreID:        agg.StoreID,
		Metric:         metric,
		Observed:       observed,
		Score:          score,
		Method:         method,
		Severity:       severity,
		ExpectedLo:     lo,
		ExpectedHi:     hi,
		DeviationPct:   deviation,
		Recommendation: recommendationFor(metric, deviation),
		DetectedAt:     time.Now().UTC(),
	}
}

func metricValue(agg *domain.DailyAggregate, metric string) float64 {
	switch metric {
	case domain.MetricDailyRevenue:
		return agg.Revenue
	case domain.MetricTransactionCount:
		return float64(agg.TransactionCount)
	case domain.MetricAvgOrderValue:
		return agg.AvgOrderValue
	}
	return 0
}

func severityFor(score float64) string {
	switch {
	case score > 5:
		return domain.SeverityCritical
	case score > 4:
		return domain.SeverityHigh
	case score > 3:
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

func recommendationFor(metric string, deviationPct float64) string {
	direction := "decrease"
	if deviationPct > 0 {
		direction = "increase"
	}
	absPct := math.Abs(deviationPct)

	switch metric {
	case domain.MetricDailyRevenue:
		return fmt.Sprintf("Revenue %sd by %.1f%%. Review pricing strategy and promotions.", direction, absPct)
	case domain.MetricTransactionCount:
		return fmt.Sprintf("Transaction volume %sd by %.1f%%. Check store traffic and marketing campaigns.", direction, absPct)
	case domain.MetricAvgOrderValue:
		return fmt.Sprintf("Average order value %sd by %.1f%%. Analyze product mix and upselling effectiveness.", direction, absPct)
	}
	return fmt.Sprintf("Unusual %s of %.1f%% detected. Investigate root cause.", direction, absPct)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the population standard deviation.
func stddev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}

	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func pctChange(value, base float64) float64 {
	if base == 0 {
		return 0
	}
	return (value - base) / base * 100
}
