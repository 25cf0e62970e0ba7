package domain

import "time"

// AlertRule routes anomaly flags to a channel via a CEL expression.
type AlertRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression evaluated against a flag. Variables:
	// severity, metric, category, store_id, method (strings),
	// score, observed, deviation_pct (doubles), flag (map).
	Expression string `json:"expression"`

	// Channel the alert is published on (heron.alert.<channel>).
	Channel string `json:"channel"`

	// Suppress drops matching flags instead of routing them.
	Suppress bool `json:"suppress"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// Alert is a routed anomaly flag.
type Alert struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	RuleID    string    `json:"ruleId"`
	Channel   string    `json:"channel"`
	Date      string    `json:"date"`
	Category  string    `json:"category"`
	StoreID   string    `json:"storeId"`
	Metric    string    `json:"metric"`
	Severity  string    `json:"severity"`
	Score     float64   `json:"score"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultAlertRules returns the built-in routing table: pages for
// critical and high severities, ops review for medium, low suppressed.
func DefaultAlertRules() []*AlertRule {
	return []*AlertRule{
		{
			ID:          "route-pager",
			Name:        "Page on severe anomalies",
			Description: "Critical and high severity flags wake someone up",
			Expression:  `severity == "critical" || severity == "high"`,
			Channel:     "pager",
			Enabled:     true,
		},
		{
			ID:          "route-ops",
			Name:        "Ops review queue",
			Description: "Medium severity flags go to the ops queue",
			Expression:  `severity == "medium"`,
			Channel:     "ops",
			Enabled:     true,
		},
		{
			ID:          "suppress-low",
			Name:        "Suppress low severity",
			Description: "Low severity flags are recorded but not routed",
			Expression:  `severity == "low"`,
			Suppress:    true,
			Enabled:     true,
		},
	}
}
