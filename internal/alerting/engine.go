// Package alerting routes anomaly flags to alert channels through
// CEL-based rules.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/uuid"

	"github.com/openretail-dev/heron/internal/domain"
)

// Engine compiles alert rules once and evaluates them against flags.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledRule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.AlertRule
	Program cel.Program
}

// NewEngine creates a rule engine with the flag variable set declared.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	env, err := cel.NewEnv(
		cel.Variable("flag", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("severity", cel.StringType),
		cel.Variable("metric", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("store_id", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("observed", cel.DoubleType),
		cel.Variable("deviation_pct", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("alert rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads one rule.
func (e *Engine) LoadRule(rule *domain.AlertRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}
	e.compiled[rule.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(rules []*domain.AlertRule) error {
	for _, rule := range rules {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules swaps the loaded rule set atomically. Disabled rules are
// skipped; one bad expression rejects the whole set.
func (e *Engine) ReloadRules(rules []*domain.AlertRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}
	e.compiled = next
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// LoadedRules returns the loaded rule configurations in ID order.
func (e *Engine) LoadedRules() []*domain.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.AlertRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c.Rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close clears the loaded rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledRule)
	return nil
}

// Route evaluates every loaded rule against every flag. A flag matched
// by any suppress rule produces nothing; otherwise one alert is created
// per matching route rule. Output order is deterministic: flags keep
// their input order, alerts per flag follow rule ID order, and alert
// IDs derive from (rule, flag), so re-routing the same flags yields the
// same alerts.
func (e *Engine) Route(ctx context.Context, runID string, flags []*domain.AnomalyFlag) ([]*domain.Alert, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c)
	}
	e.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Rule.ID < rules[j].Rule.ID })

	if len(rules) == 0 || len(flags) == 0 {
		return nil, nil
	}

	perFlag := make([][]*domain.Alert, len(flags))
	errs := make([]error, len(flags))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)
	for i, flag := range flags {
		wg.Add(1)
		go func(idx int, f *domain.AnomalyFlag) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}
			perFlag[idx], errs[idx] = e.routeFlag(runID, rules, f)
		}(i, flag)
	}
	wg.Wait()

	var out []*domain.Alert
	for i, alerts := range perFlag {
		if errs[i] != nil {
			return nil, errs[i]
		}
		out = append(out, alerts...)
	}
	return out, nil
}

// routeFlag evaluates the rule list against one flag.
func (e *Engine) routeFlag(runID string, rules []*CompiledRule, flag *domain.AnomalyFlag) ([]*domain.Alert, error) {
	activation := map[string]any{
		"flag": map[string]any{
			"id":        flag.ID,
			"date":      flag.Date,
			"category":  flag.Category,
			"store_id":  flag.StoreID,
			"metric":    flag.Metric,
			"method":    flag.Method,
			"severity":  flag.Severity,
			"score":     flag.Score,
			"observed":  flag.Observed,
			"deviation": flag.DeviationPct,
		},
		"severity":      flag.Severity,
		"metric":        flag.Metric,
		"category":      flag.Category,
		"store_id":      flag.StoreID,
		"method":        flag.Method,
		"score":         flag.Score,
		"observed":      flag.Observed,
		"deviation_pct": flag.DeviationPct,
	}

	var matched []*CompiledRule
	for _, rule := range rules {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("rule %s: evaluating flag %s: %w", rule.Rule.ID, flag.ID, err)
		}
		if !toBool(out) {
			continue
		}
		if rule.Rule.Suppress {
			return nil, nil
		}
		matched = append(matched, rule)
	}

	alerts := make([]*domain.Alert, 0, len(matched))
	now := time.Now().UTC()
	for _, rule := range matched {
		alerts = append(alerts, &domain.Alert{
			ID:        alertID(rule.Rule.ID, flag.ID),
			RunID:     runID,
			RuleID:    rule.Rule.ID,
			Channel:   rule.Rule.Channel,
			Date:      flag.Date,
			Category:  flag.Category,
			StoreID:   flag.StoreID,
			Metric:    flag.Metric,
			Severity:  flag.Severity,
			Score:     flag.Score,
			Message:   alertMessage(flag),
			CreatedAt: now,
		})
	}
	return alerts, nil
}

// alertID is stable for a (rule, flag) pair so re-runs do not mint new
// alert identities.
func alertID(ruleID, flagID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(ruleID+"/"+flagID)).String()
}

func alertMessage(flag *domain.AnomalyFlag) string {
	return fmt.Sprintf("%s %s anomaly for %s/%s on %s: %s",
		flag.Severity, flag.Metric, flag.Category, flag.StoreID, flag.Date, flag.Recommendation)
}

func toBool(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}

func (e *Engine) compileRule(rule *domain.AlertRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("alert rule has no id")
	}
	if !rule.Suppress && rule.Channel == "" {
		return nil, fmt.Errorf("rule %s: routing rules need a channel", rule.ID)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	return &CompiledRule{Rule: rule, Program: program}, nil
}
