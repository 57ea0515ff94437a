package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"pkmd/internal/logging"
	"pkmd/internal/store"
)

// Condition is a rule's condition tree. A node either carries an operator
// with subconditions or is a leaf with field/comparator/value.
type Condition struct {
	Operator   string      `json:"operator,omitempty" yaml:"operator,omitempty"` // and, or, not
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Field      string `json:"field,omitempty" yaml:"field,omitempty"`
	Comparator string `json:"comparator,omitempty" yaml:"comparator,omitempty"`
	Value      any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Action is one matched rule's contribution to a decision.
type Action struct {
	RuleID   string
	RuleName string
	Action   string // accept, reject, tag, priority_boost, custom
	Value    string
	Priority int
}

// predicate is a compiled condition.
type predicate func(ctx map[string]any) bool

// Procedural evaluates user-defined rules against a classification context.
// Conditions are compiled once per rule revision; rules whose condition
// cannot compile are quarantined.
type Procedural struct {
	store  *store.Store
	logger logging.Logger

	mu       sync.Mutex
	compiled map[string]predicate // keyed by rule id + updated_at
}

// NewProcedural builds the procedural memory over the relational store.
func NewProcedural(s *store.Store, logger logging.Logger) *Procedural {
	return &Procedural{store: s, logger: logging.OrNop(logger), compiled: make(map[string]predicate)}
}

// Evaluate runs all enabled rules against evalCtx in priority order and
// returns the matched actions. Evaluation stops at the first accept or
// reject; tag and priority_boost actions accumulate. Every match is
// recorded in the audit trail.
func (p *Procedural) Evaluate(ctx context.Context, url string, evalCtx map[string]any) ([]Action, error) {
	rules, err := p.store.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}

	var actions []Action
	for _, rule := range rules {
		pred, err := p.compile(rule)
		if err != nil {
			p.quarantine(ctx, rule, err)
			continue
		}
		if !pred(evalCtx) {
			continue
		}

		actions = append(actions, Action{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Action:   rule.Action,
			Value:    rule.ActionValue,
			Priority: rule.Priority,
		})
		if err := p.store.RecordRuleExecution(ctx, rule.ID, url, rule.Action); err != nil {
			p.logger.Warn("Procedural: record execution of %s: %v", rule.Name, err)
		}
		if rule.Action == "accept" || rule.Action == "reject" {
			break
		}
	}
	return actions, nil
}

func (p *Procedural) quarantine(ctx context.Context, rule store.Rule, cause error) {
	p.logger.Warn("Procedural: quarantining rule %s: %v", rule.Name, cause)
	if err := p.store.SetRuleEnabled(ctx, rule.ID, false); err != nil {
		p.logger.Error("Procedural: disable rule %s: %v", rule.Name, err)
	}
}

func (p *Procedural) compile(rule store.Rule) (predicate, error) {
	key := rule.ID + "|" + rule.UpdatedAt.String()
	p.mu.Lock()
	if pred, ok := p.compiled[key]; ok {
		p.mu.Unlock()
		return pred, nil
	}
	p.mu.Unlock()

	var cond Condition
	if err := json.Unmarshal([]byte(rule.ConditionJSON), &cond); err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	pred, err := compileCondition(cond)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.compiled[key] = pred
	p.mu.Unlock()
	return pred, nil
}

// compileCondition turns a condition tree into a closure. All validation,
// including regex compilation, happens here so evaluation cannot fail.
func compileCondition(c Condition) (predicate, error) {
	switch strings.ToLower(c.Operator) {
	case "and", "or":
		if len(c.Conditions) == 0 {
			return nil, fmt.Errorf("%s operator without subconditions", c.Operator)
		}
		subs := make([]predicate, len(c.Conditions))
		for i, sub := range c.Conditions {
			pred, err := compileCondition(sub)
			if err != nil {
				return nil, err
			}
			subs[i] = pred
		}
		if strings.ToLower(c.Operator) == "and" {
			return func(ctx map[string]any) bool {
				for _, sub := range subs {
					if !sub(ctx) {
						return false
					}
				}
				return true
			}, nil
		}
		return func(ctx map[string]any) bool {
			for _, sub := range subs {
				if sub(ctx) {
					return true
				}
			}
			return false
		}, nil
	case "not":
		if len(c.Conditions) != 1 {
			return nil, fmt.Errorf("not operator needs exactly one subcondition, got %d", len(c.Conditions))
		}
		sub, err := compileCondition(c.Conditions[0])
		if err != nil {
			return nil, err
		}
		return func(ctx map[string]any) bool { return !sub(ctx) }, nil
	case "":
		return compileLeaf(c)
	default:
		return nil, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func compileLeaf(c Condition) (predicate, error) {
	if c.Field == "" {
		return nil, fmt.Errorf("leaf condition without field")
	}
	want := fmt.Sprint(c.Value)

	switch c.Comparator {
	case "equals":
		return stringLeaf(c.Field, want, func(have, want string) bool { return have == want }), nil
	case "contains":
		return stringLeaf(c.Field, want, strings.Contains), nil
	case "starts_with":
		return stringLeaf(c.Field, want, strings.HasPrefix), nil
	case "ends_with":
		return stringLeaf(c.Field, want, strings.HasSuffix), nil
	case "matches":
		re, err := regexp.Compile("(?i)" + want)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for %s: %w", c.Field, err)
		}
		field := c.Field
		return func(ctx map[string]any) bool {
			have, ok := lookupString(ctx, field)
			return ok && re.MatchString(have)
		}, nil
	case "greater_than", "less_than":
		threshold, err := toFloat(c.Value)
		if err != nil {
			return nil, fmt.Errorf("non-numeric value for %s %s: %w", c.Field, c.Comparator, err)
		}
		field, greater := c.Field, c.Comparator == "greater_than"
		return func(ctx map[string]any) bool {
			raw, ok := lookup(ctx, field)
			if !ok {
				return false
			}
			have, err := toFloat(raw)
			if err != nil {
				return false
			}
			if greater {
				return have > threshold
			}
			return have < threshold
		}, nil
	default:
		return nil, fmt.Errorf("unknown comparator %q", c.Comparator)
	}
}

// stringLeaf builds a case-insensitive string comparator over a dotted
// field path. A missing field never matches.
func stringLeaf(field, want string, cmp func(have, want string) bool) predicate {
	lowWant := strings.ToLower(want)
	return func(ctx map[string]any) bool {
		have, ok := lookupString(ctx, field)
		return ok && cmp(strings.ToLower(have), lowWant)
	}
}

// lookup walks a dotted path through nested maps.
func lookup(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = ctx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func lookupString(ctx map[string]any, path string) (string, bool) {
	v, ok := lookup(ctx, path)
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	default:
		return fmt.Sprint(v), true
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to float", v)
	}
}

// seededRule is one entry of a rules.yaml file.
type seededRule struct {
	Name        string    `yaml:"name"`
	Type        string    `yaml:"type"`
	Condition   Condition `yaml:"condition"`
	Action      string    `yaml:"action"`
	ActionValue string    `yaml:"action_value"`
	Priority    int       `yaml:"priority"`
}

// SeedFromYAML loads rules from a yaml file, inserting those whose name is
// not already present. A missing file is not an error. Seeding is
// idempotent across restarts.
func (p *Procedural) SeedFromYAML(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var seeds []seededRule
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	existing, err := p.store.ListRules(ctx, false)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, r := range existing {
		known[r.Name] = true
	}

	for _, seed := range seeds {
		if seed.Name == "" || known[seed.Name] {
			continue
		}
		condJSON, err := json.Marshal(seed.Condition)
		if err != nil {
			return fmt.Errorf("encode condition for %s: %w", seed.Name, err)
		}
		ruleType := seed.Type
		if ruleType == "" {
			ruleType = "custom"
		}
		rule := &store.Rule{
			Name:          seed.Name,
			Type:          ruleType,
			ConditionJSON: string(condJSON),
			Action:        seed.Action,
			ActionValue:   seed.ActionValue,
			Priority:      seed.Priority,
			Enabled:       true,
		}
		if err := p.store.UpsertRule(ctx, rule); err != nil {
			return err
		}
		p.logger.Info("Procedural: seeded rule %s (%s, priority %d)", seed.Name, seed.Action, seed.Priority)
	}
	return nil
}
