package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

// Rule is a persisted procedural-memory rule. The condition is kept as raw
// JSON; the memory package compiles it.
type Rule struct {
	ID            string
	Name          string
	Type          string // domain, content_pattern, metadata, custom
	ConditionJSON string
	Action        string // accept, reject, tag, priority_boost, custom
	ActionValue   string
	Priority      int
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	UsageCount    int
	LastUsed      time.Time
}

// UpsertRule inserts or updates a rule by id. New rules without an id get a
// generated one.
func (s *Store) UpsertRule(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	var lastUsed any
	if !r.LastUsed.IsZero() {
		lastUsed = formatTime(r.LastUsed)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procedural_rules
			(id, name, rule_type, condition_json, action, action_value, priority, enabled, created_at, updated_at, usage_count, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rule_type = excluded.rule_type,
			condition_json = excluded.condition_json,
			action = excluded.action,
			action_value = excluded.action_value,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Type, r.ConditionJSON, r.Action, r.ActionValue, r.Priority,
		boolToInt(r.Enabled), formatTime(r.CreatedAt), formatTime(r.UpdatedAt), r.UsageCount, lastUsed)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.Name, err)
	}
	return nil
}

// ListRules returns rules in evaluation order: priority descending, then
// creation time ascending.
func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]Rule, error) {
	query := `
		SELECT id, name, rule_type, condition_json, action, action_value, priority, enabled,
		       created_at, updated_at, usage_count, last_used
		FROM procedural_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var enabled int
		var createdAt, updatedAt string
		var lastUsed sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.ConditionJSON, &r.Action, &r.ActionValue,
			&r.Priority, &enabled, &createdAt, &updatedAt, &r.UsageCount, &lastUsed); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		if lastUsed.Valid {
			r.LastUsed = parseTime(lastUsed.String)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetRuleEnabled flips a rule on or off; quarantine uses this.
func (s *Store) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE procedural_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), formatTime(time.Now()), ruleID)
	if err != nil {
		return fmt.Errorf("set rule %s enabled=%v: %w", ruleID, enabled, err)
	}
	return nil
}

// RecordRuleExecution appends an audit row and bumps usage_count/last_used
// in the same transaction.
func (s *Store) RecordRuleExecution(ctx context.Context, ruleID, url, action string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rule_execution_history (id, rule_id, url, action, executed_at)
		VALUES (?, ?, ?, ?, ?)`,
		ksuid.New().String(), ruleID, url, action, now); err != nil {
		return fmt.Errorf("record rule execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE procedural_rules SET usage_count = usage_count + 1, last_used = ? WHERE id = ?`,
		now, ruleID); err != nil {
		return fmt.Errorf("bump rule usage: %w", err)
	}
	return tx.Commit()
}

// RuleExecutionCount returns the audit row count for one rule.
func (s *Store) RuleExecutionCount(ctx context.Context, ruleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rule_execution_history WHERE rule_id = ?`, ruleID).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
