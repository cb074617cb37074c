// Package storage provides persistence for QuietDesk.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quietdesk/quietdesk/internal/core"
)

// RuleStore handles triage rule persistence
type RuleStore struct {
	db *DB
}

// NewRuleStore creates a new rule store
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `id, name, type, source, status,
	       trigger_kind, trigger_value, action_recommendation, action_batch_type,
	       guidance, pattern_key, evidence, match_count, last_matched_at, version,
	       created_at, updated_at`

// Create inserts a new rule. The ≤1 active/proposed rule per pattern key
// invariant is checked before the write and backed by a partial unique index.
func (s *RuleStore) Create(rule *core.TriageRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	if rule.Status == core.RuleStatusActive || rule.Status == core.RuleStatusProposed {
		open, err := s.HasOpenRule(rule.PatternKey)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: pattern %q", core.ErrRuleConflict, rule.PatternKey)
		}
	}

	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = core.RuleID(uuid.NewString())
	}
	rule.Version = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now

	var triggerKind, triggerValue, actionRec, actionBatch sql.NullString
	if rule.Trigger != nil {
		triggerKind = sql.NullString{String: string(rule.Trigger.Kind), Valid: true}
		triggerValue = sql.NullString{String: rule.Trigger.Value, Valid: true}
	}
	if rule.Action != nil {
		actionRec = sql.NullString{String: string(rule.Action.Recommendation), Valid: true}
		actionBatch = sql.NullString{String: rule.Action.BatchType, Valid: rule.Action.BatchType != ""}
	}

	evidence, err := marshalEvidence(rule.Evidence)
	if err != nil {
		return err
	}

	_, err = s.db.conn.Exec(`
		INSERT INTO triage_rules (
		    id, name, type, source, status,
		    trigger_kind, trigger_value, action_recommendation, action_batch_type,
		    guidance, pattern_key, evidence, match_count, last_matched_at, version,
		    created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, 1, ?, ?)
	`,
		rule.ID, rule.Name, rule.Type, rule.Source, rule.Status,
		triggerKind, triggerValue, actionRec, actionBatch,
		rule.Guidance, rule.PatternKey, evidence,
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		// Concurrent create raced us past the pre-check.
		return fmt.Errorf("%w: pattern %q", core.ErrRuleConflict, rule.PatternKey)
	}
	return err
}

// GetByID returns a rule by ID
func (s *RuleStore) GetByID(id core.RuleID) (*core.TriageRule, error) {
	row := s.db.conn.QueryRow(`SELECT `+ruleColumns+` FROM triage_rules WHERE id = ?`, id)
	return s.scanRule(row)
}

// List returns rules, optionally filtered by status, newest first
func (s *RuleStore) List(status core.RuleStatus) ([]*core.TriageRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM triage_rules`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRules(rows)
}

// ListActiveStructured returns active structured rules for the matcher
func (s *RuleStore) ListActiveStructured() ([]*core.TriageRule, error) {
	rows, err := s.db.conn.Query(`
		SELECT `+ruleColumns+` FROM triage_rules
		WHERE status = 'active' AND type = 'structured'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRules(rows)
}

// ListActiveGuidance returns active guidance rules for prompt context
func (s *RuleStore) ListActiveGuidance() ([]*core.TriageRule, error) {
	rows, err := s.db.conn.Query(`
		SELECT `+ruleColumns+` FROM triage_rules
		WHERE status = 'active' AND type = 'guidance'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRules(rows)
}

// FindActiveBySender performs the dedup lookup for override-driven
// reclassification: repeated corrections for one sender must update one rule.
func (s *RuleStore) FindActiveBySender(sender string) (*core.TriageRule, error) {
	row := s.db.conn.QueryRow(`
		SELECT `+ruleColumns+` FROM triage_rules
		WHERE status = 'active' AND type = 'structured'
		  AND trigger_kind = 'sender' AND trigger_value = ?
	`, sender)
	rule, err := s.scanRule(row)
	if err == core.ErrRuleNotFound {
		return nil, core.ErrRuleNotFound
	}
	return rule, err
}

// FindOpenByPattern returns the active or proposed rule holding a pattern key
func (s *RuleStore) FindOpenByPattern(patternKey string) (*core.TriageRule, error) {
	row := s.db.conn.QueryRow(`
		SELECT `+ruleColumns+` FROM triage_rules
		WHERE pattern_key = ? AND status IN ('active', 'proposed')
	`, patternKey)
	return s.scanRule(row)
}

// Update rewrites a rule's mutable fields and bumps its version
func (s *RuleStore) Update(rule *core.TriageRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	var triggerKind, triggerValue, actionRec, actionBatch sql.NullString
	if rule.Trigger != nil {
		triggerKind = sql.NullString{String: string(rule.Trigger.Kind), Valid: true}
		triggerValue = sql.NullString{String: rule.Trigger.Value, Valid: true}
	}
	if rule.Action != nil {
		actionRec = sql.NullString{String: string(rule.Action.Recommendation), Valid: true}
		actionBatch = sql.NullString{String: rule.Action.BatchType, Valid: rule.Action.BatchType != ""}
	}

	evidence, err := marshalEvidence(rule.Evidence)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()
	res, err := s.db.conn.Exec(`
		UPDATE triage_rules SET
		    name = ?, type = ?, source = ?, status = ?,
		    trigger_kind = ?, trigger_value = ?,
		    action_recommendation = ?, action_batch_type = ?,
		    guidance = ?, pattern_key = ?, evidence = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ?
	`,
		rule.Name, rule.Type, rule.Source, rule.Status,
		triggerKind, triggerValue, actionRec, actionBatch,
		rule.Guidance, rule.PatternKey, evidence, rule.UpdatedAt, rule.ID,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		// The new pattern key collides with another open rule.
		return fmt.Errorf("%w: pattern %q", core.ErrRuleConflict, rule.PatternKey)
	}
	if err != nil {
		return err
	}
	if err := requireRow(res, core.ErrRuleNotFound); err != nil {
		return err
	}
	rule.Version++
	return nil
}

// RecordMatch increments match statistics; machine state, no version bump
func (s *RuleStore) RecordMatch(id core.RuleID) error {
	now := time.Now().UTC()
	res, err := s.db.conn.Exec(`
		UPDATE triage_rules
		SET match_count = match_count + 1, last_matched_at = ?, updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return err
	}
	return requireRow(res, core.ErrRuleNotFound)
}

// Accept transitions a proposed rule to active. One-way per proposal instance.
func (s *RuleStore) Accept(id core.RuleID) (*core.TriageRule, error) {
	return s.transition(id, core.RuleStatusActive)
}

// Dismiss transitions a proposed rule to dismissed. One-way per proposal instance.
func (s *RuleStore) Dismiss(id core.RuleID) (*core.TriageRule, error) {
	return s.transition(id, core.RuleStatusDismissed)
}

func (s *RuleStore) transition(id core.RuleID, to core.RuleStatus) (*core.TriageRule, error) {
	rule, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	if rule.Status != core.RuleStatusProposed {
		return nil, core.ErrProposalClosed
	}

	now := time.Now().UTC()
	res, err := s.db.conn.Exec(`
		UPDATE triage_rules SET status = ?, updated_at = ?
		WHERE id = ? AND status = 'proposed'
	`, to, now, id)
	if err != nil {
		return nil, err
	}
	if err := requireRow(res, core.ErrProposalClosed); err != nil {
		return nil, err
	}

	rule.Status = to
	rule.UpdatedAt = now
	return rule, nil
}

// HasOpenRule reports whether an active or proposed rule exists for the pattern
func (s *RuleStore) HasOpenRule(patternKey string) (bool, error) {
	var count int
	err := s.db.conn.QueryRow(`
		SELECT COUNT(*) FROM triage_rules
		WHERE pattern_key = ? AND status IN ('active', 'proposed')
	`, patternKey).Scan(&count)
	return count > 0, err
}

// CountDismissed returns how many proposals for the pattern the user dismissed
func (s *RuleStore) CountDismissed(patternKey string) (int, error) {
	var count int
	err := s.db.conn.QueryRow(`
		SELECT COUNT(*) FROM triage_rules
		WHERE pattern_key = ? AND status = 'dismissed' AND source = 'learned'
	`, patternKey).Scan(&count)
	return count, err
}

// Delete removes a rule
func (s *RuleStore) Delete(id core.RuleID) error {
	res, err := s.db.conn.Exec("DELETE FROM triage_rules WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res, core.ErrRuleNotFound)
}

func (s *RuleStore) scanRule(row *sql.Row) (*core.TriageRule, error) {
	rule := &core.TriageRule{}
	var triggerKind, triggerValue, actionRec, actionBatch, guidance, evidence sql.NullString
	var lastMatched sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Type, &rule.Source, &rule.Status,
		&triggerKind, &triggerValue, &actionRec, &actionBatch,
		&guidance, &rule.PatternKey, &evidence, &rule.MatchCount, &lastMatched, &rule.Version,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.hydrate(rule, triggerKind, triggerValue, actionRec, actionBatch, guidance, evidence, lastMatched)
}

func (s *RuleStore) scanRules(rows *sql.Rows) ([]*core.TriageRule, error) {
	var rules []*core.TriageRule

	for rows.Next() {
		rule := &core.TriageRule{}
		var triggerKind, triggerValue, actionRec, actionBatch, guidance, evidence sql.NullString
		var lastMatched sql.NullTime

		err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Type, &rule.Source, &rule.Status,
			&triggerKind, &triggerValue, &actionRec, &actionBatch,
			&guidance, &rule.PatternKey, &evidence, &rule.MatchCount, &lastMatched, &rule.Version,
			&rule.CreatedAt, &rule.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		hydrated, err := s.hydrate(rule, triggerKind, triggerValue, actionRec, actionBatch, guidance, evidence, lastMatched)
		if err != nil {
			return nil, err
		}
		rules = append(rules, hydrated)
	}

	return rules, rows.Err()
}

func (s *RuleStore) hydrate(rule *core.TriageRule, triggerKind, triggerValue, actionRec, actionBatch, guidance, evidence sql.NullString, lastMatched sql.NullTime) (*core.TriageRule, error) {
	if triggerKind.Valid {
		rule.Trigger = &core.RuleTrigger{
			Kind:  core.TriggerKind(triggerKind.String),
			Value: triggerValue.String,
		}
	}
	if actionRec.Valid {
		rule.Action = &core.RuleAction{
			Recommendation: core.Recommendation(actionRec.String),
			BatchType:      actionBatch.String,
		}
	}
	rule.Guidance = guidance.String
	if evidence.Valid && evidence.String != "" {
		ev := &core.ProposalEvidence{}
		if err := json.Unmarshal([]byte(evidence.String), ev); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		rule.Evidence = ev
	}
	if lastMatched.Valid {
		t := lastMatched.Time
		rule.LastMatchedAt = &t
	}
	return rule, nil
}

func marshalEvidence(ev *core.ProposalEvidence) (sql.NullString, error) {
	if ev == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal evidence: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
