// Package rules manages user-authored triage rules: direct CRUD and
// natural-language authoring.
package rules

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/storage"
)

// Service wraps the rule store with validation and pattern key derivation
type Service struct {
	rules *storage.RuleStore
}

// NewService creates a rule service
func NewService(rules *storage.RuleStore) *Service {
	return &Service{rules: rules}
}

// Draft is a rule as submitted by the user, before defaults are applied
type Draft struct {
	Name     string            `json:"name"`
	Type     core.RuleType     `json:"type"`
	Trigger  *core.RuleTrigger `json:"trigger,omitempty"`
	Action   *core.RuleAction  `json:"action,omitempty"`
	Guidance string            `json:"guidance,omitempty"`
}

// Create validates a draft and persists it as an active user rule.
// Returns core.ErrRuleConflict if an open rule already covers the same
// pattern key.
func (s *Service) Create(draft Draft, source core.RuleSource) (*core.TriageRule, error) {
	if source == "" {
		source = core.RuleSourceUserSettings
	}

	now := time.Now()
	rule := &core.TriageRule{
		ID:         core.RuleID(uuid.NewString()),
		Name:       strings.TrimSpace(draft.Name),
		Type:       draft.Type,
		Source:     source,
		Status:     core.RuleStatusActive,
		Trigger:    draft.Trigger,
		Action:     draft.Action,
		Guidance:   strings.TrimSpace(draft.Guidance),
		PatternKey: PatternKey(draft),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := s.rules.Create(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Update replaces the mutable fields of an existing rule and bumps its
// version. Status transitions go through Accept/Dismiss, not here.
func (s *Service) Update(id core.RuleID, draft Draft) (*core.TriageRule, error) {
	rule, err := s.rules.GetByID(id)
	if err != nil {
		return nil, err
	}

	if draft.Name != "" {
		rule.Name = strings.TrimSpace(draft.Name)
	}
	if draft.Type != "" {
		rule.Type = draft.Type
	}
	if draft.Trigger != nil {
		rule.Trigger = draft.Trigger
	}
	if draft.Action != nil {
		rule.Action = draft.Action
	}
	if draft.Guidance != "" {
		rule.Guidance = strings.TrimSpace(draft.Guidance)
	}
	rule.PatternKey = PatternKey(Draft{
		Name:    rule.Name,
		Type:    rule.Type,
		Trigger: rule.Trigger,
	})

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := s.rules.Update(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Get returns a rule by ID
func (s *Service) Get(id core.RuleID) (*core.TriageRule, error) {
	return s.rules.GetByID(id)
}

// List returns rules filtered by status; empty status means all
func (s *Service) List(status core.RuleStatus) ([]*core.TriageRule, error) {
	return s.rules.List(status)
}

// Delete removes a rule
func (s *Service) Delete(id core.RuleID) error {
	return s.rules.Delete(id)
}

// PatternKey derives the dedup key a rule is tracked under. Structured
// rules key on their trigger value; guidance rules key on a slug of
// their name.
func PatternKey(draft Draft) string {
	if draft.Type == core.RuleTypeStructured && draft.Trigger != nil {
		return strings.ToLower(strings.TrimSpace(draft.Trigger.Value))
	}
	return slugify(draft.Name)
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
