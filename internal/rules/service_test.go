package rules

import (
	"errors"
	"testing"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/storage"
	"github.com/quietdesk/quietdesk/internal/testutil"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(storage.NewRuleStore(testutil.TestDB(t)))
}

func structuredDraft(sender string) Draft {
	return Draft{
		Name: "Archive " + sender,
		Type: core.RuleTypeStructured,
		Trigger: &core.RuleTrigger{
			Kind:  core.TriggerSender,
			Value: sender,
		},
		Action: &core.RuleAction{
			Recommendation: core.RecommendArchive,
			BatchType:      "newsletters",
		},
	}
}

func TestService_Create(t *testing.T) {
	svc := newService(t)

	rule, err := svc.Create(structuredDraft("news@example.com"), core.RuleSourceUserSettings)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rule.ID == "" {
		t.Error("rule ID not assigned")
	}
	if rule.Status != core.RuleStatusActive {
		t.Errorf("Status = %v, want active", rule.Status)
	}
	if rule.PatternKey != "news@example.com" {
		t.Errorf("PatternKey = %q, want the trigger value", rule.PatternKey)
	}
	if rule.Version != 1 {
		t.Errorf("Version = %d, want 1", rule.Version)
	}
}

func TestService_Create_Conflict(t *testing.T) {
	svc := newService(t)

	if _, err := svc.Create(structuredDraft("news@example.com"), ""); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}

	// Same trigger value, different name: same pattern key.
	draft := structuredDraft("News@Example.com")
	draft.Name = "Another rule"
	_, err := svc.Create(draft, "")
	if !errors.Is(err, core.ErrRuleConflict) {
		t.Errorf("Create() error = %v, want ErrRuleConflict", err)
	}
}

func TestService_Create_InvalidDraft(t *testing.T) {
	svc := newService(t)

	_, err := svc.Create(Draft{Name: "No type"}, "")
	if !errors.Is(err, core.ErrInvalidInput) && !errors.Is(err, core.ErrMissingRequired) {
		t.Errorf("Create() error = %v, want validation failure", err)
	}
}

func TestService_Update(t *testing.T) {
	svc := newService(t)

	rule, err := svc.Create(structuredDraft("news@example.com"), "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := svc.Update(rule.ID, Draft{
		Trigger: &core.RuleTrigger{Kind: core.TriggerDomain, Value: "example.com"},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.PatternKey != "example.com" {
		t.Errorf("PatternKey = %q, want re-derived from new trigger", updated.PatternKey)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if updated.Name != rule.Name {
		t.Error("untouched fields must survive the update")
	}

	stored, err := svc.Get(rule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.PatternKey != "example.com" {
		t.Errorf("persisted PatternKey = %q, want %q", stored.PatternKey, "example.com")
	}
	if stored.Version != 2 {
		t.Errorf("persisted Version = %d, want 2", stored.Version)
	}
}

func TestService_Update_MovesPatternKey(t *testing.T) {
	svc := newService(t)

	rule, err := svc.Create(structuredDraft("news@example.com"), "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := svc.Update(rule.ID, Draft{
		Trigger: &core.RuleTrigger{Kind: core.TriggerSender, Value: "other@example.com"},
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// The new key is now held by the updated rule.
	if _, err := svc.Create(structuredDraft("other@example.com"), ""); !errors.Is(err, core.ErrRuleConflict) {
		t.Errorf("Create() for the updated key error = %v, want ErrRuleConflict", err)
	}

	// The old key was released by the update.
	if _, err := svc.Create(structuredDraft("news@example.com"), ""); err != nil {
		t.Errorf("Create() for the released key error = %v", err)
	}
}

func TestService_Update_PatternConflict(t *testing.T) {
	svc := newService(t)

	if _, err := svc.Create(structuredDraft("news@example.com"), ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	rule, err := svc.Create(structuredDraft("digest@example.com"), "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = svc.Update(rule.ID, Draft{
		Trigger: &core.RuleTrigger{Kind: core.TriggerSender, Value: "news@example.com"},
	})
	if !errors.Is(err, core.ErrRuleConflict) {
		t.Errorf("Update() onto an occupied key error = %v, want ErrRuleConflict", err)
	}
}

func TestService_Delete(t *testing.T) {
	svc := newService(t)

	rule, err := svc.Create(structuredDraft("news@example.com"), "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := svc.Delete(rule.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.Get(rule.ID); !errors.Is(err, core.ErrRuleNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrRuleNotFound", err)
	}
}

func TestPatternKey(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
		want  string
	}{
		{
			name:  "structured keys on trigger value",
			draft: structuredDraft(" News@Example.com "),
			want:  "news@example.com",
		},
		{
			name: "guidance keys on name slug",
			draft: Draft{
				Name:     "Surface anything from my manager!",
				Type:     core.RuleTypeGuidance,
				Guidance: "Anything from my manager needs attention.",
			},
			want: "surface-anything-from-my-manager",
		},
		{
			name: "slug collapses separators",
			draft: Draft{
				Name: "  Weekly_report - cleanup  ",
				Type: core.RuleTypeGuidance,
			},
			want: "weekly-report---cleanup",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PatternKey(tt.draft); got != tt.want {
				t.Errorf("PatternKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
