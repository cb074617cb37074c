package learning

import (
	"context"
	"testing"
	"time"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/storage"
)

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

type fixture struct {
	learner *Learner
	rules   *storage.RuleStore
	items   *storage.ItemStore
	seq     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)
	rules := storage.NewRuleStore(db)
	items := storage.NewItemStore(db)
	return &fixture{
		learner: NewLearner(rules, items),
		rules:   rules,
		items:   items,
	}
}

// recordOutcome stores one classified item with a recorded user action.
func (f *fixture) recordOutcome(t *testing.T, sender string, rec core.Recommendation, action core.ActualAction) {
	t.Helper()
	f.seq++
	item := &core.InboxItem{
		Source:     core.SourceMail,
		ExternalID: sender + "-" + string(rune('a'+f.seq)),
		Sender:     sender,
		Subject:    "Subject",
		Content:    "Content",
	}
	if err := f.items.Upsert(item); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := f.items.SetClassification(item.ID, &core.Classification{
		Tier:           core.TierAI,
		Recommendation: rec,
		Confidence:     0.8,
		Reasoning:      "test",
		ClassifiedAt:   time.Now(),
		ActualAction:   action,
	}); err != nil {
		t.Fatalf("SetClassification() error = %v", err)
	}
}

// dismissProposalFor creates and dismisses a learned proposal for the sender.
func (f *fixture) dismissProposalFor(t *testing.T, sender string) {
	t.Helper()
	rule := &core.TriageRule{
		Name:       "Auto-archive mail from " + sender,
		Type:       core.RuleTypeStructured,
		Source:     core.RuleSourceLearned,
		Status:     core.RuleStatusProposed,
		Trigger:    &core.RuleTrigger{Kind: core.TriggerSender, Value: sender},
		Action:     &core.RuleAction{Recommendation: core.RecommendArchive},
		PatternKey: sender,
	}
	if err := f.rules.Create(rule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.learner.DismissProposal(rule.ID); err != nil {
		t.Fatalf("DismissProposal() error = %v", err)
	}
}

func TestLearner_NoiseSignal_ProposesArchive(t *testing.T) {
	f := newFixture(t)
	sender := "news@example.com"

	// Five archived, zero engaged: the classic noisy-sender stripe.
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionArchive)
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionArchive)

	proposal, err := f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal == nil {
		t.Fatal("want an archive proposal")
	}
	if proposal.Type != ProposalArchive {
		t.Errorf("Type = %v, want archive", proposal.Type)
	}
	if proposal.Evidence.Total != 5 {
		t.Errorf("Evidence.Total = %d, want 5", proposal.Evidence.Total)
	}
}

func TestLearner_BelowThreshold_NoProposal(t *testing.T) {
	f := newFixture(t)
	sender := "news@example.com"

	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)

	proposal, err := f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal != nil {
		t.Errorf("proposal = %+v, want nil below the evidence bar", proposal)
	}
}

func TestLearner_MixedOutcomes_NoProposal(t *testing.T) {
	f := newFixture(t)
	sender := "mixed@example.com"

	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionArchive)
	f.recordOutcome(t, sender, core.RecommendReview, core.ActionEngaged)
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)

	proposal, err := f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal != nil {
		t.Errorf("proposal = %+v, mixed behavior must not propose", proposal)
	}
}

func TestLearner_EngagementSignal_ProposesSurface(t *testing.T) {
	f := newFixture(t)
	sender := "boss@example.com"

	f.recordOutcome(t, sender, core.RecommendReview, core.ActionEngaged)
	f.recordOutcome(t, sender, core.RecommendReview, core.ActionEngaged)
	f.recordOutcome(t, sender, core.RecommendReview, core.ActionEngaged)

	proposal, err := f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal == nil || proposal.Type != ProposalSurface {
		t.Fatalf("proposal = %+v, want surface", proposal)
	}
}

func TestLearner_OverrideSignal_SkipsVolumeGate(t *testing.T) {
	f := newFixture(t)
	sender := "mentor@example.com"

	// Only two events, but both were the user engaging with items the
	// system wanted to archive.
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionEngaged)
	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionEngaged)

	proposal, err := f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal == nil {
		t.Fatal("two overrides should be enough to propose surfacing")
	}
	if proposal.Type != ProposalSurface {
		t.Errorf("Type = %v, want surface", proposal.Type)
	}
}

func TestLearner_OpenRuleShortCircuits(t *testing.T) {
	f := newFixture(t)
	sender := "news@example.com"

	for i := 0; i < 5; i++ {
		f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	}
	if err := f.rules.Create(&core.TriageRule{
		Name:       "Existing",
		Type:       core.RuleTypeStructured,
		Source:     core.RuleSourceUserSettings,
		Status:     core.RuleStatusActive,
		Trigger:    &core.RuleTrigger{Kind: core.TriggerSender, Value: sender},
		Action:     &core.RuleAction{Recommendation: core.RecommendArchive},
		PatternKey: sender,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	proposal, err := f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal != nil {
		t.Error("a pattern with an open rule must never be proposed again")
	}
}

func TestLearner_DismissalsRaiseThreshold(t *testing.T) {
	f := newFixture(t)
	sender := "news@example.com"

	f.dismissProposalFor(t, sender)

	// Four clean archives clear the base threshold of 3 but not the
	// post-dismissal bar of 5.
	for i := 0; i < 4; i++ {
		f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	}

	proposal, err := f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal != nil {
		t.Error("dismissal should raise the evidence bar to 5")
	}

	f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	proposal, err = f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal == nil {
		t.Error("five clean archives should clear the raised bar")
	}
}

func TestLearner_ThreeDismissalsStopForever(t *testing.T) {
	f := newFixture(t)
	sender := "news@example.com"

	for i := 0; i < MaxDismissals; i++ {
		f.dismissProposalFor(t, sender)
	}
	for i := 0; i < 20; i++ {
		f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	}

	proposal, err := f.learner.CheckForProposals(sender)
	if err != nil {
		t.Fatalf("CheckForProposals() error = %v", err)
	}
	if proposal != nil {
		t.Error("three dismissals must stop proposals permanently, whatever the evidence")
	}
}

func TestLearner_ProposeIfReady_PersistsEvidence(t *testing.T) {
	f := newFixture(t)
	sender := "news@example.com"

	for i := 0; i < 3; i++ {
		f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	}

	rule, err := f.learner.ProposeIfReady(sender)
	if err != nil {
		t.Fatalf("ProposeIfReady() error = %v", err)
	}
	if rule == nil {
		t.Fatal("want a persisted proposal")
	}
	if rule.Status != core.RuleStatusProposed || rule.Source != core.RuleSourceLearned {
		t.Errorf("rule status=%v source=%v, want proposed/learned", rule.Status, rule.Source)
	}
	if rule.Evidence == nil || rule.Evidence.Total != 3 {
		t.Errorf("Evidence = %+v, want snapshot with total 3", rule.Evidence)
	}

	// The open proposal now holds the slot; nothing further is proposed.
	again, err := f.learner.ProposeIfReady(sender)
	if err != nil {
		t.Fatalf("ProposeIfReady() again error = %v", err)
	}
	if again != nil {
		t.Error("open proposal must block re-proposal")
	}
}

func TestLearner_ProposedBatchTypeFollowsSenderCues(t *testing.T) {
	f := newFixture(t)
	sender := "noreply@ci.example.com"

	for i := 0; i < 3; i++ {
		f.recordOutcome(t, sender, core.RecommendArchive, core.ActionBulkArchive)
	}

	rule, err := f.learner.ProposeIfReady(sender)
	if err != nil {
		t.Fatalf("ProposeIfReady() error = %v", err)
	}
	if rule == nil {
		t.Fatal("want a proposal")
	}
	if rule.Action.BatchType != "notifications" {
		t.Errorf("BatchType = %q, want notifications for a noreply sender", rule.Action.BatchType)
	}
}

func TestLearner_DailySweep(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.recordOutcome(t, "news@example.com", core.RecommendArchive, core.ActionBulkArchive)
	}
	for i := 0; i < 3; i++ {
		f.recordOutcome(t, "boss@example.com", core.RecommendReview, core.ActionEngaged)
	}
	// Below threshold, no proposal expected.
	f.recordOutcome(t, "rare@example.com", core.RecommendArchive, core.ActionArchive)

	created, err := f.learner.DailySweep(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DailySweep() error = %v", err)
	}
	if created != 2 {
		t.Errorf("DailySweep() created = %d, want 2", created)
	}

	proposals, err := f.learner.ListProposals()
	if err != nil {
		t.Fatalf("ListProposals() error = %v", err)
	}
	if len(proposals) != 2 {
		t.Errorf("ListProposals() = %d rules, want 2", len(proposals))
	}
}
