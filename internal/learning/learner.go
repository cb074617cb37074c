// Package learning mines triage outcome history into proposed rules.
package learning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/logging"
	"github.com/quietdesk/quietdesk/internal/storage"
)

// MaxDismissals is the point at which the learner stops proposing for a
// pattern forever: three explicit rejections mean the user has decided.
const MaxDismissals = 3

// proposalThresholds is the escalating evidence bar, indexed by how many
// proposals for the pattern were already dismissed. Clamped at the last value.
var proposalThresholds = [...]int{3, 5, 8}

// overrideSignalMin is how many "AI said archive, user engaged anyway" events
// it takes to propose surfacing. A strong, low-volume signal is enough.
const overrideSignalMin = 2

// ProposalType says what a proposed rule would do
type ProposalType string

const (
	ProposalArchive ProposalType = "archive"
	ProposalSurface ProposalType = "surface"
)

// Proposal is a candidate rule awaiting user accept/dismiss
type Proposal struct {
	Type       ProposalType          `json:"type"`
	PatternKey string                `json:"pattern_key"`
	Evidence   core.ProposalEvidence `json:"evidence"`
	RuleText   string                `json:"rule_text"`
}

// Learner mines per-sender outcome history into rule proposals
type Learner struct {
	rules *storage.RuleStore
	items *storage.ItemStore
}

// NewLearner creates a learner
func NewLearner(rules *storage.RuleStore, items *storage.ItemStore) *Learner {
	return &Learner{rules: rules, items: items}
}

// CheckForProposals decides whether the outcome history for a pattern
// justifies proposing a rule. Returns nil when it does not; every gate
// below short-circuits.
func (l *Learner) CheckForProposals(patternKey string) (*Proposal, error) {
	if patternKey == "" {
		return nil, fmt.Errorf("%w: pattern key", core.ErrMissingRequired)
	}

	// Never double-propose.
	open, err := l.rules.HasOpenRule(patternKey)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, nil
	}

	// Three dismissals means stop nagging, permanently.
	dismissed, err := l.rules.CountDismissed(patternKey)
	if err != nil {
		return nil, err
	}
	if dismissed >= MaxDismissals {
		return nil, nil
	}

	// Each dismissal raises the evidence bar for the next attempt.
	threshold := proposalThresholds[len(proposalThresholds)-1]
	if dismissed < len(proposalThresholds) {
		threshold = proposalThresholds[dismissed]
	}

	ev, err := l.items.OutcomeCounts(patternKey)
	if err != nil {
		return nil, err
	}

	// Override signal: the user repeatedly engaged with items the system
	// wanted to archive. Strong enough to skip the volume gate.
	if ev.Overrides >= overrideSignalMin {
		return l.surfaceProposal(patternKey, ev), nil
	}

	if ev.Total < threshold {
		return nil, nil
	}

	// Noise signal: archived every time, never engaged.
	if ev.Bulk+ev.Quick == ev.Total {
		return l.archiveProposal(patternKey, ev), nil
	}

	// Engagement signal: engaged every time.
	if ev.Engaged == ev.Total {
		return l.surfaceProposal(patternKey, ev), nil
	}

	return nil, nil
}

func (l *Learner) archiveProposal(patternKey string, ev core.ProposalEvidence) *Proposal {
	return &Proposal{
		Type:       ProposalArchive,
		PatternKey: patternKey,
		Evidence:   ev,
		RuleText: fmt.Sprintf(
			"You archived all %d items from %s without engaging. Auto-archive future items from this sender?",
			ev.Total, patternKey),
	}
}

func (l *Learner) surfaceProposal(patternKey string, ev core.ProposalEvidence) *Proposal {
	return &Proposal{
		Type:       ProposalSurface,
		PatternKey: patternKey,
		Evidence:   ev,
		RuleText: fmt.Sprintf(
			"You engaged with %d of %d items from %s. Always surface items from this sender?",
			ev.Engaged, ev.Total, patternKey),
	}
}

// CreateProposedRule persists a proposal as a rule with status=proposed,
// source=learned, carrying the evidence snapshot that justified it.
func (l *Learner) CreateProposedRule(p *Proposal) (*core.TriageRule, error) {
	action := &core.RuleAction{Recommendation: core.RecommendReview}
	name := fmt.Sprintf("Surface mail from %s", p.PatternKey)
	if p.Type == ProposalArchive {
		action = &core.RuleAction{
			Recommendation: core.RecommendArchive,
			BatchType:      batchTypeForPattern(p.PatternKey),
		}
		name = fmt.Sprintf("Auto-archive mail from %s", p.PatternKey)
	}

	ev := p.Evidence
	rule := &core.TriageRule{
		Name:       name,
		Type:       core.RuleTypeStructured,
		Source:     core.RuleSourceLearned,
		Status:     core.RuleStatusProposed,
		Trigger:    &core.RuleTrigger{Kind: core.TriggerSender, Value: p.PatternKey},
		Action:     action,
		PatternKey: p.PatternKey,
		Evidence:   &ev,
	}
	if err := l.rules.Create(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// ProposeIfReady runs the check and persists the proposal in one step.
// Called after triage actions are recorded. Returns nil, nil when there is
// nothing to propose.
func (l *Learner) ProposeIfReady(patternKey string) (*core.TriageRule, error) {
	proposal, err := l.CheckForProposals(patternKey)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, nil
	}
	return l.CreateProposedRule(proposal)
}

// AcceptProposal activates a proposed rule. One-way per proposal instance.
func (l *Learner) AcceptProposal(id core.RuleID) (*core.TriageRule, error) {
	return l.rules.Accept(id)
}

// DismissProposal rejects a proposed rule. A later proposal for the same
// pattern faces a higher evidence bar.
func (l *Learner) DismissProposal(id core.RuleID) (*core.TriageRule, error) {
	return l.rules.Dismiss(id)
}

// ListProposals returns rules awaiting a user decision
func (l *Learner) ListProposals() ([]*core.TriageRule, error) {
	return l.rules.List(core.RuleStatusProposed)
}

// DailySweep checks every sender with recent recorded outcomes and persists
// whatever proposals the evidence supports. Per-sender failures are isolated.
// Returns how many proposals were created.
func (l *Learner) DailySweep(ctx context.Context, since time.Time) (int, error) {
	senders, err := l.items.RecentSenders(since)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, sender := range senders {
		select {
		case <-ctx.Done():
			return created, ctx.Err()
		default:
		}

		rule, err := l.ProposeIfReady(sender)
		if err != nil {
			logging.WithField("sender", sender).Warn("proposal check failed: %v", err)
			continue
		}
		if rule != nil {
			logging.WithFields(map[string]interface{}{
				"sender": sender,
				"rule":   rule.ID,
			}).Info("proposed new triage rule")
			created++
		}
	}
	return created, nil
}

// batchTypeForPattern guesses a grouping key for learned archive rules,
// mirroring the classifier's sender cues.
func batchTypeForPattern(patternKey string) string {
	local := strings.ToLower(patternKey)
	if at := strings.Index(local, "@"); at > 0 {
		local = local[:at]
	}
	switch {
	case strings.HasPrefix(local, "noreply"), strings.HasPrefix(local, "no-reply"),
		strings.HasPrefix(local, "notifications"), strings.HasPrefix(local, "alerts"):
		return "notifications"
	case strings.HasPrefix(local, "newsletter"), strings.HasPrefix(local, "digest"):
		return "newsletters"
	}
	return ""
}
