// Package core defines the fundamental types for QuietDesk.
// These types are the DNA of the entire system.
package core

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// ITEM - Everything that lands in the unified inbox
// -----------------------------------------------------------------------------

// ItemID is a type-safe identifier for inbox items
type ItemID string

// Source identifies which connector an item came from
type Source string

const (
	SourceMail    Source = "mail"
	SourceChat    Source = "chat"
	SourceTracker Source = "tracker"
	SourceNotes   Source = "notes"
)

// ItemStatus represents the lifecycle state of an item
type ItemStatus string

const (
	ItemStatusNew      ItemStatus = "new"
	ItemStatusArchived ItemStatus = "archived"
	ItemStatusSnoozed  ItemStatus = "snoozed"
	ItemStatusDone     ItemStatus = "done"
)

// InboxItem is the fundamental unit of data. Identity is (Source, ExternalID):
// re-ingesting the same external id must upsert, never duplicate.
type InboxItem struct {
	ID         ItemID `json:"id"`
	Source     Source `json:"source"`
	ExternalID string `json:"external_id"`

	// Display
	Sender            string `json:"sender"`
	SenderDisplayName string `json:"sender_display_name"`
	Subject           string `json:"subject"`
	Content           string `json:"content"`

	Status ItemStatus `json:"status"`

	// Classification is nil until the classifier has seen the item.
	Classification *Classification `json:"classification,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// CLASSIFICATION - The triage decision attached to an item
// -----------------------------------------------------------------------------

// Tier is the provenance of a classification, in precedence order.
type Tier string

const (
	TierRule      Tier = "rule"      // matched a structured rule, deterministic
	TierAI        Tier = "ai"        // AI judgment
	TierHeuristic Tier = "heuristic" // fallback when AI failed or timed out
)

// Recommendation is what the system thinks should happen to an item
type Recommendation string

const (
	RecommendArchive   Recommendation = "archive"
	RecommendReview    Recommendation = "review"
	RecommendAttention Recommendation = "attention"
)

// ActualAction records what the user actually did with an item,
// bucketed for the proposal learner.
type ActualAction string

const (
	ActionBulkArchive ActualAction = "bulk_archive" // rubber-stamped via a batch card
	ActionArchive     ActualAction = "archive"      // glanced at, then archived
	ActionEngaged     ActualAction = "engaged"      // opened, replied, or completed
)

// Classification is the triage record written onto an item.
// Invariant: Tier == TierRule implies Confidence == 1 and Reasoning names the rule.
type Classification struct {
	Tier           Tier           `json:"tier"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning,omitempty"`
	ClassifiedAt   time.Time      `json:"classified_at"`

	// Batch grouping, set only for archive-tier items that join a card.
	BatchType   string `json:"batch_type,omitempty"`
	BatchCardID string `json:"batch_card_id,omitempty"`

	// Audit fields, recorded after the fact for learning.
	WasOverride  bool         `json:"was_override,omitempty"`
	ActualAction ActualAction `json:"actual_action,omitempty"`
}

// Validate checks the tier invariants.
func (c *Classification) Validate() error {
	switch c.Tier {
	case TierRule:
		if c.Confidence != 1.0 {
			return fmt.Errorf("%w: rule tier requires confidence 1.0", ErrInvalidInput)
		}
		if c.Reasoning == "" {
			return fmt.Errorf("%w: rule tier requires reasoning naming the rule", ErrInvalidInput)
		}
	case TierAI, TierHeuristic:
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, c.Tier)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: confidence out of range", ErrInvalidInput)
	}
	switch c.Recommendation {
	case RecommendArchive, RecommendReview, RecommendAttention:
	default:
		return fmt.Errorf("%w: unknown recommendation %q", ErrInvalidInput, c.Recommendation)
	}
	return nil
}

// Merge applies override fields onto an existing classification.
// Last write wins on conflicting keys: every non-zero field of next
// replaces the current value; everything else is preserved.
func (c *Classification) Merge(next Classification) {
	if next.Tier != "" {
		c.Tier = next.Tier
	}
	if next.Recommendation != "" {
		c.Recommendation = next.Recommendation
	}
	if next.Confidence != 0 {
		c.Confidence = next.Confidence
	}
	if next.Reasoning != "" {
		c.Reasoning = next.Reasoning
	}
	if !next.ClassifiedAt.IsZero() {
		c.ClassifiedAt = next.ClassifiedAt
	}
	if next.BatchType != "" {
		c.BatchType = next.BatchType
	}
	if next.BatchCardID != "" {
		c.BatchCardID = next.BatchCardID
	}
	if next.WasOverride {
		c.WasOverride = true
	}
	if next.ActualAction != "" {
		c.ActualAction = next.ActualAction
	}
}

// DetachBatch clears batch grouping so the item returns to individual triage.
func (c *Classification) DetachBatch() {
	c.BatchType = ""
	c.BatchCardID = ""
}

// -----------------------------------------------------------------------------
// RULE - Durable triage rules, structured or guidance
// -----------------------------------------------------------------------------

// RuleID is a type-safe identifier for triage rules
type RuleID string

// RuleType distinguishes machine-matchable rules from prompt guidance
type RuleType string

const (
	RuleTypeStructured RuleType = "structured"
	RuleTypeGuidance   RuleType = "guidance"
)

// RuleSource records where a rule came from
type RuleSource string

const (
	RuleSourceUserChat     RuleSource = "user_chat"
	RuleSourceUserSettings RuleSource = "user_settings"
	RuleSourceLearned      RuleSource = "learned"
	RuleSourceOverride     RuleSource = "override"
)

// RuleStatus is the lifecycle state of a rule
type RuleStatus string

const (
	RuleStatusActive    RuleStatus = "active"
	RuleStatusProposed  RuleStatus = "proposed"
	RuleStatusDismissed RuleStatus = "dismissed"
)

// TriggerKind selects the matcher for a structured rule
type TriggerKind string

const (
	TriggerSender  TriggerKind = "sender"  // exact sender address equality
	TriggerDomain  TriggerKind = "domain"  // sender domain equality
	TriggerKeyword TriggerKind = "keyword" // case-insensitive subject/content substring
)

// RuleTrigger is the matchable condition of a structured rule
type RuleTrigger struct {
	Kind  TriggerKind `json:"kind"`
	Value string      `json:"value"`
}

// RuleAction is what a structured rule does on match
type RuleAction struct {
	Recommendation Recommendation `json:"recommendation"`
	BatchType      string         `json:"batch_type,omitempty"`
}

// ProposalEvidence is the outcome snapshot that justified a learned proposal
type ProposalEvidence struct {
	Bulk      int `json:"bulk"`    // rubber-stamp archived via batch card
	Quick     int `json:"quick"`   // lightly reviewed then archived
	Engaged   int `json:"engaged"` // user actually interacted
	Total     int `json:"total"`
	Overrides int `json:"overrides"` // AI said archive, user engaged anyway
}

// TriageRule is a durable, versioned triage rule.
// Invariant: at most one rule with status in {active, proposed} per PatternKey.
type TriageRule struct {
	ID     RuleID     `json:"id"`
	Name   string     `json:"name"`
	Type   RuleType   `json:"type"`
	Source RuleSource `json:"source"`
	Status RuleStatus `json:"status"`

	// Structured rules only
	Trigger *RuleTrigger `json:"trigger,omitempty"`
	Action  *RuleAction  `json:"action,omitempty"`

	// Guidance rules only: free text injected into the AI prompt
	Guidance string `json:"guidance,omitempty"`

	// PatternKey is the entity the rule is keyed on, e.g. a sender address.
	PatternKey string `json:"pattern_key"`

	// Evidence snapshot for learned proposals
	Evidence *ProposalEvidence `json:"evidence,omitempty"`

	MatchCount    int        `json:"match_count"`
	LastMatchedAt *time.Time `json:"last_matched_at,omitempty"`
	Version       int        `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural consistency before any write.
func (r *TriageRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule name", ErrMissingRequired)
	}
	if r.PatternKey == "" {
		return fmt.Errorf("%w: pattern key", ErrMissingRequired)
	}
	switch r.Type {
	case RuleTypeStructured:
		if r.Trigger == nil || r.Trigger.Value == "" {
			return fmt.Errorf("%w: structured rule requires a trigger", ErrInvalidInput)
		}
		switch r.Trigger.Kind {
		case TriggerSender, TriggerDomain, TriggerKeyword:
		default:
			return fmt.Errorf("%w: unknown trigger kind %q", ErrInvalidInput, r.Trigger.Kind)
		}
		if r.Action == nil {
			return fmt.Errorf("%w: structured rule requires an action", ErrInvalidInput)
		}
		switch r.Action.Recommendation {
		case RecommendArchive, RecommendReview, RecommendAttention:
		default:
			return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, r.Action.Recommendation)
		}
	case RuleTypeGuidance:
		if r.Guidance == "" {
			return fmt.Errorf("%w: guidance rule requires guidance text", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidInput, r.Type)
	}
	switch r.Status {
	case RuleStatusActive, RuleStatusProposed, RuleStatusDismissed:
	default:
		return fmt.Errorf("%w: unknown rule status %q", ErrInvalidInput, r.Status)
	}
	return nil
}

// -----------------------------------------------------------------------------
// BATCH CARD - One bulk decision over many low-risk items
// -----------------------------------------------------------------------------

// CardID is a type-safe identifier for batch cards
type CardID string

// BatchCard groups archive-tier items of one batch type into a single
// collapsible unit. A given batch type has at most one open card at a time.
type BatchCard struct {
	ID        CardID    `json:"id"`
	BatchType string    `json:"batch_type"`
	Open      bool      `json:"open"`
	ItemIDs   []ItemID  `json:"item_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchTypeIndividual is the pseudo batch type meaning "no batch":
// reclassifying to it returns an item to individual review.
const BatchTypeIndividual = "individual"
