// Package batch groups archive-tier items into single bulk decisions.
package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/logging"
	"github.com/quietdesk/quietdesk/internal/storage"
)

// Aggregator manages batch cards: get-or-create, bulk actions, and the
// reclassify correction path that turns user moves into durable rules.
type Aggregator struct {
	cards *storage.BatchStore
	items *storage.ItemStore
	rules *storage.RuleStore
}

// NewAggregator creates an aggregator
func NewAggregator(cards *storage.BatchStore, items *storage.ItemStore, rules *storage.RuleStore) *Aggregator {
	return &Aggregator{cards: cards, items: items, rules: rules}
}

// GetOrCreateCard returns the open card for a batch type, creating one if
// needed. Idempotent under concurrency: all callers converge on one card.
func (a *Aggregator) GetOrCreateCard(batchType string) (*core.BatchCard, error) {
	return a.cards.GetOrCreate(batchType)
}

// Attach adds an item to the open card for a batch type and returns the
// card id. Satisfies the classifier's batch-attachment hook.
func (a *Aggregator) Attach(itemID core.ItemID, batchType string) (core.CardID, error) {
	card, err := a.cards.GetOrCreate(batchType)
	if err != nil {
		return "", err
	}
	if err := a.cards.AddItem(card.ID, itemID); err != nil {
		return "", err
	}
	return card.ID, nil
}

// ActionCard performs the bulk decision over a card: checked items are
// archived (recorded as rubber-stamp outcomes), unchecked items return to
// individual triage. A fully resolved card is dissolved so the next
// get-or-create produces a fresh one.
func (a *Aggregator) ActionCard(cardID core.CardID, checked, unchecked []core.ItemID) (*core.BatchCard, error) {
	card, err := a.cards.GetByID(cardID)
	if err != nil {
		return nil, err
	}
	if !card.Open {
		return nil, core.ErrCardClosed
	}

	members := make(map[core.ItemID]bool, len(card.ItemIDs))
	for _, id := range card.ItemIDs {
		members[id] = true
	}
	for _, id := range append(append([]core.ItemID{}, checked...), unchecked...) {
		if !members[id] {
			return nil, fmt.Errorf("%w: item %s is not on card %s", core.ErrInvalidInput, id, cardID)
		}
	}

	if err := a.items.ArchiveMany(checked, core.ActionBulkArchive); err != nil {
		logging.WithField("card", cardID).Warn("partial bulk archive: %v", err)
	}
	for _, id := range checked {
		if err := a.cards.RemoveItem(cardID, id); err != nil {
			return nil, err
		}
	}

	for _, id := range unchecked {
		if err := a.cards.RemoveItem(cardID, id); err != nil {
			return nil, err
		}
		// Back to individual triage; other classification fields untouched.
		if err := a.items.DetachFromBatch(id); err != nil {
			logging.WithField("item", id).Warn("detach from batch: %v", err)
		}
	}

	remaining, err := a.cards.MemberCount(cardID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		if err := a.cards.Dissolve(cardID); err != nil {
			return nil, err
		}
	}

	return a.cards.GetByID(cardID)
}

// Reclassify moves an item between batch groups, or back to individual
// review when toBatchType is "individual". This is a human correction
// signal: the item's classification is updated (new fields win on conflict)
// and a sender-keyed override rule is created or updated so the correction
// sticks without waiting for statistical confirmation.
func (a *Aggregator) Reclassify(itemID core.ItemID, fromBatchType, toBatchType, sender string) error {
	if toBatchType == "" {
		return fmt.Errorf("%w: target batch type", core.ErrMissingRequired)
	}

	item, err := a.items.GetByID(itemID)
	if err != nil {
		return err
	}

	// Pull the item off its current card first.
	if item.Classification != nil && item.Classification.BatchCardID != "" {
		cardID := core.CardID(item.Classification.BatchCardID)
		if err := a.cards.RemoveItem(cardID, itemID); err != nil {
			return err
		}
		if remaining, err := a.cards.MemberCount(cardID); err == nil && remaining == 0 {
			if err := a.cards.Dissolve(cardID); err != nil {
				logging.WithField("card", cardID).Warn("dissolve after reclassify: %v", err)
			}
		}
	}

	override := core.Classification{
		WasOverride:  true,
		ClassifiedAt: time.Now().UTC(),
	}

	if toBatchType == core.BatchTypeIndividual {
		override.Recommendation = core.RecommendReview
		if _, err := a.items.MergeClassification(itemID, override); err != nil {
			return err
		}
		if err := a.items.DetachFromBatch(itemID); err != nil {
			return err
		}
	} else {
		cardID, err := a.Attach(itemID, toBatchType)
		if err != nil {
			return err
		}
		override.Recommendation = core.RecommendArchive
		override.BatchType = toBatchType
		override.BatchCardID = string(cardID)
		if _, err := a.items.MergeClassification(itemID, override); err != nil {
			return err
		}
	}

	if sender == "" {
		return nil
	}
	return a.upsertOverrideRule(sender, toBatchType)
}

// upsertOverrideRule records the correction as a durable sender rule.
// The sender-keyed lookup keeps repeated corrections on one rule row.
func (a *Aggregator) upsertOverrideRule(sender, toBatchType string) error {
	action := core.RuleAction{Recommendation: core.RecommendReview}
	name := fmt.Sprintf("Surface mail from %s", sender)
	if toBatchType != core.BatchTypeIndividual {
		action = core.RuleAction{
			Recommendation: core.RecommendArchive,
			BatchType:      toBatchType,
		}
		name = fmt.Sprintf("Batch %s into %s", sender, toBatchType)
	}

	existing, err := a.rules.FindActiveBySender(sender)
	if err != nil && err != core.ErrRuleNotFound {
		return err
	}
	if existing != nil {
		existing.Name = name
		existing.Action = &action
		existing.Source = core.RuleSourceOverride
		return a.rules.Update(existing)
	}

	rule := &core.TriageRule{
		Name:       name,
		Type:       core.RuleTypeStructured,
		Source:     core.RuleSourceOverride,
		Status:     core.RuleStatusActive,
		Trigger:    &core.RuleTrigger{Kind: core.TriggerSender, Value: sender},
		Action:     &action,
		PatternKey: sender,
	}
	err = a.rules.Create(rule)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrRuleConflict) {
		return err
	}

	// A proposed rule for this pattern holds the slot: the explicit user
	// correction wins, so fold it into that row.
	open, ferr := a.rules.FindOpenByPattern(sender)
	if ferr != nil {
		return err
	}
	open.Name = name
	open.Type = core.RuleTypeStructured
	open.Trigger = &core.RuleTrigger{Kind: core.TriggerSender, Value: sender}
	open.Action = &action
	open.Guidance = ""
	open.Source = core.RuleSourceOverride
	open.Status = core.RuleStatusActive
	return a.rules.Update(open)
}
