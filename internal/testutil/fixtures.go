package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/quietdesk/quietdesk/internal/core"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// ItemFixture returns an inbox item with sensible defaults. Override
// fields on the result as needed.
func ItemFixture(sender string) *core.InboxItem {
	now := time.Now()
	return &core.InboxItem{
		ID:         core.ItemID("item-" + RandomID()),
		Source:     core.SourceMail,
		ExternalID: "ext-" + RandomID(),
		Sender:     sender,
		Subject:    "Test subject",
		Content:    "Test content body.",
		Status:     core.ItemStatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ClassifiedFixture returns an item that already carries a classification.
func ClassifiedFixture(sender string, rec core.Recommendation, action core.ActualAction) *core.InboxItem {
	item := ItemFixture(sender)
	item.Classification = &core.Classification{
		Tier:           core.TierAI,
		Recommendation: rec,
		Confidence:     0.8,
		Reasoning:      "fixture",
		ClassifiedAt:   time.Now(),
		ActualAction:   action,
	}
	return item
}

// RuleFixture returns an active structured sender rule.
func RuleFixture(sender string, rec core.Recommendation) *core.TriageRule {
	now := time.Now()
	return &core.TriageRule{
		ID:         core.RuleID("rule-" + RandomID()),
		Name:       "Rule for " + sender,
		Type:       core.RuleTypeStructured,
		Source:     core.RuleSourceUserSettings,
		Status:     core.RuleStatusActive,
		Trigger:    &core.RuleTrigger{Kind: core.TriggerSender, Value: sender},
		Action:     &core.RuleAction{Recommendation: rec},
		PatternKey: sender,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
