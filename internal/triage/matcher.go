// Package triage implements the classification pipeline:
// structured rules first, AI judgment second, heuristic fallback last.
package triage

import (
	"strings"

	"github.com/quietdesk/quietdesk/internal/core"
)

// Matches reports whether a structured rule's trigger matches an item.
// Sender equality is the reference behavior; domain and keyword triggers
// extend the matcher without changing the pipeline contract.
func Matches(rule *core.TriageRule, item *core.InboxItem) bool {
	if rule.Type != core.RuleTypeStructured || rule.Trigger == nil {
		return false
	}

	switch rule.Trigger.Kind {
	case core.TriggerSender:
		return strings.EqualFold(item.Sender, rule.Trigger.Value)
	case core.TriggerDomain:
		return strings.EqualFold(SenderDomain(item.Sender), rule.Trigger.Value)
	case core.TriggerKeyword:
		needle := strings.ToLower(rule.Trigger.Value)
		return strings.Contains(strings.ToLower(item.Subject), needle) ||
			strings.Contains(strings.ToLower(item.Content), needle)
	default:
		return false
	}
}

// SenderDomain extracts the domain part of a sender address ("" if none)
func SenderDomain(sender string) string {
	at := strings.LastIndex(sender, "@")
	if at < 0 || at == len(sender)-1 {
		return ""
	}
	return sender[at+1:]
}

// FirstMatch returns the first active structured rule matching the item
func FirstMatch(rules []*core.TriageRule, item *core.InboxItem) *core.TriageRule {
	for _, rule := range rules {
		if rule.Status != core.RuleStatusActive {
			continue
		}
		if Matches(rule, item) {
			return rule
		}
	}
	return nil
}
