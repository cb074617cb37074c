package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/llm"
	"github.com/quietdesk/quietdesk/internal/logging"
	"github.com/quietdesk/quietdesk/internal/storage"
)

// Aggregator attaches archive-tier items to batch cards.
// Implemented by the batch package; narrowed here to what the classifier needs.
type Aggregator interface {
	Attach(itemID core.ItemID, batchType string) (core.CardID, error)
}

// Classifier decides, with escalating automation, what should happen to an
// item: a matching structured rule wins outright, otherwise the AI judge is
// consulted, and if that fails the item degrades to a conservative heuristic.
// It never throws an item back unclassified.
type Classifier struct {
	rules   *storage.RuleStore
	items   *storage.ItemStore
	judge   llm.Judge
	batches Aggregator
	config  Config
}

// Config configures the classifier
type Config struct {
	HeuristicConfidence float64 // fixed confidence of the fallback tier
	MaxContentChars     int     // content truncation for the AI prompt
	Parallelism         int     // concurrent classifications in ClassifyPending
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		HeuristicConfidence: 0.3,
		MaxContentChars:     2000,
		Parallelism:         4,
	}
}

// NewClassifier creates a classifier
func NewClassifier(rules *storage.RuleStore, items *storage.ItemStore, judge llm.Judge, batches Aggregator, cfg Config) *Classifier {
	if cfg.HeuristicConfidence == 0 {
		cfg.HeuristicConfidence = 0.3
	}
	if cfg.MaxContentChars == 0 {
		cfg.MaxContentChars = 2000
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 4
	}
	return &Classifier{
		rules:   rules,
		items:   items,
		judge:   judge,
		batches: batches,
		config:  cfg,
	}
}

// Classify produces a classification for an item. Deterministic for a fixed
// rule snapshot: the rule path never consults the AI.
func (c *Classifier) Classify(ctx context.Context, item *core.InboxItem) *core.Classification {
	rules, err := c.rules.ListActiveStructured()
	if err != nil {
		logging.WithField("item", item.ID).Warn("rule scan failed, degrading: %v", err)
		return c.heuristic()
	}

	if rule := FirstMatch(rules, item); rule != nil {
		if err := c.rules.RecordMatch(rule.ID); err != nil {
			logging.WithField("rule", rule.ID).Warn("record match: %v", err)
		}
		return &core.Classification{
			Tier:           core.TierRule,
			Recommendation: rule.Action.Recommendation,
			Confidence:     1.0,
			Reasoning:      fmt.Sprintf("Matched rule %q", rule.Name),
			BatchType:      rule.Action.BatchType,
			ClassifiedAt:   time.Now().UTC(),
		}
	}

	judgment, err := c.consultJudge(ctx, item)
	if err != nil {
		logging.WithField("item", item.ID).Warn("AI judgment unavailable: %v", err)
		return c.heuristic()
	}

	return &core.Classification{
		Tier:           core.TierAI,
		Recommendation: judgment.Recommendation,
		Confidence:     judgment.Confidence,
		Reasoning:      judgment.Reasoning,
		BatchType:      judgment.BatchType,
		ClassifiedAt:   time.Now().UTC(),
	}
}

// ClassifyItem classifies a stored item and writes the result back, attaching
// archive-tier items to a batch card when a grouping applies. The item itself
// is never archived here; that is a user- or batch-triggered action.
func (c *Classifier) ClassifyItem(ctx context.Context, id core.ItemID) (*core.Classification, error) {
	item, err := c.items.GetByID(id)
	if err != nil {
		return nil, err
	}

	result := c.Classify(ctx, item)

	if result.Recommendation == core.RecommendArchive && c.batches != nil {
		batchType := result.BatchType
		if batchType == "" {
			batchType = BatchTypeFor(item)
		}
		if batchType != "" && batchType != core.BatchTypeIndividual {
			cardID, err := c.batches.Attach(item.ID, batchType)
			if err != nil {
				logging.WithField("item", item.ID).Warn("batch attach failed: %v", err)
			} else {
				result.BatchType = batchType
				result.BatchCardID = string(cardID)
			}
		}
	}

	if err := c.items.SetClassification(id, result); err != nil {
		return nil, fmt.Errorf("write classification: %w", err)
	}
	return result, nil
}

// ClassifyPending classifies up to limit unclassified items concurrently.
// Failures are per-item and isolated: one bad item never aborts the batch.
// Returns how many items were classified.
func (c *Classifier) ClassifyPending(ctx context.Context, limit int) (int, error) {
	items, err := c.items.ListUnclassified(limit)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Parallelism)

	done := make([]bool, len(items))
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if _, err := c.ClassifyItem(ctx, item.ID); err != nil {
				logging.WithField("item", item.ID).Warn("classification failed: %v", err)
				return nil
			}
			done[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	classified := 0
	for _, ok := range done {
		if ok {
			classified++
		}
	}
	return classified, nil
}

func (c *Classifier) consultJudge(ctx context.Context, item *core.InboxItem) (*llm.Judgment, error) {
	if c.judge == nil {
		return nil, core.ErrJudgeUnavailable
	}

	guidance, err := c.rules.ListActiveGuidance()
	if err != nil {
		return nil, fmt.Errorf("load guidance: %w", err)
	}

	prompt := c.buildPrompt(item, guidance)
	if len(guidance) > 0 {
		// Guidance is a soft policy input, re-evaluated on every call.
		logging.WithFields(map[string]interface{}{
			"item":     item.ID,
			"guidance": len(guidance),
		}).Debug("consulting judge with guidance context")
	}

	return c.judge.Judge(ctx, judgeSystemPrompt, prompt)
}

const judgeSystemPrompt = `You are an inbox triage assistant. Decide what should happen to the item:
- archive: the user never needs to see it
- review: worth a quick glance
- attention: needs real attention

When recommending archive for bulk-looking items (newsletters, automated
notifications, receipts), set batch_type to a short grouping key such as
"newsletters" or "notifications". Record your decision with the record_triage tool.`

func (c *Classifier) buildPrompt(item *core.InboxItem, guidance []*core.TriageRule) string {
	var sb strings.Builder

	sb.WriteString("Triage this item:\n\n")
	sb.WriteString(fmt.Sprintf("Source: %s\n", item.Source))
	sb.WriteString(fmt.Sprintf("From: %s", item.Sender))
	if item.SenderDisplayName != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", item.SenderDisplayName))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Subject: %s\n", item.Subject))
	sb.WriteString(fmt.Sprintf("\nContent:\n%s\n", truncate(item.Content, c.config.MaxContentChars)))

	if len(guidance) > 0 {
		sb.WriteString("\n---\nUser guidance to weigh:\n")
		for _, g := range guidance {
			sb.WriteString(fmt.Sprintf("- %s\n", g.Guidance))
		}
	}

	return sb.String()
}

// heuristic is the conservative last-resort tier: surface for a quick look,
// low fixed confidence.
func (c *Classifier) heuristic() *core.Classification {
	return &core.Classification{
		Tier:           core.TierHeuristic,
		Recommendation: core.RecommendReview,
		Confidence:     c.config.HeuristicConfidence,
		Reasoning:      "AI judgment unavailable, defaulting to review",
		ClassifiedAt:   time.Now().UTC(),
	}
}

// BatchTypeFor is the batch-grouping heuristic for archive-tier items that
// the rule or judge did not already group.
func BatchTypeFor(item *core.InboxItem) string {
	text := strings.ToLower(item.Subject + " " + item.Content)
	if strings.Contains(text, "unsubscribe") || strings.Contains(text, "newsletter") || strings.Contains(text, "digest") {
		return "newsletters"
	}

	local := strings.ToLower(item.Sender)
	if at := strings.Index(local, "@"); at > 0 {
		local = local[:at]
	}
	switch {
	case strings.HasPrefix(local, "noreply"), strings.HasPrefix(local, "no-reply"),
		strings.HasPrefix(local, "notifications"), strings.HasPrefix(local, "alerts"):
		return "notifications"
	}

	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
