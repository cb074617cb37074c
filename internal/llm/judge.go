package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/quietdesk/quietdesk/internal/core"
)

// Judgment is the AI judgment contract: single call, prompt in,
// structured decision out.
type Judgment struct {
	Recommendation core.Recommendation `json:"recommendation"`
	Confidence     float64             `json:"confidence"`
	Reasoning      string              `json:"reasoning"`
	BatchType      string              `json:"batch_type,omitempty"`
}

// Judge is the opaque AI judgment capability consumed by the classifier.
// Failures and timeouts are expected; the classifier degrades to its
// heuristic tier.
type Judge interface {
	Judge(ctx context.Context, system, prompt string) (*Judgment, error)
}

// JudgeConfig configures the API-backed judge
type JudgeConfig struct {
	Timeout   time.Duration // hard per-call budget; on expiry the call is abandoned
	RateLimit rate.Limit    // calls per second admitted to the API
	Burst     int
}

// DefaultJudgeConfig returns sensible defaults
func DefaultJudgeConfig() JudgeConfig {
	return JudgeConfig{
		Timeout:   30 * time.Second,
		RateLimit: rate.Limit(2),
		Burst:     4,
	}
}

// APIJudge implements Judge against the messages API using a forced tool
// call, so the decision arrives as schema-validated JSON rather than
// free text with trailing JSON to scrape out.
type APIJudge struct {
	client  *Client
	timeout time.Duration
	limiter *rate.Limiter
}

// NewAPIJudge creates an API-backed judge
func NewAPIJudge(client *Client, cfg JudgeConfig) *APIJudge {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Limit(2)
	}
	if cfg.Burst == 0 {
		cfg.Burst = 4
	}
	return &APIJudge{
		client:  client,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
	}
}

const judgeToolName = "record_triage"

var judgeTool = Tool{
	Name:        judgeToolName,
	Description: "Record the triage decision for one inbox item.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"recommendation": map[string]interface{}{
				"type": "string",
				"enum": []string{"archive", "review", "attention"},
			},
			"confidence": map[string]interface{}{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
			"reasoning": map[string]interface{}{
				"type": "string",
			},
			"batch_type": map[string]interface{}{
				"type":        "string",
				"description": "Optional grouping key when recommending archive, e.g. newsletters.",
			},
		},
		"required": []string{"recommendation", "confidence", "reasoning"},
	},
}

// Judge asks the model for a triage decision under the configured budget.
// The timeout is a cancellation boundary, not a retry: on expiry the call
// is abandoned and the error surfaces to the caller.
func (j *APIJudge) Judge(ctx context.Context, system, prompt string) (*Judgment, error) {
	if !j.client.IsConfigured() {
		return nil, core.ErrJudgeUnavailable
	}

	if err := j.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	resp, err := j.client.Complete(ctx, Request{
		System:     system,
		Messages:   []Message{{Role: "user", Content: prompt}},
		Tools:      []Tool{judgeTool},
		ToolChoice: &ToolChoice{Type: "tool", Name: judgeToolName},
	})
	if err != nil {
		return nil, err
	}

	input, err := resp.ToolCall(judgeToolName)
	if err != nil {
		return nil, err
	}

	var judgment Judgment
	if err := json.Unmarshal(input, &judgment); err != nil {
		return nil, fmt.Errorf("decode judgment: %w", err)
	}

	switch judgment.Recommendation {
	case core.RecommendArchive, core.RecommendReview, core.RecommendAttention:
	default:
		return nil, fmt.Errorf("judgment has unknown recommendation %q", judgment.Recommendation)
	}
	if judgment.Confidence < 0 || judgment.Confidence > 1 {
		return nil, fmt.Errorf("judgment confidence %v out of range", judgment.Confidence)
	}

	return &judgment, nil
}
