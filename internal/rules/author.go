package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/llm"
)

// Author turns a user sentence like "always archive newsletters from
// news@example.com" into a triage rule via a forced tool call, then
// persists it through the service.
type Author struct {
	client  *llm.Client
	service *Service
}

// NewAuthor creates a natural-language rule author
func NewAuthor(client *llm.Client, service *Service) *Author {
	return &Author{client: client, service: service}
}

const authorToolName = "create_rule"

var authorTool = llm.Tool{
	Name:        authorToolName,
	Description: "Create a triage rule from the user's instruction.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable rule name.",
			},
			"type": map[string]interface{}{
				"type": "string",
				"enum": []string{"structured", "guidance"},
			},
			"trigger_kind": map[string]interface{}{
				"type": "string",
				"enum": []string{"sender", "domain", "keyword"},
			},
			"trigger_value": map[string]interface{}{
				"type":        "string",
				"description": "Sender address, domain, or keyword the rule matches on.",
			},
			"recommendation": map[string]interface{}{
				"type": "string",
				"enum": []string{"archive", "review", "attention"},
			},
			"batch_type": map[string]interface{}{
				"type":        "string",
				"description": "Optional grouping key when the action is archive.",
			},
			"guidance": map[string]interface{}{
				"type":        "string",
				"description": "Free-text instruction for guidance rules that cannot be expressed as a trigger and action.",
			},
		},
		"required": []string{"name", "type"},
	},
}

const authorSystemPrompt = `You translate a user's inbox triage instruction into a rule.

Prefer a structured rule (trigger + action) whenever the instruction names a
specific sender, domain, or keyword with a clear action. Use a guidance rule
only when the instruction is a judgment preference that no simple trigger can
capture, and put the instruction verbatim-ish into the guidance text.

Do not invent senders or keywords the user did not mention.`

type authoredRule struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	TriggerKind    string `json:"trigger_kind,omitempty"`
	TriggerValue   string `json:"trigger_value,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
	BatchType      string `json:"batch_type,omitempty"`
	Guidance       string `json:"guidance,omitempty"`
}

// Parse converts the instruction into a draft without persisting it
func (a *Author) Parse(ctx context.Context, instruction string) (*Draft, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, fmt.Errorf("%w: instruction", core.ErrMissingRequired)
	}
	if !a.client.IsConfigured() {
		return nil, core.ErrJudgeUnavailable
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		System:     authorSystemPrompt,
		Messages:   []llm.Message{{Role: "user", Content: instruction}},
		Tools:      []llm.Tool{authorTool},
		ToolChoice: &llm.ToolChoice{Type: "tool", Name: authorToolName},
	})
	if err != nil {
		return nil, err
	}

	input, err := resp.ToolCall(authorToolName)
	if err != nil {
		return nil, err
	}

	var authored authoredRule
	if err := json.Unmarshal(input, &authored); err != nil {
		return nil, fmt.Errorf("decode authored rule: %w", err)
	}

	draft := &Draft{
		Name:     authored.Name,
		Type:     core.RuleType(authored.Type),
		Guidance: authored.Guidance,
	}
	if draft.Type == core.RuleTypeStructured {
		draft.Trigger = &core.RuleTrigger{
			Kind:  core.TriggerKind(authored.TriggerKind),
			Value: authored.TriggerValue,
		}
		draft.Action = &core.RuleAction{
			Recommendation: core.Recommendation(authored.Recommendation),
			BatchType:      authored.BatchType,
		}
	}
	return draft, nil
}

// CreateFromInstruction parses the instruction and persists the resulting
// rule with source user_chat. Validation happens in the service, so a
// malformed model output surfaces as ErrInvalidInput rather than a bad row.
func (a *Author) CreateFromInstruction(ctx context.Context, instruction string) (*core.TriageRule, error) {
	draft, err := a.Parse(ctx, instruction)
	if err != nil {
		return nil, err
	}
	return a.service.Create(*draft, core.RuleSourceUserChat)
}
