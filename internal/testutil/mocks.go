package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/heartbeat"
	"github.com/quietdesk/quietdesk/internal/llm"
)

// MockJudge implements llm.Judge with a pluggable function.
type MockJudge struct {
	JudgeFunc func(ctx context.Context, system, prompt string) (*llm.Judgment, error)
	Calls     int
}

// Judge calls the mock function if set, otherwise returns a review judgment.
func (m *MockJudge) Judge(ctx context.Context, system, prompt string) (*llm.Judgment, error) {
	m.Calls++
	if m.JudgeFunc != nil {
		return m.JudgeFunc(ctx, system, prompt)
	}
	return &llm.Judgment{
		Recommendation: core.RecommendReview,
		Confidence:     0.5,
		Reasoning:      "mock judgment",
	}, nil
}

// FailingJudge returns a judge whose every call fails with err.
func FailingJudge(err error) *MockJudge {
	return &MockJudge{
		JudgeFunc: func(ctx context.Context, system, prompt string) (*llm.Judgment, error) {
			return nil, err
		},
	}
}

// MockConnector implements heartbeat.Connector for testing.
type MockConnector struct {
	ConnectorName string
	Disabled      bool
	SyncFunc      func(ctx context.Context) (*heartbeat.SyncResult, error)
	SyncCalls     int
}

// Name returns the connector name.
func (m *MockConnector) Name() string { return m.ConnectorName }

// Enabled reports whether the connector participates in runs.
func (m *MockConnector) Enabled() bool { return !m.Disabled }

// Sync calls the mock function if set, otherwise reports an empty result.
func (m *MockConnector) Sync(ctx context.Context) (*heartbeat.SyncResult, error) {
	m.SyncCalls++
	if m.SyncFunc != nil {
		return m.SyncFunc(ctx)
	}
	return &heartbeat.SyncResult{}, nil
}

// ToolCallServer returns an httptest server that answers every messages
// request with a single tool_use block for the named tool, carrying input.
// The caller owns shutdown via t.Cleanup.
func ToolCallServer(t *testing.T, toolName string, input interface{}) *httptest.Server {
	t.Helper()

	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal tool input: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"stop_reason": "tool_use",
			"content": []map[string]interface{}{
				{
					"type":  "tool_use",
					"name":  toolName,
					"input": json.RawMessage(raw),
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ToolCallClient returns an llm.Client wired to a ToolCallServer.
func ToolCallClient(t *testing.T, toolName string, input interface{}) *llm.Client {
	t.Helper()
	srv := ToolCallServer(t, toolName, input)
	return llm.NewClient(llm.Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	})
}
