package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quietdesk/quietdesk/internal/batch"
	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/heartbeat"
	"github.com/quietdesk/quietdesk/internal/learning"
	"github.com/quietdesk/quietdesk/internal/rules"
	"github.com/quietdesk/quietdesk/internal/storage"
	"github.com/quietdesk/quietdesk/internal/testutil"
	"github.com/quietdesk/quietdesk/internal/triage"
)

type env struct {
	server *Server
	items  *storage.ItemStore
	agg    *batch.Aggregator
	judge  *testutil.MockJudge
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.TestDB(t)

	itemStore := storage.NewItemStore(db)
	ruleStore := storage.NewRuleStore(db)
	batchStore := storage.NewBatchStore(db)
	jobStore := storage.NewJobStore(db)

	judge := &testutil.MockJudge{}
	agg := batch.NewAggregator(batchStore, itemStore, ruleStore)
	classifier := triage.NewClassifier(ruleStore, itemStore, judge, agg, triage.DefaultConfig())
	learner := learning.NewLearner(ruleStore, itemStore)
	ruleSvc := rules.NewService(ruleStore)
	hb := heartbeat.New(nil, jobStore, learner, db, heartbeat.DefaultConfig())

	server := New(Config{
		Port:       0,
		DB:         db,
		Classifier: classifier,
		Aggregator: agg,
		Learner:    learner,
		RuleSvc:    ruleSvc,
		Heartbeat:  hb,
	})

	return &env{server: server, items: itemStore, agg: agg, judge: judge}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// seedItem stores a new inbox item and returns it.
func (e *env) seedItem(t *testing.T, sender string) *core.InboxItem {
	t.Helper()
	item := testutil.ItemFixture(sender)
	if err := e.items.Upsert(item); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	return item
}

// seedClassified stores an item that already carries an AI classification.
func (e *env) seedClassified(t *testing.T, sender string, rec core.Recommendation) *core.InboxItem {
	t.Helper()
	item := e.seedItem(t, sender)
	if err := e.items.SetClassification(item.ID, &core.Classification{
		Tier:           core.TierAI,
		Recommendation: rec,
		Confidence:     0.8,
		Reasoning:      "seeded",
		ClassifiedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("SetClassification() error = %v", err)
	}
	return item
}

// === Health ===

func TestServer_Health(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

// === Items ===

func TestServer_GetItem_NotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/api/v1/items/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown item = %d, want 404", rec.Code)
	}
}

func TestServer_ListItems(t *testing.T) {
	e := newEnv(t)
	e.seedItem(t, "a@example.com")
	e.seedItem(t, "b@example.com")

	rec := e.do(t, "GET", "/api/v1/items", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /items = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestServer_ListItems_InvalidLimit(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/api/v1/items?limit=banana", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit = %d, want 400", rec.Code)
	}
}

func TestServer_ClassifyItem_RuleWins(t *testing.T) {
	e := newEnv(t)
	item := e.seedItem(t, "news@example.com")

	create := e.do(t, "POST", "/api/v1/rules", map[string]interface{}{
		"name": "Archive newsletters",
		"type": "structured",
		"trigger": map[string]string{
			"kind":  "sender",
			"value": "news@example.com",
		},
		"action": map[string]string{
			"recommendation": "archive",
			"batch_type":     "newsletters",
		},
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("POST /rules = %d: %s", create.Code, create.Body.String())
	}

	rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/classify", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("classify = %d: %s", rec.Code, rec.Body.String())
	}

	var cls core.Classification
	decodeBody(t, rec, &cls)
	if cls.Tier != core.TierRule {
		t.Errorf("Tier = %v, want rule", cls.Tier)
	}
	if cls.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", cls.Confidence)
	}
	if e.judge.Calls != 0 {
		t.Error("judge consulted despite a matching rule")
	}
}

func TestServer_RecordAction(t *testing.T) {
	e := newEnv(t)
	item := e.seedClassified(t, "news@example.com", core.RecommendArchive)

	rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/action",
		map[string]interface{}{"action": "archive"})
	if rec.Code != http.StatusOK {
		t.Fatalf("record action = %d: %s", rec.Code, rec.Body.String())
	}

	stored, err := e.items.GetByID(item.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != core.ItemStatusArchived {
		t.Errorf("Status = %v, want archived after a non-engaged action", stored.Status)
	}
	if stored.Classification.ActualAction != core.ActionArchive {
		t.Errorf("ActualAction = %v, want archive", stored.Classification.ActualAction)
	}
}

func TestServer_RecordAction_EngagedKeepsItem(t *testing.T) {
	e := newEnv(t)
	item := e.seedClassified(t, "boss@example.com", core.RecommendReview)

	rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/action",
		map[string]interface{}{"action": "engaged"})
	if rec.Code != http.StatusOK {
		t.Fatalf("record action = %d: %s", rec.Code, rec.Body.String())
	}

	stored, err := e.items.GetByID(item.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != core.ItemStatusNew {
		t.Errorf("Status = %v, engaging must not archive", stored.Status)
	}
}

func TestServer_RecordAction_UnknownAction(t *testing.T) {
	e := newEnv(t)
	item := e.seedClassified(t, "news@example.com", core.RecommendArchive)

	rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/action",
		map[string]interface{}{"action": "shred"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action = %d, want 400", rec.Code)
	}
}

func TestServer_RecordAction_SurfacesProposal(t *testing.T) {
	e := newEnv(t)

	// Two items already archived; the third recorded action crosses the
	// evidence threshold and the response carries the proposed rule.
	for i := 0; i < 2; i++ {
		item := e.seedClassified(t, "news@example.com", core.RecommendArchive)
		rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/action",
			map[string]interface{}{"action": "bulk_archive"})
		if rec.Code != http.StatusOK {
			t.Fatalf("record action = %d: %s", rec.Code, rec.Body.String())
		}
	}

	item := e.seedClassified(t, "news@example.com", core.RecommendArchive)
	rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/action",
		map[string]interface{}{"action": "bulk_archive"})
	if rec.Code != http.StatusOK {
		t.Fatalf("record action = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ProposedRule *core.TriageRule `json:"proposed_rule"`
	}
	decodeBody(t, rec, &resp)
	if resp.ProposedRule == nil {
		t.Fatal("want a proposed rule in the response")
	}
	if resp.ProposedRule.Status != core.RuleStatusProposed {
		t.Errorf("Status = %v, want proposed", resp.ProposedRule.Status)
	}
}

func TestServer_RecordAction_Unclassified(t *testing.T) {
	e := newEnv(t)
	item := e.seedItem(t, "news@example.com")

	rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/action",
		map[string]interface{}{"action": "archive"})
	if rec.Code != http.StatusConflict {
		t.Errorf("action on unclassified item = %d, want 409", rec.Code)
	}
}

func TestServer_Reclassify_MissingTarget(t *testing.T) {
	e := newEnv(t)
	item := e.seedClassified(t, "news@example.com", core.RecommendArchive)

	rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/reclassify",
		map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing to_batch_type = %d, want 400", rec.Code)
	}
}

// === Rules ===

func TestServer_RuleCRUD(t *testing.T) {
	e := newEnv(t)

	create := e.do(t, "POST", "/api/v1/rules", map[string]interface{}{
		"name": "Archive newsletters",
		"type": "structured",
		"trigger": map[string]string{
			"kind":  "sender",
			"value": "news@example.com",
		},
		"action": map[string]string{"recommendation": "archive"},
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("POST /rules = %d: %s", create.Code, create.Body.String())
	}

	var rule core.TriageRule
	decodeBody(t, create, &rule)

	get := e.do(t, "GET", "/api/v1/rules/"+string(rule.ID), nil)
	if get.Code != http.StatusOK {
		t.Errorf("GET rule = %d, want 200", get.Code)
	}

	update := e.do(t, "PUT", "/api/v1/rules/"+string(rule.ID), map[string]interface{}{
		"name": "Archive all newsletters",
	})
	if update.Code != http.StatusOK {
		t.Errorf("PUT rule = %d: %s", update.Code, update.Body.String())
	}

	del := e.do(t, "DELETE", "/api/v1/rules/"+string(rule.ID), nil)
	if del.Code != http.StatusOK {
		t.Errorf("DELETE rule = %d, want 200", del.Code)
	}

	gone := e.do(t, "GET", "/api/v1/rules/"+string(rule.ID), nil)
	if gone.Code != http.StatusNotFound {
		t.Errorf("GET deleted rule = %d, want 404", gone.Code)
	}
}

func TestServer_CreateRule_Conflict(t *testing.T) {
	e := newEnv(t)

	body := map[string]interface{}{
		"name": "Archive newsletters",
		"type": "structured",
		"trigger": map[string]string{
			"kind":  "sender",
			"value": "news@example.com",
		},
		"action": map[string]string{"recommendation": "archive"},
	}
	if rec := e.do(t, "POST", "/api/v1/rules", body); rec.Code != http.StatusCreated {
		t.Fatalf("first create = %d", rec.Code)
	}
	if rec := e.do(t, "POST", "/api/v1/rules", body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", rec.Code)
	}
}

func TestServer_NaturalRule_NoAuthor(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/api/v1/rules/natural",
		map[string]string{"instruction": "archive newsletters"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("natural rule without author = %d, want 503", rec.Code)
	}
}

// === Proposals ===

func TestServer_Proposals_AcceptAndDismiss(t *testing.T) {
	e := newEnv(t)

	// Drive two senders over the noise threshold.
	for _, sender := range []string{"news@example.com", "digest@example.com"} {
		for i := 0; i < 3; i++ {
			item := e.seedClassified(t, sender, core.RecommendArchive)
			if rec := e.do(t, "POST", "/api/v1/items/"+string(item.ID)+"/action",
				map[string]interface{}{"action": "bulk_archive"}); rec.Code != http.StatusOK {
				t.Fatalf("record action = %d", rec.Code)
			}
		}
	}

	list := e.do(t, "GET", "/api/v1/proposals", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("GET /proposals = %d", list.Code)
	}
	var resp struct {
		Proposals []*core.TriageRule `json:"proposals"`
	}
	decodeBody(t, list, &resp)
	if len(resp.Proposals) != 2 {
		t.Fatalf("proposals = %d, want 2", len(resp.Proposals))
	}

	accept := e.do(t, "POST", "/api/v1/proposals/"+string(resp.Proposals[0].ID)+"/accept", nil)
	if accept.Code != http.StatusOK {
		t.Errorf("accept = %d: %s", accept.Code, accept.Body.String())
	}

	dismiss := e.do(t, "POST", "/api/v1/proposals/"+string(resp.Proposals[1].ID)+"/dismiss", nil)
	if dismiss.Code != http.StatusOK {
		t.Errorf("dismiss = %d: %s", dismiss.Code, dismiss.Body.String())
	}

	// Both proposals are closed now; acting again conflicts.
	again := e.do(t, "POST", "/api/v1/proposals/"+string(resp.Proposals[0].ID)+"/accept", nil)
	if again.Code != http.StatusConflict {
		t.Errorf("accept closed proposal = %d, want 409", again.Code)
	}
}

func TestServer_Proposals_UnknownRule(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/api/v1/proposals/nope/accept", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("accept unknown = %d, want 404", rec.Code)
	}
}

// === Cards ===

func TestServer_Cards(t *testing.T) {
	e := newEnv(t)

	a := e.seedClassified(t, "news@example.com", core.RecommendArchive)
	b := e.seedClassified(t, "digest@example.com", core.RecommendArchive)
	cardID, err := e.agg.Attach(a.ID, "newsletters")
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := e.agg.Attach(b.ID, "newsletters"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	list := e.do(t, "GET", "/api/v1/cards", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("GET /cards = %d", list.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, list, &resp)
	if resp.Count != 1 {
		t.Errorf("open cards = %d, want 1", resp.Count)
	}

	action := e.do(t, "POST", "/api/v1/cards/"+string(cardID)+"/action",
		map[string]interface{}{
			"checked":   []string{string(a.ID)},
			"unchecked": []string{string(b.ID)},
		})
	if action.Code != http.StatusOK {
		t.Fatalf("card action = %d: %s", action.Code, action.Body.String())
	}

	stored, err := e.items.GetByID(a.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != core.ItemStatusArchived {
		t.Errorf("checked item status = %v, want archived", stored.Status)
	}
}

func TestServer_GetCard_NotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/api/v1/cards/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown card = %d, want 404", rec.Code)
	}
}

// === Heartbeat ===

func TestServer_Heartbeat(t *testing.T) {
	e := newEnv(t)

	run := e.do(t, "POST", "/api/v1/heartbeat/run", nil)
	if run.Code != http.StatusOK {
		t.Fatalf("POST /heartbeat/run = %d: %s", run.Code, run.Body.String())
	}

	status := e.do(t, "GET", "/api/v1/heartbeat/status", nil)
	if status.Code != http.StatusOK {
		t.Fatalf("GET /heartbeat/status = %d", status.Code)
	}
	var resp struct {
		Healthy bool `json:"healthy"`
		LastRun *struct {
			AllStepsSucceeded bool `json:"all_steps_succeeded"`
		} `json:"last_run"`
	}
	decodeBody(t, status, &resp)
	if !resp.Healthy {
		t.Error("Healthy = false after a clean run")
	}
	if resp.LastRun == nil {
		t.Error("LastRun missing after a run")
	}
}
