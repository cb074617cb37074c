package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/logging"
	"github.com/quietdesk/quietdesk/internal/storage"
)

// handleListItems returns items, optionally filtered by status or sender
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	filter := storage.ListFilter{
		Status: core.ItemStatus(r.URL.Query().Get("status")),
		Sender: r.URL.Query().Get("sender"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	items, err := s.itemStore.List(filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// handleGetItem returns a single item
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := core.ItemID(chi.URLParam(r, "itemID"))
	item, err := s.itemStore.GetByID(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, item)
}

// handleClassifyItem runs the classifier pipeline on one item
func (s *Server) handleClassifyItem(w http.ResponseWriter, r *http.Request) {
	id := core.ItemID(chi.URLParam(r, "itemID"))
	classification, err := s.classifier.ClassifyItem(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, classification)
}

type recordActionRequest struct {
	Action      core.ActualAction `json:"action"`
	WasOverride bool              `json:"was_override"`
}

// handleRecordAction records what the user actually did with an item and
// gives the learner a chance to propose a rule for the sender.
func (s *Server) handleRecordAction(w http.ResponseWriter, r *http.Request) {
	id := core.ItemID(chi.URLParam(r, "itemID"))

	var req recordActionRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	switch req.Action {
	case core.ActionBulkArchive, core.ActionArchive, core.ActionEngaged:
	default:
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action"})
		return
	}

	item, err := s.itemStore.GetByID(id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	merged, err := s.itemStore.MergeClassification(id, core.Classification{
		ActualAction: req.Action,
		WasOverride:  req.WasOverride,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	if req.Action != core.ActionEngaged {
		if err := s.itemStore.UpdateStatus(id, core.ItemStatusArchived); err != nil {
			s.respondError(w, err)
			return
		}
	}

	// Feedback may tip the sender over a proposal threshold. Proposal
	// failures don't fail the action; the daily sweep retries.
	var proposal *core.TriageRule
	if s.learner != nil && item.Sender != "" {
		proposal, err = s.learner.ProposeIfReady(item.Sender)
		if err != nil {
			logging.WithField("sender", item.Sender).Warn("proposal check failed: %v", err)
		}
	}

	resp := map[string]interface{}{"classification": merged}
	if proposal != nil {
		resp["proposed_rule"] = proposal
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type reclassifyRequest struct {
	ToBatchType string `json:"to_batch_type"` // "individual" pulls the item out of batching
}

// handleReclassify moves an item between batch types, recording the
// override and folding it into the sender's rule.
func (s *Server) handleReclassify(w http.ResponseWriter, r *http.Request) {
	id := core.ItemID(chi.URLParam(r, "itemID"))

	var req reclassifyRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	if req.ToBatchType == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "to_batch_type is required"})
		return
	}

	item, err := s.itemStore.GetByID(id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	fromBatchType := ""
	if item.Classification != nil {
		fromBatchType = item.Classification.BatchType
	}

	if err := s.aggregator.Reclassify(id, fromBatchType, req.ToBatchType, item.Sender); err != nil {
		s.respondError(w, err)
		return
	}

	updated, err := s.itemStore.GetByID(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}
