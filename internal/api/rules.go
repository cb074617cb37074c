package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/rules"
)

// handleListRules returns rules, optionally filtered by status
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	status := core.RuleStatus(r.URL.Query().Get("status"))
	list, err := s.ruleSvc.List(status)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// handleCreateRule creates a rule from a structured draft
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var draft rules.Draft
	if err := s.decode(r, &draft); err != nil {
		s.respondError(w, err)
		return
	}

	rule, err := s.ruleSvc.Create(draft, core.RuleSourceUserSettings)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, rule)
}

type naturalRuleRequest struct {
	Instruction string `json:"instruction"`
}

// handleCreateRuleFromText creates a rule from a natural-language instruction
func (s *Server) handleCreateRuleFromText(w http.ResponseWriter, r *http.Request) {
	if s.author == nil {
		s.respondError(w, core.ErrJudgeUnavailable)
		return
	}

	var req naturalRuleRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	rule, err := s.author.CreateFromInstruction(r.Context(), req.Instruction)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, rule)
}

// handleGetRule returns a rule by ID
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := core.RuleID(chi.URLParam(r, "ruleID"))
	rule, err := s.ruleSvc.Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rule)
}

// handleUpdateRule updates a rule's mutable fields
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := core.RuleID(chi.URLParam(r, "ruleID"))

	var draft rules.Draft
	if err := s.decode(r, &draft); err != nil {
		s.respondError(w, err)
		return
	}

	rule, err := s.ruleSvc.Update(id, draft)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rule)
}

// handleDeleteRule removes a rule
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := core.RuleID(chi.URLParam(r, "ruleID"))
	if err := s.ruleSvc.Delete(id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleListProposals returns open learned proposals with their evidence
func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if s.learner == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"proposals": []struct{}{}, "count": 0})
		return
	}
	proposals, err := s.learner.ListProposals()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

// handleAcceptProposal promotes a proposed rule to active
func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	if s.learner == nil {
		s.respondError(w, core.ErrRuleNotFound)
		return
	}
	id := core.RuleID(chi.URLParam(r, "ruleID"))
	rule, err := s.learner.AcceptProposal(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rule)
}

// handleDismissProposal dismisses a proposed rule
func (s *Server) handleDismissProposal(w http.ResponseWriter, r *http.Request) {
	if s.learner == nil {
		s.respondError(w, core.ErrRuleNotFound)
		return
	}
	id := core.RuleID(chi.URLParam(r, "ruleID"))
	rule, err := s.learner.DismissProposal(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rule)
}
