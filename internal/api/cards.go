package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quietdesk/quietdesk/internal/core"
)

// handleListCards returns all open batch cards with their members
func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.batchStore.ListOpen()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cards": cards,
		"count": len(cards),
	})
}

// handleGetCard returns one batch card with its members
func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	id := core.CardID(chi.URLParam(r, "cardID"))
	card, err := s.batchStore.GetByID(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, card)
}

type actionCardRequest struct {
	Checked   []core.ItemID `json:"checked"`   // archived as bulk_archive
	Unchecked []core.ItemID `json:"unchecked"` // detached, back to individual review
}

// handleActionCard applies a bulk decision to a card. The card dissolves
// when its last member is handled.
func (s *Server) handleActionCard(w http.ResponseWriter, r *http.Request) {
	id := core.CardID(chi.URLParam(r, "cardID"))

	var req actionCardRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	card, err := s.aggregator.ActionCard(id, req.Checked, req.Unchecked)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, card)
}
