// Package api provides the HTTP API server for QuietDesk.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quietdesk/quietdesk/internal/batch"
	"github.com/quietdesk/quietdesk/internal/core"
	"github.com/quietdesk/quietdesk/internal/heartbeat"
	"github.com/quietdesk/quietdesk/internal/learning"
	"github.com/quietdesk/quietdesk/internal/rules"
	"github.com/quietdesk/quietdesk/internal/storage"
	"github.com/quietdesk/quietdesk/internal/triage"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	// Components
	classifier *triage.Classifier
	aggregator *batch.Aggregator
	learner    *learning.Learner
	ruleSvc    *rules.Service
	author     *rules.Author
	heartbeat  *heartbeat.Heartbeat

	// Stores
	itemStore  *storage.ItemStore
	batchStore *storage.BatchStore
}

// Config for the server
type Config struct {
	Port       int
	Host       string
	DB         *storage.DB
	Classifier *triage.Classifier
	Aggregator *batch.Aggregator
	Learner    *learning.Learner
	RuleSvc    *rules.Service
	Author     *rules.Author
	Heartbeat  *heartbeat.Heartbeat
}

// New creates a new API server
func New(cfg Config) *Server {
	s := &Server{
		classifier: cfg.Classifier,
		aggregator: cfg.Aggregator,
		learner:    cfg.Learner,
		ruleSvc:    cfg.RuleSvc,
		author:     cfg.Author,
		heartbeat:  cfg.Heartbeat,
		itemStore:  storage.NewItemStore(cfg.DB),
		batchStore: storage.NewBatchStore(cfg.DB),
	}

	s.setupRouter()

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Items
		r.Get("/items", s.handleListItems)
		r.Get("/items/{itemID}", s.handleGetItem)
		r.Post("/items/{itemID}/classify", s.handleClassifyItem)
		r.Post("/items/{itemID}/action", s.handleRecordAction)
		r.Post("/items/{itemID}/reclassify", s.handleReclassify)

		// Rules
		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleCreateRule)
		r.Post("/rules/natural", s.handleCreateRuleFromText)
		r.Get("/rules/{ruleID}", s.handleGetRule)
		r.Put("/rules/{ruleID}", s.handleUpdateRule)
		r.Delete("/rules/{ruleID}", s.handleDeleteRule)

		// Proposals
		r.Get("/proposals", s.handleListProposals)
		r.Post("/proposals/{ruleID}/accept", s.handleAcceptProposal)
		r.Post("/proposals/{ruleID}/dismiss", s.handleDismissProposal)

		// Batch cards
		r.Get("/cards", s.handleListCards)
		r.Get("/cards/{cardID}", s.handleGetCard)
		r.Post("/cards/{cardID}/action", s.handleActionCard)

		// Heartbeat
		r.Post("/heartbeat/run", s.handleRunHeartbeat)
		r.Get("/heartbeat/status", s.handleHeartbeatStatus)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router = r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	fmt.Printf("API server starting on http://%s\n", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the mux for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respondJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps domain sentinels to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrMissingRequired):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrItemNotFound),
		errors.Is(err, core.ErrRuleNotFound),
		errors.Is(err, core.ErrCardNotFound),
		errors.Is(err, core.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRuleConflict),
		errors.Is(err, core.ErrProposalClosed),
		errors.Is(err, core.ErrCardClosed),
		errors.Is(err, core.ErrItemUnclassified):
		return http.StatusConflict
	case errors.Is(err, core.ErrJudgeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}
