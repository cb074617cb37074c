// Package heartbeat orchestrates periodic connector syncs and daily maintenance.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quietdesk/quietdesk/internal/learning"
	"github.com/quietdesk/quietdesk/internal/logging"
	"github.com/quietdesk/quietdesk/internal/storage"
)

// Connector is a data source the heartbeat drives. How a connector
// authenticates or fetches is its own business; the only contract is an
// idempotent upsert keyed by (source, externalId).
type Connector interface {
	Name() string
	Enabled() bool
	Sync(ctx context.Context) (*SyncResult, error)
}

// SyncResult reports what one connector ingested
type SyncResult struct {
	NewItems     int           `json:"new_items"`
	UpdatedItems int           `json:"updated_items"`
	Duration     time.Duration `json:"duration"`
}

// StepResult reports one step of a heartbeat run
type StepResult struct {
	Name    string      `json:"name"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Sync    *SyncResult `json:"sync,omitempty"`
}

// RunResult reports a complete heartbeat run
type RunResult struct {
	StartedAt           time.Time    `json:"started_at"`
	FinishedAt          time.Time    `json:"finished_at"`
	AllStepsSucceeded   bool         `json:"all_steps_succeeded"`
	Steps               []StepResult `json:"steps"`
	Warnings            []string     `json:"warnings"`
	DailyMaintenanceRan bool         `json:"daily_maintenance_ran"`
}

// RunOptions tunes a single run
type RunOptions struct {
	SkipConnectors []string // connector names to leave out of this run
}

// Status is the observable heartbeat state
type Status struct {
	LastRun *RunResult  `json:"last_run,omitempty"`
	Healthy bool        `json:"healthy"`
	History []RunResult `json:"history"`
}

// Config configures the heartbeat
type Config struct {
	BackupPath  string         // where daily maintenance writes the DB copy
	SweepWindow time.Duration  // how far back the learning sweep looks
	HistorySize int            // retained run results
	Location    *time.Location // calendar used by the once-per-day guard
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SweepWindow: 30 * 24 * time.Hour,
		HistorySize: 20,
		Location:    time.Local,
	}
}

const maintenanceJob = "daily_maintenance"

// Heartbeat runs all enabled connectors and, once per calendar day, daily
// maintenance. Runs are single-flight: overlapping manual and scheduled
// triggers serialize on an internal mutex.
type Heartbeat struct {
	connectors []Connector
	jobs       *storage.JobStore
	learner    *learning.Learner
	db         *storage.DB
	config     Config

	runMu sync.Mutex // serializes runs

	mu      sync.RWMutex // guards status
	lastRun *RunResult
	history []RunResult

	now func() time.Time
}

// New creates a heartbeat
func New(connectors []Connector, jobs *storage.JobStore, learner *learning.Learner, db *storage.DB, cfg Config) *Heartbeat {
	if cfg.SweepWindow == 0 {
		cfg.SweepWindow = 30 * 24 * time.Hour
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = 20
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Heartbeat{
		connectors: connectors,
		jobs:       jobs,
		learner:    learner,
		db:         db,
		config:     cfg,
		now:        time.Now,
	}
}

// Run executes one heartbeat: every enabled connector syncs independently,
// failures become warnings rather than aborting the run, and daily
// maintenance fires at most once per calendar day. Identical semantics
// whether triggered manually, by timer, or by an external scheduler.
func (h *Heartbeat) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	result := &RunResult{
		StartedAt:         h.now(),
		AllStepsSucceeded: true,
	}

	skip := make(map[string]bool, len(opts.SkipConnectors))
	for _, name := range opts.SkipConnectors {
		skip[name] = true
	}

	var stepMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, conn := range h.connectors {
		if skip[conn.Name()] {
			continue
		}
		if !conn.Enabled() {
			continue
		}

		conn := conn
		g.Go(func() error {
			step := h.runConnector(gctx, conn)
			stepMu.Lock()
			result.Steps = append(result.Steps, step)
			if !step.Success {
				result.AllStepsSucceeded = false
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("connector %s: %s", step.Name, step.Error))
			}
			stepMu.Unlock()
			// Connector failures never abort the run.
			return nil
		})
	}
	g.Wait()

	maintenance := h.maybeRunMaintenance(ctx)
	if maintenance != nil {
		result.DailyMaintenanceRan = maintenance.Success
		result.Steps = append(result.Steps, *maintenance)
		if !maintenance.Success {
			result.AllStepsSucceeded = false
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("daily maintenance: %s", maintenance.Error))
		}
	}

	result.FinishedAt = h.now()

	h.mu.Lock()
	h.lastRun = result
	h.history = append(h.history, *result)
	if len(h.history) > h.config.HistorySize {
		h.history = h.history[len(h.history)-h.config.HistorySize:]
	}
	h.mu.Unlock()

	logging.WithFields(map[string]interface{}{
		"steps":    len(result.Steps),
		"warnings": len(result.Warnings),
		"ok":       result.AllStepsSucceeded,
	}).Info("heartbeat run finished")

	return result, nil
}

func (h *Heartbeat) runConnector(ctx context.Context, conn Connector) StepResult {
	start := h.now()
	res, err := conn.Sync(ctx)
	if err != nil {
		logging.WithField("connector", conn.Name()).Warn("sync failed: %v", err)
		return StepResult{Name: conn.Name(), Success: false, Error: err.Error()}
	}
	if res == nil {
		res = &SyncResult{}
	}
	if res.Duration == 0 {
		res.Duration = h.now().Sub(start)
	}
	return StepResult{Name: conn.Name(), Success: true, Sync: res}
}

// maybeRunMaintenance runs daily maintenance if it has not yet run on the
// current calendar date. The guard is persisted, so restarts don't re-run
// it. Returns nil when the guard says skip.
func (h *Heartbeat) maybeRunMaintenance(ctx context.Context) *StepResult {
	now := h.now()
	ran, err := h.jobs.RanOnDate(maintenanceJob, now, h.config.Location)
	if err != nil {
		return &StepResult{Name: maintenanceJob, Success: false, Error: err.Error()}
	}
	if ran {
		return nil
	}

	step := &StepResult{Name: maintenanceJob, Success: true}

	if h.config.BackupPath != "" && h.db != nil {
		if err := h.db.Backup(h.config.BackupPath); err != nil {
			step.Success = false
			step.Error = err.Error()
		}
	}

	if h.learner != nil {
		created, err := h.learner.DailySweep(ctx, now.Add(-h.config.SweepWindow))
		if err != nil {
			step.Success = false
			if step.Error != "" {
				step.Error += "; "
			}
			step.Error += err.Error()
		} else if created > 0 {
			logging.Info("daily sweep proposed %d rules", created)
		}
	}

	// Record the run even on partial failure; maintenance is once per day,
	// not retry-until-clean.
	if err := h.jobs.RecordRun(maintenanceJob, now); err != nil {
		step.Success = false
		if step.Error != "" {
			step.Error += "; "
		}
		step.Error += err.Error()
	}

	return step
}

// Status returns the last run and recent history
func (h *Heartbeat) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := Status{
		Healthy: h.lastRun == nil || h.lastRun.AllStepsSucceeded,
		History: append([]RunResult(nil), h.history...),
	}
	if h.lastRun != nil {
		run := *h.lastRun
		status.LastRun = &run
	}
	return status
}
