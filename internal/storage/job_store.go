// Package storage provides persistence for QuietDesk.
package storage

import (
	"database/sql"
	"time"
)

// JobStore tracks last-run timestamps per background job. Persisted so guards
// like once-per-day maintenance survive process restarts.
type JobStore struct {
	db *DB
}

// NewJobStore creates a new job store
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// LastRun returns the recorded last run of a job, or zero time if never run
func (s *JobStore) LastRun(name string) (time.Time, error) {
	var last time.Time
	err := s.db.conn.QueryRow(
		"SELECT last_run_at FROM job_state WHERE name = ?", name,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last, nil
}

// RecordRun stores the last run of a job
func (s *JobStore) RecordRun(name string, at time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.conn.Exec(`
		INSERT INTO job_state (name, last_run_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
		    last_run_at = excluded.last_run_at,
		    updated_at = excluded.updated_at
	`, name, at.UTC(), now)
	return err
}

// RanOnDate reports whether a job already ran on the given calendar date
// in the given location.
func (s *JobStore) RanOnDate(name string, date time.Time, loc *time.Location) (bool, error) {
	last, err := s.LastRun(name)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return false, nil
	}

	y1, m1, d1 := last.In(loc).Date()
	y2, m2, d2 := date.In(loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2, nil
}
