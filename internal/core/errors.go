// Package core defines the fundamental types and errors for QuietDesk.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Storage errors
	ErrDatabaseLocked  = errors.New("database is locked")
	ErrMigrationFailed = errors.New("migration failed")
	ErrRecordNotFound  = errors.New("record not found")

	// Item errors
	ErrItemNotFound     = errors.New("item not found")
	ErrItemUnclassified = errors.New("item has no classification")

	// Rule errors
	ErrRuleNotFound   = errors.New("rule not found")
	ErrRuleConflict   = errors.New("an active or proposed rule already exists for this pattern")
	ErrProposalClosed = errors.New("proposal has already been accepted or dismissed")

	// Batch errors
	ErrCardNotFound = errors.New("batch card not found")
	ErrCardClosed   = errors.New("batch card is no longer open")

	// Heartbeat errors
	ErrSyncFailed        = errors.New("sync failed")
	ErrConnectorDisabled = errors.New("connector is disabled")

	// Classifier errors
	ErrJudgeUnavailable = errors.New("AI judgment unavailable")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
