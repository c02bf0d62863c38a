package errors

import "errors"

// Gateway errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrNoScope       = errors.New("no scope available")
	ErrBatchComplete = errors.New("batch already complete")
	ErrBatchClaimed  = errors.New("batch claimed by another device")
)

// Sync errors.
var (
	ErrRetryCooldown = errors.New("retry attempted too soon")
)
