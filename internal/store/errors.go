package store

import "errors"

// Sentinel errors for the failure kinds named in §4.1/§7.
var (
	ErrNotFound           = errors.New("store: not found")
	ErrIntegrityViolation = errors.New("store: integrity violation")
	ErrBackendBusy        = errors.New("store: backend busy")
	ErrCorrupt            = errors.New("store: database corrupt")
)
