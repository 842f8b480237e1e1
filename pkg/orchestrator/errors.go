package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors for the start-path failure kinds. Typed errors below wrap
// them so callers can use errors.Is for classification and errors.As for detail.
var (
	ErrValidation      = errors.New("invalid job specification")
	ErrConflict        = errors.New("run already active")
	ErrNoFreePortBlock = errors.New("no free port block")
	ErrSpawn           = errors.New("failed to spawn training process")
	ErrRunNotFound     = errors.New("run not found")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
)

// ValidationError reports a job specification rejected before anything was
// reserved or spawned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError reports that a non-terminal run already holds the identifier.
type ConflictError struct {
	RunID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("training run '%s' is already in progress", e.RunID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// PortExhaustedError reports that the probe budget ran out before a free block
// was found. LastTried lets the caller make an informed retry.
type PortExhaustedError struct {
	Requested int
	LastTried int
	Probes    int
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("no free block of %d ports found starting at %d (last tried %d after %d probes)",
		PortBlockSize, e.Requested, e.LastTried, e.Probes)
}

func (e *PortExhaustedError) Unwrap() error {
	return ErrNoFreePortBlock
}

// SpawnError reports that the external command could not be started at all.
// It is distinct from a training failure (non-zero exit).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// rejectReason is the metrics label for a start failure.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNoFreePortBlock):
		return "ports"
	case errors.Is(err, ErrSpawn):
		return "spawn"
	default:
		return "other"
	}
}
