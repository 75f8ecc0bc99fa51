// Package errors provides the typed error taxonomy for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error along the engine's failure taxonomy.
type Kind string

const (
	// KindValidation: domain rules rejected the action. Surfaced to the
	// acting client only, never retried automatically.
	KindValidation Kind = "validation_rejected"

	// KindConflict: the action lost to a concurrent one. Carries the
	// winning action's id in metadata under "conflicting_action_id".
	KindConflict Kind = "conflict_rejected"

	// Version mismatch signals. These trigger resync paths and are never
	// silently dropped.
	KindVersionStale Kind = "version_stale"
	KindVersionAhead Kind = "version_ahead"
	KindVersionGap   Kind = "version_gap"

	// KindChecksum: integrity signal; counted by the desync detector.
	KindChecksum Kind = "checksum_mismatch"

	// KindPersistence: transient durable-store failure. The whole action is
	// safe to retry because in-memory state was not advanced.
	KindPersistence Kind = "transient_persistence_failure"

	// KindTransport: delivery or broadcast failure, retried with backoff.
	KindTransport Kind = "transport_failure"
)

// Operation names the sync operation during which an error occurred.
type Operation string

const (
	OpProcessAction Operation = "process_action"
	OpSyncClient    Operation = "sync_client"
	OpReplay        Operation = "replay"
	OpAppend        Operation = "append"
	OpSnapshot      Operation = "snapshot"
	OpBroadcast     Operation = "broadcast"
	OpDeltaApply    Operation = "delta_apply"
	OpStateAdopt    Operation = "state_adopt"
	OpReconnect     Operation = "reconnect"
	OpStore         Operation = "store"
	OpLoad          Operation = "load"
	OpClose         Operation = "close"
)

// SyncError is the structured error carried across engine boundaries.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "engine", "broadcast")
	Component string

	// Kind along the failure taxonomy
	Kind Kind

	// Whether the operation can be retried
	Retryable bool

	// Underlying error
	Err error

	// Metadata for additional context (conflicting action ids, versions)
	Metadata map[string]any
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s failed", e.Op)
	}
	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewValidation creates a validation rejection.
func NewValidation(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "rules", Kind: KindValidation, Err: cause}
}

// NewConflict creates a conflict rejection referencing the winning action.
func NewConflict(op Operation, winnerID string, cause error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "conflict",
		Kind:      KindConflict,
		Err:       cause,
		Metadata:  map[string]any{"conflicting_action_id": winnerID},
	}
}

// NewVersion creates a version protocol error of the given kind.
func NewVersion(op Operation, kind Kind, clientVersion, serverVersion int64) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "version",
		Kind:      kind,
		Err:       fmt.Errorf("client at %d, server at %d", clientVersion, serverVersion),
		Metadata: map[string]any{
			"client_version": clientVersion,
			"server_version": serverVersion,
		},
	}
}

// NewChecksum creates a checksum mismatch error.
func NewChecksum(op Operation, want, got string) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "checksum",
		Kind:      KindChecksum,
		Err:       fmt.Errorf("expected %s, computed %s", want, got),
	}
}

// NewPersistence creates a retryable persistence failure.
func NewPersistence(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "store", Kind: KindPersistence, Err: cause, Retryable: true}
}

// NewTransport creates a retryable transport failure.
func NewTransport(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "transport", Kind: KindTransport, Err: cause, Retryable: true}
}

// New creates a plain SyncError without a taxonomy kind.
func New(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

// NewWithComponent creates a SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{Op: op, Component: component, Err: err}
}

// IsRetryable checks if an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf extracts the taxonomy kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// ConflictingActionID extracts the winning action id from a conflict
// rejection, or "" when absent.
func ConflictingActionID(err error) string {
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Metadata == nil {
		return ""
	}
	if id, ok := syncErr.Metadata["conflicting_action_id"].(string); ok {
		return id
	}
	return ""
}
