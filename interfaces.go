package gamesync

import "context"

// RulesEvaluator validates and applies domain actions. Implementations must
// be pure and deterministic: Apply on equal states with equal actions yields
// equal states, or replay and checksum verification break down.
type RulesEvaluator interface {
	// Validate reports whether the action is legal in the given state.
	// A nil error means legal.
	Validate(state *GameState, action Action) error

	// Apply returns the successor state. It must not mutate its input.
	Apply(state *GameState, action Action) (*GameState, error)
}

// DurableStore persists events, snapshots, and session state. PersistEvent
// writes the event and the resulting session state in one transaction; the
// synchronizer treats its return as the commit point for the action.
type DurableStore interface {
	// PersistEvent atomically writes the event and the session state it
	// produced.
	PersistEvent(ctx context.Context, event Event, state *GameState) error

	// PersistSnapshot writes a full-state snapshot.
	PersistSnapshot(ctx context.Context, snapshot Snapshot) error

	// PersistState upserts the authoritative session row outside the event
	// path (session creation, administrative repair).
	PersistState(ctx context.Context, state *GameState) error

	// LoadState returns the authoritative state for a session, or
	// ErrSessionNotFound.
	LoadState(ctx context.Context, sessionID string) (*GameState, error)

	// LoadEvents returns events with fromVersion <= version <= toVersion in
	// sequence order. A toVersion of 0 means no upper bound.
	LoadEvents(ctx context.Context, sessionID string, fromVersion, toVersion int64) ([]Event, error)

	// LoadLatestSnapshot returns the most recent snapshot for a session, or
	// ErrSnapshotNotFound.
	LoadLatestSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)

	// LatestSequence returns the highest stored sequence number for a
	// session (0 when none).
	LatestSequence(ctx context.Context, sessionID string) (int64, error)

	// OldestEventVersion returns the lowest surviving event version for a
	// session (0 when the log is empty).
	OldestEventVersion(ctx context.Context, sessionID string) (int64, error)

	// PruneSnapshots keeps the most recent `keep` snapshots and deletes
	// older ones together with events that precede the oldest retained
	// snapshot. Returns how many snapshots were pruned.
	PruneSnapshots(ctx context.Context, sessionID string, keep int) (int, error)

	// Close releases resources.
	Close() error
}
