// Package eventstore maintains the append-only action log per session, with
// periodic snapshots to bound replay cost. It layers sequence assignment,
// payload digests, and retention on top of a DurableStore.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/checksum"
	syncErrors "github.com/cardroom/go-game-sync/errors"
	"github.com/cardroom/go-game-sync/logging"
)

// Defaults for snapshot cadence and retention. Configuration, not hard
// invariants.
const (
	DefaultSnapshotInterval = 10
	DefaultSnapshotRetain   = 5
)

// Config holds event store settings.
type Config struct {
	// SnapshotInterval is the number of events between automatic snapshots.
	SnapshotInterval int

	// SnapshotRetain is how many recent snapshots survive pruning.
	SnapshotRetain int

	// Logger is optional; the package logger is used when nil.
	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = DefaultSnapshotRetain
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent("eventstore")
	}
}

// Store is the event store for all sessions sharing one durable backend.
type Store struct {
	durable gamesync.DurableStore
	cfg     Config

	mu   sync.Mutex
	seqs map[string]int64
}

// New creates a Store over the given durable backend.
func New(durable gamesync.DurableStore, cfg Config) *Store {
	cfg.setDefaults()
	return &Store{
		durable: durable,
		cfg:     cfg,
		seqs:    make(map[string]int64),
	}
}

// Append records an applied action as an event: assigns the next sequence
// number for the session, digests the payload, and persists the event
// together with the resulting state in one transaction. The in-memory
// sequence counter only advances after the durable write succeeds.
func (s *Store) Append(ctx context.Context, state *gamesync.GameState, action gamesync.Action, stateChecksum string) (gamesync.Event, error) {
	seq, err := s.nextSequence(ctx, state.SessionID)
	if err != nil {
		return gamesync.Event{}, syncErrors.NewPersistence(syncErrors.OpAppend, err)
	}

	event := gamesync.Event{
		SessionID:       state.SessionID,
		Sequence:        seq,
		Version:         state.Version,
		Actor:           action.Actor,
		Type:            action.Type,
		Payload:         action.Payload,
		PayloadChecksum: checksum.PayloadDigest(action.Payload),
		StateChecksum:   stateChecksum,
		Timestamp:       time.Now().UTC(),
	}

	if err := s.durable.PersistEvent(ctx, event, state); err != nil {
		return gamesync.Event{}, syncErrors.NewPersistence(syncErrors.OpAppend, err)
	}
	s.commitSequence(state.SessionID, seq)

	if seq%int64(s.cfg.SnapshotInterval) == 0 {
		if err := s.snapshot(ctx, state, stateChecksum); err != nil {
			// The event is durable; a failed snapshot only costs replay time.
			s.cfg.Logger.LogError(ctx, err, "snapshot failed",
				slog.String("session_id", state.SessionID),
				slog.Int64("version", state.Version),
			)
		}
	}

	return event, nil
}

// Events returns the stored events with fromVersion <= version <= toVersion
// in sequence order. toVersion 0 means no upper bound.
func (s *Store) Events(ctx context.Context, sessionID string, fromVersion, toVersion int64) ([]gamesync.Event, error) {
	events, err := s.durable.LoadEvents(ctx, sessionID, fromVersion, toVersion)
	if err != nil {
		return nil, syncErrors.NewPersistence(syncErrors.OpLoad, err)
	}
	return events, nil
}

// Available reports whether every event in [fromVersion, serverVersion] still
// exists, i.e. the range has not been pruned behind a snapshot.
func (s *Store) Available(ctx context.Context, sessionID string, fromVersion int64) (bool, error) {
	oldest, err := s.durable.OldestEventVersion(ctx, sessionID)
	if err != nil {
		return false, syncErrors.NewPersistence(syncErrors.OpLoad, err)
	}
	if oldest == 0 {
		return false, nil
	}
	return oldest <= fromVersion, nil
}

// Replay rebuilds session state from the latest snapshot (or the zero state
// when none survives) by applying each later event through the evaluator in
// sequence order. Used for recovery and integrity checks.
func (s *Store) Replay(ctx context.Context, sessionID string, eval gamesync.RulesEvaluator) (*gamesync.GameState, error) {
	var state *gamesync.GameState
	var fromVersion int64

	snap, err := s.durable.LoadLatestSnapshot(ctx, sessionID)
	switch {
	case err == nil:
		state = snap.State.Clone()
		fromVersion = snap.Version + 1
	case errors.Is(err, gamesync.ErrSnapshotNotFound):
		state = gamesync.NewGameState(sessionID)
		fromVersion = 1
	default:
		return nil, syncErrors.NewPersistence(syncErrors.OpReplay, err)
	}

	events, err := s.durable.LoadEvents(ctx, sessionID, fromVersion, 0)
	if err != nil {
		return nil, syncErrors.NewPersistence(syncErrors.OpReplay, err)
	}

	for _, event := range events {
		next, err := eval.Apply(state, event.AsAction())
		if err != nil {
			return nil, fmt.Errorf("replay %s at sequence %d: %w", sessionID, event.Sequence, err)
		}
		next.Version = event.Version
		next.UpdatedBy = event.Actor
		next.UpdatedAt = event.Timestamp
		state = next

		if event.StateChecksum != "" && !checksum.Validate(state, event.StateChecksum) {
			return nil, syncErrors.NewChecksum(syncErrors.OpReplay, event.StateChecksum, checksum.Compute(state))
		}
	}

	return state, nil
}

// CreateSnapshot persists a snapshot of state and applies retention.
func (s *Store) CreateSnapshot(ctx context.Context, state *gamesync.GameState, stateChecksum string) error {
	return s.snapshot(ctx, state, stateChecksum)
}

func (s *Store) snapshot(ctx context.Context, state *gamesync.GameState, stateChecksum string) error {
	snap := gamesync.Snapshot{
		SessionID: state.SessionID,
		Version:   state.Version,
		State:     state.Clone(),
		Checksum:  stateChecksum,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.durable.PersistSnapshot(ctx, snap); err != nil {
		return syncErrors.NewPersistence(syncErrors.OpSnapshot, err)
	}

	pruned, err := s.durable.PruneSnapshots(ctx, state.SessionID, s.cfg.SnapshotRetain)
	if err != nil {
		return syncErrors.NewPersistence(syncErrors.OpSnapshot, err)
	}
	if pruned > 0 {
		s.cfg.Logger.DebugContext(ctx, "pruned snapshots",
			slog.String("session_id", state.SessionID),
			slog.Int("count", pruned),
		)
	}
	return nil
}

// nextSequence returns the sequence the next event will carry, loading the
// high-water mark from the durable store on first touch of a session.
func (s *Store) nextSequence(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	seq, ok := s.seqs[sessionID]
	s.mu.Unlock()
	if ok {
		return seq + 1, nil
	}

	latest, err := s.durable.LatestSequence(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if cached, ok := s.seqs[sessionID]; ok && cached > latest {
		latest = cached
	}
	s.seqs[sessionID] = latest
	s.mu.Unlock()
	return latest + 1, nil
}

func (s *Store) commitSequence(sessionID string, seq int64) {
	s.mu.Lock()
	if s.seqs[sessionID] < seq {
		s.seqs[sessionID] = seq
	}
	s.mu.Unlock()
}
