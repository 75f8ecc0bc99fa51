// Package memory provides an in-memory DurableStore for tests, examples, and
// single-process deployments that can tolerate losing history on restart.
package memory

import (
	"context"
	"sort"
	"sync"

	gamesync "github.com/cardroom/go-game-sync"
)

// Store keeps sessions, events, and snapshots in maps guarded by a RWMutex.
// All returned states are deep copies, so callers can mutate them freely.
type Store struct {
	mu        sync.RWMutex
	closed    bool
	states    map[string]*gamesync.GameState
	events    map[string][]gamesync.Event
	snapshots map[string][]gamesync.Snapshot // ascending by version
}

var _ gamesync.DurableStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		states:    make(map[string]*gamesync.GameState),
		events:    make(map[string][]gamesync.Event),
		snapshots: make(map[string][]gamesync.Snapshot),
	}
}

func (s *Store) PersistEvent(ctx context.Context, event gamesync.Event, state *gamesync.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gamesync.ErrStoreClosed
	}
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	s.states[state.SessionID] = state.Clone()
	return nil
}

func (s *Store) PersistSnapshot(ctx context.Context, snapshot gamesync.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gamesync.ErrStoreClosed
	}
	snapshot.State = snapshot.State.Clone()
	snaps := s.snapshots[snapshot.SessionID]
	for i, sn := range snaps {
		if sn.Version == snapshot.Version {
			snaps[i] = snapshot
			return nil
		}
	}
	snaps = append(snaps, snapshot)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Version < snaps[j].Version })
	s.snapshots[snapshot.SessionID] = snaps
	return nil
}

func (s *Store) PersistState(ctx context.Context, state *gamesync.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gamesync.ErrStoreClosed
	}
	s.states[state.SessionID] = state.Clone()
	return nil
}

func (s *Store) LoadState(ctx context.Context, sessionID string) (*gamesync.GameState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, gamesync.ErrStoreClosed
	}
	state, ok := s.states[sessionID]
	if !ok {
		return nil, gamesync.ErrSessionNotFound
	}
	return state.Clone(), nil
}

func (s *Store) LoadEvents(ctx context.Context, sessionID string, fromVersion, toVersion int64) ([]gamesync.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, gamesync.ErrStoreClosed
	}
	var out []gamesync.Event
	for _, e := range s.events[sessionID] {
		if e.Version < fromVersion {
			continue
		}
		if toVersion > 0 && e.Version > toVersion {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) LoadLatestSnapshot(ctx context.Context, sessionID string) (*gamesync.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, gamesync.ErrStoreClosed
	}
	snaps := s.snapshots[sessionID]
	if len(snaps) == 0 {
		return nil, gamesync.ErrSnapshotNotFound
	}
	latest := snaps[len(snaps)-1]
	latest.State = latest.State.Clone()
	return &latest, nil
}

func (s *Store) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, gamesync.ErrStoreClosed
	}
	var max int64
	for _, e := range s.events[sessionID] {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

func (s *Store) OldestEventVersion(ctx context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, gamesync.ErrStoreClosed
	}
	events := s.events[sessionID]
	if len(events) == 0 {
		return 0, nil
	}
	min := events[0].Version
	for _, e := range events[1:] {
		if e.Version < min {
			min = e.Version
		}
	}
	return min, nil
}

func (s *Store) PruneSnapshots(ctx context.Context, sessionID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, gamesync.ErrStoreClosed
	}
	snaps := s.snapshots[sessionID]
	if keep <= 0 || len(snaps) <= keep {
		return 0, nil
	}
	pruned := len(snaps) - keep
	retained := snaps[pruned:]
	floor := retained[0].Version
	s.snapshots[sessionID] = retained

	kept := s.events[sessionID][:0]
	for _, e := range s.events[sessionID] {
		if e.Version > floor {
			kept = append(kept, e)
		}
	}
	s.events[sessionID] = kept
	return pruned, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
