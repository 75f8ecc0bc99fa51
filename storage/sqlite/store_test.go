package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gamesync "github.com/cardroom/go-game-sync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(&Config{
		DataSourceName: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testEvent(sessionID string, seq, version int64) gamesync.Event {
	return gamesync.Event{
		SessionID:       sessionID,
		Sequence:        seq,
		Version:         version,
		Actor:           "alice",
		Type:            gamesync.ActionTrail,
		Payload:         []byte(`{"handCard":"9C"}`),
		PayloadChecksum: "p",
		StateChecksum:   "s",
		Timestamp:       time.Now().UTC(),
	}
}

func testState(sessionID string, version int64) *gamesync.GameState {
	state := gamesync.NewGameState(sessionID)
	state.Version = version
	state.Scores["alice"] = int(version)
	state.UpdatedAt = time.Now().UTC()
	state.UpdatedBy = "alice"
	return state
}

func TestPersistEventRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistEvent(ctx, testEvent("s1", 1, 1), testState("s1", 1)))
	require.NoError(t, store.PersistEvent(ctx, testEvent("s1", 2, 2), testState("s1", 2)))

	state, err := store.LoadState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, 2, state.Scores["alice"])

	events, err := store.LoadEvents(ctx, "s1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, gamesync.ActionTrail, events[0].Type)
	assert.JSONEq(t, `{"handCard":"9C"}`, string(events[0].Payload))

	seq, err := store.LatestSequence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestLoadStateUnknownSession(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadState(context.Background(), "missing")
	assert.ErrorIs(t, err, gamesync.ErrSessionNotFound)
}

func TestLoadEventsVersionRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.PersistEvent(ctx, testEvent("s1", i, i), testState("s1", i)))
	}

	events, err := store.LoadEvents(ctx, "s1", 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(2), events[0].Version)
	assert.Equal(t, int64(4), events[2].Version)
}

func TestSnapshotPruning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LoadLatestSnapshot(ctx, "s1")
	assert.ErrorIs(t, err, gamesync.ErrSnapshotNotFound)

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, store.PersistEvent(ctx, testEvent("s1", i, i), testState("s1", i)))
		require.NoError(t, store.PersistSnapshot(ctx, gamesync.Snapshot{
			SessionID: "s1",
			Version:   i,
			State:     testState("s1", i),
			Checksum:  "c",
			CreatedAt: time.Now().UTC(),
		}))
	}

	pruned, err := store.PruneSnapshots(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	snap, err := store.LoadLatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	assert.Equal(t, 4, snap.State.Scores["alice"])

	// Events at or below the oldest retained snapshot (version 3) are gone.
	oldest, err := store.OldestEventVersion(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), oldest)
}

func TestPersistStateUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistState(ctx, testState("s1", 1)))
	require.NoError(t, store.PersistState(ctx, testState("s1", 7)))

	state, err := store.LoadState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.Version)
}

func TestClosedStoreRefusesOperations(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	err := store.PersistState(context.Background(), testState("s1", 1))
	assert.True(t, errors.Is(err, gamesync.ErrStoreClosed))
}
