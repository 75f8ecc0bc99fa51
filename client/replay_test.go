package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/checksum"
)

// scriptedSyncer answers sync requests from a fixed result and records the
// versions it was asked about.
type scriptedSyncer struct {
	result gamesync.SyncResultMsg
	err    error
	asked  []int64
}

func (s *scriptedSyncer) SyncClient(ctx context.Context, sessionID string, clientVersion int64) (gamesync.SyncResultMsg, error) {
	s.asked = append(s.asked, clientVersion)
	return s.result, s.err
}

// scriptedSubmitter resolves submissions per action id; unknown ids fail at
// the transport level.
type scriptedSubmitter struct {
	results map[string]gamesync.ActionResultMsg
	calls   []string
}

func (s *scriptedSubmitter) SubmitAction(ctx context.Context, msg gamesync.ActionSubmitMsg) (gamesync.ActionResultMsg, error) {
	s.calls = append(s.calls, msg.ActionID)
	res, ok := s.results[msg.ActionID]
	if !ok {
		return gamesync.ActionResultMsg{}, errors.New("connection refused")
	}
	return res, nil
}

// serverHistory builds a server-side event sequence on top of base using the
// default test evaluator, returning the events and the final state.
func serverHistory(t *testing.T, base *gamesync.GameState, actors ...string) ([]gamesync.Event, *gamesync.GameState) {
	t.Helper()
	eval := &gamesync.TestEvaluator{}
	state := base.Clone()
	events := make([]gamesync.Event, 0, len(actors))
	for i, actor := range actors {
		action := gamesync.Action{Type: gamesync.ActionTrail, Actor: actor}
		next, err := eval.Apply(state, action)
		require.NoError(t, err)
		next.Version = state.Version + 1
		state = next
		events = append(events, gamesync.Event{
			SessionID:     base.SessionID,
			Sequence:      int64(i + 1),
			Version:       state.Version,
			Actor:         actor,
			Type:          action.Type,
			StateChecksum: checksum.Compute(state),
			Timestamp:     time.Now().UTC(),
		})
	}
	return events, state
}

func TestReconnectUpToDate(t *testing.T) {
	c := newTestClient(t)
	syncer := &scriptedSyncer{result: gamesync.SyncResultMsg{Status: gamesync.SyncUpToDate, ServerVersion: 0}}

	require.NoError(t, c.Reconnect(context.Background(), syncer))
	assert.Equal(t, []int64{0}, syncer.asked)
	assert.Equal(t, int64(0), c.ConfirmedState().Version)
}

func TestReconnectReplaysMissingEvents(t *testing.T) {
	c := newTestClient(t)
	events, final := serverHistory(t, c.ConfirmedState(), "bob", "bob")
	syncer := &scriptedSyncer{result: gamesync.SyncResultMsg{
		Status:        gamesync.SyncMissingEvents,
		ServerVersion: final.Version,
		Checksum:      checksum.Compute(final),
		Events:        events,
	}}

	require.NoError(t, c.Reconnect(context.Background(), syncer))
	assert.Equal(t, int64(2), c.ConfirmedState().Version)
	assert.Equal(t, 2, c.ConfirmedState().Scores["bob"])
	assert.False(t, c.Desynced())
}

func TestReconnectAdoptsFullState(t *testing.T) {
	c := newTestClient(t)
	_, final := serverHistory(t, c.ConfirmedState(), "bob", "bob", "bob")
	syncer := &scriptedSyncer{result: gamesync.SyncResultMsg{
		Status:        gamesync.SyncFullState,
		ServerVersion: final.Version,
		Checksum:      checksum.Compute(final),
		State:         final,
	}}

	require.NoError(t, c.Reconnect(context.Background(), syncer))
	assert.Equal(t, int64(3), c.ConfirmedState().Version)
}

func TestReconnectRejectsEventGap(t *testing.T) {
	c := newTestClient(t)
	events, final := serverHistory(t, c.ConfirmedState(), "bob", "bob")
	// Drop the first event so the range no longer starts at version 1.
	syncer := &scriptedSyncer{result: gamesync.SyncResultMsg{
		Status:        gamesync.SyncMissingEvents,
		ServerVersion: final.Version,
		Events:        events[1:],
	}}

	err := c.Reconnect(context.Background(), syncer)
	require.Error(t, err)
	assert.True(t, c.Desynced())
	assert.Equal(t, int64(0), c.ConfirmedState().Version, "gapped replay must not be applied")
}

func TestForceResyncDiscardsPendings(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Submit(trail("a1"))
	require.NoError(t, err)
	c.detector.NoteProtocolSignal()
	require.True(t, c.Desynced())

	_, final := serverHistory(t, gamesync.NewGameState("s1"), "bob", "bob")
	syncer := &scriptedSyncer{result: gamesync.SyncResultMsg{
		Status:        gamesync.SyncFullState,
		ServerVersion: final.Version,
		Checksum:      checksum.Compute(final),
		State:         final,
	}}

	require.NoError(t, c.ForceResync(context.Background(), syncer))
	assert.Equal(t, []int64{-1}, syncer.asked)
	assert.Empty(t, c.Pending())
	assert.False(t, c.Desynced())
	assert.Equal(t, int64(2), c.ConfirmedState().Version)
	assert.Equal(t, int64(2), c.LocalState().Version)
}

func TestReplayPendingConfirmsAndRejects(t *testing.T) {
	c := newTestClient(t)
	first, err := c.Submit(trail("a1"))
	require.NoError(t, err)
	second, err := c.Submit(trail("a2"))
	require.NoError(t, err)

	submitter := &scriptedSubmitter{results: map[string]gamesync.ActionResultMsg{
		first.LocalID:  {ActionID: first.LocalID, Accepted: true, Version: 1},
		second.LocalID: {ActionID: second.LocalID, Accepted: false, Reason: "not your turn"},
	}}

	results := c.ReplayPending(context.Background(), submitter)
	require.Len(t, results, 2)
	assert.Equal(t, []string{first.LocalID, second.LocalID}, submitter.calls)
	assert.Empty(t, c.Pending())
	assert.Equal(t, int64(1), c.ConfirmedState().Version)
}

func TestReplayPendingKeepsQueueOnTransportFailure(t *testing.T) {
	confirmed := gamesync.NewGameState("s1")
	cfg := Config{Retry: RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}}
	c := New("s1", "alice", &gamesync.TestEvaluator{}, confirmed, cfg)

	_, err := c.Submit(trail("a1"))
	require.NoError(t, err)
	_, err = c.Submit(trail("a2"))
	require.NoError(t, err)

	submitter := &scriptedSubmitter{results: map[string]gamesync.ActionResultMsg{}}
	results := c.ReplayPending(context.Background(), submitter)

	assert.Empty(t, results)
	assert.Len(t, c.Pending(), 2, "unsent actions stay queued for the next reconnect")
}
