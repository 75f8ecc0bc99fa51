package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gamesync "github.com/cardroom/go-game-sync"
)

// fakeConn records delivered frames and can fail a configured number of
// writes before recovering.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	failures int
	closed   bool
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("write failed")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, frame := range c.frames {
		env, _, err := DecodeEnvelope(frame)
		require.NoError(t, err)
		out = append(out, env.Type)
	}
	return out
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func transition(version int64) (*gamesync.GameState, *gamesync.GameState) {
	oldState := gamesync.NewGameState("s1")
	oldState.Version = version
	newState := oldState.Clone()
	newState.Version = version + 1
	newState.TurnOwner = "alice"
	newState.Scores["alice"] = 1
	return oldState, newState
}

func TestBroadcastSendsDeltaToCurrentClient(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	conn := &fakeConn{}
	hub.Register("s1", "alice", conn, 3)

	oldState, newState := transition(3)
	hub.Broadcast(context.Background(), "s1", oldState, newState)

	require.Equal(t, []string{gamesync.MsgStateDelta}, conn.types(t))

	_, payload, err := DecodeEnvelope(conn.frames[0])
	require.NoError(t, err)
	var msg gamesync.StateDeltaMsg
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, int64(3), msg.Delta.BaseVersion)
	assert.Equal(t, int64(4), msg.Delta.Version)
}

func TestBroadcastSendsFullStateToLaggingClient(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	conn := &fakeConn{}
	hub.Register("s1", "alice", conn, 1)

	oldState, newState := transition(3)
	hub.Broadcast(context.Background(), "s1", oldState, newState)

	require.Equal(t, []string{gamesync.MsgStateUpdate}, conn.types(t))
}

func TestBroadcastAdvancesDeltaBase(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	conn := &fakeConn{}
	hub.Register("s1", "alice", conn, 3)

	oldState, newState := transition(3)
	hub.Broadcast(context.Background(), "s1", oldState, newState)

	next := newState.Clone()
	next.Version = 5
	next.Scores["alice"] = 2
	hub.Broadcast(context.Background(), "s1", newState, next)

	require.Equal(t, []string{gamesync.MsgStateDelta, gamesync.MsgStateDelta}, conn.types(t))
}

func TestBroadcastRetriesTransientFailure(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	conn := &fakeConn{failures: 1}
	hub.Register("s1", "alice", conn, 3)

	oldState, newState := transition(3)
	hub.Broadcast(context.Background(), "s1", oldState, newState)

	require.Len(t, conn.types(t), 1)
	assert.False(t, hub.Desynced("s1", "alice"))
}

func TestBroadcastFlagsDesyncedAfterExhaustedRetries(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	conn := &fakeConn{failures: 2}
	hub.Register("s1", "alice", conn, 3)

	oldState, newState := transition(3)
	hub.Broadcast(context.Background(), "s1", oldState, newState)

	assert.Empty(t, conn.types(t))
	assert.True(t, hub.Desynced("s1", "alice"))

	// Once writable again, the client gets full state and the flag clears.
	next := newState.Clone()
	next.Version = 5
	hub.Broadcast(context.Background(), "s1", newState, next)

	require.Equal(t, []string{gamesync.MsgStateUpdate}, conn.types(t))
	assert.False(t, hub.Desynced("s1", "alice"))
}

func TestBroadcastFullAlwaysSendsState(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	behind := &fakeConn{}
	lagging := &fakeConn{}
	hub.Register("s1", "alice", behind, 3)
	hub.Register("s1", "bob", lagging, 1)

	_, state := transition(3)
	hub.BroadcastFull(context.Background(), "s1", state)

	require.Equal(t, []string{gamesync.MsgStateUpdate}, behind.types(t))
	require.Equal(t, []string{gamesync.MsgStateUpdate}, lagging.types(t))

	// Full delivery advances the delta base like any broadcast.
	next := state.Clone()
	next.Version = 5
	next.Scores["alice"] = 2
	hub.Broadcast(context.Background(), "s1", state, next)
	require.Equal(t, []string{gamesync.MsgStateUpdate, gamesync.MsgStateDelta}, behind.types(t))
}

func TestLateBroadcastOfOlderVersionIsDropped(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	conn := &fakeConn{}
	hub.Register("s1", "alice", conn, 0)

	v0 := gamesync.NewGameState("s1")
	v1 := v0.Clone()
	v1.Version = 1
	v1.Scores["alice"] = 1
	v2 := v1.Clone()
	v2.Version = 2
	v2.Scores["alice"] = 2

	// The v2 fan-out wins the race; the v1 delivery arrives afterwards and
	// must not reach the connection as a version regression.
	hub.Broadcast(context.Background(), "s1", v1, v2)
	hub.Broadcast(context.Background(), "s1", v0, v1)

	require.Equal(t, []string{gamesync.MsgStateUpdate}, conn.types(t))
	_, payload, err := DecodeEnvelope(conn.frames[0])
	require.NoError(t, err)
	var msg gamesync.StateUpdateMsg
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, int64(2), msg.Version)
}

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	first := &fakeConn{}
	second := &fakeConn{}
	hub.Register("s1", "alice", first, 3)
	hub.Register("s1", "alice", second, 3)

	assert.True(t, first.closed)

	oldState, newState := transition(3)
	hub.Broadcast(context.Background(), "s1", oldState, newState)

	assert.Empty(t, first.frames)
	require.Len(t, second.types(t), 1)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(WithRetryConfig(fastRetry()))
	conn := &fakeConn{}
	hub.Register("s1", "alice", conn, 3)
	hub.Unregister("s1", "alice")

	assert.True(t, conn.closed)

	oldState, newState := transition(3)
	hub.Broadcast(context.Background(), "s1", oldState, newState)
	assert.Empty(t, conn.frames)
}
