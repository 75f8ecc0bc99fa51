package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/checksum"
	syncErrors "github.com/cardroom/go-game-sync/errors"
	"github.com/cardroom/go-game-sync/logging"
)

// Conn abstracts the per-client connection so the hub can be tested without
// sockets. Implementations must be safe for use from one goroutine at a
// time; the hub serializes writes per client.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

const defaultWriteWait = 10 * time.Second

// WebsocketConn adapts a gorilla connection to Conn, serializing writes and
// applying a write deadline per message.
type WebsocketConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	writeWait time.Duration
}

// NewWebsocketConn wraps a websocket connection.
func NewWebsocketConn(conn *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{conn: conn, writeWait: defaultWriteWait}
}

func (c *WebsocketConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebsocketConn) Close() error {
	return c.conn.Close()
}

// RetryConfig configures delivery retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of delivery attempts.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases.
	Multiplier float64
}

// DefaultRetryConfig matches the delivery contract: up to 3 attempts with
// the base delay doubling each attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func (rc RetryConfig) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(rc.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= rc.Multiplier
	}
	result := time.Duration(delay)
	if result > rc.MaxDelay {
		result = rc.MaxDelay
	}
	return result
}

type client struct {
	id   string
	conn Conn

	// sendMu serializes deliveries so concurrent broadcasts cannot reach
	// the connection out of version order.
	sendMu sync.Mutex

	mu          sync.Mutex
	lastVersion int64
	desynced    bool
}

// Hub tracks the connected clients of each session and delivers state
// updates: a delta when the recipient's last delivered version matches the
// base, a full state otherwise. Delivery failures are retried with
// exponential backoff; a client that exhausts its retries is marked desynced
// and receives full state on next contact instead of silently drifting.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[string]*client

	retry       RetryConfig
	compressMin int
	logger      *logging.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRetryConfig overrides delivery retry behavior.
func WithRetryConfig(rc RetryConfig) HubOption {
	return func(h *Hub) { h.retry = rc }
}

// WithCompressMin overrides the compression threshold.
func WithCompressMin(n int) HubOption {
	return func(h *Hub) { h.compressMin = n }
}

// WithLogger overrides the hub logger.
func WithLogger(l *logging.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions:    make(map[string]map[string]*client),
		retry:       DefaultRetryConfig(),
		compressMin: CompressMinBytes,
		logger:      logging.WithComponent("broadcast"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client connection to a session, replacing (and closing)
// any previous connection under the same id. lastVersion is the version the
// client reports holding; subsequent broadcasts use it as the delta base.
func (h *Hub) Register(sessionID, clientID string, conn Conn, lastVersion int64) {
	h.mu.Lock()
	clients, ok := h.sessions[sessionID]
	if !ok {
		clients = make(map[string]*client)
		h.sessions[sessionID] = clients
	}
	prev := clients[clientID]
	clients[clientID] = &client{id: clientID, conn: conn, lastVersion: lastVersion}
	h.mu.Unlock()

	if prev != nil {
		prev.conn.Close()
	}
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(sessionID, clientID string) {
	h.mu.Lock()
	var conn Conn
	if clients, ok := h.sessions[sessionID]; ok {
		if c, ok := clients[clientID]; ok {
			conn = c.conn
			delete(clients, clientID)
		}
		if len(clients) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// lookup returns the client entry for a session/client pair, or nil.
func (h *Hub) lookup(sessionID, clientID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[sessionID][clientID]
}

// Desynced reports whether a client has been flagged for a forced full
// resync.
func (h *Hub) Desynced(sessionID, clientID string) bool {
	c := h.lookup(sessionID, clientID)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desynced
}

// ClearDesynced resets a client's desync flag and records the version it was
// resynced to. Called once a full state has been handed to the client.
func (h *Hub) ClearDesynced(sessionID, clientID string, version int64) {
	c := h.lookup(sessionID, clientID)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.desynced = false
	c.lastVersion = version
	c.mu.Unlock()
}

// Broadcast delivers newState to every connected client of the session,
// fanning out concurrently. Clients whose last delivered version equals
// oldState's version get a delta; everyone else gets full state. Broadcast
// returns when every delivery has succeeded or exhausted its retries; run it
// in its own goroutine to keep the action pipeline moving.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, oldState, newState *gamesync.GameState) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.sessions[sessionID]))
	for _, c := range h.sessions[sessionID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	delta := ComputeDelta(oldState, newState)
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			h.deliver(ctx, sessionID, c, delta, newState)
		}(c)
	}
	wg.Wait()
}

// BroadcastFull sends the complete state to every client of a session. Used
// when no prior state is available to diff against, such as commits made by
// a peer server instance.
func (h *Hub) BroadcastFull(ctx context.Context, sessionID string, state *gamesync.GameState) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.sessions[sessionID]))
	for _, c := range h.sessions[sessionID] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	// BaseVersion -2 never matches a client's lastVersion, so deliver
	// falls through to the full-state path.
	delta := gamesync.StateDelta{BaseVersion: -2, Version: state.Version}
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			h.deliver(ctx, sessionID, c, delta, state)
		}(c)
	}
	wg.Wait()
}

func (h *Hub) deliver(ctx context.Context, sessionID string, c *client, delta gamesync.StateDelta, state *gamesync.GameState) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	// lastVersion only moves forward. A delivery that lost the race to a
	// newer commit is dropped rather than sent as a version regression.
	if state.Version <= c.lastVersion {
		c.mu.Unlock()
		return
	}
	useDelta := !c.desynced && c.lastVersion == delta.BaseVersion
	c.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if useDelta {
		data, err = EncodeEnvelope(gamesync.MsgStateDelta, gamesync.StateDeltaMsg{Delta: delta}, h.compressMin)
	} else {
		data, err = EncodeEnvelope(gamesync.MsgStateUpdate, gamesync.StateUpdateMsg{
			Version:  state.Version,
			Checksum: checksum.Compute(state),
			State:    state,
		}, h.compressMin)
	}
	if err != nil {
		h.logger.LogError(ctx, err, "encode broadcast message",
			slog.String("session_id", sessionID),
			slog.String("client_id", c.id),
		)
		return
	}

	if err := h.writeWithRetry(ctx, c, data); err != nil {
		c.mu.Lock()
		c.desynced = true
		c.mu.Unlock()
		h.logger.LogError(ctx, syncErrors.NewTransport(syncErrors.OpBroadcast, err),
			"delivery failed, client flagged desynced",
			slog.String("session_id", sessionID),
			slog.String("client_id", c.id),
			slog.Int64("version", state.Version),
		)
		return
	}

	c.mu.Lock()
	c.lastVersion = state.Version
	if !useDelta {
		c.desynced = false
	}
	c.mu.Unlock()
}

func (h *Hub) writeWithRetry(ctx context.Context, c *client, data []byte) error {
	err := c.conn.WriteMessage(data)
	if err == nil {
		return nil
	}

	for attempt := 1; attempt < h.retry.MaxAttempts; attempt++ {
		timer := time.NewTimer(h.retry.delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err = c.conn.WriteMessage(data); err == nil {
			return nil
		}
	}
	return err
}
