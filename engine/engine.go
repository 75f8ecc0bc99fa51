// Package engine implements the server-side state synchronizer: one
// sequential pipeline per session that validates, orders, applies, versions,
// checksums, persists, and broadcasts client actions. Sessions are fully
// isolated units of concurrency; there is no cross-session locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/broadcast"
	"github.com/cardroom/go-game-sync/checksum"
	"github.com/cardroom/go-game-sync/conflict"
	syncErrors "github.com/cardroom/go-game-sync/errors"
	"github.com/cardroom/go-game-sync/eventstore"
	"github.com/cardroom/go-game-sync/logging"
	"github.com/cardroom/go-game-sync/version"
)

// Broadcaster pushes committed state transitions to connected clients. The
// engine triggers it asynchronously after each commit so fan-out never
// blocks the next action's pipeline.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, oldState, newState *gamesync.GameState)
}

var _ Broadcaster = (*broadcast.Hub)(nil)

// Config holds engine settings. The conflict window and snapshot cadence are
// deliberately configuration rather than constants.
type Config struct {
	// ConflictWindow is how long near-simultaneous actions for one session
	// are buffered before resolution.
	ConflictWindow time.Duration `yaml:"conflict_window"`

	// SnapshotInterval and SnapshotRetain are forwarded to the event store.
	SnapshotInterval int `yaml:"snapshot_interval"`
	SnapshotRetain   int `yaml:"snapshot_retain"`
}

// DefaultConfig returns the stock tuning: 100ms window, snapshot every 10
// events, keep 5.
func DefaultConfig() Config {
	return Config{
		ConflictWindow:   conflict.DefaultWindow,
		SnapshotInterval: eventstore.DefaultSnapshotInterval,
		SnapshotRetain:   eventstore.DefaultSnapshotRetain,
	}
}

func (c *Config) setDefaults() {
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = conflict.DefaultWindow
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = eventstore.DefaultSnapshotInterval
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = eventstore.DefaultSnapshotRetain
	}
}

// Result reports the outcome of one processed action.
type Result struct {
	Applied             bool
	Version             int64
	Checksum            string
	Event               *gamesync.Event
	Reason              string
	ConflictingActionID string

	// Retryable marks transient persistence failures: in-memory state was
	// not advanced, so the caller may safely resubmit the whole action.
	Retryable bool
}

// ToMsg converts a result to its wire form.
func (r Result) ToMsg(actionID string) gamesync.ActionResultMsg {
	return gamesync.ActionResultMsg{
		ActionID:            actionID,
		Accepted:            r.Applied,
		Version:             r.Version,
		Checksum:            r.Checksum,
		Reason:              r.Reason,
		ConflictingActionID: r.ConflictingActionID,
		Retryable:           r.Retryable,
	}
}

// SyncResult answers a client sync request.
type SyncResult struct {
	Status        gamesync.SyncStatus
	ServerVersion int64
	Checksum      string
	Events        []gamesync.Event
	State         *gamesync.GameState
	Err           error
}

// ToMsg converts a sync result to its wire form.
func (r SyncResult) ToMsg() gamesync.SyncResultMsg {
	msg := gamesync.SyncResultMsg{
		Status:        r.Status,
		ServerVersion: r.ServerVersion,
		Checksum:      r.Checksum,
		Events:        r.Events,
		State:         r.State,
	}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}
	return msg
}

// Engine is the state synchronizer.
type Engine struct {
	eval     gamesync.RulesEvaluator
	durable  gamesync.DurableStore
	events   *eventstore.Store
	resolver *conflict.Resolver
	caster   Broadcaster
	cfg      Config
	metrics  MetricsCollector
	logger   *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures an Engine.
type Option func(*Engine)

// WithBroadcaster attaches the broadcast fan-out.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.caster = b }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithResolver overrides the conflict resolver (tests, custom windows).
func WithResolver(r *conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// New creates an engine over the given evaluator and durable store.
func New(eval gamesync.RulesEvaluator, durable gamesync.DurableStore, cfg Config, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		eval:    eval,
		durable: durable,
		events: eventstore.New(durable, eventstore.Config{
			SnapshotInterval: cfg.SnapshotInterval,
			SnapshotRetain:   cfg.SnapshotRetain,
		}),
		cfg:      cfg,
		metrics:  &NoOpMetricsCollector{},
		logger:   logging.WithComponent("engine"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = conflict.NewResolver(conflict.WithWindow(cfg.ConflictWindow))
	}
	return e
}

// EventStore exposes the engine's event store (replay, availability checks).
func (e *Engine) EventStore() *eventstore.Store {
	return e.events
}

// CreateSession initializes a fresh session at version 0 and persists it.
func (e *Engine) CreateSession(ctx context.Context, sessionID string) (*gamesync.GameState, error) {
	state := gamesync.NewGameState(sessionID)
	state.UpdatedAt = time.Now().UTC()
	if err := e.durable.PersistState(ctx, state); err != nil {
		return nil, syncErrors.NewPersistence(syncErrors.OpStore, err)
	}
	sess := e.session(sessionID)
	sess.pipeMu.Lock()
	sess.state = state.Clone()
	sess.checksum = checksum.Compute(state)
	sess.pipeMu.Unlock()
	e.logger.InfoContext(ctx, "session created", slog.String("session_id", sessionID))
	return state, nil
}

// CurrentState returns the authoritative state including version and
// checksum, loading through the durable store on a cold cache.
func (e *Engine) CurrentState(ctx context.Context, sessionID string) (*gamesync.GameState, string, error) {
	sess := e.session(sessionID)
	sess.pipeMu.Lock()
	defer sess.pipeMu.Unlock()
	if err := e.loadLocked(ctx, sess); err != nil {
		return nil, "", err
	}
	return sess.state.Clone(), sess.checksum, nil
}

// ProcessAction runs one client action through the session pipeline. The
// action is buffered for the conflict window so concurrent submissions are
// ordered deterministically, then validated, applied, versioned,
// checksummed, persisted, and broadcast as one logical transaction.
func (e *Engine) ProcessAction(ctx context.Context, sessionID, participantID string, action gamesync.Action) (Result, error) {
	start := time.Now()
	defer func() {
		e.metrics.RecordActionDuration(time.Since(start))
	}()

	if action.Actor == "" {
		action.Actor = participantID
	} else if action.Actor != participantID {
		return Result{}, fmt.Errorf("action actor %q does not match participant %q", action.Actor, participantID)
	}

	sess := e.session(sessionID)
	done := sess.enqueue(e, action)

	select {
	case res := <-done:
		e.metrics.RecordActionOutcome(res.Applied, res.Reason)
		return res, nil
	case <-ctx.Done():
		// The candidate stays in the batch; the pipeline resolves it and
		// drops the result into the buffered channel.
		return Result{}, ctx.Err()
	}
}

// SyncClient reconciles a client-reported version against the authoritative
// state. Replaying it any number of times converges to the same result.
func (e *Engine) SyncClient(ctx context.Context, sessionID string, clientVersion int64) (SyncResult, error) {
	sess := e.session(sessionID)
	sess.pipeMu.Lock()
	if err := e.loadLocked(ctx, sess); err != nil {
		sess.pipeMu.Unlock()
		return SyncResult{}, err
	}
	state := sess.state.Clone()
	cs := sess.checksum
	sess.pipeMu.Unlock()

	res := SyncResult{ServerVersion: state.Version, Checksum: cs}

	switch version.Validate(clientVersion, state.Version) {
	case version.StatusOK:
		res.Status = gamesync.SyncUpToDate

	case version.StatusAhead:
		res.Status = gamesync.SyncError
		res.Err = syncErrors.NewVersion(syncErrors.OpSyncClient, syncErrors.KindVersionAhead, clientVersion, state.Version)
		res.State = state

	default: // stale or gap: hand over the missing range or the full state
		available, err := e.events.Available(ctx, sessionID, clientVersion+1)
		if err != nil {
			return SyncResult{}, err
		}
		if available {
			events, err := e.events.Events(ctx, sessionID, clientVersion+1, state.Version)
			if err != nil {
				return SyncResult{}, err
			}
			res.Status = gamesync.SyncMissingEvents
			res.Events = events
		} else {
			res.Status = gamesync.SyncFullState
			res.State = state
		}
	}

	e.metrics.RecordResync(string(res.Status))
	return res, nil
}

// Replay rebuilds a session's state from its snapshot and event log, for
// recovery after a crash or an integrity audit.
func (e *Engine) Replay(ctx context.Context, sessionID string) (*gamesync.GameState, error) {
	return e.events.Replay(ctx, sessionID, e.eval)
}

// CachedVersion returns the in-memory version for a session, or -1 when
// the session is not cached.
func (e *Engine) CachedVersion(sessionID string) int64 {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return -1
	}
	sess.pipeMu.Lock()
	defer sess.pipeMu.Unlock()
	if sess.state == nil {
		return -1
	}
	return sess.state.Version
}

// RefreshSession drops the cached state and reloads it from the durable
// store. Used when another instance has committed a newer version.
func (e *Engine) RefreshSession(ctx context.Context, sessionID string) (*gamesync.GameState, string, error) {
	sess := e.session(sessionID)
	sess.pipeMu.Lock()
	defer sess.pipeMu.Unlock()
	sess.state = nil
	if err := e.loadLocked(ctx, sess); err != nil {
		return nil, "", err
	}
	return sess.state.Clone(), sess.checksum, nil
}

// session returns the entry for a session id, creating it on first touch.
func (e *Engine) session(sessionID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		sess = newSession(sessionID)
		e.sessions[sessionID] = sess
	}
	return sess
}

// loadLocked fills the session cache from the durable store. Callers hold
// sess.pipeMu.
func (e *Engine) loadLocked(ctx context.Context, sess *session) error {
	if sess.state != nil {
		return nil
	}
	state, err := e.durable.LoadState(ctx, sess.id)
	if err != nil {
		if errors.Is(err, gamesync.ErrSessionNotFound) {
			return err
		}
		return syncErrors.NewPersistence(syncErrors.OpLoad, err)
	}
	sess.state = state
	sess.checksum = checksum.Compute(state)
	return nil
}
