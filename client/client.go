// Package client implements the client side of the sync protocol: optimistic
// local application of user actions, a bounded queue of unconfirmed actions,
// rollback on rejection, and desync detection against server checksums.
//
// The optimistic manager, the action queue, and the desync detector
// communicate through explicit method calls and returned results so each is
// independently testable.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/broadcast"
	"github.com/cardroom/go-game-sync/checksum"
	syncErrors "github.com/cardroom/go-game-sync/errors"
	"github.com/cardroom/go-game-sync/logging"
)

// DefaultQueueWarnThreshold is the pending-queue depth above which the
// client warns; sustained depth beyond it indicates connectivity loss.
const DefaultQueueWarnThreshold = 5

// Status of a pending optimistic action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// PendingAction is an action applied optimistically but not yet confirmed by
// the server.
type PendingAction struct {
	LocalID          string
	Action           gamesync.Action
	PredictedVersion int64
	QueuedAt         time.Time
	Status           Status
}

// RetryConfig configures transport retry behavior for queue replay. Only
// transport failures are retried; application-level rejections never are.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig mirrors the broadcast side: 3 attempts, doubling delay.
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
	d := float64(rc.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= rc.Multiplier
	}
	result := time.Duration(d)
	if result > rc.MaxDelay {
		result = rc.MaxDelay
	}
	return result
}

// Config holds client settings.
type Config struct {
	QueueWarnThreshold int
	MismatchThreshold  int
	Retry              RetryConfig
	Logger             *logging.Logger
}

func (c *Config) setDefaults() {
	if c.QueueWarnThreshold <= 0 {
		c.QueueWarnThreshold = DefaultQueueWarnThreshold
	}
	if c.MismatchThreshold <= 0 {
		c.MismatchThreshold = DefaultMismatchThreshold
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryConfig()
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent("client")
	}
}

// Syncer is the server's sync_request surface as seen by the client.
type Syncer interface {
	SyncClient(ctx context.Context, sessionID string, clientVersion int64) (gamesync.SyncResultMsg, error)
}

// Submitter transmits an action to the server and returns its result.
// Implementations should return an error only for transport failures;
// application-level rejections come back inside the result message.
type Submitter interface {
	SubmitAction(ctx context.Context, msg gamesync.ActionSubmitMsg) (gamesync.ActionResultMsg, error)
}

// Client is the optimistic state manager for one participant of one session.
type Client struct {
	sessionID     string
	participantID string
	eval          gamesync.RulesEvaluator
	detector      *DesyncDetector
	cfg           Config
	logger        *logging.Logger

	mu        sync.Mutex
	confirmed *gamesync.GameState // last server-confirmed state
	local     *gamesync.GameState // confirmed + pending optimistic applies
	queue     []*PendingAction
}

// New creates a client seeded with a server-confirmed state.
func New(sessionID, participantID string, eval gamesync.RulesEvaluator, confirmed *gamesync.GameState, cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		sessionID:     sessionID,
		participantID: participantID,
		eval:          eval,
		detector:      NewDesyncDetector(cfg.MismatchThreshold),
		cfg:           cfg,
		logger:        cfg.Logger.WithSession(sessionID),
		confirmed:     confirmed.Clone(),
		local:         confirmed.Clone(),
	}
}

// LocalState returns the optimistic local state.
func (c *Client) LocalState() *gamesync.GameState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.Clone()
}

// ConfirmedState returns the last server-confirmed state.
func (c *Client) ConfirmedState() *gamesync.GameState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed.Clone()
}

// Pending returns copies of the queued actions in submission order.
func (c *Client) Pending() []PendingAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingAction, len(c.queue))
	for i, pa := range c.queue {
		out[i] = *pa
	}
	return out
}

// Desynced reports whether the detector has forced a resync.
func (c *Client) Desynced() bool {
	return c.detector.Desynced()
}

// Submit applies the action to the local state immediately and queues it as
// pending with the predicted version. Illegal actions are refused before any
// state change. Submission is synchronous relative to user input; actual
// transmission happens via Flush or ReplayPending and never blocks Submit.
func (c *Client) Submit(action gamesync.Action) (*PendingAction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Actor == "" {
		action.Actor = c.participantID
	}
	if action.ClientTimestamp.IsZero() {
		action.ClientTimestamp = time.Now()
	}

	if err := c.eval.Validate(c.local, action); err != nil {
		return nil, syncErrors.NewValidation(syncErrors.OpProcessAction, err)
	}
	next, err := c.eval.Apply(c.local, action)
	if err != nil {
		return nil, err
	}
	next.Version = c.local.Version + 1
	c.local = next

	pa := &PendingAction{
		LocalID:          action.ID,
		Action:           action,
		PredictedVersion: next.Version,
		QueuedAt:         time.Now(),
		Status:           StatusPending,
	}
	c.queue = append(c.queue, pa)

	if len(c.queue) > c.cfg.QueueWarnThreshold {
		c.logger.Warn("action queue above threshold, connectivity loss suspected",
			slog.Int("queued", len(c.queue)),
			slog.Int("threshold", c.cfg.QueueWarnThreshold),
		)
	}

	return pa, nil
}

// Confirm records server acceptance of a queued action: the action is
// promoted into the confirmed state at the server-assigned version, and the
// remaining pendings are rebased on top. The server checksum feeds the
// desync detector.
func (c *Client) Confirm(actionID string, serverVersion int64, serverChecksum string) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	var confirmed *PendingAction
	for _, pa := range c.queue {
		if pa.LocalID == actionID {
			confirmed = pa
			break
		}
	}
	c.dequeueLocked(actionID, StatusConfirmed)
	if confirmed == nil {
		return VerdictOK
	}

	next, err := c.eval.Apply(c.confirmed, confirmed.Action)
	if err != nil {
		// The server applied it; if we cannot, the states have diverged.
		c.logger.Warn("confirmed action not applicable locally",
			slog.String("action_id", actionID),
		)
		return c.detector.Observe(false)
	}
	next.Version = serverVersion
	return c.adoptLocked(next, serverChecksum)
}

// ConfirmWithState records server acceptance together with the full
// authoritative state (as delivered by a state_update for this action).
func (c *Client) ConfirmWithState(actionID string, state *gamesync.GameState, declared string) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state == nil {
		c.logger.Warn("confirmation without state body ignored",
			slog.String("action_id", actionID),
		)
		return VerdictWarn
	}
	c.dequeueLocked(actionID, StatusConfirmed)
	return c.adoptLocked(state, declared)
}

// Reject discards the optimistic application of a rejected action: the local
// state is rebuilt from the last confirmed state and the surviving pendings.
// Rejected actions are never retried automatically.
func (c *Client) Reject(actionID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dequeueLocked(actionID, StatusRejected)
	c.logger.Info("action rejected, rolled back",
		slog.String("action_id", actionID),
		slog.String("reason", reason),
	)
	c.rebaseLocked()
}

// ApplyServerDelta applies an incremental update to the confirmed state. A
// delta whose base version does not match is rejected; the caller should
// issue a sync request. The resulting checksum feeds the desync detector.
func (c *Client) ApplyServerDelta(delta gamesync.StateDelta) (Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if delta.Version < c.confirmed.Version {
		return c.detector.NoteVersionRegression(), syncErrors.NewVersion(
			syncErrors.OpDeltaApply, syncErrors.KindVersionAhead, c.confirmed.Version, delta.Version)
	}

	next, err := broadcast.ApplyDelta(c.confirmed, delta)
	if err != nil {
		return VerdictWarn, err
	}
	return c.adoptLocked(next, delta.Checksum), nil
}

// ApplyServerState adopts a full state push. A push without a state body is
// a protocol violation and is rejected without touching local state.
func (c *Client) ApplyServerState(msg gamesync.StateUpdateMsg) (Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.State == nil {
		return VerdictWarn, syncErrors.NewWithComponent(syncErrors.OpStateAdopt, "protocol",
			errors.New("state update without state body"))
	}
	if msg.Version < c.confirmed.Version {
		return c.detector.NoteVersionRegression(), nil
	}
	return c.adoptLocked(msg.State, msg.Checksum), nil
}

// adoptLocked installs a server state as confirmed, verifies its checksum
// through the detector, and rebases pendings. Callers hold c.mu.
func (c *Client) adoptLocked(state *gamesync.GameState, declared string) Verdict {
	c.confirmed = state.Clone()
	c.rebaseLocked()

	match := declared == "" || checksum.Validate(c.confirmed, declared)
	verdict := c.detector.Observe(match)
	switch verdict {
	case VerdictWarn:
		c.logger.Warn("checksum mismatch, tolerating as transient",
			slog.Int64("version", state.Version),
			slog.Int("consecutive", c.detector.Mismatches()),
		)
	case VerdictDesync:
		c.logger.Error("checksum mismatch threshold crossed, resync required",
			slog.Int64("version", state.Version),
		)
	}
	return verdict
}

// rebaseLocked rebuilds the optimistic local state: confirmed state plus the
// still-pending actions reapplied in order. Pendings the fresh state no
// longer admits are dropped as rejected without blocking the others.
func (c *Client) rebaseLocked() {
	local := c.confirmed.Clone()
	kept := c.queue[:0]
	for _, pa := range c.queue {
		if pa.Status != StatusPending {
			continue
		}
		if err := c.eval.Validate(local, pa.Action); err != nil {
			pa.Status = StatusRejected
			c.logger.Info("pending action no longer legal, dropped",
				slog.String("action_id", pa.LocalID),
			)
			continue
		}
		next, err := c.eval.Apply(local, pa.Action)
		if err != nil {
			pa.Status = StatusRejected
			continue
		}
		next.Version = local.Version + 1
		local = next
		pa.PredictedVersion = local.Version
		kept = append(kept, pa)
	}
	c.queue = kept
	c.local = local
}

func (c *Client) dequeueLocked(actionID string, status Status) {
	for i, pa := range c.queue {
		if pa.LocalID == actionID {
			pa.Status = status
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}
