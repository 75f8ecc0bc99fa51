package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gamesync "github.com/cardroom/go-game-sync"
	syncErrors "github.com/cardroom/go-game-sync/errors"
)

// Reconnect fetches the authoritative state after a connectivity gap and
// reconciles the local copy: missing events are replayed through the
// evaluator, a full state is adopted wholesale, and an integrity signal
// forces a resync. Pendings are rebased against the fresh state; running
// Reconnect repeatedly converges to the same authoritative state.
func (c *Client) Reconnect(ctx context.Context, syncer Syncer) error {
	c.mu.Lock()
	clientVersion := c.confirmed.Version
	c.mu.Unlock()

	res, err := syncer.SyncClient(ctx, c.sessionID, clientVersion)
	if err != nil {
		return syncErrors.NewTransport(syncErrors.OpReconnect, err)
	}

	switch res.Status {
	case gamesync.SyncUpToDate:
		return nil

	case gamesync.SyncMissingEvents:
		return c.applyMissingEvents(res.Events)

	case gamesync.SyncFullState:
		if res.State == nil {
			return fmt.Errorf("sync result %s without state", res.Status)
		}
		_, err := c.ApplyServerState(gamesync.StateUpdateMsg{
			Version:  res.ServerVersion,
			Checksum: res.Checksum,
			State:    res.State,
		})
		return err

	case gamesync.SyncError:
		c.detector.NoteProtocolSignal()
		return c.ForceResync(ctx, syncer)

	default:
		return fmt.Errorf("unknown sync status %q", res.Status)
	}
}

// applyMissingEvents replays a server-supplied event range onto the
// confirmed state in sequence order.
func (c *Client) applyMissingEvents(events []gamesync.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.confirmed.Clone()
	for _, event := range events {
		if event.Version != state.Version+1 {
			c.detector.NoteProtocolSignal()
			return syncErrors.NewVersion(syncErrors.OpReconnect, syncErrors.KindVersionGap, state.Version, event.Version)
		}
		next, err := c.eval.Apply(state, event.AsAction())
		if err != nil {
			return fmt.Errorf("replay missing event %d: %w", event.Sequence, err)
		}
		next.Version = event.Version
		state = next
	}

	lastChecksum := ""
	if len(events) > 0 {
		lastChecksum = events[len(events)-1].StateChecksum
	}
	verdict := c.adoptLocked(state, lastChecksum)
	if verdict == VerdictDesync {
		return syncErrors.NewChecksum(syncErrors.OpReconnect, lastChecksum, "")
	}
	return nil
}

// ForceResync discards every pending optimistic action, fetches the full
// authoritative state, and clears the desync detector. Used when the
// detector crosses its threshold or the server signals integrity loss.
func (c *Client) ForceResync(ctx context.Context, syncer Syncer) error {
	// A negative version can never match or exceed the server's, so the
	// server always answers with full state.
	res, err := syncer.SyncClient(ctx, c.sessionID, -1)
	if err != nil {
		return syncErrors.NewTransport(syncErrors.OpReconnect, err)
	}
	if res.State == nil {
		return fmt.Errorf("forced resync did not return full state (status %s)", res.Status)
	}

	c.mu.Lock()
	c.queue = nil
	c.confirmed = res.State.Clone()
	c.local = res.State.Clone()
	c.mu.Unlock()

	c.detector.Reset()
	c.logger.Info("forced resync complete",
		slog.Int64("version", res.ServerVersion),
	)
	return nil
}

// ReplayPending transmits the still-pending queued actions in original
// order. Application-level rejections roll back the individual action
// without blocking the rest; transport failures are retried with backoff and
// leave the action queued when the attempts are exhausted.
func (c *Client) ReplayPending(ctx context.Context, submitter Submitter) []gamesync.ActionResultMsg {
	pending := c.Pending()
	results := make([]gamesync.ActionResultMsg, 0, len(pending))

	for _, pa := range pending {
		msg := gamesync.ActionSubmitMsg{
			SessionID:       c.sessionID,
			ParticipantID:   c.participantID,
			ActionID:        pa.LocalID,
			Action:          pa.Action,
			ClientTimestamp: pa.Action.ClientTimestamp,
		}

		res, err := c.submitWithRetry(ctx, submitter, msg)
		if err != nil {
			// Still queued; a later reconnect retries it.
			c.logger.Warn("transmission failed, action stays queued",
				slog.String("action_id", pa.LocalID),
				slog.String("error", err.Error()),
			)
			break
		}

		if res.Accepted {
			c.Confirm(pa.LocalID, res.Version, res.Checksum)
		} else if !res.Retryable {
			c.Reject(pa.LocalID, res.Reason)
		}
		results = append(results, res)
	}

	return results
}

func (c *Client) submitWithRetry(ctx context.Context, submitter Submitter, msg gamesync.ActionSubmitMsg) (gamesync.ActionResultMsg, error) {
	res, err := submitter.SubmitAction(ctx, msg)
	if err == nil {
		return res, nil
	}

	for attempt := 1; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		timer := time.NewTimer(c.cfg.Retry.delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return gamesync.ActionResultMsg{}, ctx.Err()
		case <-timer.C:
		}

		if res, err = submitter.SubmitAction(ctx, msg); err == nil {
			return res, nil
		}
	}
	return gamesync.ActionResultMsg{}, err
}
