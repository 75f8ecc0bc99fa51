package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/checksum"
	"github.com/cardroom/go-game-sync/conflict"
	syncErrors "github.com/cardroom/go-game-sync/errors"
	"github.com/cardroom/go-game-sync/version"
)

// session owns one game instance's pipeline. bufMu guards the conflict
// window buffer; pipeMu serializes the apply/persist pipeline. Splitting the
// two keeps receipt stamping prompt while a batch is being committed.
type session struct {
	id string

	bufMu     sync.Mutex
	pending   []pendingAction
	timer     *time.Timer
	nextOrder int64

	pipeMu   sync.Mutex
	state    *gamesync.GameState
	checksum string
}

type pendingAction struct {
	cand conflict.Candidate
	done chan Result
}

func newSession(id string) *session {
	return &session{id: id}
}

// enqueue stamps the action with its server receipt time and order, buffers
// it for the conflict window, and returns the channel its result will land
// on. The first action of a window arms the flush timer; this buffering is
// the only intentional delay in the pipeline.
func (s *session) enqueue(e *Engine, action gamesync.Action) <-chan Result {
	done := make(chan Result, 1)

	s.bufMu.Lock()
	s.nextOrder++
	s.pending = append(s.pending, pendingAction{
		cand: conflict.Candidate{
			Action:     action,
			ReceivedAt: time.Now(),
			Order:      s.nextOrder,
		},
		done: done,
	})
	if s.timer == nil {
		s.timer = time.AfterFunc(e.cfg.ConflictWindow, func() {
			s.flush(e)
		})
	}
	s.bufMu.Unlock()

	return done
}

// flush drains the window buffer and runs the sequential pipeline for the
// batch: resolve ordering and conflicts, then per accepted action validate,
// apply to a clone, stamp the next version, checksum, persist event+state
// atomically, commit in memory, and trigger the broadcast fan-out.
func (s *session) flush(e *Engine) {
	s.bufMu.Lock()
	batch := s.pending
	s.pending = nil
	s.timer = nil
	s.bufMu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx := context.Background()

	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()

	if err := e.loadLocked(ctx, s); err != nil {
		for _, pa := range batch {
			pa.done <- Result{
				Reason:    "session state unavailable: " + err.Error(),
				Retryable: syncErrors.IsRetryable(err),
			}
		}
		return
	}

	cands := make([]conflict.Candidate, len(batch))
	byID := make(map[string]pendingAction, len(batch))
	for i, pa := range batch {
		cands[i] = pa.cand
		byID[pa.cand.Action.ID] = pa
	}

	accepted, rejected, err := e.resolver.Resolve(ctx, s.state, cands, e.eval)
	if err != nil {
		e.logger.LogError(ctx, err, "conflict resolution failed", slog.String("session_id", s.id))
		for _, pa := range batch {
			pa.done <- Result{Reason: "conflict resolution failed", Retryable: true}
		}
		return
	}

	for _, rej := range rejected {
		pa, ok := byID[rej.Action.ID]
		if !ok {
			continue
		}
		if rej.WinnerID == "" {
			// Illegal on its own, not displaced by a concurrent winner.
			pa.done <- Result{Reason: rej.Reason}
			continue
		}
		e.metrics.RecordConflicts(1)
		pa.done <- Result{
			Reason:              rej.Reason,
			ConflictingActionID: rej.WinnerID,
		}
	}

	for _, cand := range accepted {
		pa, ok := byID[cand.Action.ID]
		if !ok {
			continue
		}
		pa.done <- s.applyLocked(ctx, e, cand.Action)
	}
}

// applyLocked runs one accepted action through the commit path. Callers hold
// pipeMu. The action is applied to a clone, so a failed persist leaves the
// cached state untouched and the caller gets a retryable rejection.
func (s *session) applyLocked(ctx context.Context, e *Engine, action gamesync.Action) Result {
	if err := e.eval.Validate(s.state, action); err != nil {
		verr := syncErrors.NewValidation(syncErrors.OpProcessAction, err)
		return Result{Reason: verr.Error()}
	}

	next, err := e.eval.Apply(s.state, action)
	if err != nil {
		return Result{Reason: "apply failed: " + err.Error()}
	}
	next.Version = version.Next(s.state.Version)
	next.UpdatedAt = time.Now().UTC()
	next.UpdatedBy = action.Actor
	cs := checksum.Compute(next)

	event, err := e.events.Append(ctx, next, action, cs)
	if err != nil {
		e.logger.LogError(ctx, err, "persist failed, action rolled back",
			slog.String("session_id", s.id),
			slog.String("action_id", action.ID),
			slog.Int64("version", next.Version),
		)
		return Result{
			Reason:    "transient persistence failure, retry",
			Retryable: true,
		}
	}

	old := s.state
	s.state = next
	s.checksum = cs

	if e.caster != nil {
		// Fan-out must not block the next action's pipeline.
		go e.caster.Broadcast(ctx, s.id, old, next.Clone())
	}

	e.logger.DebugContext(ctx, "action applied",
		slog.String("session_id", s.id),
		slog.String("action_id", action.ID),
		slog.Int64("version", next.Version),
		slog.String("checksum", cs),
	)

	return Result{
		Applied:  true,
		Version:  next.Version,
		Checksum: cs,
		Event:    &event,
	}
}
