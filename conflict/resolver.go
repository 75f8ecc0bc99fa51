// Package conflict orders near-simultaneous actions for a session and
// rejects the ones invalidated by earlier winners. Resolution is
// server-wins, timestamp order: no merging, and rejected actions are never
// retried automatically.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/logging"
)

// DefaultWindow is the receipt-time span within which two actions are
// considered concurrent. Configuration, not an invariant.
const DefaultWindow = 100 * time.Millisecond

// Candidate is an action waiting for resolution, stamped with its server
// receipt time and a per-session receipt counter that breaks timestamp ties
// deterministically.
type Candidate struct {
	Action     gamesync.Action
	ReceivedAt time.Time
	Order      int64
}

// Rejection records an action that lost to a concurrent winner.
type Rejection struct {
	Action   gamesync.Action
	WinnerID string
	Reason   string
}

// Resolver decides acceptance order for buffered candidates.
type Resolver struct {
	window time.Duration
	audit  *AuditLog
	logger *logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithWindow overrides the conflict window.
func WithWindow(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithAuditLog attaches a bounded audit log of resolution outcomes.
func WithAuditLog(log *AuditLog) Option {
	return func(r *Resolver) { r.audit = log }
}

// WithLogger overrides the resolver's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver with the default window and a fresh audit
// log unless overridden.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		window: DefaultWindow,
		audit:  NewAuditLog(0),
		logger: logging.WithComponent("conflict"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Window returns the configured conflict window.
func (r *Resolver) Window() time.Duration {
	return r.window
}

// Audit returns the resolver's audit log.
func (r *Resolver) Audit() *AuditLog {
	return r.audit
}

// Conflicting reports whether two candidates conflict: received within the
// window, from different participants, with intersecting affected-entity
// sets.
func (r *Resolver) Conflicting(a, b Candidate) bool {
	if a.Action.Actor == b.Action.Actor {
		return false
	}
	gap := a.ReceivedAt.Sub(b.ReceivedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap >= r.window {
		return false
	}
	return intersects(a.Action.Affected, b.Action.Affected)
}

// Resolve sorts candidates by receipt timestamp (receipt order breaks ties),
// applies the earliest to a scratch copy of state, and re-validates each
// subsequent candidate against the post-apply state. Candidates that are no
// longer legal are rejected with a reason referencing the accepted action
// that invalidated them. The returned accepted slice preserves acceptance
// order; state is never mutated.
func (r *Resolver) Resolve(ctx context.Context, state *gamesync.GameState, cands []Candidate, eval gamesync.RulesEvaluator) ([]Candidate, []Rejection, error) {
	if len(cands) == 0 {
		return nil, nil, nil
	}

	ordered := make([]Candidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
		}
		return ordered[i].Order < ordered[j].Order
	})

	scratch := state.Clone()
	accepted := make([]Candidate, 0, len(ordered))
	var rejected []Rejection

	for _, cand := range ordered {
		if err := eval.Validate(scratch, cand.Action); err != nil {
			// No accepted winner means the action was illegal on its
			// own, not knocked out by a concurrent one.
			winner := r.invalidator(cand, accepted)
			reason := fmt.Sprintf("validation rejected: %v", err)
			if winner != "" {
				reason = fmt.Sprintf("invalidated by concurrent action: %v", err)
			}
			rejected = append(rejected, Rejection{
				Action:   cand.Action,
				WinnerID: winner,
				Reason:   reason,
			})
			continue
		}
		next, err := eval.Apply(scratch, cand.Action)
		if err != nil {
			return nil, nil, fmt.Errorf("apply %s during resolution: %w", cand.Action.ID, err)
		}
		scratch = next
		accepted = append(accepted, cand)
	}

	conflicted := make([]Rejection, 0, len(rejected))
	for _, rej := range rejected {
		if rej.WinnerID == "" {
			r.logger.DebugContext(ctx, "validation rejected",
				slog.String("session_id", state.SessionID),
				slog.String("rejected_action", rej.Action.ID),
				slog.String("reason", rej.Reason),
			)
			continue
		}
		conflicted = append(conflicted, rej)
		r.logger.InfoContext(ctx, "conflict resolved",
			slog.String("session_id", state.SessionID),
			slog.String("rejected_action", rej.Action.ID),
			slog.String("winning_action", rej.WinnerID),
			slog.String("reason", rej.Reason),
		)
	}
	if r.audit != nil && (len(conflicted) > 0 || len(accepted) > 1) {
		r.audit.Record(Record{
			SessionID:  state.SessionID,
			Timestamp:  time.Now(),
			Accepted:   actionIDs(accepted),
			Rejections: conflicted,
		})
	}

	return accepted, rejected, nil
}

// invalidator finds the accepted action that knocked out cand: the latest
// accepted candidate whose affected set intersects cand's within the window.
// Falls back to the most recent accepted action when the entity sets do not
// pinpoint a winner.
func (r *Resolver) invalidator(cand Candidate, accepted []Candidate) string {
	for i := len(accepted) - 1; i >= 0; i-- {
		if r.Conflicting(cand, accepted[i]) {
			return accepted[i].Action.ID
		}
	}
	if len(accepted) > 0 {
		return accepted[len(accepted)-1].Action.ID
	}
	return ""
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func actionIDs(cands []Candidate) []string {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.Action.ID
	}
	return ids
}
