package conflict

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	gamesync "github.com/cardroom/go-game-sync"
)

// claimEvaluator accepts an action unless one of its affected entities was
// already claimed by an earlier apply, which is the shape of a real capture
// conflict.
func claimEvaluator() *gamesync.TestEvaluator {
	return &gamesync.TestEvaluator{
		ValidateFn: func(state *gamesync.GameState, action gamesync.Action) error {
			for _, entity := range action.Affected {
				if state.Flags["claimed:"+entity] {
					return fmt.Errorf("entity %s already claimed", entity)
				}
			}
			return nil
		},
		ApplyFn: func(state *gamesync.GameState, action gamesync.Action) (*gamesync.GameState, error) {
			next := state.Clone()
			for _, entity := range action.Affected {
				next.Flags["claimed:"+entity] = true
			}
			next.Scores[action.Actor]++
			return next, nil
		},
	}
}

func cand(id, actor string, affected []string, at time.Time, order int64) Candidate {
	return Candidate{
		Action: gamesync.Action{
			ID:       id,
			Type:     gamesync.ActionCapture,
			Actor:    actor,
			Affected: affected,
		},
		ReceivedAt: at,
		Order:      order,
	}
}

func TestConflicting(t *testing.T) {
	r := NewResolver()
	t0 := time.Now()

	a := cand("a", "alice", []string{"card7"}, t0, 1)
	b := cand("b", "bob", []string{"card7"}, t0.Add(50*time.Millisecond), 2)
	if !r.Conflicting(a, b) {
		t.Fatal("overlapping actions inside the window should conflict")
	}

	sameActor := cand("c", "alice", []string{"card7"}, t0.Add(10*time.Millisecond), 3)
	if r.Conflicting(a, sameActor) {
		t.Fatal("actions from the same participant never conflict")
	}

	outside := cand("d", "bob", []string{"card7"}, t0.Add(DefaultWindow), 4)
	if r.Conflicting(a, outside) {
		t.Fatal("a gap of exactly the window is not concurrent")
	}

	disjoint := cand("e", "bob", []string{"card9"}, t0.Add(10*time.Millisecond), 5)
	if r.Conflicting(a, disjoint) {
		t.Fatal("disjoint affected sets should not conflict")
	}
}

func TestResolveEarlierTimestampWins(t *testing.T) {
	r := NewResolver()
	state := gamesync.NewGameState("s1")
	t0 := time.Now()

	// Listed out of order on purpose; receipt timestamps decide.
	cands := []Candidate{
		cand("late", "bob", []string{"card7"}, t0.Add(40*time.Millisecond), 2),
		cand("early", "alice", []string{"card7"}, t0, 1),
	}

	accepted, rejected, err := r.Resolve(context.Background(), state, cands, claimEvaluator())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(accepted) != 1 || accepted[0].Action.ID != "early" {
		t.Fatalf("expected only 'early' accepted, got %+v", accepted)
	}
	if len(rejected) != 1 || rejected[0].Action.ID != "late" {
		t.Fatalf("expected 'late' rejected, got %+v", rejected)
	}
	if rejected[0].WinnerID != "early" {
		t.Fatalf("rejection should name the winner, got %q", rejected[0].WinnerID)
	}
	if state.Flags["claimed:card7"] {
		t.Fatal("Resolve mutated the input state")
	}
}

func TestResolveReceiptOrderBreaksTimestampTies(t *testing.T) {
	r := NewResolver()
	state := gamesync.NewGameState("s1")
	t0 := time.Now()

	cands := []Candidate{
		cand("second", "bob", []string{"card7"}, t0, 2),
		cand("first", "alice", []string{"card7"}, t0, 1),
	}

	accepted, _, err := r.Resolve(context.Background(), state, cands, claimEvaluator())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(accepted) != 1 || accepted[0].Action.ID != "first" {
		t.Fatalf("receipt order should break the tie, got %+v", accepted)
	}
}

func TestResolveDisjointActionsAllAccepted(t *testing.T) {
	r := NewResolver()
	state := gamesync.NewGameState("s1")
	t0 := time.Now()

	cands := []Candidate{
		cand("a", "alice", []string{"card7"}, t0, 1),
		cand("b", "bob", []string{"card9"}, t0.Add(20*time.Millisecond), 2),
	}

	accepted, rejected, err := r.Resolve(context.Background(), state, cands, claimEvaluator())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(accepted) != 2 || len(rejected) != 0 {
		t.Fatalf("expected both accepted, got accepted=%d rejected=%d", len(accepted), len(rejected))
	}
	if accepted[0].Action.ID != "a" || accepted[1].Action.ID != "b" {
		t.Fatalf("acceptance order should follow receipt order, got %+v", accepted)
	}
}

func TestResolveLoneIllegalActionIsValidationNotConflict(t *testing.T) {
	audit := NewAuditLog(16)
	r := NewResolver(WithAuditLog(audit))
	state := gamesync.NewGameState("s1")
	state.Flags["claimed:card7"] = true

	cands := []Candidate{
		cand("solo", "alice", []string{"card7"}, time.Now(), 1),
	}

	accepted, rejected, err := r.Resolve(context.Background(), state, cands, claimEvaluator())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(accepted) != 0 || len(rejected) != 1 {
		t.Fatalf("expected lone rejection, got accepted=%d rejected=%d", len(accepted), len(rejected))
	}
	if rejected[0].WinnerID != "" {
		t.Fatalf("no concurrent winner exists, got %q", rejected[0].WinnerID)
	}
	if !strings.HasPrefix(rejected[0].Reason, "validation rejected") {
		t.Fatalf("reason should report a validation rejection, got %q", rejected[0].Reason)
	}
	if records := audit.BySession("s1"); len(records) != 0 {
		t.Fatalf("validation rejections do not belong in the conflict audit, got %+v", records)
	}
}

func TestResolveRecordsAudit(t *testing.T) {
	audit := NewAuditLog(16)
	r := NewResolver(WithAuditLog(audit))
	state := gamesync.NewGameState("s1")
	t0 := time.Now()

	cands := []Candidate{
		cand("a", "alice", []string{"card7"}, t0, 1),
		cand("b", "bob", []string{"card7"}, t0.Add(10*time.Millisecond), 2),
	}
	if _, _, err := r.Resolve(context.Background(), state, cands, claimEvaluator()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	records := audit.BySession("s1")
	if len(records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(records))
	}
	rec := records[0]
	if len(rec.Accepted) != 1 || rec.Accepted[0] != "a" {
		t.Fatalf("audit accepted = %v, want [a]", rec.Accepted)
	}
	if len(rec.Rejections) != 1 || rec.Rejections[0].Action.ID != "b" {
		t.Fatalf("audit rejections = %+v, want action b", rec.Rejections)
	}
}
