package server

import (
	"fmt"

	gamesync "github.com/cardroom/go-game-sync"
)

// DefaultStartingHand is the number of cards a participant holds before
// their first recorded action.
const DefaultStartingHand = 4

// TableEvaluator is a deterministic card-table rules implementation: piles
// are tracked as counts, captures score the taken cards, and the turn passes
// to the acting participant. It exists so the server runs end to end out of
// the box; real deployments supply their own RulesEvaluator.
type TableEvaluator struct {
	// StartingHand is the implied hand size of a participant with no hand
	// pile yet (DefaultStartingHand when zero).
	StartingHand int
}

var _ gamesync.RulesEvaluator = (*TableEvaluator)(nil)

func (e *TableEvaluator) startingHand() int {
	if e.StartingHand > 0 {
		return e.StartingHand
	}
	return DefaultStartingHand
}

func handKey(actor string) string { return "hand:" + actor }

// handCount reads the actor's hand pile, implying a fresh starting hand when
// they have not acted yet. Pure in state, so replay stays deterministic.
func (e *TableEvaluator) handCount(state *gamesync.GameState, actor string) int {
	if n, ok := state.PileCounts[handKey(actor)]; ok {
		return n
	}
	return e.startingHand()
}

func (e *TableEvaluator) Validate(state *gamesync.GameState, action gamesync.Action) error {
	if state.Phase == "finished" {
		return fmt.Errorf("session is finished")
	}
	if action.Actor == "" {
		return fmt.Errorf("action has no actor")
	}
	payload, err := action.DecodePayload()
	if err != nil {
		return err
	}
	if e.handCount(state, action.Actor) < 1 {
		return fmt.Errorf("participant %s has no cards in hand", action.Actor)
	}

	switch p := payload.(type) {
	case *gamesync.CapturePayload:
		if len(p.TableCards) == 0 {
			return fmt.Errorf("capture must name at least one table card")
		}
		if state.PileCounts["table"] < len(p.TableCards) {
			return fmt.Errorf("capture names %d table cards, table holds %d",
				len(p.TableCards), state.PileCounts["table"])
		}
	case *gamesync.BuildPayload:
		if p.Value <= 0 {
			return fmt.Errorf("build value must be positive, got %d", p.Value)
		}
		if state.PileCounts["table"] < len(p.TableCards) {
			return fmt.Errorf("build names %d table cards, table holds %d",
				len(p.TableCards), state.PileCounts["table"])
		}
	}
	return nil
}

func (e *TableEvaluator) Apply(state *gamesync.GameState, action gamesync.Action) (*gamesync.GameState, error) {
	payload, err := action.DecodePayload()
	if err != nil {
		return nil, err
	}

	next := state.Clone()
	hand := e.handCount(next, action.Actor)

	switch p := payload.(type) {
	case *gamesync.CapturePayload:
		next.PileCounts["table"] -= len(p.TableCards)
		next.PileCounts[handKey(action.Actor)] = hand - 1
		next.Scores[action.Actor] += 1 + len(p.TableCards)

	case *gamesync.BuildPayload:
		// The hand card and the named table cards merge into one build pile.
		next.PileCounts["table"] -= len(p.TableCards)
		next.PileCounts["table"]++
		next.PileCounts[handKey(action.Actor)] = hand - 1
		next.Flags[fmt.Sprintf("build:%d:%s", p.Value, action.Actor)] = true

	case *gamesync.TrailPayload:
		next.PileCounts["table"]++
		next.PileCounts[handKey(action.Actor)] = hand - 1

	case *gamesync.DiscardPayload:
		next.PileCounts["discard"]++
		next.PileCounts[handKey(action.Actor)] = hand - 1

	default:
		return nil, fmt.Errorf("unsupported action type %q", action.Type)
	}

	next.TurnOwner = action.Actor
	next.Phase = "play"
	if e.allHandsEmpty(next) {
		next.Phase = "finished"
	}
	return next, nil
}

// allHandsEmpty is only decidable once every participant has a recorded hand
// pile; implied hands count as non-empty.
func (e *TableEvaluator) allHandsEmpty(state *gamesync.GameState) bool {
	seen := false
	for k, n := range state.PileCounts {
		if len(k) > 5 && k[:5] == "hand:" {
			seen = true
			if n > 0 {
				return false
			}
		}
	}
	return seen
}
