package gamesync

// Test doubles shared by package tests across the module.

// TestEvaluator is a deterministic RulesEvaluator for tests. With no hooks it
// accepts every action and applies it by crediting one point to the actor and
// handing them the turn, which is enough to make states diverge per action
// and replay deterministically.
type TestEvaluator struct {
	ValidateFn func(state *GameState, action Action) error
	ApplyFn    func(state *GameState, action Action) (*GameState, error)
}

var _ RulesEvaluator = (*TestEvaluator)(nil)

func (e *TestEvaluator) Validate(state *GameState, action Action) error {
	if e.ValidateFn != nil {
		return e.ValidateFn(state, action)
	}
	return nil
}

func (e *TestEvaluator) Apply(state *GameState, action Action) (*GameState, error) {
	if e.ApplyFn != nil {
		return e.ApplyFn(state, action)
	}
	next := state.Clone()
	next.Scores[action.Actor]++
	next.TurnOwner = action.Actor
	next.Phase = "play"
	return next, nil
}
