// Package gamesync provides the core types and collaborator interfaces for
// the game state synchronization engine. It keeps an authoritative, versioned
// game state consistent between a server process and connected clients under
// concurrent actions, message loss, and reconnection.
//
// The engine does not implement game rules. Domain legality is delegated to a
// RulesEvaluator and persistence to a DurableStore; both are supplied by the
// embedding application.
package gamesync

import (
	"encoding/json"
	"time"
)

// GameState is the engine's view of one session's state. The canonical
// fields (Version, Phase, TurnOwner, PileCounts, Scores, Flags) are the
// checksum projection; everything else rides along for transport only.
type GameState struct {
	SessionID string          `json:"sessionId"`
	Version   int64           `json:"version"`
	Phase     string          `json:"phase"`
	TurnOwner string          `json:"turnOwner"`
	PileCounts map[string]int `json:"pileCounts"`
	Scores    map[string]int  `json:"scores"`
	Flags     map[string]bool `json:"flags"`

	// Extra carries non-canonical transport fields. It is diffed and
	// broadcast but never checksummed.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// Clone returns a deep copy. The pipeline applies actions to a clone so a
// failed persistence leaves the cached state untouched.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	out := *s
	out.PileCounts = make(map[string]int, len(s.PileCounts))
	for k, v := range s.PileCounts {
		out.PileCounts[k] = v
	}
	out.Scores = make(map[string]int, len(s.Scores))
	for k, v := range s.Scores {
		out.Scores[k] = v
	}
	out.Flags = make(map[string]bool, len(s.Flags))
	for k, v := range s.Flags {
		out.Flags[k] = v
	}
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out.Extra[k] = cp
		}
	}
	return &out
}

// NewGameState returns the version-0 state for a fresh session.
func NewGameState(sessionID string) *GameState {
	return &GameState{
		SessionID:  sessionID,
		Version:    0,
		Phase:      "setup",
		PileCounts: make(map[string]int),
		Scores:     make(map[string]int),
		Flags:      make(map[string]bool),
	}
}

// Snapshot is a full copy of session state at a given version, written every
// snapshot interval to bound replay cost.
type Snapshot struct {
	SessionID string     `json:"sessionId"`
	Version   int64      `json:"version"`
	State     *GameState `json:"state"`
	Checksum  string     `json:"checksum"`
	CreatedAt time.Time  `json:"createdAt"`
}
