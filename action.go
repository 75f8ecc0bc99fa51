package gamesync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType keys the action payload variant. The rules evaluator switches
// on it exhaustively instead of probing for field presence.
type ActionType string

const (
	ActionCapture ActionType = "capture"
	ActionBuild   ActionType = "build"
	ActionTrail   ActionType = "trail"
	ActionDiscard ActionType = "discard"
)

// Action is one submitted domain action. Payload stays opaque to the engine;
// Affected declares the entity ids the action touches so the conflict
// resolver can intersect concurrent actions without understanding payloads.
type Action struct {
	ID              string          `json:"id"`
	Type            ActionType      `json:"type"`
	Actor           string          `json:"actor"`
	Affected        []string        `json:"affected,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
}

// CapturePayload takes table cards with a hand card.
type CapturePayload struct {
	HandCard   string   `json:"handCard"`
	TableCards []string `json:"tableCards"`
}

// BuildPayload stacks a hand card onto table cards, declaring a build value.
type BuildPayload struct {
	HandCard   string   `json:"handCard"`
	TableCards []string `json:"tableCards"`
	Value      int      `json:"value"`
}

// TrailPayload lays a hand card on the table.
type TrailPayload struct {
	HandCard string `json:"handCard"`
}

// DiscardPayload drops a hand card out of play.
type DiscardPayload struct {
	HandCard string `json:"handCard"`
}

// DecodePayload unmarshals the raw payload into the variant matching the
// action type. Unknown types are an error, never a silent passthrough.
func (a Action) DecodePayload() (any, error) {
	decode := func(v any) (any, error) {
		if len(a.Payload) == 0 {
			return nil, fmt.Errorf("action %s: empty %s payload", a.ID, a.Type)
		}
		if err := json.Unmarshal(a.Payload, v); err != nil {
			return nil, fmt.Errorf("action %s: decode %s payload: %w", a.ID, a.Type, err)
		}
		return v, nil
	}
	switch a.Type {
	case ActionCapture:
		return decode(&CapturePayload{})
	case ActionBuild:
		return decode(&BuildPayload{})
	case ActionTrail:
		return decode(&TrailPayload{})
	case ActionDiscard:
		return decode(&DiscardPayload{})
	default:
		return nil, fmt.Errorf("action %s: unknown action type %q", a.ID, a.Type)
	}
}
