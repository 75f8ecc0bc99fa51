package gamesync

import (
	"encoding/json"
	"strconv"
	"time"
)

// Event is the immutable record of one applied action. Sequence numbers are
// unique and total-ordered per session; replaying events in sequence order
// from an empty or snapshotted state deterministically reproduces the state
// at the resulting version.
type Event struct {
	SessionID       string          `json:"sessionId"`
	Sequence        int64           `json:"sequence"`
	Version         int64           `json:"version"`
	Actor           string          `json:"actor"`
	Type            ActionType      `json:"actionType"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadChecksum string          `json:"payloadChecksum"`
	StateChecksum   string          `json:"stateChecksum"`
	Timestamp       time.Time       `json:"timestamp"`
}

// AsAction reconstructs the action an event recorded, for replay through the
// rules evaluator.
func (e Event) AsAction() Action {
	return Action{
		ID:      e.ActionID(),
		Type:    e.Type,
		Actor:   e.Actor,
		Payload: e.Payload,
	}
}

// ActionID derives a stable identifier for the recorded action. Events do not
// persist the client-supplied id; the session/sequence pair is already unique.
func (e Event) ActionID() string {
	return e.SessionID + "/" + strconv.FormatInt(e.Sequence, 10)
}
