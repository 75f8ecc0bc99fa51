package gamesync

import (
	"encoding/json"
	"time"
)

// Wire message type tags carried in every envelope.
const (
	MsgStateUpdate  = "state_update"
	MsgStateDelta   = "state_delta"
	MsgSyncRequest  = "sync_request"
	MsgSyncResult   = "sync_result"
	MsgActionSubmit = "action_submit"
	MsgActionResult = "action_result"
)

// Envelope frames every message on the persistent per-client connection.
// When Compressed is set, Data holds a gzip stream of the inner message.
type Envelope struct {
	Type       string          `json:"type"`
	Compressed bool            `json:"compressed,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// StateDelta is the transport object for incremental pushes. It is never
// persisted; the broadcast controller builds it on demand. A delta is only
// applicable when BaseVersion equals the recipient's current version.
type StateDelta struct {
	Version     int64                      `json:"version"`
	BaseVersion int64                      `json:"baseVersion"`
	Changes     map[string]json.RawMessage `json:"changes"`
	Checksum    string                     `json:"checksum"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// StateUpdateMsg pushes full authoritative state.
type StateUpdateMsg struct {
	Version  int64      `json:"version"`
	Checksum string     `json:"checksum"`
	State    *GameState `json:"state"`
}

// StateDeltaMsg pushes an incremental update.
type StateDeltaMsg struct {
	Delta StateDelta `json:"delta"`
}

// SyncRequestMsg asks the server to reconcile the client's version.
type SyncRequestMsg struct {
	SessionID     string `json:"sessionId"`
	ClientVersion int64  `json:"clientVersion"`
}

// SyncStatus enumerates sync_result outcomes.
type SyncStatus string

const (
	SyncUpToDate      SyncStatus = "upToDate"
	SyncMissingEvents SyncStatus = "missingEvents"
	SyncFullState     SyncStatus = "fullState"
	SyncError         SyncStatus = "error"
)

// SyncResultMsg answers a sync_request. Exactly one of Events or State is
// populated for the missingEvents and fullState statuses.
type SyncResultMsg struct {
	Status        SyncStatus `json:"status"`
	ServerVersion int64      `json:"serverVersion"`
	Checksum      string     `json:"checksum,omitempty"`
	Events        []Event    `json:"events,omitempty"`
	State         *GameState `json:"state,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// ActionSubmitMsg carries a client action to the server.
type ActionSubmitMsg struct {
	SessionID       string    `json:"sessionId"`
	ParticipantID   string    `json:"participantId"`
	ActionID        string    `json:"actionId"`
	Action          Action    `json:"action"`
	ClientTimestamp time.Time `json:"clientTimestamp"`
}

// ActionResultMsg reports acceptance or rejection of a submitted action.
type ActionResultMsg struct {
	ActionID            string `json:"actionId"`
	Accepted            bool   `json:"accepted"`
	Version             int64  `json:"version,omitempty"`
	Checksum            string `json:"checksum,omitempty"`
	Reason              string `json:"reason,omitempty"`
	ConflictingActionID string `json:"conflictingActionId,omitempty"`

	// Retryable marks transient failures (persistence, transport) that the
	// caller may safely resubmit. Domain and conflict rejections are final.
	Retryable bool `json:"retryable,omitempty"`
}
