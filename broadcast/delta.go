// Package broadcast computes minimal state deltas and fans them out to the
// connected clients of a session, retrying failed deliveries with backoff
// before flagging a client as desynced.
package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/checksum"
	syncErrors "github.com/cardroom/go-game-sync/errors"
)

// Delta field keys. The canonical projection plus transport-only fields.
const (
	fieldPhase      = "phase"
	fieldTurnOwner  = "turnOwner"
	fieldPileCounts = "pileCounts"
	fieldScores     = "scores"
	fieldFlags      = "flags"
	fieldUpdatedBy  = "updatedBy"
	fieldUpdatedAt  = "updatedAt"
	fieldExtra      = "extra"
)

// ComputeDelta compares two successive states field by field and returns a
// delta holding only the changed fields, stamped with the new version, the
// base version it applies to, and the new state's checksum.
func ComputeDelta(oldState, newState *gamesync.GameState) gamesync.StateDelta {
	changes := make(map[string]json.RawMessage)

	if oldState.Phase != newState.Phase {
		changes[fieldPhase] = mustMarshal(newState.Phase)
	}
	if oldState.TurnOwner != newState.TurnOwner {
		changes[fieldTurnOwner] = mustMarshal(newState.TurnOwner)
	}
	if !intMapsEqual(oldState.PileCounts, newState.PileCounts) {
		changes[fieldPileCounts] = mustMarshal(newState.PileCounts)
	}
	if !intMapsEqual(oldState.Scores, newState.Scores) {
		changes[fieldScores] = mustMarshal(newState.Scores)
	}
	if !boolMapsEqual(oldState.Flags, newState.Flags) {
		changes[fieldFlags] = mustMarshal(newState.Flags)
	}
	if oldState.UpdatedBy != newState.UpdatedBy {
		changes[fieldUpdatedBy] = mustMarshal(newState.UpdatedBy)
	}
	if !oldState.UpdatedAt.Equal(newState.UpdatedAt) {
		changes[fieldUpdatedAt] = mustMarshal(newState.UpdatedAt)
	}
	if !rawMapsEqual(oldState.Extra, newState.Extra) {
		changes[fieldExtra] = mustMarshal(newState.Extra)
	}

	return gamesync.StateDelta{
		Version:     newState.Version,
		BaseVersion: oldState.Version,
		Changes:     changes,
		Checksum:    checksum.Compute(newState),
		Timestamp:   time.Now().UTC(),
	}
}

// ApplyDelta produces the successor state from a base state and a delta. It
// rejects the delta when its base version does not equal the state's current
// version; the caller must then request a resync instead.
func ApplyDelta(state *gamesync.GameState, delta gamesync.StateDelta) (*gamesync.GameState, error) {
	if delta.BaseVersion != state.Version {
		return nil, syncErrors.NewVersion(syncErrors.OpDeltaApply, syncErrors.KindVersionGap, state.Version, delta.BaseVersion)
	}

	next := state.Clone()
	next.Version = delta.Version

	for field, raw := range delta.Changes {
		var err error
		switch field {
		case fieldPhase:
			err = json.Unmarshal(raw, &next.Phase)
		case fieldTurnOwner:
			err = json.Unmarshal(raw, &next.TurnOwner)
		case fieldPileCounts:
			err = json.Unmarshal(raw, &next.PileCounts)
		case fieldScores:
			err = json.Unmarshal(raw, &next.Scores)
		case fieldFlags:
			err = json.Unmarshal(raw, &next.Flags)
		case fieldUpdatedBy:
			err = json.Unmarshal(raw, &next.UpdatedBy)
		case fieldUpdatedAt:
			err = json.Unmarshal(raw, &next.UpdatedAt)
		case fieldExtra:
			err = json.Unmarshal(raw, &next.Extra)
		default:
			err = fmt.Errorf("unknown delta field %q", field)
		}
		if err != nil {
			return nil, fmt.Errorf("apply delta field %q: %w", field, err)
		}
	}

	return next, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal delta field: %v", err))
	}
	return data
}

func intMapsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func boolMapsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func rawMapsEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !bytes.Equal(v, bv) {
			return false
		}
	}
	return true
}
