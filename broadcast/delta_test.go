package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/checksum"
	syncErrors "github.com/cardroom/go-game-sync/errors"
)

func baseState() *gamesync.GameState {
	state := gamesync.NewGameState("s1")
	state.Version = 3
	state.Phase = "play"
	state.TurnOwner = "alice"
	state.PileCounts["table"] = 4
	state.Scores["alice"] = 2
	return state
}

func TestComputeDeltaOnlyChangedFields(t *testing.T) {
	oldState := baseState()
	newState := oldState.Clone()
	newState.Version = 4
	newState.TurnOwner = "bob"
	newState.Scores["bob"] = 1
	newState.UpdatedAt = time.Now().UTC()
	newState.UpdatedBy = "bob"

	delta := ComputeDelta(oldState, newState)

	assert.Equal(t, int64(4), delta.Version)
	assert.Equal(t, int64(3), delta.BaseVersion)
	assert.Equal(t, checksum.Compute(newState), delta.Checksum)

	assert.Contains(t, delta.Changes, "turnOwner")
	assert.Contains(t, delta.Changes, "scores")
	assert.Contains(t, delta.Changes, "updatedAt")
	assert.Contains(t, delta.Changes, "updatedBy")
	assert.NotContains(t, delta.Changes, "phase")
	assert.NotContains(t, delta.Changes, "pileCounts")
	assert.NotContains(t, delta.Changes, "flags")
}

func TestApplyDeltaRoundTrip(t *testing.T) {
	oldState := baseState()
	newState := oldState.Clone()
	newState.Version = 4
	newState.Phase = "finished"
	newState.PileCounts["table"] = 0
	newState.Scores["alice"] = 7
	newState.Flags["lastRound"] = true

	delta := ComputeDelta(oldState, newState)
	applied, err := ApplyDelta(oldState, delta)
	require.NoError(t, err)

	assert.Equal(t, newState.Version, applied.Version)
	assert.Equal(t, checksum.Compute(newState), checksum.Compute(applied))
	assert.True(t, checksum.Validate(applied, delta.Checksum))
}

func TestApplyDeltaRejectsWrongBase(t *testing.T) {
	oldState := baseState()
	newState := oldState.Clone()
	newState.Version = 4
	newState.TurnOwner = "bob"
	delta := ComputeDelta(oldState, newState)

	stale := oldState.Clone()
	stale.Version = 2

	_, err := ApplyDelta(stale, delta)
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindVersionGap, syncErrors.KindOf(err))
}

func TestComputeDeltaIdenticalStates(t *testing.T) {
	oldState := baseState()
	newState := oldState.Clone()
	newState.Version = 4

	delta := ComputeDelta(oldState, newState)
	assert.Empty(t, delta.Changes)

	applied, err := ApplyDelta(oldState, delta)
	require.NoError(t, err)
	assert.Equal(t, int64(4), applied.Version)
}
