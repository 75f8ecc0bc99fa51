package broadcast

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gamesync "github.com/cardroom/go-game-sync"
)

func TestEncodeEnvelopeSmallPayloadUncompressed(t *testing.T) {
	inner := gamesync.SyncRequestMsg{SessionID: "s1", ClientVersion: 3}

	data, err := EncodeEnvelope(gamesync.MsgSyncRequest, inner, 0)
	require.NoError(t, err)

	env, payload, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, gamesync.MsgSyncRequest, env.Type)
	assert.False(t, env.Compressed)

	var decoded gamesync.SyncRequestMsg
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, inner, decoded)
}

func TestEncodeEnvelopeLargePayloadCompressed(t *testing.T) {
	state := gamesync.NewGameState("s1")
	state.Extra = map[string]json.RawMessage{
		"log": json.RawMessage(`"` + strings.Repeat("x", 4096) + `"`),
	}
	inner := gamesync.StateUpdateMsg{Version: 1, State: state}

	data, err := EncodeEnvelope(gamesync.MsgStateUpdate, inner, 0)
	require.NoError(t, err)

	env, payload, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.True(t, env.Compressed)

	var decoded gamesync.StateUpdateMsg
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, state.SessionID, decoded.State.SessionID)
	assert.Equal(t, state.Extra["log"], decoded.State.Extra["log"])
}

func TestEncodeEnvelopeThresholdOverride(t *testing.T) {
	inner := gamesync.SyncRequestMsg{SessionID: strings.Repeat("s", 64)}

	data, err := EncodeEnvelope(gamesync.MsgSyncRequest, inner, 16)
	require.NoError(t, err)

	env, _, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.True(t, env.Compressed)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, _, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, _, err = DecodeEnvelope([]byte(`{"type":"state_update","compressed":true,"data":"bm90IGd6aXA="}`))
	assert.Error(t, err)
}
