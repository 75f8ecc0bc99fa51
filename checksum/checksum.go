// Package checksum computes the canonical state digest used for desync
// detection. Server and client implementations must agree byte-for-byte on
// the projection, key ordering, and number formatting; any divergence shows
// up as a false-positive desync on every update.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	gamesync "github.com/cardroom/go-game-sync"
)

// projection is the fixed canonical field set. Maps marshal with keys in
// sorted order and counts are plain integers, so the serialized form is
// stable across processes.
type projection struct {
	Version    int64           `json:"version"`
	Phase      string          `json:"phase"`
	TurnOwner  string          `json:"turnOwner"`
	PileCounts map[string]int  `json:"pileCounts"`
	Scores     map[string]int  `json:"scores"`
	Flags      map[string]bool `json:"flags"`
}

// Compute returns the lowercase hex SHA-256 digest of the canonical
// projection of state. It is a pure function of the canonical fields.
func Compute(state *gamesync.GameState) string {
	p := projection{
		Version:    state.Version,
		Phase:      state.Phase,
		TurnOwner:  state.TurnOwner,
		PileCounts: state.PileCounts,
		Scores:     state.Scores,
		Flags:      state.Flags,
	}
	if p.PileCounts == nil {
		p.PileCounts = map[string]int{}
	}
	if p.Scores == nil {
		p.Scores = map[string]int{}
	}
	if p.Flags == nil {
		p.Flags = map[string]bool{}
	}
	// Marshal cannot fail for this shape.
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate recomputes the digest and compares it to expected.
func Validate(state *gamesync.GameState, expected string) bool {
	return Compute(state) == expected
}

// PayloadDigest hashes an opaque action payload for event integrity.
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
