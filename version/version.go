// Package version tracks and validates the monotonically increasing state
// version of a session. Versions advance by exactly 1 per accepted action,
// inside the same atomic unit that persists the event.
package version

// Status classifies a client version against the server's authoritative one.
type Status string

const (
	// StatusOK: client and server agree.
	StatusOK Status = "ok"

	// StatusStale: the client is exactly one version behind and can accept
	// the incoming delta or a full state.
	StatusStale Status = "stale"

	// StatusAhead: the client claims a version the server never issued.
	// Integrity violation; force a full resync.
	StatusAhead Status = "ahead"

	// StatusGap: the client is more than one version behind. The engine
	// decides between missing-events fetch and full resync based on whether
	// the range survives pruning.
	StatusGap Status = "gap"
)

// Next returns the version the next accepted action will carry. Called
// exactly once per accepted action.
func Next(current int64) int64 {
	return current + 1
}

// Validate compares a client-reported version to the server version.
func Validate(clientVersion, serverVersion int64) Status {
	switch {
	case clientVersion == serverVersion:
		return StatusOK
	case clientVersion > serverVersion:
		return StatusAhead
	case serverVersion-clientVersion > 1:
		return StatusGap
	default:
		return StatusStale
	}
}
