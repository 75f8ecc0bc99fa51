package gamesync

import "errors"

// Sentinel errors shared by DurableStore implementations.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrStoreClosed      = errors.New("store is closed")
)
