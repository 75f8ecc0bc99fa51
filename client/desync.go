package client

import "sync"

// Verdict classifies a checksum observation.
type Verdict int

const (
	// VerdictOK: checksums matched, counter reset.
	VerdictOK Verdict = iota

	// VerdictWarn: a mismatch below the threshold. Logged and tolerated as
	// a transient race.
	VerdictWarn

	// VerdictDesync: the mismatch threshold was crossed, a version
	// regression was seen, or the server signalled stale/integrity. The
	// caller must discard pending actions and fully resync.
	VerdictDesync
)

// DefaultMismatchThreshold is how many consecutive checksum mismatches are
// tolerated before forcing a resync.
const DefaultMismatchThreshold = 3

// DesyncDetector compares local and server-declared checksums after every
// applied update and decides when divergence stops being transient.
type DesyncDetector struct {
	mu          sync.Mutex
	consecutive int
	threshold   int
	desynced    bool
}

// NewDesyncDetector creates a detector with the given mismatch threshold
// (DefaultMismatchThreshold when <= 0).
func NewDesyncDetector(threshold int) *DesyncDetector {
	if threshold <= 0 {
		threshold = DefaultMismatchThreshold
	}
	return &DesyncDetector{threshold: threshold}
}

// Observe records one checksum comparison.
func (d *DesyncDetector) Observe(match bool) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.desynced {
		return VerdictDesync
	}
	if match {
		d.consecutive = 0
		return VerdictOK
	}
	d.consecutive++
	if d.consecutive >= d.threshold {
		d.desynced = true
		return VerdictDesync
	}
	return VerdictWarn
}

// NoteVersionRegression records a server version lower than the local one.
// Always a desync.
func (d *DesyncDetector) NoteVersionRegression() Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.desynced = true
	return VerdictDesync
}

// NoteProtocolSignal records an explicit stale/integrity signal from the
// server. Always a desync.
func (d *DesyncDetector) NoteProtocolSignal() Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.desynced = true
	return VerdictDesync
}

// Desynced reports whether a forced resync is pending.
func (d *DesyncDetector) Desynced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.desynced
}

// Reset clears the detector after a successful full resync.
func (d *DesyncDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutive = 0
	d.desynced = false
}

// Mismatches returns the current consecutive mismatch count.
func (d *DesyncDetector) Mismatches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consecutive
}
