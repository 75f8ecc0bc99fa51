package conflict

import (
	"sync"
	"time"
)

// Record captures one resolution outcome for audit: which actions were
// accepted, which were rejected and by whom.
type Record struct {
	SessionID  string      `json:"sessionId"`
	Timestamp  time.Time   `json:"timestamp"`
	Accepted   []string    `json:"accepted"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

const defaultAuditLimit = 256

// AuditLog is a bounded in-memory ring of resolution records. Oldest records
// are dropped once the limit is reached.
type AuditLog struct {
	mu      sync.Mutex
	records []Record
	limit   int
}

// NewAuditLog creates a log retaining up to limit records (a default bound
// when limit <= 0).
func NewAuditLog(limit int) *AuditLog {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	return &AuditLog{limit: limit}
}

// Record appends a resolution record, evicting the oldest past the bound.
func (l *AuditLog) Record(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if len(l.records) > l.limit {
		l.records = l.records[len(l.records)-l.limit:]
	}
}

// BySession returns the records for one session, oldest first.
func (l *AuditLog) BySession(sessionID string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, rec := range l.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of retained records.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
