// Package monitoring - failure_log.go keeps recent credential failures in memory.
//
// DESIGN: Ring buffer of the latest auth and transient failures reported by
// the pool, shown on /stats so an operator can see which credentials are
// flapping without reading the logs.
package monitoring

import (
	"sync"
	"time"
)

const maxFailureLogEntries = 100

// FailureEntry records one failed upstream attempt charged to a credential.
type FailureEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	CredentialID string    `json:"credential_id"`
	Kind         string    `json:"kind"`
	Message      string    `json:"message,omitempty"`
	Disabled     bool      `json:"disabled"` // this failure took the credential out of rotation
}

// FailureLog keeps a ring buffer of recent credential failures.
type FailureLog struct {
	mu      sync.RWMutex
	entries []FailureEntry
}

// NewFailureLog creates an empty failure log.
func NewFailureLog() *FailureLog {
	return &FailureLog{
		entries: make([]FailureEntry, 0, maxFailureLogEntries),
	}
}

// Record adds a failure, dropping the oldest when full.
func (l *FailureLog) Record(entry FailureEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= maxFailureLogEntries {
		copy(l.entries, l.entries[1:])
		l.entries[len(l.entries)-1] = entry
	} else {
		l.entries = append(l.entries, entry)
	}
}

// Recent returns the most recent n entries, newest first.
func (l *FailureLog) Recent(n int) []FailureEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || len(l.entries) == 0 {
		return nil
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}

	result := make([]FailureEntry, n)
	for i := 0; i < n; i++ {
		result[i] = l.entries[len(l.entries)-1-i]
	}
	return result
}

// ForCredential returns up to n entries of one credential, newest first.
func (l *FailureLog) ForCredential(id string, n int) []FailureEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []FailureEntry
	for i := len(l.entries) - 1; i >= 0 && len(result) < n; i-- {
		if l.entries[i].CredentialID == id {
			result = append(result, l.entries[i])
		}
	}
	return result
}
