// Package ledger keeps a bounded in-memory history of recent delivery
// outcomes. It backs the health endpoint only and is not persisted.
package ledger

import (
	"sync"
	"time"
)

// maxEntries caps the history; the oldest entry is evicted first.
const maxEntries = 50

// Status is the terminal outcome of one delivery (retries included).
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Entry records one completed delivery attempt. Entries are never mutated
// after creation.
type Entry struct {
	ID          string
	Destination string
	Key         string
	Preview     string
	Timestamp   time.Time
	Status      Status
	Error       string
}

// Ledger is safe for concurrent use. Appends happen in dispatch-completion
// order, which may differ from request receipt order.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Ledger {
	return &Ledger{}
}

// Record appends an entry, evicting from the front while over capacity.
func (l *Ledger) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > maxEntries {
		l.entries = l.entries[len(l.entries)-maxEntries:]
	}
}

// RecentCount reports how many recorded deliveries have a timestamp within
// [now-window, now].
func (l *Ledger) RecentCount(window time.Duration, now time.Time) int {
	cutoff := now.Add(-window)
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, e := range l.entries {
		if !e.Timestamp.Before(cutoff) && !e.Timestamp.After(now) {
			count++
		}
	}
	return count
}

// Snapshot returns a copy of the retained entries, oldest first.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
