// Package leaktrack keeps bookkeeping over opaque database session handles so
// that sessions left open far longer than any legitimate operation are
// surfaced in statistics. The tracker never closes the underlying resource;
// that remains the responsibility of whatever owns the real connection.
package leaktrack

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"agentfleet/log"
)

// Session is an opaque handle identified by a stable id.
type Session interface {
	SessionID() string
}

type entry struct {
	openedAt time.Time
	origin   string
}

// Stats is a point-in-time snapshot of tracker counters. Overdue is computed
// at call time from entry ages; it is a projection, not a stored flag.
type Stats struct {
	Created   uint64
	Closed    uint64
	Leaked    uint64
	Active    int
	HighWater int
	Overdue   int
}

// Tracker records open sessions and their ages. All methods are safe for
// concurrent use from arbitrary call sites.
type Tracker struct {
	leakThreshold time.Duration
	hardThreshold time.Duration

	mu        sync.Mutex
	entries   map[string]entry
	created   uint64
	closed    uint64
	leaked    uint64
	highWater int
}

// New creates a Tracker. Sessions older than leakThreshold count as overdue
// in Stats; sessions older than hardThreshold are evicted by CleanupLeaked.
func New(leakThreshold, hardThreshold time.Duration) *Tracker {
	return &Tracker{
		leakThreshold: leakThreshold,
		hardThreshold: hardThreshold,
		entries:       make(map[string]entry),
	}
}

// Track records a newly opened session along with the call site that opened
// it, for leak diagnostics.
func (t *Tracker) Track(s Session) {
	origin := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		origin = fmt.Sprintf("%s:%d", file, line)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[s.SessionID()] = entry{openedAt: time.Now(), origin: origin}
	t.created++
	if len(t.entries) > t.highWater {
		t.highWater = len(t.entries)
	}
}

// Untrack marks a session closed and removes its bookkeeping. Untracking an
// unknown session is a no-op.
func (t *Tracker) Untrack(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[s.SessionID()]; !ok {
		return
	}
	delete(t.entries, s.SessionID())
	t.closed++
}

// Stats returns current counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	overdue := 0
	for _, e := range t.entries {
		if now.Sub(e.openedAt) > t.leakThreshold {
			overdue++
		}
	}

	return Stats{
		Created:   t.created,
		Closed:    t.closed,
		Leaked:    t.leaked,
		Active:    len(t.entries),
		HighWater: t.highWater,
		Overdue:   overdue,
	}
}

// CleanupLeaked force-removes bookkeeping for sessions older than the hard
// threshold and returns how many were evicted. The underlying resources are
// not released here; eviction only keeps the tracker bounded and surfaces the
// leak in statistics.
func (t *Tracker) CleanupLeaked() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, e := range t.entries {
		if now.Sub(e.openedAt) > t.hardThreshold {
			log.WarningLog.Printf("evicting leaked session %s open %v, tracked at %s", id, now.Sub(e.openedAt).Round(time.Second), e.origin)
			delete(t.entries, id)
			t.leaked++
			evicted++
		}
	}
	return evicted
}

// ForceCleanupAll clears all bookkeeping regardless of age. It exists for the
// emergency-cleanup cascade and returns how many entries were dropped.
func (t *Tracker) ForceCleanupAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := len(t.entries)
	if dropped > 0 {
		log.WarningLog.Printf("force-clearing %d tracked sessions", dropped)
	}
	t.entries = make(map[string]entry)
	t.leaked += uint64(dropped)
	return dropped
}
