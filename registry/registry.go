// Package registry tracks in-flight long-running conversations so they can be
// stopped on demand. Entries are in-memory only and never persisted.
package registry

import (
	"sync"
	"time"

	"agentfleet/log"
)

// Handle is the cancellable execution behind a registered conversation.
type Handle interface {
	// Cancel requests cooperative shutdown.
	Cancel()
	// Finished reports whether the execution has already completed.
	Finished() bool
	// Done is closed when the execution completes.
	Done() <-chan struct{}
}

// Entry describes one registered conversation.
type Entry struct {
	ConversationID string
	UserID         string
	AgentName      string
	StartedAt      time.Time

	handle Handle
}

// ConversationRegistry is safe for concurrent use from arbitrary synchronous
// call sites; it guards its map with a plain mutex and never invokes handle
// callbacks while holding it.
type ConversationRegistry struct {
	grace time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates a registry. grace bounds the wait for cooperative shutdown
// after a cancellation request.
func New(grace time.Duration) *ConversationRegistry {
	return &ConversationRegistry{
		grace:   grace,
		entries: make(map[string]*Entry),
	}
}

// Register stores the conversation and returns its id unchanged. Registering
// an id that is already present replaces the previous entry.
func (r *ConversationRegistry) Register(conversationID, userID, agentName string, h Handle) string {
	r.mu.Lock()
	r.entries[conversationID] = &Entry{
		ConversationID: conversationID,
		UserID:         userID,
		AgentName:      agentName,
		StartedAt:      time.Now(),
		handle:         h,
	}
	r.mu.Unlock()

	log.DebugLog.Printf("registered conversation %s for user %s (agent %s)", conversationID, userID, agentName)
	return conversationID
}

// Stop cancels the conversation and removes it. If userID is non-empty it
// must match the entry's owner; a mismatch fails closed so one user cannot
// cancel another's work. Returns whether an entry was stopped.
func (r *ConversationRegistry) Stop(conversationID, userID string) bool {
	r.mu.Lock()
	e, ok := r.entries[conversationID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if userID != "" && e.UserID != userID {
		r.mu.Unlock()
		log.WarningLog.Printf("user %s attempted to stop conversation %s owned by %s", userID, conversationID, e.UserID)
		return false
	}
	// Remove before cancelling: the entry is no longer our responsibility
	// whether or not the handle acknowledges within the grace window.
	delete(r.entries, conversationID)
	r.mu.Unlock()

	r.cancelAndWait(e)
	return true
}

// StopAllForUser cancels every conversation owned by userID and returns how
// many were stopped.
func (r *ConversationRegistry) StopAllForUser(userID string) int {
	r.mu.Lock()
	var stopped []*Entry
	for id, e := range r.entries {
		if e.UserID == userID {
			stopped = append(stopped, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range stopped {
		r.cancelAndWait(e)
	}
	return len(stopped)
}

// SweepFinished removes entries whose handle already completed on its own and
// returns how many were swept. This is the normal completion path for callers
// that never call Stop.
func (r *ConversationRegistry) SweepFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	for id, e := range r.entries {
		if e.handle.Finished() {
			delete(r.entries, id)
			swept++
		}
	}
	return swept
}

// ActiveCount returns the number of registered conversations.
func (r *ConversationRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of the active entries for reporting.
func (r *ConversationRegistry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// cancelAndWait runs outside the mutex so a cancel callback that re-enters
// the registry cannot deadlock. The wait is bounded: if the grace window
// elapses the caller proceeds as if cancelled even though the work may still
// be unwinding.
func (r *ConversationRegistry) cancelAndWait(e *Entry) {
	e.handle.Cancel()

	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case <-e.handle.Done():
	case <-timer.C:
		log.WarningLog.Printf("conversation %s did not acknowledge cancellation within %v", e.ConversationID, r.grace)
	}
}
