// Package provider implements best-effort failover across LLM backend
// candidates. A failed candidate is skipped for the remainder of the same
// logical request and becomes eligible again once the failed set is reset.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"agentfleet/log"
)

var (
	// ErrNoCandidates means discovery produced no usable candidates at all.
	ErrNoCandidates = errors.New("no providers configured")
	// ErrNoCapacity means no candidate can service the request size.
	ErrNoCapacity = errors.New("no provider can service this request size")
	// ErrAllProvidersFailed means the full rotation was exhausted.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// Candidate describes one backend: its advertised input capacity, whether
// credentials are present, and how to invoke it. The selector interprets the
// invocation result only as success or failure.
type Candidate struct {
	Name           string
	MaxInputTokens int
	Credential     string
	Invoke         func(ctx context.Context, req interface{}) (interface{}, error)
}

// Discovery produces the configured candidates. It is consulted once per
// selection call so configuration changes are picked up between requests.
type Discovery func() []Candidate

// Selector rotates across candidates with a process-local failed set. The
// failed set persists across calls for the lifetime of the selector and is
// reset whenever a rotation exhausts the whole pool, so a flapping backend
// cannot be locked out permanently.
type Selector struct {
	discover Discovery
	bestTier string

	mu     sync.Mutex
	failed map[string]bool
}

// NewSelector creates a selector. bestTier names the candidate preferred when
// callers ask for the best available backend; it may be empty.
func NewSelector(discover Discovery, bestTier string) *Selector {
	return &Selector{
		discover: discover,
		bestTier: bestTier,
		failed:   make(map[string]bool),
	}
}

// SelectAndInvoke picks a candidate and invokes it, rotating to the next
// suitable candidate on failure. requiredTokens of zero skips the capacity
// filter. exclude names candidates the caller wants skipped for this call.
func (s *Selector) SelectAndInvoke(ctx context.Context, req interface{}, requiredTokens int, preferBest bool, exclude ...string) (interface{}, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	var pool []Candidate
	for _, c := range s.discover() {
		if excluded[c.Name] || c.Credential == "" {
			continue
		}
		pool = append(pool, c)
	}
	if len(pool) == 0 {
		return nil, ErrNoCandidates
	}

	if requiredTokens > 0 {
		suitable := pool[:0]
		for _, c := range pool {
			if c.MaxInputTokens >= requiredTokens {
				suitable = append(suitable, c)
			}
		}
		pool = suitable
		if len(pool) == 0 {
			return nil, fmt.Errorf("%w: need %d tokens", ErrNoCapacity, requiredTokens)
		}
	}

	var lastErr error
	for len(pool) > 0 {
		idx := s.choose(pool, preferBest)
		c := pool[idx]

		result, err := c.Invoke(ctx, req)
		if err == nil {
			s.mu.Lock()
			delete(s.failed, c.Name)
			s.mu.Unlock()
			return result, nil
		}

		log.WarningLog.Printf("provider %s failed, rotating: %v", c.Name, err)
		lastErr = err
		s.mu.Lock()
		s.failed[c.Name] = true
		s.mu.Unlock()
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	// Full rotation exhausted: reset failure state so the next independent
	// request starts from a clean slate.
	s.mu.Lock()
	s.failed = make(map[string]bool)
	s.mu.Unlock()

	return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}

// choose returns the index of the candidate to try next: the best-tier
// candidate when preferred, suitable and not known-failed, otherwise the one
// with the smallest capacity limit. Smaller backends are spent first so
// larger-capacity providers stay available for larger requests.
func (s *Selector) choose(pool []Candidate, preferBest bool) int {
	if preferBest && s.bestTier != "" {
		s.mu.Lock()
		bestFailed := s.failed[s.bestTier]
		s.mu.Unlock()
		if !bestFailed {
			for i, c := range pool {
				if c.Name == s.bestTier {
					return i
				}
			}
		}
	}

	idx := 0
	for i := 1; i < len(pool); i++ {
		if pool[i].MaxInputTokens < pool[idx].MaxInputTokens ||
			(pool[i].MaxInputTokens == pool[idx].MaxInputTokens && pool[i].Name < pool[idx].Name) {
			idx = i
		}
	}
	return idx
}

// Failed returns the names currently in the failed set, sorted for stable
// reporting.
func (s *Selector) Failed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.failed))
	for name := range s.failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
