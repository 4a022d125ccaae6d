// Package cache holds finished-session reports so repeated result requests do
// not re-run domain estimation. Entries are keyed by session id and dropped
// explicitly through Invalidate whenever the session is written.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/cat-engine/internal/results"
)

// ReportCache stores generated reports by session id.
type ReportCache interface {
	// Get returns the cached report and whether it was present.
	Get(ctx context.Context, sessionID string) (results.Report, bool, error)
	// Set stores a report.
	Set(ctx context.Context, sessionID string, r results.Report) error
	// Invalidate drops any cached report for the session.
	Invalidate(ctx context.Context, sessionID string) error
}

type memoryEntry struct {
	report  results.Report
	expires time.Time
}

// Memory is an in-process ReportCache with a per-entry TTL.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemory creates an in-process cache. A non-positive ttl keeps entries until invalidated.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// Get implements ReportCache.
func (m *Memory) Get(_ context.Context, sessionID string) (results.Report, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok {
		return results.Report{}, false, nil
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, sessionID)
		return results.Report{}, false, nil
	}
	return e.report, true, nil
}

// Set implements ReportCache.
func (m *Memory) Set(_ context.Context, sessionID string, r results.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{report: r}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.entries[sessionID] = e
	return nil
}

// Invalidate implements ReportCache.
func (m *Memory) Invalidate(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
