package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

// Record is a persisted delivery outcome.
type Record struct {
	ID           string        `json:"id"`
	CaregiverKey string        `json:"caregiver_key"`
	Outcome      nudge.Outcome `json:"outcome"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Query selects records for the reporting surface. An empty CaregiverKey
// matches every caregiver; a Limit of zero or less returns all matches.
type Query struct {
	CaregiverKey string
	Limit        int
}

// Outcomes is an append-only outcome log readable newest-first.
type Outcomes interface {
	nudge.Sink
	List(ctx context.Context, q Query) ([]Record, error)
}

// Preferences is a writable preference source.
type Preferences interface {
	nudge.PreferenceSource
	PutPreference(ctx context.Context, p nudge.Preference) error
}

// newID returns a time-ordered record id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Memory is a thread-safe in-memory outcome log. Records older than the
// retention window are dropped by Evict, which Run calls periodically.
// A zero retention keeps records forever.
type Memory struct {
	mu        sync.RWMutex
	records   []Record // append order, oldest first
	retention time.Duration
	now       func() time.Time // injectable for deterministic tests
	newID     func() string
}

// NewMemory creates a Memory store with the given retention.
func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		retention: retention,
		now:       time.Now,
		newID:     newID,
	}
}

// Append stores o as a new record. Records keep their append order.
func (m *Memory) Append(_ context.Context, o nudge.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Record{
		ID:           m.newID(),
		CaregiverKey: o.Job.PreferenceKey,
		Outcome:      o,
		CreatedAt:    m.now().UTC(),
	})
	return nil
}

// List returns matching records, most recently appended first.
func (m *Memory) List(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, min(len(m.records), max(q.Limit, 0)))
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if q.CaregiverKey != "" && r.CaregiverKey != q.CaregiverKey {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of records currently held.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Evict removes records created at or before now minus the retention window.
// It returns the number of records removed.
func (m *Memory) Evict(now time.Time) int {
	if m.retention <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.retention)
	kept := m.records[:0]
	for _, r := range m.records {
		if r.CreatedAt.After(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(m.records) - len(kept)
	for i := len(kept); i < len(m.records); i++ {
		m.records[i] = Record{}
	}
	m.records = kept
	return removed
}

// Run starts the retention loop. It ticks at half the retention window
// (minimum 1 second) and blocks until ctx is cancelled. With no retention
// configured it returns immediately.
func (m *Memory) Run(ctx context.Context) {
	if m.retention <= 0 {
		return
	}
	runEvery(ctx, m.retention/2, func(now time.Time) {
		if n := m.Evict(now); n > 0 {
			slog.Debug("store: evicted expired outcomes", "count", n)
		}
	})
}

func runEvery(ctx context.Context, interval time.Duration, fn func(time.Time)) {
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			fn(now)
		}
	}
}
