package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	processed map[string]*ProcessedEvent
	audit     map[string]*AuditEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]*ProcessedEvent),
		audit:     make(map[string]*AuditEntry),
	}
}

func (m *MemoryStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, ev *ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[ev.EventID]; !ok {
		cp := *ev
		m.processed[ev.EventID] = &cp
	}
	return nil
}

func (m *MemoryStore) CreateAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.audit[entry.ID] = &cp
	return nil
}

func (m *MemoryStore) FinishAudit(_ context.Context, id, status, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.audit[id]
	if !ok {
		return nil
	}
	e.Status = status
	e.ErrorMessage = errMsg
	e.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, f AuditFilter) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := clampLimit(f.Limit)
	out := make([]*AuditEntry, 0)
	for _, e := range m.audit {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ProcessedCount returns the size of the processed set.
func (m *MemoryStore) ProcessedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processed)
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	default:
		return n
	}
}
