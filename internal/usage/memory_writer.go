package usage

import (
	"context"
	"sync"

	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

// MemoryWriter keeps written batches in memory. Used when no database is
// configured and in tests.
type MemoryWriter struct {
	mu      sync.Mutex
	logs    []*wallet.UsageLog
	batches int
	fail    error
}

// NewMemoryWriter creates an empty writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

// WriteBatch appends logs, or returns the configured failure.
func (m *MemoryWriter) WriteBatch(_ context.Context, logs []*wallet.UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.batches++
	m.logs = append(m.logs, logs...)
	return nil
}

// FailWith makes subsequent writes return err; nil restores success.
func (m *MemoryWriter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Logs returns a snapshot of everything written.
func (m *MemoryWriter) Logs() []*wallet.UsageLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*wallet.UsageLog, len(m.logs))
	copy(out, m.logs)
	return out
}

// Batches returns how many successful writes happened.
func (m *MemoryWriter) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}
