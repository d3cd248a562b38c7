// Package reconciliation checks that every wallet's cached balance equals
// the sum of its ledger entries.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

// DefaultLimit caps how many mismatches one run reports.
const DefaultLimit = 100

// MismatchFinder lists wallets whose balance disagrees with their ledger.
type MismatchFinder interface {
	FindMismatches(ctx context.Context, limit int) ([]*wallet.Mismatch, error)
}

// Report is the outcome of one run.
type Report struct {
	Mismatches []*wallet.Mismatch `json:"mismatches"`
	Count      int                `json:"count"`
	Truncated  bool               `json:"truncated"`
	StartedAt  time.Time          `json:"startedAt"`
	Duration   string             `json:"duration"`
}

// Clean reports whether no mismatches were found.
func (r *Report) Clean() bool { return r.Count == 0 }

// Runner executes reconciliation runs and remembers the latest report.
type Runner struct {
	finder MismatchFinder
	limit  int
	logger *slog.Logger

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a runner; limit <= 0 means DefaultLimit.
func NewRunner(finder MismatchFinder, limit int, logger *slog.Logger) *Runner {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{finder: finder, limit: limit, logger: logger}
}

// Run performs one check. Mismatches are logged at error level; they are
// never repaired automatically.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	mismatches, err := r.finder.FindMismatches(ctx, r.limit)
	elapsed := time.Since(start)
	runDuration.Observe(elapsed.Seconds())
	lastRunSeconds.SetToCurrentTime()
	if err != nil {
		observeRun(nil, err)
		return nil, fmt.Errorf("find mismatches: %w", err)
	}
	if mismatches == nil {
		mismatches = []*wallet.Mismatch{}
	}

	rep := &Report{
		Mismatches: mismatches,
		Count:      len(mismatches),
		Truncated:  len(mismatches) >= r.limit,
		StartedAt:  start.UTC(),
		Duration:   elapsed.String(),
	}
	observeRun(rep, nil)

	for _, m := range mismatches {
		r.logger.Error("wallet balance does not match ledger",
			"subject", m.Subject.String(),
			"balance", m.BalanceTokens,
			"ledger_sum", m.LedgerSum,
			"drift", m.BalanceTokens-m.LedgerSum)
	}
	if rep.Clean() {
		r.logger.Debug("reconciliation clean", "duration", elapsed)
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	return rep, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
