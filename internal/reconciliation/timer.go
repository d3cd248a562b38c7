package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer is given a non-positive interval.
const DefaultInterval = 5 * time.Minute

// Timer runs the Runner on a fixed interval until stopped. Stop waits for an
// in-progress run so shutdown never races a ledger scan.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	quit    chan struct{}
	exited  chan struct{}
	once    sync.Once
	started atomic.Bool
	active  atomic.Bool
}

func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Running reports whether the loop is live.
func (t *Timer) Running() bool {
	return t.active.Load()
}

// Start blocks until ctx is done or Stop is called. Only the first call runs
// the loop; later calls return immediately.
func (t *Timer) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	defer close(t.exited)
	t.active.Store(true)
	defer t.active.Store(false)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.quit:
			return
		case <-tick.C:
			t.runOnce(ctx)
		}
	}
}

// Stop ends the loop and waits for it to exit. Safe to call more than once
// and before Start.
func (t *Timer) Stop() {
	t.once.Do(func() { close(t.quit) })
	if t.started.Load() {
		<-t.exited
	}
}

func (t *Timer) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation run panicked", "panic", fmt.Sprint(r))
		}
	}()
	rep, err := t.runner.Run(ctx)
	if err != nil {
		t.logger.Warn("scheduled reconciliation failed", "error", err)
		return
	}
	if rep.Count > 0 {
		t.logger.Warn("scheduled reconciliation found drift", "wallets", rep.Count, "truncated", rep.Truncated)
	}
}
