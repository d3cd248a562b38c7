// Package usage batches detailed per-call usage records off the billing path.
//
// The Buffer is an actor: one goroutine owns the pending slice and the flush
// ticker, and everything else talks to it over channels. Records are
// best-effort. A failed batch is put back at the front of the queue up to
// MaxBuffer and anything beyond that is dropped and counted.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kizuna-ai-lab/sokuji/internal/idgen"
	"github.com/kizuna-ai-lab/sokuji/internal/metrics"
	"github.com/kizuna-ai-lab/sokuji/internal/retry"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

var (
	ErrNotRunning     = errors.New("usage buffer not running")
	ErrAlreadyStarted = errors.New("usage buffer already started")
)

// Writer persists one batch of usage records in a single write.
type Writer interface {
	WriteBatch(ctx context.Context, logs []*wallet.UsageLog) error
}

// Config bounds the buffer.
type Config struct {
	FlushSize     int
	FlushInterval time.Duration
	MaxBuffer     int
	InboxSize     int
	WriteTimeout  time.Duration
	Retry         retry.Policy
}

// DefaultConfig flushes every 50 records or 30 seconds and keeps at most 500.
func DefaultConfig() Config {
	return Config{
		FlushSize:     50,
		FlushInterval: 30 * time.Second,
		MaxBuffer:     500,
		InboxSize:     1024,
		WriteTimeout:  10 * time.Second,
		Retry:         retry.BestEffort,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushSize <= 0 {
		c.FlushSize = d.FlushSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxBuffer < c.FlushSize {
		c.MaxBuffer = max(d.MaxBuffer, c.FlushSize)
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	return c
}

// Buffer accumulates usage logs and flushes them in batches.
type Buffer struct {
	writer Writer
	ids    *idgen.Sequence
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	inbox chan *wallet.UsageLog
	drain chan chan error
	stop  chan chan error
	done  chan struct{}

	startOnce sync.Once
	started   chan struct{}
}

// NewBuffer creates a stopped buffer. Call Start to run it.
func NewBuffer(writer Writer, ids *idgen.Sequence, cfg Config, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Buffer{
		writer:  writer,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		inbox:   make(chan *wallet.UsageLog, cfg.InboxSize),
		drain:   make(chan chan error),
		stop:    make(chan chan error),
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Record enqueues a usage log without blocking. It satisfies wallet.UsageSink.
func (b *Buffer) Record(l *wallet.UsageLog) {
	if l == nil {
		return
	}
	if l.ID == 0 && b.ids != nil {
		l.ID = b.ids.Next()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = b.now()
	}
	select {
	case b.inbox <- l:
	default:
		metrics.UsageRecordsDropped.Inc()
		b.logger.Warn("usage inbox full, dropping record", "subject", l.Subject.String(), "model", l.Model)
	}
}

// Start launches the actor goroutine. The loop exits on Stop or when ctx is
// cancelled, flushing whatever is pending either way.
func (b *Buffer) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	b.startOnce.Do(func() {
		err = nil
		close(b.started)
		go b.run(ctx)
	})
	return err
}

// Drain flushes everything received so far and reports the write result.
func (b *Buffer) Drain(ctx context.Context) error {
	return b.request(ctx, b.drain)
}

// Stop performs a final drain and terminates the actor.
func (b *Buffer) Stop(ctx context.Context) error {
	err := b.request(ctx, b.stop)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// Done is closed once the actor has exited.
func (b *Buffer) Done() <-chan struct{} { return b.done }

func (b *Buffer) request(ctx context.Context, ch chan chan error) error {
	select {
	case <-b.started:
	default:
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case ch <- reply:
	case <-b.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffer) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	var pending []*wallet.UsageLog

	for {
		select {
		case <-ctx.Done():
			pending = b.absorb(pending)
			b.flush(pending)
			return
		case reply := <-b.stop:
			pending = b.absorb(pending)
			_, err := b.flush(pending)
			reply <- err
			return
		case reply := <-b.drain:
			pending = b.absorb(pending)
			var err error
			pending, err = b.flush(pending)
			reply <- err
		case l := <-b.inbox:
			pending = append(pending, l)
			// after a failed flush, wait for another full batch before retrying
			if len(pending)%b.cfg.FlushSize == 0 {
				pending, _ = b.flush(pending)
			}
		case <-ticker.C:
			pending, _ = b.flush(pending)
		}
		metrics.UsageBufferPending.Set(float64(len(pending)))
	}
}

// absorb moves everything already sitting in the inbox into pending.
func (b *Buffer) absorb(pending []*wallet.UsageLog) []*wallet.UsageLog {
	for {
		select {
		case l := <-b.inbox:
			pending = append(pending, l)
		default:
			return pending
		}
	}
}

// flush writes pending in FlushSize batches. It returns what is left to
// retry later along with the first write error.
func (b *Buffer) flush(pending []*wallet.UsageLog) ([]*wallet.UsageLog, error) {
	var firstErr error
	for len(pending) > 0 {
		n := min(len(pending), b.cfg.FlushSize)
		batch := pending[:n]
		if err := b.write(batch); err != nil {
			firstErr = err
			break
		}
		metrics.UsageRecordsFlushed.Add(float64(n))
		pending = pending[n:]
	}
	if len(pending) > b.cfg.MaxBuffer {
		dropped := len(pending) - b.cfg.MaxBuffer
		metrics.UsageRecordsDropped.Add(float64(dropped))
		b.logger.Error("usage buffer over capacity, dropping records", "dropped", dropped, "kept", b.cfg.MaxBuffer)
		pending = pending[:b.cfg.MaxBuffer]
	}
	if len(pending) == 0 {
		return nil, firstErr
	}
	// copy so the retained slice does not pin flushed records
	return append([]*wallet.UsageLog(nil), pending...), firstErr
}

func (b *Buffer) write(batch []*wallet.UsageLog) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in usage flush", "panic", r)
			err = errors.New("usage writer panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
	defer cancel()

	err = b.cfg.Retry.Do(ctx, func() error {
		return b.writer.WriteBatch(ctx, batch)
	})
	if err != nil {
		b.logger.Warn("usage flush failed", "count", len(batch), "error", err)
	}
	return err
}
