package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kizuna-ai-lab/sokuji/internal/idgen"
	"github.com/kizuna-ai-lab/sokuji/internal/logging"
	"github.com/kizuna-ai-lab/sokuji/internal/metrics"
	"github.com/kizuna-ai-lab/sokuji/internal/retry"
	"github.com/kizuna-ai-lab/sokuji/internal/syncutil"
	"github.com/kizuna-ai-lab/sokuji/internal/traces"
)

// Outcomes reported by Process.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
)

// Result describes how a verified delivery was handled.
type Result struct {
	EventID   string
	EventType string
	Outcome   string
	Err       error // handler error when Outcome is failed
}

// Processor runs the webhook pipeline for a set of sources.
type Processor struct {
	store    Store
	wallet   Wallet
	sources  map[string]Source
	logger   *slog.Logger
	now      func() time.Time
	retry    retry.Policy
	inFlight *syncutil.KeyLock
}

// NewProcessor creates a processor. Sources are keyed by Name().
func NewProcessor(store Store, w Wallet, logger *slog.Logger, sources ...Source) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		store:    store,
		wallet:   w,
		sources:  make(map[string]Source, len(sources)),
		logger:   logger,
		now:      time.Now,
		retry:    retry.BestEffort,
		inFlight: syncutil.NewKeyLock(),
	}
	for _, s := range sources {
		p.sources[s.Name()] = s
	}
	return p
}

// HasSource reports whether name is configured.
func (p *Processor) HasSource(name string) bool {
	_, ok := p.sources[name]
	return ok
}

// Process verifies and applies one delivery. The returned error is non-nil
// only when the delivery was rejected before any work (unknown source, bad
// signature, or a processed-set read failure); handler failures come back
// in Result.Err.
func (p *Processor) Process(ctx context.Context, source string, d *Delivery) (*Result, error) {
	src, ok := p.sources[source]
	if !ok {
		return nil, ErrUnknownSource
	}

	ev, err := src.Verify(d.Body, d.Header)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(source, "unknown", "invalid_signature").Inc()
		p.logger.Warn("webhook verification failed", "source", source, "ip", d.IP, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	eventID := DeriveEventID(ev)
	ctx, span := traces.StartSpan(ctx, "webhooks.Process", traces.EventID(eventID), traces.EventType(ev.Type))
	defer span.End()
	log := logging.L(ctx).With("source", source, "event_id", eventID, "event_type", ev.Type)

	res := &Result{EventID: eventID, EventType: ev.Type}
	done := func(outcome string) *Result {
		res.Outcome = outcome
		metrics.WebhookEventsTotal.WithLabelValues(source, ev.Type, outcome).Inc()
		return res
	}

	if !ev.Timestamp.IsZero() && p.now().Sub(ev.Timestamp) > StaleAfter {
		log.Info("rejecting stale webhook event", "event_time", ev.Timestamp)
		return done(OutcomeStale), nil
	}

	// Concurrent redeliveries of one event wait here so only the first runs the handler.
	unlock, err := p.inFlight.Lock(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("wait for in-flight delivery: %w", err)
	}
	defer unlock()

	seen, err := p.store.IsProcessed(ctx, eventID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("check processed: %w", err)
	}
	if seen {
		log.Info("duplicate webhook event")
		return done(OutcomeDuplicate), nil
	}

	auditID := p.openAudit(ctx, src, eventID, ev, d)

	handleErr := src.Handle(ctx, eventID, ev, p.wallet)

	// Marked regardless of the handler result so a permanently failing
	// handler is not redelivered forever.
	p.bestEffort(ctx, "mark processed", func() error {
		return p.store.MarkProcessed(ctx, &ProcessedEvent{
			EventID: eventID, Source: source, EventType: ev.Type, ProcessedAt: p.now(),
		})
	})

	status, msg := StatusSuccess, ""
	if handleErr != nil {
		status, msg = StatusFailed, handleErr.Error()
	}
	if auditID != "" {
		p.bestEffort(ctx, "finish audit", func() error {
			return p.store.FinishAudit(ctx, auditID, status, msg, p.now())
		})
	}

	if handleErr != nil {
		traces.RecordError(span, handleErr)
		log.Error("webhook handler failed", "error", handleErr)
		res.Err = handleErr
		return done(OutcomeFailed), nil
	}
	log.Info("webhook event processed")
	return done(OutcomeProcessed), nil
}

func (p *Processor) openAudit(ctx context.Context, src Source, eventID string, ev *Event, d *Delivery) string {
	subjectID, _, _ := clerkSubjectRules.find(ev.Type, ev.Data)
	if subjectID == "" {
		subjectID, _ = lookupString(ev.Data, "metadata", "user_id")
	}
	entry := &AuditEntry{
		ID:         idgen.WithPrefix("whl_"),
		Source:     src.Name(),
		EventID:    eventID,
		EventType:  ev.Type,
		SubjectID:  subjectID,
		Status:     StatusPending,
		RawPayload: string(d.Body),
		Headers:    src.AuditHeaders(d.Header),
		Signature:  signatureOf(d),
		IPAddress:  d.IP,
		UserAgent:  d.UserAgent,
		CreatedAt:  p.now(),
	}
	ok := p.bestEffort(ctx, "create audit", func() error { return p.store.CreateAudit(ctx, entry) })
	if !ok {
		return ""
	}
	return entry.ID
}

// bestEffort runs a non-authoritative write with retries and only logs failure.
func (p *Processor) bestEffort(ctx context.Context, what string, fn func() error) bool {
	if err := p.retry.Do(ctx, fn); err != nil {
		logging.L(ctx).Warn("webhook bookkeeping failed", "step", what, "error", err)
		return false
	}
	return true
}

// DeriveEventID picks delivery id, then source event id, then type_timestamp.
func DeriveEventID(ev *Event) string {
	switch {
	case ev.DeliveryID != "":
		return ev.DeliveryID
	case ev.ID != "":
		return ev.ID
	case !ev.Timestamp.IsZero():
		return fmt.Sprintf("%s_%d", ev.Type, ev.Timestamp.UnixMilli())
	default:
		return fmt.Sprintf("%s_%d", ev.Type, time.Now().UnixMilli())
	}
}

var signatureHeaders = []string{"svix-signature", "Stripe-Signature"}

func signatureOf(d *Delivery) string {
	for _, h := range signatureHeaders {
		if v := d.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}
