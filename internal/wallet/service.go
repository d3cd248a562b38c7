package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kizuna-ai-lab/sokuji/internal/idgen"
	"github.com/kizuna-ai-lab/sokuji/internal/logging"
	"github.com/kizuna-ai-lab/sokuji/internal/metrics"
	"github.com/kizuna-ai-lab/sokuji/internal/pagination"
	"github.com/kizuna-ai-lab/sokuji/internal/traces"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
	usageWindow         = 30 * 24 * time.Hour
)

// ErrInvalidCursor is returned by GetHistory for a malformed page cursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// ErrMissingEventID is returned when an idempotent operation has no event id.
var ErrMissingEventID = errors.New("external event id required")

// Service owns all balance-mutation invariants.
type Service struct {
	store  Store
	cache  BalanceCache
	usage  UsageSink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the read-through balance cache.
func WithCache(c BalanceCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithUsageSink routes detailed usage records to an analytics sink.
func WithUsageSink(u UsageSink) Option {
	return func(s *Service) { s.usage = u }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a wallet service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MintTokens converts a verified payment into tokens. A repeated
// ExternalEventID succeeds with Minted=0 and Duplicate=true.
func (s *Service) MintTokens(ctx context.Context, req MintRequest) (*MintResult, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.MintTokens",
		traces.Subject(req.Subject.Type, req.Subject.ID),
		traces.PlanID(req.PlanID),
		traces.EventID(req.ExternalEventID),
	)
	defer span.End()

	if err := req.Subject.Validate(); err != nil {
		return nil, err
	}
	if req.ExternalEventID == "" {
		return nil, ErrMissingEventID
	}

	plan, err := s.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		if !errors.Is(err, ErrPlanNotFound) {
			traces.RecordError(span, err)
			err = fmt.Errorf("mint: load plan: %w", err)
		}
		s.count("mint", err)
		return nil, err
	}

	tokens := TokensForPayment(plan, req.AmountCents)
	span.SetAttributes(traces.Tokens(tokens))
	if tokens <= 0 {
		s.count("mint", nil)
		return &MintResult{Minted: 0}, nil
	}

	ref := req.ReferenceID
	if ref == "" {
		ref = req.ExternalEventID
	}
	entry := &LedgerEntry{
		ID:              idgen.WithPrefix("le_"),
		Subject:         req.Subject,
		AmountTokens:    tokens,
		EventType:       EventMint,
		ReferenceType:   RefPayment,
		ReferenceID:     ref,
		ExternalEventID: req.ExternalEventID,
		PlanID:          plan.PlanID,
		Description:     fmt.Sprintf("Token mint from %s payment ($%.2f)", plan.PlanID, float64(req.AmountCents)/100),
		Metadata:        req.Metadata,
		CreatedAt:       s.now(),
	}

	balance, err := s.store.Credit(ctx, entry, entitlementFor(req.Subject, plan.PlanID), true)
	if errors.Is(err, ErrDuplicateEvent) {
		s.count("mint", ErrDuplicateEvent)
		logging.L(ctx).Info("mint skipped, event already applied",
			"subject", req.Subject.String(), "event_id", req.ExternalEventID)
		return &MintResult{Minted: 0, Duplicate: true}, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		s.count("mint", err)
		return nil, fmt.Errorf("mint: %w", err)
	}

	s.invalidate(ctx, req.Subject)
	s.count("mint", nil)
	metrics.TokensMintedTotal.Add(float64(tokens))
	logging.L(ctx).Info("tokens minted",
		"subject", req.Subject.String(), "plan", plan.PlanID,
		"amount_cents", req.AmountCents, "tokens", tokens, "balance", balance)

	return &MintResult{Minted: tokens, Balance: balance}, nil
}

// TopUp credits a one-off purchase at TopUpTokensPerDollar. Idempotent on
// externalEventID like MintTokens.
func (s *Service) TopUp(ctx context.Context, subject Subject, amountCents int64, externalEventID string, metadata map[string]any) (*MintResult, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.TopUp",
		traces.Subject(subject.Type, subject.ID), traces.EventID(externalEventID))
	defer span.End()

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if externalEventID == "" {
		return nil, ErrMissingEventID
	}
	tokens := TokensForTopUp(amountCents)
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}

	entry := &LedgerEntry{
		ID:              idgen.WithPrefix("le_"),
		Subject:         subject,
		AmountTokens:    tokens,
		EventType:       EventMint,
		ReferenceType:   RefTopUp,
		ReferenceID:     externalEventID,
		ExternalEventID: externalEventID,
		Description:     fmt.Sprintf("Wallet top-up ($%.2f)", float64(amountCents)/100),
		Metadata:        metadata,
		CreatedAt:       s.now(),
	}
	balance, err := s.store.Credit(ctx, entry, nil, true)
	if errors.Is(err, ErrDuplicateEvent) {
		s.count("topup", ErrDuplicateEvent)
		return &MintResult{Duplicate: true}, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		s.count("topup", err)
		return nil, fmt.Errorf("top-up: %w", err)
	}

	s.invalidate(ctx, subject)
	s.count("topup", nil)
	metrics.TokensMintedTotal.Add(float64(tokens))
	return &MintResult{Minted: tokens, Balance: balance}, nil
}

// UseTokens deducts tokens with a single conditional update. When nothing
// changed it reports why: ErrWalletNotFound, ErrWalletFrozen, or an
// *InsufficientBalanceError carrying the remaining balance.
func (s *Service) UseTokens(ctx context.Context, subject Subject, tokens int64, details UsageDetails) (*UseResult, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.UseTokens",
		traces.Subject(subject.Type, subject.ID), traces.Tokens(tokens), traces.Provider(details.Provider))
	defer span.End()

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if tokens <= 0 {
		s.count("use", ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}

	ref := details.SessionID
	if ref == "" {
		ref = details.RequestID
	}
	desc := "API usage"
	if details.Provider != "" && details.Model != "" {
		desc = details.Provider + "/" + details.Model + " API usage"
	}
	entry := &LedgerEntry{
		ID:            idgen.WithPrefix("le_"),
		Subject:       subject,
		AmountTokens:  -tokens,
		EventType:     EventUse,
		ReferenceType: RefUsage,
		ReferenceID:   ref,
		Description:   desc,
		Metadata:      usageMetadata(details),
		CreatedAt:     s.now(),
	}

	remaining, ok, err := s.store.Deduct(ctx, entry)
	if err != nil {
		traces.RecordError(span, err)
		s.count("use", err)
		return nil, fmt.Errorf("use: %w", err)
	}
	if !ok {
		err := s.explainRefusal(ctx, subject, tokens)
		s.count("use", err)
		return nil, err
	}

	s.invalidate(ctx, subject)
	s.count("use", nil)
	provider := details.Provider
	if provider == "" {
		provider = "unknown"
	}
	metrics.TokensUsedTotal.WithLabelValues(provider).Add(float64(tokens))

	if s.usage != nil && details.Provider != "" && details.Model != "" {
		s.usage.Record(&UsageLog{
			Subject:        subject,
			Provider:       details.Provider,
			Model:          details.Model,
			Endpoint:       details.Endpoint,
			Method:         details.Method,
			InputTokens:    details.InputTokens,
			OutputTokens:   details.OutputTokens,
			TotalTokens:    tokens,
			SessionID:      details.SessionID,
			RequestID:      details.RequestID,
			ResponseID:     details.ResponseID,
			ConversationID: details.ConversationID,
			LedgerID:       entry.ID,
			Metadata:       details.Metadata,
			CreatedAt:      entry.CreatedAt,
		})
	}

	return &UseResult{Remaining: remaining, LedgerID: entry.ID}, nil
}

// explainRefusal disambiguates a deduction that changed no rows.
func (s *Service) explainRefusal(ctx context.Context, subject Subject, tokens int64) error {
	w, err := s.store.GetWallet(ctx, subject)
	if errors.Is(err, ErrWalletNotFound) {
		return ErrWalletNotFound
	}
	if err != nil {
		return fmt.Errorf("use: read wallet: %w", err)
	}
	if w.Frozen {
		return ErrWalletFrozen
	}
	return &InsufficientBalanceError{Remaining: w.BalanceTokens, Requested: tokens}
}

// RefundTokens always decrements the balance and freezes the wallet when the
// result goes negative. Idempotent on externalEventID.
func (s *Service) RefundTokens(ctx context.Context, subject Subject, tokens int64, externalEventID string) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.RefundTokens",
		traces.Subject(subject.Type, subject.ID), traces.Tokens(tokens), traces.EventID(externalEventID))
	defer span.End()

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}
	if externalEventID == "" {
		return nil, ErrMissingEventID
	}

	entry := &LedgerEntry{
		ID:              idgen.WithPrefix("le_"),
		Subject:         subject,
		AmountTokens:    -tokens,
		EventType:       EventRefund,
		ReferenceType:   RefRefund,
		ReferenceID:     externalEventID,
		ExternalEventID: externalEventID,
		Description:     fmt.Sprintf("Refund of %d tokens", tokens),
		CreatedAt:       s.now(),
	}
	balance, frozen, err := s.store.Debit(ctx, entry, true)
	if errors.Is(err, ErrDuplicateEvent) {
		s.count("refund", ErrDuplicateEvent)
		return &RefundResult{Duplicate: true}, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		s.count("refund", err)
		return nil, fmt.Errorf("refund: %w", err)
	}

	s.invalidate(ctx, subject)
	s.count("refund", nil)
	if frozen {
		logging.L(ctx).Warn("wallet frozen by refund", "subject", subject.String(), "balance", balance)
	}
	return &RefundResult{Tokens: tokens, Balance: balance, Frozen: frozen}, nil
}

// RefundCharge takes back tokens for a payment whose refunded total is now
// totalTokens. Partial refunds of one charge arrive as separate events
// carrying the running total, so only the part not yet refunded against
// chargeID is debited. Freezes the wallet when the balance goes negative.
func (s *Service) RefundCharge(ctx context.Context, subject Subject, chargeID string, totalTokens int64, externalEventID string) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.RefundCharge",
		traces.Subject(subject.Type, subject.ID), traces.Tokens(totalTokens), traces.EventID(externalEventID))
	defer span.End()

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if totalTokens <= 0 || chargeID == "" {
		return nil, ErrInvalidAmount
	}
	if externalEventID == "" {
		return nil, ErrMissingEventID
	}

	entry := &LedgerEntry{
		ID:              idgen.WithPrefix("le_"),
		Subject:         subject,
		EventType:       EventRefund,
		ReferenceType:   RefCharge,
		ReferenceID:     chargeID,
		ExternalEventID: externalEventID,
		Description:     "Refund of charge " + chargeID,
		CreatedAt:       s.now(),
	}
	balance, frozen, applied, err := s.store.DebitToTotal(ctx, entry, totalTokens)
	if errors.Is(err, ErrDuplicateEvent) {
		s.count("refund", ErrDuplicateEvent)
		return &RefundResult{Duplicate: true}, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		s.count("refund", err)
		return nil, fmt.Errorf("refund charge: %w", err)
	}

	if applied > 0 {
		s.invalidate(ctx, subject)
	}
	s.count("refund", nil)
	if frozen && applied > 0 {
		logging.L(ctx).Warn("wallet frozen by refund", "subject", subject.String(), "balance", balance)
	}
	return &RefundResult{Tokens: applied, Balance: balance, Frozen: frozen}, nil
}

// AdjustTokens applies a signed administrative correction. A non-empty
// externalEventID makes it idempotent.
func (s *Service) AdjustTokens(ctx context.Context, subject Subject, delta int64, reason, externalEventID string) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.AdjustTokens",
		traces.Subject(subject.Type, subject.ID), traces.Tokens(delta))
	defer span.End()

	if err := subject.Validate(); err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, ErrInvalidAmount
	}
	if reason == "" {
		reason = "Administrative adjustment"
	}

	entry := &LedgerEntry{
		ID:              idgen.WithPrefix("le_"),
		Subject:         subject,
		AmountTokens:    delta,
		EventType:       EventAdjust,
		ReferenceType:   RefAdmin,
		ExternalEventID: externalEventID,
		Description:     reason,
		CreatedAt:       s.now(),
	}

	var balance int64
	var err error
	if delta > 0 {
		balance, err = s.store.Credit(ctx, entry, nil, false)
	} else {
		balance, _, err = s.store.Debit(ctx, entry, false)
	}
	if err != nil {
		s.count("adjust", err)
		if errors.Is(err, ErrDuplicateEvent) {
			return 0, err
		}
		traces.RecordError(span, err)
		return 0, fmt.Errorf("adjust: %w", err)
	}

	s.invalidate(ctx, subject)
	s.count("adjust", nil)
	logging.L(ctx).Info("wallet adjusted", "subject", subject.String(), "delta", delta, "balance", balance)
	return balance, nil
}

// EnsureWallet creates the wallet with planID's quota as its opening grant
// and the plan's entitlement. It is a no-op when the wallet exists.
func (s *Service) EnsureWallet(ctx context.Context, subject Subject, planID string) (bool, error) {
	if err := subject.Validate(); err != nil {
		return false, err
	}
	if planID == "" {
		planID = DefaultPlanID
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return false, err
	}

	var grant *LedgerEntry
	if plan.MonthlyQuotaTokens > 0 {
		grant = &LedgerEntry{
			ID:              idgen.WithPrefix("le_"),
			Subject:         subject,
			AmountTokens:    plan.MonthlyQuotaTokens,
			EventType:       EventMint,
			ReferenceType:   RefRegistration,
			ReferenceID:     subject.ID,
			ExternalEventID: "registration:" + subject.String(),
			PlanID:          plan.PlanID,
			Description:     fmt.Sprintf("Initial %s allocation", plan.PlanID),
			CreatedAt:       s.now(),
		}
	}

	created, err := s.store.CreateWallet(ctx, grant, entitlementFor(subject, plan.PlanID))
	if err != nil {
		return false, fmt.Errorf("ensure wallet: %w", err)
	}
	if created {
		s.invalidate(ctx, subject)
		if grant != nil {
			metrics.TokensMintedTotal.Add(float64(grant.AmountTokens))
		}
		logging.L(ctx).Info("wallet created", "subject", subject.String(), "plan", plan.PlanID)
	}
	return created, nil
}

// GetBalance returns the wallet joined with its entitlement. A missing
// wallet yields a synthesized free-plan default; no row is created.
func (s *Service) GetBalance(ctx context.Context, subject Subject) (*Balance, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}

	if s.cache != nil {
		bal, ok, err := s.cache.Get(ctx, subject)
		switch {
		case err != nil:
			metrics.BalanceCacheRequests.WithLabelValues("error").Inc()
			logging.L(ctx).Warn("balance cache read failed", "subject", subject.String(), "error", err)
		case ok:
			metrics.BalanceCacheRequests.WithLabelValues("hit").Inc()
			return bal, nil
		default:
			metrics.BalanceCacheRequests.WithLabelValues("miss").Inc()
		}
	}

	bal, err := s.store.GetBalance(ctx, subject)
	if errors.Is(err, ErrWalletNotFound) {
		bal = defaultBalance(subject)
	} else if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, subject, bal); err != nil {
			logging.L(ctx).Warn("balance cache write failed", "subject", subject.String(), "error", err)
		}
	}
	return bal, nil
}

// SetFrozenStatus flips the frozen flag unconditionally.
func (s *Service) SetFrozenStatus(ctx context.Context, subject Subject, frozen bool) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	if err := s.store.SetFrozen(ctx, subject, frozen); err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return err
		}
		return fmt.Errorf("set frozen: %w", err)
	}
	s.invalidate(ctx, subject)
	logging.L(ctx).Info("wallet frozen status changed", "subject", subject.String(), "frozen", frozen)
	return nil
}

// UpdateEntitlements upserts the entitlement derived from planID's feature row.
func (s *Service) UpdateEntitlements(ctx context.Context, subject Subject, planID string) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	if planID == "" {
		planID = DefaultPlanID
	}
	if err := s.store.UpsertEntitlement(ctx, entitlementFor(subject, planID)); err != nil {
		return fmt.Errorf("update entitlements: %w", err)
	}
	s.invalidate(ctx, subject)
	return nil
}

// GetUsageStats sums |use| entries over the trailing 30 days.
func (s *Service) GetUsageStats(ctx context.Context, subject Subject) (*UsageStats, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	used, err := s.store.SumUsage(ctx, subject, s.now().Add(-usageWindow))
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}

	stats := &UsageStats{Subject: subject, Last30DaysUsage: used, PlanID: DefaultPlanID}
	bal, err := s.store.GetBalance(ctx, subject)
	switch {
	case err == nil:
		stats.Balance = bal.BalanceTokens
		stats.PlanID = bal.PlanID
	case !errors.Is(err, ErrWalletNotFound):
		return nil, fmt.Errorf("usage stats: %w", err)
	}

	plan, err := s.store.GetPlan(ctx, stats.PlanID)
	switch {
	case err == nil:
		stats.MonthlyQuota = plan.MonthlyQuotaTokens
	case !errors.Is(err, ErrPlanNotFound):
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	return stats, nil
}

// GetHistory returns one page of ledger entries, most recent first.
// limit defaults to 100 and is clamped to [1, 1000].
func (s *Service) GetHistory(ctx context.Context, subject Subject, limit int, cursor string) (*HistoryPage, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	after, err := pagination.Decode(subject.String(), cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	entries, err := s.store.History(ctx, subject, limit+1, after)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	page, next, more := pagination.Page(entries, limit, subject.String(), func(e *LedgerEntry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if page == nil {
		page = []*LedgerEntry{}
	}
	return &HistoryPage{Entries: page, NextCursor: next, HasMore: more}, nil
}

// ListPlans returns the plan catalog.
func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	return s.store.ListPlans(ctx)
}

// QuoteTokens reports what a payment of amountCents on planID would mint.
// An empty plan prices at the top-up rate.
func (s *Service) QuoteTokens(ctx context.Context, planID string, amountCents int64) (int64, error) {
	if planID == "" {
		return TokensForTopUp(amountCents), nil
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return 0, err
	}
	return TokensForPayment(plan, amountCents), nil
}

// FindMismatches lists wallets whose balance differs from their ledger sum.
func (s *Service) FindMismatches(ctx context.Context, limit int) ([]*Mismatch, error) {
	return s.store.FindMismatches(ctx, limit)
}

func (s *Service) invalidate(ctx context.Context, subject Subject) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, subject); err != nil {
		logging.L(ctx).Warn("balance cache invalidation failed", "subject", subject.String(), "error", err)
	}
}

func (s *Service) count(op string, err error) {
	metrics.WalletOperationsTotal.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	var insufficient *InsufficientBalanceError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	case errors.As(err, &insufficient), errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrWalletFrozen):
		return "frozen"
	case errors.Is(err, ErrWalletNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrPlanNotFound):
		return "invalid"
	default:
		return "error"
	}
}

func usageMetadata(d UsageDetails) map[string]any {
	md := make(map[string]any, len(d.Metadata)+8)
	for k, v := range d.Metadata {
		md[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set("provider", d.Provider)
	set("model", d.Model)
	set("endpoint", d.Endpoint)
	set("sessionId", d.SessionID)
	set("requestId", d.RequestID)
	set("responseId", d.ResponseID)
	set("conversationId", d.ConversationID)
	if d.InputTokens > 0 {
		md["inputTokens"] = d.InputTokens
	}
	if d.OutputTokens > 0 {
		md["outputTokens"] = d.OutputTokens
	}
	return md
}
