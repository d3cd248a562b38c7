package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu          sync.Mutex
	entries     map[Subject]*Balance
	invalidated int
	failGet     bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[Subject]*Balance)}
}

func (f *fakeCache) Get(_ context.Context, s Subject) (*Balance, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, false, errors.New("cache down")
	}
	b, ok := f.entries[s]
	return b, ok, nil
}

func (f *fakeCache) Set(_ context.Context, s Subject, b *Balance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[s] = b
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, s Subject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, s)
	f.invalidated++
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	logs []*UsageLog
}

func (r *recordingSink) Record(l *UsageLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, opts...), store
}

func mint(t *testing.T, svc *Service, s Subject, plan string, cents int64, eventID string) *MintResult {
	t.Helper()
	res, err := svc.MintTokens(context.Background(), MintRequest{
		Subject: s, PlanID: plan, AmountCents: cents, ExternalEventID: eventID,
	})
	require.NoError(t, err)
	return res
}

func TestMintTokens_FullPrice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := User("u1")

	res := mint(t, svc, u, "starter_plan", 999, "evt_1")
	assert.Equal(t, int64(10_000_000), res.Minted)
	assert.Equal(t, int64(10_000_000), res.Balance)

	bal, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.True(t, bal.Exists)
	assert.Equal(t, "starter_plan", bal.PlanID)
	assert.Equal(t, 120, bal.RateLimitRPM)
	assert.False(t, bal.Frozen)
}

func TestMintTokens_PartialPayment(t *testing.T) {
	svc, _ := newTestService(t)
	res := mint(t, svc, User("u1"), "starter_plan", 499, "evt_partial")
	assert.Equal(t, int64(4_994_994), res.Minted)
}

func TestMintTokens_Idempotent(t *testing.T) {
	svc, store := newTestService(t)
	u := User("u1")

	first := mint(t, svc, u, "starter_plan", 999, "evt_dup")
	second := mint(t, svc, u, "starter_plan", 999, "evt_dup")

	assert.Equal(t, int64(10_000_000), first.Minted)
	assert.Equal(t, int64(0), second.Minted)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, store.LedgerLen())

	bal, err := svc.GetBalance(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal.BalanceTokens)
}

func TestMintTokens_ZeroTokensWritesNothing(t *testing.T) {
	svc, store := newTestService(t)
	res := mint(t, svc, User("u1"), "free_plan", 500, "evt_free")
	assert.Equal(t, int64(0), res.Minted)
	assert.Equal(t, 0, store.LedgerLen())
}

func TestMintTokens_Errors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.MintTokens(ctx, MintRequest{Subject: User("u1"), PlanID: "nope", AmountCents: 100, ExternalEventID: "e"})
	assert.ErrorIs(t, err, ErrPlanNotFound)

	_, err = svc.MintTokens(ctx, MintRequest{Subject: User("u1"), PlanID: "starter_plan", AmountCents: 100})
	assert.ErrorIs(t, err, ErrMissingEventID)

	_, err = svc.MintTokens(ctx, MintRequest{Subject: Subject{}, PlanID: "starter_plan", AmountCents: 100, ExternalEventID: "e"})
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestMintTokens_UnfreezesWallet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := User("u1")

	mint(t, svc, u, "starter_plan", 999, "evt_1")
	require.NoError(t, svc.SetFrozenStatus(ctx, u, true))

	mint(t, svc, u, "starter_plan", 999, "evt_2")
	bal, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.False(t, bal.Frozen)
	assert.Equal(t, int64(20_000_000), bal.BalanceTokens)
}

func TestUseTokens(t *testing.T) {
	sink := &recordingSink{}
	svc, _ := newTestService(t, WithUsageSink(sink))
	ctx := context.Background()
	u := User("u1")
	mint(t, svc, u, "starter_plan", 999, "evt_1")

	res, err := svc.UseTokens(ctx, u, 1500, UsageDetails{
		Provider: "openai", Model: "gpt-4o-realtime-preview", SessionID: "sess_1",
		InputTokens: 1000, OutputTokens: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000-1500), res.Remaining)
	assert.NotEmpty(t, res.LedgerID)

	require.Len(t, sink.logs, 1)
	assert.Equal(t, int64(1500), sink.logs[0].TotalTokens)
	assert.Equal(t, res.LedgerID, sink.logs[0].LedgerID)
	assert.Equal(t, "sess_1", sink.logs[0].SessionID)
}

func TestUseTokens_NoUsageLogWithoutModel(t *testing.T) {
	sink := &recordingSink{}
	svc, _ := newTestService(t, WithUsageSink(sink))
	u := User("u1")
	mint(t, svc, u, "starter_plan", 999, "evt_1")

	_, err := svc.UseTokens(context.Background(), u, 10, UsageDetails{})
	require.NoError(t, err)
	assert.Empty(t, sink.logs)
}

func TestUseTokens_Refusals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := User("u1")

	_, err := svc.UseTokens(ctx, u, 10, UsageDetails{})
	assert.ErrorIs(t, err, ErrWalletNotFound)

	mint(t, svc, u, "starter_plan", 1, "evt_small") // 10,010 tokens

	_, err = svc.UseTokens(ctx, u, 0, UsageDetails{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.UseTokens(ctx, u, -5, UsageDetails{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.UseTokens(ctx, u, 20_000, UsageDetails{})
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10_010), insufficient.Remaining)
	assert.Equal(t, int64(20_000), insufficient.Requested)

	require.NoError(t, svc.SetFrozenStatus(ctx, u, true))
	_, err = svc.UseTokens(ctx, u, 1, UsageDetails{})
	assert.ErrorIs(t, err, ErrWalletFrozen)
}

func TestUseTokens_ConcurrentNeverOverdraws(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := User("u1")

	store.PutPlan(Plan{PlanID: "tiny_plan", PriceCents: 100, MonthlyQuotaTokens: 1000})
	mint(t, svc, u, "tiny_plan", 100, "evt_tiny")

	var wg sync.WaitGroup
	var ok, refused atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UseTokens(ctx, u, 30, UsageDetails{})
			if err == nil {
				ok.Add(1)
				return
			}
			if errors.Is(err, ErrInsufficientBalance) {
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(33), ok.Load())
	assert.Equal(t, int64(17), refused.Load())

	bal, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.BalanceTokens)
}

func TestRefundTokens_FreezesWhenNegative(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := User("u1")

	store.PutPlan(Plan{PlanID: "tiny_plan", PriceCents: 100, MonthlyQuotaTokens: 1000})
	mint(t, svc, u, "tiny_plan", 100, "evt_tiny")
	_, err := svc.UseTokens(ctx, u, 1000, UsageDetails{})
	require.NoError(t, err)

	res, err := svc.RefundTokens(ctx, u, 1, "ch_refund_1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.Balance)
	assert.True(t, res.Frozen)

	dup, err := svc.RefundTokens(ctx, u, 1, "ch_refund_1")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	bal, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), bal.BalanceTokens)
	assert.True(t, bal.Frozen)
}

func TestRefundTokens_StaysUnfrozenWhenPositive(t *testing.T) {
	svc, _ := newTestService(t)
	u := User("u1")
	mint(t, svc, u, "starter_plan", 999, "evt_1")

	res, err := svc.RefundTokens(context.Background(), u, 1_000_000, "re_1")
	require.NoError(t, err)
	assert.Equal(t, int64(9_000_000), res.Balance)
	assert.False(t, res.Frozen)
}

func TestRefundCharge_DebitsOnlyNewPartOfRunningTotal(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := User("u1")
	mint(t, svc, u, "starter_plan", 999, "evt_pay")

	res, err := svc.RefundCharge(ctx, u, "ch_1", 3_000_000, "evt_re_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), res.Tokens)
	assert.Equal(t, int64(7_000_000), res.Balance)

	res, err = svc.RefundCharge(ctx, u, "ch_1", 6_000_000, "evt_re_2")
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), res.Tokens)
	assert.Equal(t, int64(4_000_000), res.Balance)

	// stale total, nothing left to take
	res, err = svc.RefundCharge(ctx, u, "ch_1", 3_000_000, "evt_re_old")
	require.NoError(t, err)
	assert.Zero(t, res.Tokens)
	assert.Equal(t, int64(4_000_000), res.Balance)

	// other charges are tracked separately
	res, err = svc.RefundCharge(ctx, u, "ch_2", 5_000_000, "evt_re_3")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), res.Tokens)
	assert.Equal(t, int64(-1_000_000), res.Balance)
	assert.True(t, res.Frozen)

	mismatches, err := store.FindMismatches(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestRefundCharge_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RefundCharge(ctx, User("u1"), "ch_1", 0, "evt")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.RefundCharge(ctx, User("u1"), "ch_1", 10, "")
	assert.ErrorIs(t, err, ErrMissingEventID)
}

func TestAdjustTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := User("u1")

	balance, err := svc.AdjustTokens(ctx, u, 500, "goodwill credit", "adj_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	balance, err = svc.AdjustTokens(ctx, u, -700, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(-200), balance)

	bal, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.False(t, bal.Frozen, "adjustments never freeze")

	_, err = svc.AdjustTokens(ctx, u, 500, "again", "adj_1")
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	_, err = svc.AdjustTokens(ctx, u, 0, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTopUp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := User("u1")

	res, err := svc.TopUp(ctx, u, 500, "cs_topup_1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), res.Minted)

	dup, err := svc.TopUp(ctx, u, 500, "cs_topup_1", nil)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	_, err = svc.TopUp(ctx, u, 0, "cs_topup_2", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEnsureWallet(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := User("new_user")

	created, err := svc.EnsureWallet(ctx, u, "")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.EnsureWallet(ctx, u, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, store.LedgerLen())

	bal, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), bal.BalanceTokens)
	assert.Equal(t, DefaultPlanID, bal.PlanID)

	_, err = svc.EnsureWallet(ctx, User("x"), "ghost_plan")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestGetBalance_DefaultWithoutWallet(t *testing.T) {
	svc, store := newTestService(t)

	bal, err := svc.GetBalance(context.Background(), User("nobody"))
	require.NoError(t, err)
	assert.False(t, bal.Exists)
	assert.Equal(t, int64(0), bal.BalanceTokens)
	assert.Equal(t, DefaultPlanID, bal.PlanID)
	assert.Equal(t, 60, bal.RateLimitRPM)
	assert.Equal(t, 1, bal.MaxConcurrentSessions)
	assert.Equal(t, []string{"basic_models"}, bal.Features)

	_, err = store.GetWallet(context.Background(), User("nobody"))
	assert.ErrorIs(t, err, ErrWalletNotFound, "reads must not create wallets")
}

func TestGetBalance_CacheReadThroughAndInvalidation(t *testing.T) {
	cache := newFakeCache()
	svc, _ := newTestService(t, WithCache(cache))
	ctx := context.Background()
	u := User("u1")

	mint(t, svc, u, "starter_plan", 999, "evt_1")
	_, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.Contains(t, cache.entries, u)

	_, err = svc.UseTokens(ctx, u, 100, UsageDetails{})
	require.NoError(t, err)
	assert.NotContains(t, cache.entries, u)

	bal, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000-100), bal.BalanceTokens)
	assert.GreaterOrEqual(t, cache.invalidated, 2)
}

func TestGetBalance_CacheErrorFallsThrough(t *testing.T) {
	cache := newFakeCache()
	cache.failGet = true
	svc, _ := newTestService(t, WithCache(cache))
	u := User("u1")
	mint(t, svc, u, "starter_plan", 999, "evt_1")

	bal, err := svc.GetBalance(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), bal.BalanceTokens)
}

func TestSetFrozenStatus_MissingWallet(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.SetFrozenStatus(context.Background(), User("ghost"), true)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestUpdateEntitlements(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u := User("u1")
	mint(t, svc, u, "starter_plan", 999, "evt_1")

	require.NoError(t, svc.UpdateEntitlements(ctx, u, "free_plan"))
	bal, err := svc.GetBalance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "free_plan", bal.PlanID)
	assert.Equal(t, 60, bal.RateLimitRPM)
	assert.Equal(t, int64(10_000_000), bal.BalanceTokens, "downgrade keeps tokens")
}

func TestGetUsageStats(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-40 * 24 * time.Hour)
	svc, _ := newTestService(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	u := User("u1")

	mint(t, svc, u, "starter_plan", 999, "evt_1")
	_, err := svc.UseTokens(ctx, u, 1000, UsageDetails{}) // outside the window
	require.NoError(t, err)

	clock = now.Add(-time.Hour)
	_, err = svc.UseTokens(ctx, u, 250, UsageDetails{})
	require.NoError(t, err)
	_, err = svc.UseTokens(ctx, u, 750, UsageDetails{})
	require.NoError(t, err)

	clock = now
	stats, err := svc.GetUsageStats(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stats.Last30DaysUsage)
	assert.Equal(t, int64(10_000_000), stats.MonthlyQuota)
	assert.Equal(t, int64(10_000_000-2000), stats.Balance)
	assert.Equal(t, "starter_plan", stats.PlanID)
}

func TestGetHistory_Pagination(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc, _ := newTestService(t, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	ctx := context.Background()
	u := User("u1")

	mint(t, svc, u, "starter_plan", 999, "evt_1")
	for i := 0; i < 4; i++ {
		_, err := svc.UseTokens(ctx, u, 10, UsageDetails{})
		require.NoError(t, err)
	}

	page, err := svc.GetHistory(ctx, u, 3, "")
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, EventUse, page.Entries[0].EventType)
	assert.True(t, page.Entries[0].CreatedAt.After(page.Entries[1].CreatedAt))

	next, err := svc.GetHistory(ctx, u, 3, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, next.Entries, 2)
	assert.False(t, next.HasMore)
	assert.Equal(t, EventMint, next.Entries[1].EventType)

	_, err = svc.GetHistory(ctx, u, 3, "%%%")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// A cursor only pages the wallet it was issued for.
	_, err = svc.GetHistory(ctx, User("u2"), 3, page.NextCursor)
	assert.ErrorIs(t, err, ErrInvalidCursor)

	empty, err := svc.GetHistory(ctx, User("nobody"), 0, "")
	require.NoError(t, err)
	assert.NotNil(t, empty.Entries)
	assert.Empty(t, empty.Entries)
}

func TestLedgerSumMatchesBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	u := User("u1")

	mint(t, svc, u, "starter_plan", 999, "evt_1")
	_, _ = svc.UseTokens(ctx, u, 1234, UsageDetails{})
	_, _ = svc.RefundTokens(ctx, u, 5000, "re_1")
	_, _ = svc.AdjustTokens(ctx, u, 42, "fix", "")
	_, _ = svc.TopUp(ctx, u, 100, "cs_1", nil)
	_, _ = svc.UseTokens(ctx, u, 1<<40, UsageDetails{}) // refused, no entry

	mismatches, err := svc.FindMismatches(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	w, err := store.GetWallet(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000-1234-5000+42+1_000_000), w.BalanceTokens)
}

func TestQuoteTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	n, err := svc.QuoteTokens(ctx, "starter_plan", 499)
	require.NoError(t, err)
	assert.Equal(t, int64(4_994_994), n)

	n, err = svc.QuoteTokens(ctx, "", 250)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), n)

	_, err = svc.QuoteTokens(ctx, "ghost", 100)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
