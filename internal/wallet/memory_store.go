package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kizuna-ai-lab/sokuji/internal/pagination"
)

// DefaultPlans is the seeded plan catalog, mirrored by migrations/00001.
var DefaultPlans = []Plan{
	{PlanID: "free_plan", PriceCents: 0, MonthlyQuotaTokens: 1_000_000},
	{PlanID: "starter_plan", PriceCents: 999, MonthlyQuotaTokens: 10_000_000},
	{PlanID: "essentials_plan", PriceCents: 1999, MonthlyQuotaTokens: 25_000_000},
	{PlanID: "pro_plan", PriceCents: 4999, MonthlyQuotaTokens: 70_000_000},
	{PlanID: "business_plan", PriceCents: 9999, MonthlyQuotaTokens: 150_000_000},
	{PlanID: "enterprise_plan", PriceCents: 49999, MonthlyQuotaTokens: 1_000_000_000},
	{PlanID: "unlimited_plan", PriceCents: 99999, MonthlyQuotaTokens: 3_000_000_000},
}

// MemoryStore is an in-memory wallet store for development and tests.
// One mutex covers every table, so each method is atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	plans        map[string]*Plan
	wallets      map[Subject]*Wallet
	entitlements map[Subject]*Entitlement
	ledger       []*LedgerEntry
	eventIDs     map[string]struct{}
}

// NewMemoryStore creates an in-memory store seeded with DefaultPlans.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		plans:        make(map[string]*Plan),
		wallets:      make(map[Subject]*Wallet),
		entitlements: make(map[Subject]*Entitlement),
		eventIDs:     make(map[string]struct{}),
	}
	for i := range DefaultPlans {
		p := DefaultPlans[i]
		m.plans[p.PlanID] = &p
	}
	return m
}

// PutPlan adds or replaces a catalog row.
func (m *MemoryStore) PutPlan(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.PlanID] = &p
}

func (m *MemoryStore) GetPlan(_ context.Context, planID string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPlans(_ context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out, nil
}

func (m *MemoryStore) Credit(_ context.Context, entry *LedgerEntry, ent *Entitlement, unfreeze bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen(entry) {
		return 0, ErrDuplicateEvent
	}
	w := m.wallet(entry.Subject, entry.CreatedAt)
	w.BalanceTokens += entry.AmountTokens
	if unfreeze {
		w.Frozen = false
	}
	w.UpdatedAt = entry.CreatedAt
	if ent != nil {
		m.putEntitlement(ent)
	}
	m.appendEntry(entry)
	return w.BalanceTokens, nil
}

func (m *MemoryStore) Deduct(_ context.Context, entry *LedgerEntry) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[entry.Subject]
	tokens := -entry.AmountTokens
	if !ok || w.Frozen || w.BalanceTokens < tokens {
		return 0, false, nil
	}
	w.BalanceTokens -= tokens
	w.UpdatedAt = entry.CreatedAt
	m.appendEntry(entry)
	return w.BalanceTokens, true, nil
}

func (m *MemoryStore) Debit(_ context.Context, entry *LedgerEntry, freezeIfNegative bool) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen(entry) {
		return 0, false, ErrDuplicateEvent
	}
	w := m.wallet(entry.Subject, entry.CreatedAt)
	w.BalanceTokens += entry.AmountTokens
	if freezeIfNegative && w.BalanceTokens < 0 {
		w.Frozen = true
	}
	w.UpdatedAt = entry.CreatedAt
	m.appendEntry(entry)
	return w.BalanceTokens, w.Frozen, nil
}

func (m *MemoryStore) DebitToTotal(_ context.Context, entry *LedgerEntry, totalTokens int64) (int64, bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var taken int64
	for _, e := range m.ledger {
		if e.Subject == entry.Subject && e.EventType == EventRefund &&
			e.ReferenceType == entry.ReferenceType && e.ReferenceID == entry.ReferenceID {
			taken -= e.AmountTokens
		}
	}
	delta := totalTokens - taken
	if delta <= 0 {
		if w, ok := m.wallets[entry.Subject]; ok {
			return w.BalanceTokens, w.Frozen, 0, nil
		}
		return 0, false, 0, nil
	}
	if m.seen(entry) {
		return 0, false, 0, ErrDuplicateEvent
	}
	w := m.wallet(entry.Subject, entry.CreatedAt)
	cp := *entry
	cp.AmountTokens = -delta
	w.BalanceTokens -= delta
	if w.BalanceTokens < 0 {
		w.Frozen = true
	}
	w.UpdatedAt = entry.CreatedAt
	m.appendEntry(&cp)
	return w.BalanceTokens, w.Frozen, delta, nil
}

func (m *MemoryStore) CreateWallet(_ context.Context, entry *LedgerEntry, ent *Entitlement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[ent.Subject]; ok {
		return false, nil
	}
	if entry != nil && m.seen(entry) {
		return false, nil
	}
	now := time.Now()
	if entry != nil {
		now = entry.CreatedAt
	}
	w := m.wallet(ent.Subject, now)
	if entry != nil {
		w.BalanceTokens = entry.AmountTokens
		m.appendEntry(entry)
	}
	m.putEntitlement(ent)
	return true, nil
}

func (m *MemoryStore) GetWallet(_ context.Context, subject Subject) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[subject]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, subject Subject) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[subject]
	if !ok {
		return nil, ErrWalletNotFound
	}
	bal := defaultBalance(subject)
	bal.BalanceTokens = w.BalanceTokens
	bal.Frozen = w.Frozen
	bal.UpdatedAt = w.UpdatedAt
	bal.Exists = true
	if ent, ok := m.entitlements[subject]; ok {
		bal.PlanID = ent.PlanID
		bal.Features = append([]string(nil), ent.Features...)
		bal.RateLimitRPM = ent.RateLimitRPM
		bal.MaxConcurrentSessions = ent.MaxConcurrentSessions
	}
	return bal, nil
}

func (m *MemoryStore) SetFrozen(_ context.Context, subject Subject, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[subject]
	if !ok {
		return ErrWalletNotFound
	}
	w.Frozen = frozen
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpsertEntitlement(_ context.Context, ent *Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putEntitlement(ent)
	return nil
}

func (m *MemoryStore) SumUsage(_ context.Context, subject Subject, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.ledger {
		if e.Subject == subject && e.EventType == EventUse && !e.CreatedAt.Before(since) {
			total += -e.AmountTokens
		}
	}
	return total, nil
}

func (m *MemoryStore) History(_ context.Context, subject Subject, limit int, after *pagination.Cursor) ([]*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*LedgerEntry
	for _, e := range m.ledger {
		if e.Subject != subject {
			continue
		}
		if !after.After(e.CreatedAt, e.ID) {
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

func (m *MemoryStore) FindMismatches(_ context.Context, limit int) ([]*Mismatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[Subject]int64, len(m.wallets))
	for _, e := range m.ledger {
		sums[e.Subject] += e.AmountTokens
	}
	var out []*Mismatch
	for s, w := range m.wallets {
		if sums[s] != w.BalanceTokens {
			out = append(out, &Mismatch{Subject: s, BalanceTokens: w.BalanceTokens, LedgerSum: sums[s]})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// LedgerLen returns the number of ledger entries (tests).
func (m *MemoryStore) LedgerLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ledger)
}

// Caller must hold m.mu.
func (m *MemoryStore) seen(entry *LedgerEntry) bool {
	if entry.ExternalEventID == "" {
		return false
	}
	_, ok := m.eventIDs[entry.ExternalEventID]
	return ok
}

// Caller must hold m.mu.
func (m *MemoryStore) wallet(subject Subject, now time.Time) *Wallet {
	w, ok := m.wallets[subject]
	if !ok {
		w = &Wallet{Subject: subject, UpdatedAt: now}
		m.wallets[subject] = w
	}
	return w
}

// Caller must hold m.mu.
func (m *MemoryStore) appendEntry(entry *LedgerEntry) {
	cp := *entry
	m.ledger = append(m.ledger, &cp)
	if entry.ExternalEventID != "" {
		m.eventIDs[entry.ExternalEventID] = struct{}{}
	}
}

// Caller must hold m.mu.
func (m *MemoryStore) putEntitlement(ent *Entitlement) {
	cp := *ent
	cp.Features = append([]string(nil), ent.Features...)
	m.entitlements[ent.Subject] = &cp
}
