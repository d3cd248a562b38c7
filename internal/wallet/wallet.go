// Package wallet tracks token balances for metered realtime usage.
//
// Flow:
//  1. A verified payment event mints tokens (idempotent on the event id)
//  2. The realtime relay deducts tokens per usage-bearing upstream event
//  3. Refunds and subscription lifecycle events freeze/unfreeze the wallet
//
// The ledger is the source of truth. Every balance mutation appends exactly
// one ledger entry in the same store operation, so balance_tokens always
// equals the signed sum of the subject's entries.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kizuna-ai-lab/sokuji/internal/pagination"
)

var (
	ErrPlanNotFound        = errors.New("plan not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletFrozen        = errors.New("wallet frozen")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateEvent      = errors.New("event already applied")
	ErrInvalidSubject      = errors.New("invalid subject")
)

// InsufficientBalanceError carries the balance left when a deduction was refused.
type InsufficientBalanceError struct {
	Remaining int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %d, remaining %d", e.Requested, e.Remaining)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Ledger entry event types.
const (
	EventMint   = "mint"
	EventUse    = "use"
	EventRefund = "refund"
	EventAdjust = "adjust"
)

// Reference types attached to ledger entries.
const (
	RefPayment      = "payment"
	RefUsage        = "usage"
	RefRefund       = "refund"
	RefRegistration = "registration"
	RefTopUp        = "topup"
	RefAdmin        = "admin"
	RefCharge       = "charge"
)

// Subject identifies a wallet owner, e.g. {Type: "user", ID: "user_2abc"}.
type Subject struct {
	Type string `json:"subjectType"`
	ID   string `json:"subjectId"`
}

// User is shorthand for a user-owned wallet subject.
func User(id string) Subject { return Subject{Type: "user", ID: id} }

func (s Subject) String() string { return s.Type + ":" + s.ID }

// Validate rejects empty subject parts.
func (s Subject) Validate() error {
	if s.Type == "" || s.ID == "" {
		return ErrInvalidSubject
	}
	return nil
}

// Wallet is the cached projection of a subject's ledger.
type Wallet struct {
	Subject
	BalanceTokens int64     `json:"balanceTokens"`
	Frozen        bool      `json:"frozen"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// LedgerEntry is an immutable, signed record of one balance-affecting event.
type LedgerEntry struct {
	ID              string         `json:"id"`
	Subject         Subject        `json:"subject"`
	AmountTokens    int64          `json:"amountTokens"`
	EventType       string         `json:"eventType"`
	ReferenceType   string         `json:"referenceType,omitempty"`
	ReferenceID     string         `json:"referenceId,omitempty"`
	ExternalEventID string         `json:"externalEventId,omitempty"`
	PlanID          string         `json:"planId,omitempty"`
	Description     string         `json:"description,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// Entitlement is the current plan and derived limits for a subject.
type Entitlement struct {
	Subject               Subject  `json:"subject"`
	PlanID                string   `json:"planId"`
	Features              []string `json:"features"`
	RateLimitRPM          int      `json:"rateLimitRpm"`
	MaxConcurrentSessions int      `json:"maxConcurrentSessions"`
}

// Plan is a read-only catalog row.
type Plan struct {
	PlanID             string `json:"planId"`
	MonthlyQuotaTokens int64  `json:"monthlyQuotaTokens"`
	PriceCents         int64  `json:"priceCents"`
}

// Balance joins a wallet with its entitlement.
type Balance struct {
	Subject               Subject   `json:"subject"`
	BalanceTokens         int64     `json:"balanceTokens"`
	Frozen                bool      `json:"frozen"`
	PlanID                string    `json:"planId"`
	Features              []string  `json:"features"`
	RateLimitRPM          int       `json:"rateLimitRpm"`
	MaxConcurrentSessions int       `json:"maxConcurrentSessions"`
	UpdatedAt             time.Time `json:"updatedAt"`
	Exists                bool      `json:"exists"`
}

// UsageDetails describes the call a deduction pays for.
type UsageDetails struct {
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Method         string         `json:"method,omitempty"`
	InputTokens    int64          `json:"inputTokens,omitempty"`
	OutputTokens   int64          `json:"outputTokens,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	ResponseID     string         `json:"responseId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// UsageLog is a detailed, non-authoritative per-call record.
type UsageLog struct {
	ID             int64          `json:"id"`
	Subject        Subject        `json:"subject"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Method         string         `json:"method,omitempty"`
	InputTokens    int64          `json:"inputTokens"`
	OutputTokens   int64          `json:"outputTokens"`
	TotalTokens    int64          `json:"totalTokens"`
	SessionID      string         `json:"sessionId,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	ResponseID     string         `json:"responseId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	LedgerID       string         `json:"ledgerId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// MintRequest converts a verified payment into tokens.
type MintRequest struct {
	Subject         Subject
	PlanID          string
	AmountCents     int64
	ExternalEventID string
	ReferenceID     string // payment id; defaults to ExternalEventID
	Metadata        map[string]any
}

// MintResult reports how many tokens a mint produced.
type MintResult struct {
	Minted    int64 `json:"minted"`
	Balance   int64 `json:"balance"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

// UseResult reports the balance left after a deduction.
type UseResult struct {
	Remaining int64  `json:"remaining"`
	LedgerID  string `json:"ledgerId"`
}

// RefundResult reports the balance and frozen flag after a refund.
type RefundResult struct {
	Tokens    int64 `json:"tokens"`
	Balance   int64 `json:"balance"`
	Frozen    bool  `json:"frozen"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

// UsageStats summarises recent consumption.
type UsageStats struct {
	Subject         Subject `json:"subject"`
	Last30DaysUsage int64   `json:"last30DaysUsage"`
	MonthlyQuota    int64   `json:"monthlyQuota"`
	Balance         int64   `json:"balance"`
	PlanID          string  `json:"planId"`
}

// HistoryPage is one page of ledger entries, most recent first.
type HistoryPage struct {
	Entries    []*LedgerEntry `json:"entries"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// Mismatch is a wallet whose cached balance disagrees with its ledger.
type Mismatch struct {
	Subject       Subject `json:"subject"`
	BalanceTokens int64   `json:"balanceTokens"`
	LedgerSum     int64   `json:"ledgerSum"`
}

// Store persists wallets, ledger entries and entitlements.
//
// Every mutating method applies the wallet change and its ledger entry as one
// atomic unit. Idempotent methods return ErrDuplicateEvent when the entry's
// ExternalEventID has already been recorded.
type Store interface {
	GetPlan(ctx context.Context, planID string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)

	// Credit appends a positive entry, upserts the wallet balance and, when
	// ent is non-nil, the entitlement. unfreeze clears the frozen flag.
	Credit(ctx context.Context, entry *LedgerEntry, ent *Entitlement, unfreeze bool) (balance int64, err error)

	// Deduct decrements the balance by -entry.AmountTokens only when the wallet
	// is unfrozen and holds enough tokens. ok reports whether a row changed.
	Deduct(ctx context.Context, entry *LedgerEntry) (remaining int64, ok bool, err error)

	// Debit decrements unconditionally and freezes the wallet when the result
	// is negative and freezeIfNegative is set.
	Debit(ctx context.Context, entry *LedgerEntry, freezeIfNegative bool) (balance int64, frozen bool, err error)

	// DebitToTotal brings the refunds recorded against entry.ReferenceID up to
	// totalTokens. It debits only the part not yet taken back, writing that
	// as entry, and freezes the wallet when the balance goes negative.
	// applied is 0 when earlier entries already cover the total.
	DebitToTotal(ctx context.Context, entry *LedgerEntry, totalTokens int64) (balance int64, frozen bool, applied int64, err error)

	// CreateWallet inserts the wallet with its initial grant entry and
	// entitlement. created is false when the wallet already existed.
	CreateWallet(ctx context.Context, entry *LedgerEntry, ent *Entitlement) (created bool, err error)

	GetWallet(ctx context.Context, subject Subject) (*Wallet, error)
	GetBalance(ctx context.Context, subject Subject) (*Balance, error)
	SetFrozen(ctx context.Context, subject Subject, frozen bool) error
	UpsertEntitlement(ctx context.Context, ent *Entitlement) error

	SumUsage(ctx context.Context, subject Subject, since time.Time) (int64, error)
	History(ctx context.Context, subject Subject, limit int, after *pagination.Cursor) ([]*LedgerEntry, error)
	FindMismatches(ctx context.Context, limit int) ([]*Mismatch, error)
}

// BalanceCache is a non-authoritative snapshot of GetBalance results.
type BalanceCache interface {
	Get(ctx context.Context, subject Subject) (*Balance, bool, error)
	Set(ctx context.Context, subject Subject, bal *Balance) error
	Invalidate(ctx context.Context, subject Subject) error
}

// UsageSink receives detailed usage records. Implementations must not block.
type UsageSink interface {
	Record(log *UsageLog)
}
