// Package webhooks consumes signed billing and identity events from external
// sources and turns them into wallet operations.
//
// Every delivery runs the same pipeline: verify the signature, derive a
// stable event id, drop stale and duplicate events, write a pending audit
// row, dispatch to the source handler, then mark the event processed no
// matter how the handler did. A failing handler is therefore not retried by
// the source; the failed audit row is what an operator reconciles from.
package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownSource    = errors.New("unknown webhook source")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrSubjectNotFound  = errors.New("no subject in event")
)

// StaleAfter is how old an event may be before it is rejected unprocessed.
const StaleAfter = 7 * 24 * time.Hour

// Audit statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Event is a verified, decoded webhook envelope.
type Event struct {
	ID         string         // source-assigned event id, may be empty
	DeliveryID string         // transport delivery id (svix-id), may be empty
	Type       string         // e.g. "paymentAttempt.updated"
	Timestamp  time.Time      // zero when the source sent none
	Data       map[string]any // decoded "data" object
	Raw        []byte         // source-specific typed payload for handlers that want it
}

// Delivery is one inbound HTTP request as the processor sees it.
type Delivery struct {
	Body      []byte
	Header    http.Header
	IP        string
	UserAgent string
}

// Source verifies and handles events from one provider.
type Source interface {
	Name() string
	// Verify checks the signature and decodes the envelope.
	Verify(body []byte, header http.Header) (*Event, error)
	// Handle applies the event's wallet effects. eventID is the derived
	// idempotency key to pass to mint/refund calls.
	Handle(ctx context.Context, eventID string, ev *Event, w Wallet) error
	// AuditHeaders picks the request headers worth keeping in the audit row.
	AuditHeaders(header http.Header) map[string]string
}

// Wallet is the slice of wallet.Service the handlers drive.
type Wallet interface {
	MintTokens(ctx context.Context, req wallet.MintRequest) (*wallet.MintResult, error)
	TopUp(ctx context.Context, subject wallet.Subject, amountCents int64, eventID string, metadata map[string]any) (*wallet.MintResult, error)
	RefundCharge(ctx context.Context, subject wallet.Subject, chargeID string, totalTokens int64, eventID string) (*wallet.RefundResult, error)
	QuoteTokens(ctx context.Context, planID string, amountCents int64) (int64, error)
	UpdateEntitlements(ctx context.Context, subject wallet.Subject, planID string) error
	SetFrozenStatus(ctx context.Context, subject wallet.Subject, frozen bool) error
	EnsureWallet(ctx context.Context, subject wallet.Subject, planID string) (bool, error)
}

var _ Wallet = (*wallet.Service)(nil)

// ProcessedEvent marks an event id as consumed.
type ProcessedEvent struct {
	EventID     string    `json:"eventId"`
	Source      string    `json:"source"`
	EventType   string    `json:"eventType"`
	ProcessedAt time.Time `json:"processedAt"`
}

// AuditEntry is the forensic record of one delivery.
type AuditEntry struct {
	ID           string            `json:"id"`
	Source       string            `json:"source"`
	EventID      string            `json:"eventId"`
	EventType    string            `json:"eventType"`
	SubjectID    string            `json:"subjectId,omitempty"`
	Status       string            `json:"status"`
	RawPayload   string            `json:"rawPayload,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Signature    string            `json:"signature,omitempty"`
	IPAddress    string            `json:"ipAddress,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ProcessedAt  *time.Time        `json:"processedAt,omitempty"`
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Status string
	Source string
	Limit  int
}

// Store persists the processed-event set and the audit trail.
type Store interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed is a no-op when the id is already present.
	MarkProcessed(ctx context.Context, ev *ProcessedEvent) error
	CreateAudit(ctx context.Context, entry *AuditEntry) error
	FinishAudit(ctx context.Context, id, status, errMsg string, at time.Time) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
