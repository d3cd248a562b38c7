package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/kizuna-ai-lab/sokuji/internal/retry"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

const testClerkSecret = "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"

type mockWallet struct {
	mock.Mock
}

func (m *mockWallet) MintTokens(ctx context.Context, req wallet.MintRequest) (*wallet.MintResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*wallet.MintResult)
	return res, args.Error(1)
}

func (m *mockWallet) TopUp(ctx context.Context, s wallet.Subject, cents int64, eventID string, md map[string]any) (*wallet.MintResult, error) {
	args := m.Called(ctx, s, cents, eventID, md)
	res, _ := args.Get(0).(*wallet.MintResult)
	return res, args.Error(1)
}

func (m *mockWallet) RefundCharge(ctx context.Context, s wallet.Subject, chargeID string, total int64, eventID string) (*wallet.RefundResult, error) {
	args := m.Called(ctx, s, chargeID, total, eventID)
	res, _ := args.Get(0).(*wallet.RefundResult)
	return res, args.Error(1)
}

func (m *mockWallet) QuoteTokens(ctx context.Context, planID string, cents int64) (int64, error) {
	args := m.Called(ctx, planID, cents)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockWallet) UpdateEntitlements(ctx context.Context, s wallet.Subject, planID string) error {
	return m.Called(ctx, s, planID).Error(0)
}

func (m *mockWallet) SetFrozenStatus(ctx context.Context, s wallet.Subject, frozen bool) error {
	return m.Called(ctx, s, frozen).Error(0)
}

func (m *mockWallet) EnsureWallet(ctx context.Context, s wallet.Subject, planID string) (bool, error) {
	args := m.Called(ctx, s, planID)
	return args.Bool(0), args.Error(1)
}

// clerkDelivery builds a Svix-signed delivery for payload.
func clerkDelivery(t *testing.T, msgID string, payload map[string]any) *Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	wh, err := svix.NewWebhook(testClerkSecret)
	require.NoError(t, err)
	now := time.Now()
	sig, err := wh.Sign(msgID, now, body)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("svix-id", msgID)
	h.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
	h.Set("svix-signature", sig)
	h.Set("Content-Type", "application/json")
	return &Delivery{Body: body, Header: h, IP: "203.0.113.7", UserAgent: "Svix-Webhooks/1.0"}
}

func newTestProcessor(t *testing.T, w Wallet) (*Processor, *MemoryStore) {
	t.Helper()
	clerk, err := NewClerkSource(testClerkSecret)
	require.NoError(t, err)
	store := NewMemoryStore()
	p := NewProcessor(store, w, nil, clerk, NewStripeSource(testStripeSecret))
	p.retry = retry.Policy{MaxAttempts: 1}
	return p, store
}

func paymentEvent(userID, plan string, cents int64, status string) map[string]any {
	return map[string]any{
		"type":      ClerkPaymentAttemptUpdated,
		"object":    "event",
		"timestamp": time.Now().UnixMilli(),
		"data": map[string]any{
			"id":     "pay_" + userID,
			"status": status,
			"payer":  map[string]any{"user_id": userID},
			"totals": map[string]any{
				"grand_total": map[string]any{"amount": cents},
				"subtotal":    map[string]any{"amount": cents},
			},
			"subscription_items": []any{
				map[string]any{"plan": map[string]any{"slug": plan}},
			},
		},
	}
}
