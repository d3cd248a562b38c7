package webhooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

func TestProcess_InvalidSignature(t *testing.T) {
	w := &mockWallet{}
	p, store := newTestProcessor(t, w)

	d := clerkDelivery(t, "msg_bad", paymentEvent("user_1", "starter_plan", 999, "paid"))
	d.Header.Set("svix-signature", "v1,AAAA")

	_, err := p.Process(context.Background(), "clerk", d)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Zero(t, store.ProcessedCount())
	w.AssertNotCalled(t, "MintTokens", mock.Anything, mock.Anything)
}

func TestProcess_UnknownSource(t *testing.T) {
	p, _ := newTestProcessor(t, &mockWallet{})
	_, err := p.Process(context.Background(), "paddle", &Delivery{})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestProcess_PaidPaymentMintsOnce(t *testing.T) {
	w := &mockWallet{}
	w.On("MintTokens", mock.Anything, mock.MatchedBy(func(r wallet.MintRequest) bool {
		return r.Subject == wallet.User("user_1") &&
			r.PlanID == "starter_plan" &&
			r.AmountCents == 499 &&
			r.ExternalEventID == "msg_pay_1" &&
			r.ReferenceID == "pay_user_1"
	})).Return(&wallet.MintResult{Minted: 4_994_994}, nil).Once()

	p, store := newTestProcessor(t, w)
	d := clerkDelivery(t, "msg_pay_1", paymentEvent("user_1", "starter_plan", 499, "paid"))

	res, err := p.Process(context.Background(), "clerk", d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, "msg_pay_1", res.EventID)

	again, err := p.Process(context.Background(), "clerk", d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)

	w.AssertExpectations(t)
	w.AssertNumberOfCalls(t, "MintTokens", 1)

	audit, err := store.ListAudit(context.Background(), AuditFilter{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, StatusSuccess, audit[0].Status)
	assert.Equal(t, "user_1", audit[0].SubjectID)
	assert.Equal(t, "203.0.113.7", audit[0].IPAddress)
	assert.NotEmpty(t, audit[0].Signature)
	assert.Equal(t, "msg_pay_1", audit[0].Headers["svix-id"])
	assert.NotNil(t, audit[0].ProcessedAt)
}

func TestProcess_ConcurrentRedeliveryHandledOnce(t *testing.T) {
	w := &mockWallet{}
	w.On("MintTokens", mock.Anything, mock.Anything).Return(&wallet.MintResult{Minted: 100}, nil).Once()

	p, store := newTestProcessor(t, w)

	const n = 8
	deliveries := make([]*Delivery, n)
	for i := range deliveries {
		deliveries[i] = clerkDelivery(t, "msg_race", paymentEvent("user_1", "starter_plan", 499, "paid"))
	}

	outcomes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Process(context.Background(), "clerk", deliveries[i])
			if err != nil {
				t.Errorf("process: %v", err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		if o == OutcomeProcessed {
			processed++
		} else {
			assert.Equal(t, OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, processed)
	w.AssertNumberOfCalls(t, "MintTokens", 1)
	assert.Equal(t, 1, store.ProcessedCount())
}

func TestProcess_UnpaidPaymentIsNoop(t *testing.T) {
	w := &mockWallet{}
	p, store := newTestProcessor(t, w)

	res, err := p.Process(context.Background(), "clerk",
		clerkDelivery(t, "msg_pending", paymentEvent("user_1", "starter_plan", 999, "pending")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, store.ProcessedCount())
	w.AssertNotCalled(t, "MintTokens", mock.Anything, mock.Anything)
}

func TestProcess_StaleEventRejected(t *testing.T) {
	w := &mockWallet{}
	p, store := newTestProcessor(t, w)

	ev := paymentEvent("user_1", "starter_plan", 999, "paid")
	ev["timestamp"] = time.Now().Add(-8 * 24 * time.Hour).UnixMilli()

	res, err := p.Process(context.Background(), "clerk", clerkDelivery(t, "msg_old", ev))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Zero(t, store.ProcessedCount())

	audit, _ := store.ListAudit(context.Background(), AuditFilter{})
	assert.Empty(t, audit)
	w.AssertNotCalled(t, "MintTokens", mock.Anything, mock.Anything)
}

func TestProcess_HandlerFailureStillMarksProcessed(t *testing.T) {
	w := &mockWallet{}
	w.On("MintTokens", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()
	p, store := newTestProcessor(t, w)
	d := clerkDelivery(t, "msg_fail", paymentEvent("user_1", "starter_plan", 999, "paid"))

	res, err := p.Process(context.Background(), "clerk", d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "db down")

	// not retried on redelivery
	again, err := p.Process(context.Background(), "clerk", d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	w.AssertNumberOfCalls(t, "MintTokens", 1)

	failed, err := store.ListAudit(context.Background(), AuditFilter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ErrorMessage, "db down")
}

func TestProcess_MissingSubjectFails(t *testing.T) {
	w := &mockWallet{}
	p, _ := newTestProcessor(t, w)
	ev := paymentEvent("user_1", "starter_plan", 999, "paid")
	delete(ev["data"].(map[string]any), "payer")

	res, err := p.Process(context.Background(), "clerk", clerkDelivery(t, "msg_nosub", ev))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrSubjectNotFound)
}

func TestProcess_SubscriptionLifecycle(t *testing.T) {
	u := wallet.User("user_9")
	tests := []struct {
		name  string
		event map[string]any
		setup func(w *mockWallet)
	}{
		{
			name: "updated active sets plan and unfreezes",
			event: map[string]any{"type": ClerkSubscriptionUpdated, "data": map[string]any{
				"user_id": "user_9", "status": "active",
				"items": []any{
					map[string]any{"status": "ended", "plan": map[string]any{"slug": "starter_plan"}},
					map[string]any{"status": "active", "plan": map[string]any{"slug": "pro_plan"}},
				},
			}},
			setup: func(w *mockWallet) {
				w.On("UpdateEntitlements", mock.Anything, u, "pro_plan").Return(nil).Once()
				w.On("SetFrozenStatus", mock.Anything, u, false).Return(nil).Once()
			},
		},
		{
			name: "past due freezes and keeps plan",
			event: map[string]any{"type": ClerkSubscriptionPastDue, "data": map[string]any{
				"subscription": map[string]any{"user_id": "user_9"},
			}},
			setup: func(w *mockWallet) {
				w.On("SetFrozenStatus", mock.Anything, u, true).Return(nil).Once()
			},
		},
		{
			name: "canceled downgrades and freezes",
			event: map[string]any{"type": ClerkSubscriptionUpdated, "data": map[string]any{
				"user_id": "user_9", "status": "canceled",
			}},
			setup: func(w *mockWallet) {
				w.On("UpdateEntitlements", mock.Anything, u, "free_plan").Return(nil).Once()
				w.On("SetFrozenStatus", mock.Anything, u, true).Return(nil).Once()
			},
		},
		{
			name:  "freeze of missing wallet is not a failure",
			event: map[string]any{"type": ClerkUserDeleted, "data": map[string]any{"id": "user_9"}},
			setup: func(w *mockWallet) {
				w.On("SetFrozenStatus", mock.Anything, u, true).Return(wallet.ErrWalletNotFound).Once()
			},
		},
		{
			name:  "user created ensures wallet",
			event: map[string]any{"type": ClerkUserCreated, "data": map[string]any{"id": "user_9"}},
			setup: func(w *mockWallet) {
				w.On("EnsureWallet", mock.Anything, u, "free_plan").Return(true, nil).Once()
			},
		},
		{
			name:  "session events do nothing",
			event: map[string]any{"type": "session.created", "data": map[string]any{"user_id": "user_9"}},
			setup: func(*mockWallet) {},
		},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := &mockWallet{}
			tc.setup(w)
			p, _ := newTestProcessor(t, w)

			res, err := p.Process(context.Background(), "clerk",
				clerkDelivery(t, "msg_sub_"+string(rune('a'+i)), tc.event))
			require.NoError(t, err)
			assert.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)
			w.AssertExpectations(t)
		})
	}
}

func TestDeriveEventID(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, "msg_1", DeriveEventID(&Event{DeliveryID: "msg_1", ID: "evt_1", Type: "x"}))
	assert.Equal(t, "evt_1", DeriveEventID(&Event{ID: "evt_1", Type: "x", Timestamp: ts}))
	assert.Equal(t, "user.created_1700000000123", DeriveEventID(&Event{Type: "user.created", Timestamp: ts}))
}
