package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/kizuna-ai-lab/sokuji/internal/logging"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

// Clerk billing and user event types.
const (
	ClerkPaymentAttemptUpdated = "paymentAttempt.updated"
	ClerkSubscriptionCreated   = "subscription.created"
	ClerkSubscriptionUpdated   = "subscription.updated"
	ClerkSubscriptionActive    = "subscription.active"
	ClerkSubscriptionPastDue   = "subscription.past_due"
	ClerkSubscriptionCanceled  = "subscription.canceled"
	ClerkUserCreated           = "user.created"
	ClerkUserDeleted           = "user.deleted"
)

const freePlan = "free_plan"

// ClerkSource verifies Svix-signed Clerk deliveries.
type ClerkSource struct {
	wh *svix.Webhook
}

// NewClerkSource creates a source from a "whsec_..." signing secret.
func NewClerkSource(secret string) (*ClerkSource, error) {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("clerk webhook secret: %w", err)
	}
	return &ClerkSource{wh: wh}, nil
}

func (s *ClerkSource) Name() string { return "clerk" }

type clerkEnvelope struct {
	Type      string          `json:"type"`
	EvtID     string          `json:"evt_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	CreatedAt json.RawMessage `json:"created_at"`
	Data      map[string]any  `json:"data"`
}

func (s *ClerkSource) Verify(body []byte, header http.Header) (*Event, error) {
	if err := s.wh.Verify(body, header); err != nil {
		return nil, err
	}
	var env clerkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	ts := parseTimestamp(env.Timestamp)
	if ts.IsZero() {
		ts = parseTimestamp(env.CreatedAt)
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return &Event{
		ID:         env.EvtID,
		DeliveryID: header.Get("svix-id"),
		Type:       env.Type,
		Timestamp:  ts,
		Data:       env.Data,
		Raw:        body,
	}, nil
}

func (s *ClerkSource) AuditHeaders(h http.Header) map[string]string {
	return pickHeaders(h, "User-Agent", "Content-Type", "svix-id", "svix-timestamp", "svix-signature")
}

func (s *ClerkSource) Handle(ctx context.Context, eventID string, ev *Event, w Wallet) error {
	log := logging.L(ctx)
	userID, _, found := clerkSubjectRules.find(ev.Type, ev.Data)
	subject := wallet.User(userID)

	switch ev.Type {
	case ClerkPaymentAttemptUpdated:
		status, _ := lookupString(ev.Data, "status")
		if status != "paid" {
			log.Info("payment not paid, skipping mint", "status", status)
			return nil
		}
		if !found {
			return ErrSubjectNotFound
		}
		amount, _ := lookupInt(ev.Data, "totals", "grand_total", "amount")
		planID := clerkPlan(ev)
		paymentID, _ := lookupString(ev.Data, "id")
		md := map[string]any{"source": "clerk", "payment_id": paymentID}
		if sub, ok := lookupInt(ev.Data, "totals", "subtotal", "amount"); ok {
			md["subtotal"] = sub
		}
		res, err := w.MintTokens(ctx, wallet.MintRequest{
			Subject:         subject,
			PlanID:          planID,
			AmountCents:     amount,
			ExternalEventID: eventID,
			ReferenceID:     paymentID,
			Metadata:        md,
		})
		if err != nil {
			return fmt.Errorf("mint for payment %s: %w", paymentID, err)
		}
		log.Info("minted tokens", "user_id", userID, "plan_id", planID, "amount_cents", amount, "minted", res.Minted)
		return nil

	case ClerkSubscriptionCreated, ClerkSubscriptionUpdated, ClerkSubscriptionActive:
		if !found {
			return ErrSubjectNotFound
		}
		status, _ := lookupString(ev.Data, "status")
		if ev.Type == ClerkSubscriptionActive {
			status = "active"
		}
		planID := clerkPlan(ev)
		switch status {
		case "past_due":
			return freeze(ctx, w, subject, true)
		case "canceled":
			if err := w.UpdateEntitlements(ctx, subject, freePlan); err != nil {
				return err
			}
			return freeze(ctx, w, subject, true)
		}
		if err := w.UpdateEntitlements(ctx, subject, planID); err != nil {
			return err
		}
		if status == "active" {
			return freeze(ctx, w, subject, false)
		}
		return nil

	case ClerkSubscriptionPastDue:
		if !found {
			return ErrSubjectNotFound
		}
		// entitlements kept during the grace period
		return freeze(ctx, w, subject, true)

	case ClerkSubscriptionCanceled:
		if !found {
			return ErrSubjectNotFound
		}
		if err := w.UpdateEntitlements(ctx, subject, freePlan); err != nil {
			return err
		}
		return freeze(ctx, w, subject, true)

	case ClerkUserCreated:
		if !found {
			return ErrSubjectNotFound
		}
		created, err := w.EnsureWallet(ctx, subject, freePlan)
		if err != nil {
			return err
		}
		log.Info("user wallet ensured", "user_id", userID, "created", created)
		return nil

	case ClerkUserDeleted:
		if !found {
			return ErrSubjectNotFound
		}
		// history is kept; the wallet is only frozen
		return freeze(ctx, w, subject, true)

	case "session.created", "session.ended", "session.removed", "session.revoked":
		log.Debug("session event, no wallet action")
		return nil

	default:
		log.Info("unhandled clerk event")
		return nil
	}
}

func clerkPlan(ev *Event) string {
	if plan, _, ok := clerkPlanRules.find(ev.Type, ev.Data); ok {
		return plan
	}
	return freePlan
}

// freeze flips the frozen flag; a subject with no wallet has nothing to flip.
func freeze(ctx context.Context, w Wallet, subject wallet.Subject, frozen bool) error {
	err := w.SetFrozenStatus(ctx, subject, frozen)
	if errors.Is(err, wallet.ErrWalletNotFound) {
		logging.L(ctx).Info("no wallet to update frozen status", "subject", subject.String(), "frozen", frozen)
		return nil
	}
	return err
}

// parseTimestamp accepts epoch milliseconds, epoch seconds or RFC 3339.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		raw = json.RawMessage(s)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func pickHeaders(h http.Header, names ...string) map[string]string {
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v := h.Get(n); v != "" {
			out[n] = v
		}
	}
	return out
}
