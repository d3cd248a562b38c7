package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/kizuna-ai-lab/sokuji/internal/logging"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

// StripeSource verifies Stripe-Signature deliveries.
//
// Stripe objects carry the wallet owner and plan in metadata:
// user_id, plan, and kind=topup for one-off credit purchases.
type StripeSource struct {
	secret string
}

// NewStripeSource creates a source from a "whsec_..." endpoint secret.
func NewStripeSource(secret string) *StripeSource {
	return &StripeSource{secret: secret}
}

func (s *StripeSource) Name() string { return "stripe" }

func (s *StripeSource) Verify(body []byte, header http.Header) (*Event, error) {
	se, err := webhook.ConstructEventWithOptions(body, header.Get("Stripe-Signature"), s.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, err
	}
	ev := &Event{
		ID:   se.ID,
		Type: string(se.Type),
		Data: map[string]any{},
	}
	if se.Created > 0 {
		ev.Timestamp = time.Unix(se.Created, 0)
	}
	if se.Data != nil {
		ev.Raw = se.Data.Raw
		if se.Data.Object != nil {
			ev.Data = se.Data.Object
		}
	}
	return ev, nil
}

func (s *StripeSource) AuditHeaders(h http.Header) map[string]string {
	return pickHeaders(h, "User-Agent", "Content-Type", "Stripe-Signature")
}

func (s *StripeSource) Handle(ctx context.Context, eventID string, ev *Event, w Wallet) error {
	log := logging.L(ctx)

	switch ev.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Raw, &cs); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			log.Info("checkout not paid, skipping", "payment_status", cs.PaymentStatus)
			return nil
		}
		userID := firstNonEmpty(cs.Metadata["user_id"], cs.ClientReferenceID)
		if userID == "" {
			return ErrSubjectNotFound
		}
		md := map[string]any{"source": "stripe", "checkout_session": cs.ID}
		if cs.Metadata["kind"] == "topup" {
			res, err := w.TopUp(ctx, wallet.User(userID), cs.AmountTotal, eventID, md)
			if err != nil {
				return fmt.Errorf("top up for checkout %s: %w", cs.ID, err)
			}
			log.Info("topped up wallet", "user_id", userID, "minted", res.Minted)
			return nil
		}
		if cs.Mode == stripe.CheckoutSessionModeSubscription {
			// The first invoice of the subscription reports the same payment.
			log.Info("subscription checkout, minting on invoice.paid", "checkout_session", cs.ID)
			return nil
		}
		return s.mint(ctx, w, userID, firstNonEmpty(cs.Metadata["plan"], freePlan), cs.AmountTotal, eventID, cs.ID, md)

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Raw, &inv); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if inv.Status != stripe.InvoiceStatusPaid {
			log.Info("invoice not paid, skipping", "status", inv.Status)
			return nil
		}
		meta := inv.Metadata
		if inv.SubscriptionDetails != nil && len(inv.SubscriptionDetails.Metadata) > 0 {
			meta = inv.SubscriptionDetails.Metadata
		}
		userID := meta["user_id"]
		if userID == "" {
			return ErrSubjectNotFound
		}
		md := map[string]any{"source": "stripe", "invoice": inv.ID}
		return s.mint(ctx, w, userID, firstNonEmpty(meta["plan"], freePlan), inv.AmountPaid, eventID, inv.ID, md)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Raw, &sub); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		userID := sub.Metadata["user_id"]
		if userID == "" {
			return ErrSubjectNotFound
		}
		subject := wallet.User(userID)
		status := sub.Status
		if ev.Type == "customer.subscription.deleted" {
			status = stripe.SubscriptionStatusCanceled
		}
		switch status {
		case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
			return freeze(ctx, w, subject, true)
		case stripe.SubscriptionStatusCanceled:
			if err := w.UpdateEntitlements(ctx, subject, freePlan); err != nil {
				return err
			}
			return freeze(ctx, w, subject, true)
		}
		if err := w.UpdateEntitlements(ctx, subject, subscriptionPlan(&sub)); err != nil {
			return err
		}
		if status == stripe.SubscriptionStatusActive {
			return freeze(ctx, w, subject, false)
		}
		return nil

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Raw, &ch); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		userID := ch.Metadata["user_id"]
		if userID == "" {
			return ErrSubjectNotFound
		}
		planID := ch.Metadata["plan"]
		if ch.Metadata["kind"] == "topup" {
			planID = ""
		}
		// amount_refunded is the running total across partial refunds.
		total, err := w.QuoteTokens(ctx, planID, ch.AmountRefunded)
		if err != nil {
			return fmt.Errorf("price refund for charge %s: %w", ch.ID, err)
		}
		if total <= 0 {
			return nil
		}
		res, err := w.RefundCharge(ctx, wallet.User(userID), ch.ID, total, eventID)
		if err != nil {
			return fmt.Errorf("refund charge %s: %w", ch.ID, err)
		}
		log.Info("refunded tokens", "user_id", userID, "charge", ch.ID, "tokens", res.Tokens,
			"refunded_total", total, "balance", res.Balance, "frozen", res.Frozen)
		return nil

	default:
		log.Info("unhandled stripe event")
		return nil
	}
}

func (s *StripeSource) mint(ctx context.Context, w Wallet, userID, planID string, cents int64, eventID, ref string, md map[string]any) error {
	res, err := w.MintTokens(ctx, wallet.MintRequest{
		Subject:         wallet.User(userID),
		PlanID:          planID,
		AmountCents:     cents,
		ExternalEventID: eventID,
		ReferenceID:     ref,
		Metadata:        md,
	})
	if err != nil {
		return fmt.Errorf("mint for %s: %w", ref, err)
	}
	logging.L(ctx).Info("minted tokens", "user_id", userID, "plan_id", planID, "amount_cents", cents, "minted", res.Minted)
	return nil
}

func subscriptionPlan(sub *stripe.Subscription) string {
	if p := sub.Metadata["plan"]; p != "" {
		return p
	}
	if sub.Items != nil {
		for _, it := range sub.Items.Data {
			if it != nil && it.Price != nil && it.Price.LookupKey != "" {
				return it.Price.LookupKey
			}
		}
	}
	return freePlan
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
