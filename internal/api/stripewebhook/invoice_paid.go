package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"checkout-gateway/internal/fulfillment"
	stripeinfra "checkout-gateway/internal/infra/stripe"
)

// invoicePaid tracks installment progress. Enrollment already happened at
// checkout, so nothing here grants courses.
func (h *Handlers) invoicePaid(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	log := h.logger.With(zap.String("event_id", event.ID), zap.String("invoice_id", inv.ID))

	if inv.Subscription == nil || inv.Subscription.ID == "" {
		log.Debug("invoice not linked to a subscription, nothing to track")
		return nil
	}

	sub, err := h.stripe.GetSubscription(ctx, inv.Subscription.ID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", inv.Subscription.ID, err)
	}
	log = log.With(zap.String("subscription_id", sub.ID))
	intent := intentOf(sub.Metadata, log)

	paidAt := h.now().Unix()
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		paidAt = inv.StatusTransitions.PaidAt
	}
	fields := map[string]string{
		fulfillment.FieldSubscriptionID:     sub.ID,
		fulfillment.FieldSubscriptionStatus: stripeinfra.NormalizeSubscriptionStatus(sub.Status),
		fulfillment.FieldLastPaymentAt:      formatDate(paidAt),
	}

	if intent.IsPaymentPlan() {
		paid, err := h.paidInvoiceCount(ctx, sub.ID)
		if err != nil {
			log.Warn("could not count paid installments", zap.Error(err))
		} else {
			fields[fulfillment.FieldPaymentsMade] = strconv.Itoa(paid)
			fields[fulfillment.FieldPaymentsTotal] = strconv.Itoa(intent.PaymentCount)
			log.Info("payment plan installment paid", zap.Int("paid", paid), zap.Int("total", intent.PaymentCount))

			if paid >= intent.PaymentCount {
				fields[fulfillment.FieldPlanCompleted] = "true"
				h.endPaymentPlan(ctx, sub, log)
			}
		}
	}

	email := firstNonEmpty(inv.CustomerEmail, intent.Email)
	contact, ok := h.findContact(ctx, email, log)
	if !ok {
		return nil
	}
	h.updateContact(ctx, contact, fields, log)
	return nil
}

// endPaymentPlan stops billing once the last installment is in.
func (h *Handlers) endPaymentPlan(ctx context.Context, sub *stripe.Subscription, log *zap.Logger) {
	if sub.CancelAtPeriodEnd || sub.Status == stripe.SubscriptionStatusCanceled {
		return
	}
	if err := h.stripe.CancelSubscriptionAtPeriodEnd(ctx, sub.ID); err != nil {
		log.Error("could not end completed payment plan", zap.Error(err))
		return
	}
	log.Info("payment plan completed, subscription set to cancel at period end")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
