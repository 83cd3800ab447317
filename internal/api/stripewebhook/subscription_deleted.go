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

// subscriptionDeleted tells a payment plan that ran its course apart from
// one cancelled early.
func (h *Handlers) subscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if sub.ID == "" {
		return nil
	}
	log := h.logger.With(zap.String("event_id", event.ID), zap.String("subscription_id", sub.ID))
	intent := intentOf(sub.Metadata, log)

	fields := map[string]string{
		fulfillment.FieldSubscriptionID:     sub.ID,
		fulfillment.FieldSubscriptionStatus: stripeinfra.StatusCanceled,
		fulfillment.FieldCancelAt:           formatDate(firstPositive(sub.EndedAt, sub.CanceledAt)),
	}

	if intent.IsPaymentPlan() {
		paid, err := h.paidInvoiceCount(ctx, sub.ID)
		if err != nil {
			// Without the count the plan cannot be called complete.
			log.Warn("could not count paid installments", zap.Error(err))
		} else {
			fields[fulfillment.FieldPaymentsMade] = strconv.Itoa(paid)
			fields[fulfillment.FieldPaymentsTotal] = strconv.Itoa(intent.PaymentCount)
			if paid >= intent.PaymentCount {
				fields[fulfillment.FieldSubscriptionStatus] = stripeinfra.StatusCompleted
				fields[fulfillment.FieldPlanCompleted] = "true"
			}
		}
	}
	log.Info("subscription ended", zap.String("status", fields[fulfillment.FieldSubscriptionStatus]))

	contact, ok := h.findContact(ctx, h.subscriptionEmail(ctx, &sub, intent), log)
	if !ok {
		return nil
	}
	h.updateContact(ctx, contact, fields, log)
	return nil
}

func firstPositive(vals ...int64) int64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
