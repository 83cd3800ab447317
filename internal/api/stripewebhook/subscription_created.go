package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"checkout-gateway/internal/fulfillment"
	stripeinfra "checkout-gateway/internal/infra/stripe"
)

func (h *Handlers) subscriptionCreated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	log := h.logger.With(zap.String("event_id", event.ID), zap.String("subscription_id", sub.ID))
	intent := intentOf(sub.Metadata, log)

	fields := map[string]string{
		fulfillment.FieldSubscriptionID:     sub.ID,
		fulfillment.FieldSubscriptionStatus: stripeinfra.NormalizeSubscriptionStatus(sub.Status),
		fulfillment.FieldPaymentType:        string(intent.PaymentType),
	}

	if intent.IsPaymentPlan() {
		interval, count, ok := subscriptionInterval(&sub)
		if ok {
			start := sub.StartDate
			if start <= 0 {
				start = sub.Created
			}
			end := ProjectEndDate(time.Unix(start, 0).UTC(), interval, count, intent.PaymentCount)
			fields[fulfillment.FieldPlanEndDate] = end.Format(time.RFC3339)
			log.Info("payment plan end date projected", zap.Time("end", end))
		} else {
			log.Warn("payment plan subscription has no recurring price, cannot project end date")
		}
		fields[fulfillment.FieldPaymentsTotal] = strconv.Itoa(intent.PaymentCount)
	}

	contact, ok := h.findContact(ctx, h.subscriptionEmail(ctx, &sub, intent), log)
	if !ok {
		return nil
	}
	h.updateContact(ctx, contact, fields, log)
	return nil
}
