package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"checkout-gateway/internal/fulfillment"
	stripeinfra "checkout-gateway/internal/infra/stripe"
)

// subscriptionUpdated mirrors status and scheduled cancellation onto the
// contact. End-date projections are left as written at creation.
func (h *Handlers) subscriptionUpdated(ctx context.Context, event stripe.Event) error {
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
		fulfillment.FieldSubscriptionStatus: stripeinfra.NormalizeSubscriptionStatus(sub.Status),
	}
	switch {
	case sub.CancelAt > 0:
		fields[fulfillment.FieldCancelAt] = formatDate(sub.CancelAt)
	case sub.CancelAtPeriodEnd:
		fields[fulfillment.FieldCancelAt] = formatDate(sub.CurrentPeriodEnd)
	}

	contact, ok := h.findContact(ctx, h.subscriptionEmail(ctx, &sub, intent), log)
	if !ok {
		return nil
	}
	h.updateContact(ctx, contact, fields, log)
	return nil
}
