package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"checkout-gateway/internal/domain/checkout"
	"checkout-gateway/internal/fulfillment"
)

func (h *Handlers) checkoutSessionCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}

	// Fetch full session with line items, customer, intent and subscription.
	full, err := h.stripe.GetCheckoutSession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("fetch checkout session %s: %w", session.ID, err)
	}
	log := h.logger.With(zap.String("event_id", event.ID), zap.String("session_id", full.ID))

	if full.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		log.Info("checkout completed without payment yet, waiting for async payment")
		return nil
	}
	if handledBySuccessPage(full) {
		log.Info("enrollment already handled by success page, skipping")
		return nil
	}

	var intent *checkout.Intent
	if full.Metadata != nil {
		intent, err = checkout.ParseIntent(full.Metadata)
		if err != nil {
			// Catalog lookup by purchased product still works without it.
			log.Error("invalid checkout metadata, falling back to catalog", zap.Error(err))
			intent = nil
		} else if len(intent.Dropped) > 0 {
			log.Warn("ignored malformed checkout metadata", zap.Strings("keys", intent.Dropped))
		}
	}

	var provisionErr error
	in := fulfillment.SessionInput(full, intent)
	in.IncludePhone = true
	_, err = h.reconciler.Reconcile(ctx, in)
	switch {
	case errors.Is(err, fulfillment.ErrNoEmail):
		log.Error("checkout session has no customer email, cannot provision")
	case err != nil:
		provisionErr = err
	}

	// Invoicing is independent of the enrollment outcome and never fails the event.
	if links, err := h.invoicer.EnsureInvoice(ctx, full, true); err != nil {
		log.Warn("invoice handling failed", zap.Error(err))
	} else {
		log.Info("invoice ready", zap.String("invoice_id", links.InvoiceID), zap.Bool("emailed", links.Emailed))
	}

	return provisionErr
}

// handledBySuccessPage reads the marker from the session and from the
// payment intent or subscription the success page stamps after the fact.
func handledBySuccessPage(sess *stripe.CheckoutSession) bool {
	marked := func(md map[string]string) bool {
		return md[checkout.KeyHandledBy] == checkout.HandledBySuccessPage
	}
	if marked(sess.Metadata) {
		return true
	}
	if sess.PaymentIntent != nil && marked(sess.PaymentIntent.Metadata) {
		return true
	}
	return sess.Subscription != nil && marked(sess.Subscription.Metadata)
}
