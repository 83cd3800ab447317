package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	stripeinfra "checkout-gateway/internal/infra/stripe"
	"checkout-gateway/internal/logging"
)

// Invoice metadata keys.
const (
	InvoiceMetaSessionID = "checkout_session_id"
	InvoiceMetaEmailed   = "invoice_emailed"
)

var ErrNoCustomer = errors.New("checkout session has no customer to invoice")

type InvoiceLinks struct {
	InvoiceID string `json:"invoice_id"`
	HostedURL string `json:"invoice_url,omitempty"`
	PDF       string `json:"invoice_pdf,omitempty"`
	Emailed   bool   `json:"emailed"`
	Created   bool   `json:"created"`
}

// Invoicer makes sure every paid checkout has an invoice the buyer can see.
type Invoicer struct {
	stripe stripeinfra.Processor
	logger *zap.Logger
}

func NewInvoicer(p stripeinfra.Processor, logger *zap.Logger) *Invoicer {
	return &Invoicer{stripe: p, logger: logging.OrNop(logger).Named("invoicing")}
}

// EnsureInvoice finds the invoice belonging to sess or creates one, and when
// send is set emails it once. sess must be the expanded session returned by
// Processor.GetCheckoutSession. A failed send is logged, not returned.
func (iv *Invoicer) EnsureInvoice(ctx context.Context, sess *stripe.CheckoutSession, send bool) (*InvoiceLinks, error) {
	log := iv.logger.With(zap.String("session_id", sess.ID))

	inv, err := iv.findInvoice(ctx, sess)
	if err != nil {
		return nil, err
	}

	created := false
	if inv == nil {
		inv, err = iv.createInvoice(ctx, sess)
		if err != nil {
			return nil, err
		}
		created = true
		log.Info("invoice created for checkout", zap.String("invoice_id", inv.ID))
	}

	links := &InvoiceLinks{
		InvoiceID: inv.ID,
		HostedURL: inv.HostedInvoiceURL,
		PDF:       inv.InvoicePDF,
		Created:   created,
		Emailed:   inv.Metadata[InvoiceMetaEmailed] == "true",
	}
	if !send || links.Emailed {
		return links, nil
	}

	if err := iv.send(ctx, inv); err != nil {
		log.Warn("invoice email failed", zap.String("invoice_id", inv.ID), zap.Error(err))
		return links, nil
	}
	links.Emailed = true
	links.HostedURL, links.PDF = inv.HostedInvoiceURL, inv.InvoicePDF
	log.Info("invoice emailed", zap.String("invoice_id", inv.ID))
	return links, nil
}

func (iv *Invoicer) findInvoice(ctx context.Context, sess *stripe.CheckoutSession) (*stripe.Invoice, error) {
	if sess.Invoice != nil && sess.Invoice.ID != "" {
		return sess.Invoice, nil
	}

	if sess.Subscription != nil && sess.Subscription.ID != "" {
		sub, err := iv.stripe.GetSubscription(ctx, sess.Subscription.ID)
		if err != nil {
			return nil, err
		}
		if sub.LatestInvoice != nil && sub.LatestInvoice.ID != "" {
			return sub.LatestInvoice, nil
		}
	}

	customerID := sessionCustomerID(sess)
	if customerID == "" {
		return nil, nil
	}
	invoices, err := iv.stripe.ListInvoices(ctx, stripeinfra.InvoiceFilter{CustomerID: customerID, Limit: 20})
	if err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		if inv.Metadata[InvoiceMetaSessionID] == sess.ID {
			return inv, nil
		}
	}
	return nil, nil
}

func InvoiceIdempotencyKey(sessionID string) string {
	return "invoice-" + sessionID
}

// createInvoice bills the session total on a new invoice and marks it paid
// out of band, since Checkout already collected the money.
func (iv *Invoicer) createInvoice(ctx context.Context, sess *stripe.CheckoutSession) (*stripe.Invoice, error) {
	customerID := sessionCustomerID(sess)
	if customerID == "" {
		return nil, ErrNoCustomer
	}

	// The webhook and the success page may both get here for one session.
	draft, err := iv.stripe.CreateInvoice(ctx, stripeinfra.InvoiceDraft{
		CustomerID:     customerID,
		Amount:         sess.AmountTotal,
		Currency:       string(sess.Currency),
		Description:    sessionDescription(sess),
		Metadata:       map[string]string{InvoiceMetaSessionID: sess.ID},
		IdempotencyKey: InvoiceIdempotencyKey(sess.ID),
	})
	if err != nil {
		return nil, err
	}

	finalized, err := iv.stripe.FinalizeInvoice(ctx, draft.ID)
	if err != nil {
		return nil, err
	}
	if finalized.Status == stripe.InvoiceStatusPaid {
		return finalized, nil
	}
	paid, err := iv.stripe.PayInvoiceOutOfBand(ctx, finalized.ID)
	if err != nil {
		return nil, err
	}
	return paid, nil
}

func (iv *Invoicer) send(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Status == stripe.InvoiceStatusDraft {
		finalized, err := iv.stripe.FinalizeInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		*inv = *finalized
	}
	if _, err := iv.stripe.SendInvoice(ctx, inv.ID); err != nil {
		return err
	}
	if err := iv.stripe.UpdateInvoiceMetadata(ctx, inv.ID, map[string]string{InvoiceMetaEmailed: "true"}); err != nil {
		return fmt.Errorf("invoice sent but not marked: %w", err)
	}
	return nil
}

func sessionCustomerID(sess *stripe.CheckoutSession) string {
	if sess.Customer != nil {
		return sess.Customer.ID
	}
	return ""
}

func sessionDescription(sess *stripe.CheckoutSession) string {
	var names []string
	if sess.LineItems != nil {
		for _, li := range sess.LineItems.Data {
			if li == nil {
				continue
			}
			switch {
			case li.Description != "":
				names = append(names, li.Description)
			case li.Price != nil && li.Price.Product != nil && li.Price.Product.Name != "":
				names = append(names, li.Price.Product.Name)
			}
		}
	}
	if len(names) == 0 {
		return "Order " + sess.ID
	}
	return strings.Join(names, ", ")
}
