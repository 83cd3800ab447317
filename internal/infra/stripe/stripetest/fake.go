// Package stripetest provides an in-memory stand-in for the Stripe processor.
package stripetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/stripe/stripe-go/v75"

	stripeinfra "checkout-gateway/internal/infra/stripe"
)

// Fake implements stripeinfra.Processor on maps. Errs forces a method, keyed
// by its name, to fail.
type Fake struct {
	mu sync.Mutex

	Sessions      map[string]*stripe.CheckoutSession
	Subscriptions map[string]*stripe.Subscription
	Invoices      []*stripe.Invoice
	Prices        []*stripe.Price
	Errs          map[string]error

	CreatedSessions     []*stripe.CheckoutSessionParams
	CanceledAtPeriodEnd []string
	SentInvoices        []string
	IntentMetadata      map[string]map[string]string
	Calls               []string

	nextID      int
	idempotency map[string]*stripe.Invoice
}

var _ stripeinfra.Processor = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Sessions:       map[string]*stripe.CheckoutSession{},
		Subscriptions:  map[string]*stripe.Subscription{},
		Errs:           map[string]error{},
		IntentMetadata: map[string]map[string]string{},
	}
}

func (f *Fake) call(name string) error {
	f.Calls = append(f.Calls, name)
	return f.Errs[name]
}

// Called reports how many times the named method ran.
func (f *Fake) Called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *Fake) GetCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetCheckoutSession"); err != nil {
		return nil, err
	}
	s, ok := f.Sessions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "No such checkout.session: " + id}
	}
	return s, nil
}

func (f *Fake) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	f.CreatedSessions = append(f.CreatedSessions, params)
	id := f.id("cs_test")
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (f *Fake) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetSubscription"); err != nil {
		return nil, err
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "No such subscription: " + id}
	}
	return sub, nil
}

func (f *Fake) CancelSubscriptionAtPeriodEnd(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CancelSubscriptionAtPeriodEnd"); err != nil {
		return err
	}
	f.CanceledAtPeriodEnd = append(f.CanceledAtPeriodEnd, id)
	if sub, ok := f.Subscriptions[id]; ok {
		sub.CancelAtPeriodEnd = true
	}
	return nil
}

func (f *Fake) UpdateSubscriptionMetadata(_ context.Context, id string, md map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("UpdateSubscriptionMetadata"); err != nil {
		return err
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		sub = &stripe.Subscription{ID: id}
		f.Subscriptions[id] = sub
	}
	if sub.Metadata == nil {
		sub.Metadata = map[string]string{}
	}
	for k, v := range md {
		sub.Metadata[k] = v
	}
	return nil
}

func (f *Fake) UpdatePaymentIntentMetadata(_ context.Context, id string, md map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("UpdatePaymentIntentMetadata"); err != nil {
		return err
	}
	if f.IntentMetadata[id] == nil {
		f.IntentMetadata[id] = map[string]string{}
	}
	for k, v := range md {
		f.IntentMetadata[id][k] = v
	}
	return nil
}

func (f *Fake) ListInvoices(_ context.Context, filter stripeinfra.InvoiceFilter) ([]*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ListInvoices"); err != nil {
		return nil, err
	}
	var out []*stripe.Invoice
	for _, inv := range f.Invoices {
		if filter.CustomerID != "" && (inv.Customer == nil || inv.Customer.ID != filter.CustomerID) {
			continue
		}
		if filter.SubscriptionID != "" && (inv.Subscription == nil || inv.Subscription.ID != filter.SubscriptionID) {
			continue
		}
		if filter.Status != "" && string(inv.Status) != filter.Status {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (f *Fake) CreateInvoice(_ context.Context, d stripeinfra.InvoiceDraft) (*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateInvoice"); err != nil {
		return nil, err
	}
	if inv, ok := f.idempotency[d.IdempotencyKey]; ok && d.IdempotencyKey != "" {
		return inv, nil
	}
	md := map[string]string{}
	for k, v := range d.Metadata {
		md[k] = v
	}
	inv := &stripe.Invoice{
		ID:          f.id("in_test"),
		Customer:    &stripe.Customer{ID: d.CustomerID},
		Status:      stripe.InvoiceStatusDraft,
		AmountDue:   d.Amount,
		Currency:    stripe.Currency(d.Currency),
		Metadata:    md,
		Description: d.Description,
	}
	f.Invoices = append(f.Invoices, inv)
	if d.IdempotencyKey != "" {
		if f.idempotency == nil {
			f.idempotency = map[string]*stripe.Invoice{}
		}
		f.idempotency[d.IdempotencyKey] = inv
	}
	return inv, nil
}

func (f *Fake) findInvoice(id string) (*stripe.Invoice, error) {
	for _, inv := range f.Invoices {
		if inv.ID == id {
			return inv, nil
		}
	}
	return nil, &stripe.Error{HTTPStatusCode: 404, Msg: "No such invoice: " + id}
}

func (f *Fake) FinalizeInvoice(_ context.Context, id string) (*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("FinalizeInvoice"); err != nil {
		return nil, err
	}
	inv, err := f.findInvoice(id)
	if err != nil {
		return nil, err
	}
	inv.Status = stripe.InvoiceStatusOpen
	inv.HostedInvoiceURL = "https://invoice.stripe.test/" + id
	inv.InvoicePDF = "https://invoice.stripe.test/" + id + ".pdf"
	return inv, nil
}

func (f *Fake) PayInvoiceOutOfBand(_ context.Context, id string) (*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("PayInvoiceOutOfBand"); err != nil {
		return nil, err
	}
	inv, err := f.findInvoice(id)
	if err != nil {
		return nil, err
	}
	inv.Status = stripe.InvoiceStatusPaid
	inv.Paid = true
	return inv, nil
}

func (f *Fake) SendInvoice(_ context.Context, id string) (*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SendInvoice"); err != nil {
		return nil, err
	}
	inv, err := f.findInvoice(id)
	if err != nil {
		return nil, err
	}
	f.SentInvoices = append(f.SentInvoices, id)
	return inv, nil
}

func (f *Fake) UpdateInvoiceMetadata(_ context.Context, id string, md map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("UpdateInvoiceMetadata"); err != nil {
		return err
	}
	inv, err := f.findInvoice(id)
	if err != nil {
		return err
	}
	if inv.Metadata == nil {
		inv.Metadata = map[string]string{}
	}
	for k, v := range md {
		inv.Metadata[k] = v
	}
	return nil
}

func (f *Fake) ListActivePrices(_ context.Context) ([]*stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ListActivePrices"); err != nil {
		return nil, err
	}
	return f.Prices, nil
}
