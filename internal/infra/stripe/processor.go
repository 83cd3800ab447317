package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripego "github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
	"go.uber.org/zap"

	"checkout-gateway/internal/logging"
)

var ErrNotConfigured = errors.New("stripe is not configured (STRIPE_SECRET_KEY)")

// InvoiceFilter narrows ListInvoices. Empty fields are not sent.
type InvoiceFilter struct {
	CustomerID     string
	SubscriptionID string
	Status         string
	Limit          int
}

// InvoiceDraft describes a manual invoice for an already collected payment.
type InvoiceDraft struct {
	CustomerID  string
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
	// IdempotencyKey makes a repeated create return the first invoice
	// instead of opening another one.
	IdempotencyKey string
}

// Processor is the subset of the Stripe API this service calls.
type Processor interface {
	GetCheckoutSession(ctx context.Context, id string) (*stripego.CheckoutSession, error)
	CreateCheckoutSession(ctx context.Context, params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)

	GetSubscription(ctx context.Context, id string) (*stripego.Subscription, error)
	CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) error
	UpdateSubscriptionMetadata(ctx context.Context, id string, md map[string]string) error
	UpdatePaymentIntentMetadata(ctx context.Context, id string, md map[string]string) error

	ListInvoices(ctx context.Context, f InvoiceFilter) ([]*stripego.Invoice, error)
	CreateInvoice(ctx context.Context, d InvoiceDraft) (*stripego.Invoice, error)
	FinalizeInvoice(ctx context.Context, id string) (*stripego.Invoice, error)
	PayInvoiceOutOfBand(ctx context.Context, id string) (*stripego.Invoice, error)
	SendInvoice(ctx context.Context, id string) (*stripego.Invoice, error)
	UpdateInvoiceMetadata(ctx context.Context, id string, md map[string]string) error

	ListActivePrices(ctx context.Context) ([]*stripego.Price, error)
}

// Client implements Processor on a per-instance stripe-go client, so nothing
// here touches the package-level stripe.Key.
type Client struct {
	api    *client.API
	logger *zap.Logger
}

func NewClient(secretKey string, backends *stripego.Backends, logger *zap.Logger) *Client {
	c := &Client{logger: logging.OrNop(logger).Named("stripe")}
	if key := strings.TrimSpace(secretKey); key != "" {
		c.api = client.New(key, backends)
	}
	return c
}

func (c *Client) ready() error {
	if c.api == nil {
		return ErrNotConfigured
	}
	return nil
}

func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*stripego.CheckoutSession, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripego.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items.data.price.product")
	params.AddExpand("customer")
	params.AddExpand("invoice")
	params.AddExpand("payment_intent")
	params.AddExpand("subscription")

	s, err := c.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", id, err)
	}
	return s, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params.Context = ctx
	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return s, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*stripego.Subscription, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice")
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", id, err)
	}
	return sub, nil
}

func (c *Client) CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	params := &stripego.SubscriptionParams{CancelAtPeriodEnd: stripego.Bool(true)}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Update(id, params); err != nil {
		return fmt.Errorf("cancel subscription %s at period end: %w", id, err)
	}
	return nil
}

func (c *Client) UpdateSubscriptionMetadata(ctx context.Context, id string, md map[string]string) error {
	if err := c.ready(); err != nil {
		return err
	}
	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	if _, err := c.api.Subscriptions.Update(id, params); err != nil {
		return fmt.Errorf("update subscription %s metadata: %w", id, err)
	}
	return nil
}

func (c *Client) UpdatePaymentIntentMetadata(ctx context.Context, id string, md map[string]string) error {
	if err := c.ready(); err != nil {
		return err
	}
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	if _, err := c.api.PaymentIntents.Update(id, params); err != nil {
		return fmt.Errorf("update payment intent %s metadata: %w", id, err)
	}
	return nil
}

func (c *Client) ListInvoices(ctx context.Context, f InvoiceFilter) ([]*stripego.Invoice, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripego.InvoiceListParams{}
	params.Context = ctx
	if f.CustomerID != "" {
		params.Customer = stripego.String(f.CustomerID)
	}
	if f.SubscriptionID != "" {
		params.Subscription = stripego.String(f.SubscriptionID)
	}
	if f.Status != "" {
		params.Status = stripego.String(f.Status)
	}
	if f.Limit > 0 {
		params.Limit = stripego.Int64(int64(f.Limit))
	}

	var out []*stripego.Invoice
	it := c.api.Invoices.List(params)
	for it.Next() {
		out = append(out, it.Invoice())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return out, nil
}

// CreateInvoice adds a single line for the draft amount and opens a
// send_invoice invoice due the next day.
func (c *Client) CreateInvoice(ctx context.Context, d InvoiceDraft) (*stripego.Invoice, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if d.CustomerID == "" {
		return nil, errors.New("create invoice: customer is required")
	}

	inv := &stripego.InvoiceParams{
		Customer:                    stripego.String(d.CustomerID),
		CollectionMethod:            stripego.String(string(stripego.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:                stripego.Int64(1),
		AutoAdvance:                 stripego.Bool(false),
		PendingInvoiceItemsBehavior: stripego.String("exclude"),
	}
	inv.Context = ctx
	if d.IdempotencyKey != "" {
		inv.SetIdempotencyKey(d.IdempotencyKey)
	}
	for k, v := range d.Metadata {
		inv.AddMetadata(k, v)
	}
	created, err := c.api.Invoices.New(inv)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	item := &stripego.InvoiceItemParams{
		Customer:    stripego.String(d.CustomerID),
		Invoice:     stripego.String(created.ID),
		Amount:      stripego.Int64(d.Amount),
		Currency:    stripego.String(d.Currency),
		Description: stripego.String(d.Description),
	}
	item.Context = ctx
	if d.IdempotencyKey != "" {
		item.SetIdempotencyKey(d.IdempotencyKey + "-item")
	}
	if _, err := c.api.InvoiceItems.New(item); err != nil {
		return nil, fmt.Errorf("add invoice item to %s: %w", created.ID, err)
	}
	return created, nil
}

func (c *Client) FinalizeInvoice(ctx context.Context, id string) (*stripego.Invoice, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripego.InvoiceFinalizeInvoiceParams{}
	params.Context = ctx
	inv, err := c.api.Invoices.FinalizeInvoice(id, params)
	if err != nil {
		return nil, fmt.Errorf("finalize invoice %s: %w", id, err)
	}
	return inv, nil
}

func (c *Client) PayInvoiceOutOfBand(ctx context.Context, id string) (*stripego.Invoice, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripego.InvoicePayParams{PaidOutOfBand: stripego.Bool(true)}
	params.Context = ctx
	inv, err := c.api.Invoices.Pay(id, params)
	if err != nil {
		return nil, fmt.Errorf("mark invoice %s paid: %w", id, err)
	}
	return inv, nil
}

func (c *Client) SendInvoice(ctx context.Context, id string) (*stripego.Invoice, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripego.InvoiceSendInvoiceParams{}
	params.Context = ctx
	inv, err := c.api.Invoices.SendInvoice(id, params)
	if err != nil {
		return nil, fmt.Errorf("send invoice %s: %w", id, err)
	}
	return inv, nil
}

func (c *Client) UpdateInvoiceMetadata(ctx context.Context, id string, md map[string]string) error {
	if err := c.ready(); err != nil {
		return err
	}
	params := &stripego.InvoiceParams{}
	params.Context = ctx
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	if _, err := c.api.Invoices.Update(id, params); err != nil {
		return fmt.Errorf("update invoice %s metadata: %w", id, err)
	}
	return nil
}

// ListActivePrices returns active prices with their products expanded.
func (c *Client) ListActivePrices(ctx context.Context) ([]*stripego.Price, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	params := &stripego.PriceListParams{}
	params.Context = ctx
	params.Active = stripego.Bool(true)
	params.AddExpand("data.product")

	var out []*stripego.Price
	it := c.api.Prices.List(params)
	for it.Next() {
		out = append(out, it.Price())
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	c.logger.Debug("listed prices", zap.Int("count", len(out)))
	return out, nil
}
