package stripewebhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"checkout-gateway/internal/domain/checkout"
	"checkout-gateway/internal/fulfillment"
	"checkout-gateway/internal/infra/clickfunnels"
	stripeinfra "checkout-gateway/internal/infra/stripe"
	"checkout-gateway/internal/logging"
)

// Stripe event types this service reacts to.
const (
	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventInvoicePaid                   = "invoice.paid"
	EventSubscriptionCreated           = "customer.subscription.created"
	EventSubscriptionUpdated           = "customer.subscription.updated"
	EventSubscriptionDeleted           = "customer.subscription.deleted"
)

// ContactStore is the contact lookup and enrichment the handlers write through.
type ContactStore interface {
	FindContactByEmail(ctx context.Context, email string) (*clickfunnels.Contact, error)
	UpdateContact(ctx context.Context, contactID int64, in clickfunnels.ContactInput) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, in fulfillment.Input) (*fulfillment.Outcome, error)
}

type Invoicer interface {
	EnsureInvoice(ctx context.Context, sess *stripe.CheckoutSession, send bool) (*fulfillment.InvoiceLinks, error)
}

type Deps struct {
	Stripe     stripeinfra.Processor
	Contacts   ContactStore
	Reconciler Reconciler
	Invoicer   Invoicer
}

// Handlers holds one method per Stripe event type. Writes to the funnel
// platform are enrichment: a contact that cannot be found is logged and the
// event is still acknowledged.
type Handlers struct {
	stripe     stripeinfra.Processor
	contacts   ContactStore
	reconciler Reconciler
	invoicer   Invoicer
	now        func() time.Time
	logger     *zap.Logger
}

func NewHandlers(d Deps, logger *zap.Logger) *Handlers {
	return &Handlers{
		stripe:     d.Stripe,
		contacts:   d.Contacts,
		reconciler: d.Reconciler,
		invoicer:   d.Invoicer,
		now:        time.Now,
		logger:     logging.OrNop(logger).Named("stripe_events"),
	}
}

func (h *Handlers) Dispatch(ctx context.Context, event stripe.Event) error {
	switch string(event.Type) {
	case EventCheckoutSessionCompleted, EventCheckoutAsyncPaymentSucceeded:
		return h.checkoutSessionCompleted(ctx, event)
	case EventInvoicePaid:
		return h.invoicePaid(ctx, event)
	case EventSubscriptionCreated:
		return h.subscriptionCreated(ctx, event)
	case EventSubscriptionUpdated:
		return h.subscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return h.subscriptionDeleted(ctx, event)
	default:
		h.logger.Info("ignoring unhandled stripe event", zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
		return nil
	}
}

// findContact never fails the event: a missing contact only means there is
// nothing to enrich.
func (h *Handlers) findContact(ctx context.Context, email string, log *zap.Logger) (*clickfunnels.Contact, bool) {
	if email == "" {
		log.Warn("no email on event, skipping contact update")
		return nil, false
	}
	contact, err := h.contacts.FindContactByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, clickfunnels.ErrContactNotFound) {
			log.Info("no contact for email, skipping update", zap.String("email", email))
		} else {
			log.Warn("contact lookup failed, skipping update", zap.String("email", email), zap.Error(err))
		}
		return nil, false
	}
	return contact, true
}

func (h *Handlers) updateContact(ctx context.Context, contact *clickfunnels.Contact, fields map[string]string, log *zap.Logger) {
	err := h.contacts.UpdateContact(ctx, contact.ID, clickfunnels.ContactInput{CustomFields: fields})
	if err != nil {
		log.Warn("contact update failed", zap.Int64("contact_id", contact.ID), zap.Error(err))
		return
	}
	log.Info("contact updated", zap.Int64("contact_id", contact.ID))
}

// paidInvoiceCount counts the paid invoices of a subscription, including the
// one that triggered the current event.
func (h *Handlers) paidInvoiceCount(ctx context.Context, subscriptionID string) (int, error) {
	invoices, err := h.stripe.ListInvoices(ctx, stripeinfra.InvoiceFilter{
		SubscriptionID: subscriptionID,
		Status:         string(stripe.InvoiceStatusPaid),
		Limit:          100,
	})
	if err != nil {
		return 0, err
	}
	return len(invoices), nil
}

// subscriptionEmail takes the buyer email from the subscription's intent and
// falls back to its latest invoice.
func (h *Handlers) subscriptionEmail(ctx context.Context, sub *stripe.Subscription, intent *checkout.Intent) string {
	if intent.Email != "" {
		return intent.Email
	}
	if sub.Customer != nil && sub.Customer.Email != "" {
		return sub.Customer.Email
	}
	full, err := h.stripe.GetSubscription(ctx, sub.ID)
	if err != nil || full.LatestInvoice == nil {
		return ""
	}
	return strings.TrimSpace(full.LatestInvoice.CustomerEmail)
}

// intentOf parses metadata for subscription events, which only read the
// payment plan fields: a rejected bag degrades to an empty intent.
func intentOf(md map[string]string, log *zap.Logger) *checkout.Intent {
	intent, err := checkout.ParseIntent(md)
	if err != nil {
		log.Warn("invalid checkout metadata", zap.Error(err))
		return &checkout.Intent{}
	}
	if len(intent.Dropped) > 0 {
		log.Warn("ignored malformed checkout metadata", zap.Strings("keys", intent.Dropped))
	}
	return intent
}

func formatDate(unix int64) string {
	if unix <= 0 {
		return ""
	}
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

// ProjectEndDate returns when a payment plan started at start finishes:
// paymentCount billing periods of intervalCount intervals each.
func ProjectEndDate(start time.Time, interval stripe.PriceRecurringInterval, intervalCount int64, paymentCount int) time.Time {
	if intervalCount <= 0 {
		intervalCount = 1
	}
	n := int(intervalCount) * paymentCount
	switch interval {
	case stripe.PriceRecurringIntervalDay:
		return start.AddDate(0, 0, n)
	case stripe.PriceRecurringIntervalWeek:
		return start.AddDate(0, 0, 7*n)
	case stripe.PriceRecurringIntervalYear:
		return start.AddDate(n, 0, 0)
	default:
		return start.AddDate(0, n, 0)
	}
}

func subscriptionInterval(sub *stripe.Subscription) (stripe.PriceRecurringInterval, int64, bool) {
	if sub.Items == nil {
		return "", 0, false
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil || item.Price.Recurring == nil {
			continue
		}
		return item.Price.Recurring.Interval, item.Price.Recurring.IntervalCount, true
	}
	return "", 0, false
}
