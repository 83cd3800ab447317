package checkout

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"checkout-gateway/internal/domain/catalog"
	"checkout-gateway/internal/fulfillment"
	stripeinfra "checkout-gateway/internal/infra/stripe"
	"checkout-gateway/internal/logging"
)

// PriceFinder resolves an allow-listed price and its product.
type PriceFinder interface {
	FindActivePrice(ctx context.Context, stripePriceID string) (*catalog.Price, *catalog.Product, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, in fulfillment.Input) (*fulfillment.Outcome, error)
}

type Invoicer interface {
	EnsureInvoice(ctx context.Context, sess *stripe.CheckoutSession, send bool) (*fulfillment.InvoiceLinks, error)
}

type Deps struct {
	Stripe     stripeinfra.Processor
	Catalog    PriceFinder
	Reconciler Reconciler
	Invoicer   Invoicer
	// AppURL is the storefront origin used for redirects.
	AppURL string
}

// Handler serves checkout session creation and the buyer's return from
// Stripe Checkout.
type Handler struct {
	stripe     stripeinfra.Processor
	catalog    PriceFinder
	reconciler Reconciler
	invoicer   Invoicer
	appURL     string
	logger     *zap.Logger
}

func NewHandler(d Deps, logger *zap.Logger) *Handler {
	return &Handler{
		stripe:     d.Stripe,
		catalog:    d.Catalog,
		reconciler: d.Reconciler,
		invoicer:   d.Invoicer,
		appURL:     strings.TrimRight(d.AppURL, "/"),
		logger:     logging.OrNop(logger).Named("checkout"),
	}
}

func (h *Handler) homeURL() string {
	return h.appURL + "/"
}
