package checkout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"checkout-gateway/internal/domain/catalog"
	checkoutintent "checkout-gateway/internal/domain/checkout"
	stripeinfra "checkout-gateway/internal/infra/stripe"
)

type createSessionRequest struct {
	PriceID   string `json:"price_id" binding:"required,max=100"`
	Email     string `json:"email" binding:"required,email"`
	FirstName string `json:"first_name" binding:"max=100"`
	LastName  string `json:"last_name" binding:"max=100"`
	Phone     string `json:"phone" binding:"max=40"`
	BirthDate string `json:"birth_date" binding:"omitempty,datetime=2006-01-02"`
	VariantID string `json:"variant_id" binding:"max=100"`
}

// CreateSession opens a Stripe Checkout Session for an allow-listed price.
// The course list comes from the catalog, never from the request.
func (h *Handler) CreateSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	price, product, err := h.catalog.FindActivePrice(ctx, body.PriceID)
	if err != nil {
		if errors.Is(err, catalog.ErrPriceNotFound) || errors.Is(err, catalog.ErrProductNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown price_id"})
			return
		}
		h.logger.Error("price lookup failed", zap.String("price_id", body.PriceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load price"})
		return
	}

	intent := &checkoutintent.Intent{
		Version:      checkoutintent.CurrentVersion,
		Email:        body.Email,
		FirstName:    body.FirstName,
		LastName:     body.LastName,
		Phone:        body.Phone,
		BirthDate:    body.BirthDate,
		VariantID:    body.VariantID,
		ProductID:    product.StripeProductID,
		PriceID:      price.StripePriceID,
		CourseIDs:    []string(product.CourseIDs),
		PaymentType:  price.PaymentType(),
		PaymentCount: price.PaymentCount,
	}
	if err := intent.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.stripe.CreateCheckoutSession(ctx, SessionParams(intent, price, h.appURL))
	if err != nil {
		if errors.Is(err, stripeinfra.ErrNotConfigured) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Stripe key not configured"})
			return
		}
		h.logger.Error("checkout session creation failed", zap.String("price_id", price.StripePriceID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to create checkout session"})
		return
	}

	h.logger.Info("checkout session created",
		zap.String("session_id", sess.ID),
		zap.String("price_id", price.StripePriceID),
		zap.String("payment_type", string(intent.PaymentType)),
	)
	c.JSON(http.StatusOK, gin.H{"id": sess.ID, "url": sess.URL})
}

// SessionParams writes the intent onto the session and onto the object that
// outlives it: the payment intent for one-time payments, the subscription
// otherwise.
func SessionParams(intent *checkoutintent.Intent, price *catalog.Price, appURL string) *stripe.CheckoutSessionParams {
	md := intent.Metadata()

	params := &stripe.CheckoutSessionParams{
		SuccessURL:    stripe.String(appURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:     stripe.String(appURL + "/checkout?canceled=1"),
		CustomerEmail: stripe.String(intent.Email),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price.StripePriceID), Quantity: stripe.Int64(1)},
		},
	}
	for k, v := range md {
		params.AddMetadata(k, v)
	}

	if price.Recurring() {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: copyMap(md)}
		return params
	}

	params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
	params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: copyMap(md)}
	params.InvoiceCreation = &stripe.CheckoutSessionInvoiceCreationParams{
		Enabled: stripe.Bool(true),
		InvoiceData: &stripe.CheckoutSessionInvoiceCreationInvoiceDataParams{
			Metadata: copyMap(md),
		},
	}
	return params
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
