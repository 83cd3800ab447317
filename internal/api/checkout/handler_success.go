package checkout

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	checkoutintent "checkout-gateway/internal/domain/checkout"
	"checkout-gateway/internal/fulfillment"
	stripeinfra "checkout-gateway/internal/infra/stripe"
)

const (
	msgLookupFailed     = "We could not find your checkout session."
	msgNotPaid          = "Payment has not been completed."
	msgProvisionFailed  = "Your payment was successful, but we could not set up your account yet. Our team has been notified and will finish it shortly."
	msgEnrollmentFailed = "Your payment was successful, but some courses could not be unlocked yet. We will retry automatically."
)

// SuccessResult is what the storefront's success page renders.
type SuccessResult struct {
	Success         bool     `json:"success"`
	PartialSuccess  bool     `json:"partialSuccess"`
	CustomerEmail   string   `json:"customerEmail,omitempty"`
	HasEnrollment   bool     `json:"hasEnrollment"`
	EnrolledCourses []string `json:"enrolledCourses"`
	FailedCourses   []string `json:"failedCourses"`
	Error           string   `json:"error,omitempty"`
	InvoiceURL      string   `json:"invoiceUrl,omitempty"`
	InvoicePDF      string   `json:"invoicePdf,omitempty"`
}

func (h *Handler) Success(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		c.Redirect(http.StatusFound, h.homeURL())
		return
	}
	res, status := h.ProcessSuccess(c.Request.Context(), sessionID)
	c.JSON(status, res)
}

// ProcessSuccess provisions a paid session synchronously. Once Stripe
// confirms payment the result is a success; provisioning problems only
// downgrade it to a partial success.
func (h *Handler) ProcessSuccess(ctx context.Context, sessionID string) (*SuccessResult, int) {
	res := &SuccessResult{EnrolledCourses: []string{}, FailedCourses: []string{}}
	log := h.logger.With(zap.String("session_id", sessionID))

	sess, err := h.stripe.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		log.Error("checkout session lookup failed", zap.Error(err))
		res.Error = msgLookupFailed
		return res, lookupStatus(err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		log.Info("success page visited before payment completed", zap.String("payment_status", string(sess.PaymentStatus)))
		res.Error = msgNotPaid
		return res, http.StatusOK
	}
	res.Success = true

	intent, err := checkoutintent.ParseIntent(sess.Metadata)
	if err != nil {
		log.Error("invalid checkout metadata, falling back to catalog", zap.Error(err))
		intent = nil
	} else if len(intent.Dropped) > 0 {
		log.Warn("ignored malformed checkout metadata", zap.Strings("keys", intent.Dropped))
	}

	// Phone stays out of this path: the platform rejects a phone number that
	// already belongs to another contact.
	in := fulfillment.SessionInput(sess, intent)
	in.IncludeLegacyCourseID = true
	res.CustomerEmail = in.Email
	if intent != nil && intent.Email != "" {
		res.CustomerEmail = intent.Email
	}

	out, err := h.reconciler.Reconcile(ctx, in)
	switch {
	case err != nil:
		log.Error("success page provisioning failed", zap.Error(err))
		res.PartialSuccess = true
		res.Error = msgProvisionFailed
	default:
		if out.Enrollment != nil {
			res.EnrolledCourses = out.Enrollment.Succeeded
			res.FailedCourses = out.Enrollment.Failed
			res.HasEnrollment = len(out.Enrollment.Succeeded) > 0
			if !out.Enrollment.Success {
				res.PartialSuccess = true
				res.Error = msgEnrollmentFailed
			}
		}
		h.markHandled(ctx, sess, log)
	}

	links, err := h.invoicer.EnsureInvoice(ctx, sess, true)
	if err != nil {
		log.Warn("invoice handling failed", zap.Error(err))
	} else {
		res.InvoiceURL, res.InvoicePDF = links.HostedURL, links.PDF
	}
	return res, http.StatusOK
}

// markHandled tells a later checkout webhook that this session is done.
func (h *Handler) markHandled(ctx context.Context, sess *stripe.CheckoutSession, log *zap.Logger) {
	md := map[string]string{checkoutintent.KeyHandledBy: checkoutintent.HandledBySuccessPage}
	var err error
	switch {
	case sess.Subscription != nil && sess.Subscription.ID != "":
		err = h.stripe.UpdateSubscriptionMetadata(ctx, sess.Subscription.ID, md)
	case sess.PaymentIntent != nil && sess.PaymentIntent.ID != "":
		err = h.stripe.UpdatePaymentIntentMetadata(ctx, sess.PaymentIntent.ID, md)
	default:
		return
	}
	if err != nil {
		log.Warn("could not mark session as handled by success page", zap.Error(err))
	}
}

func lookupStatus(err error) int {
	if errors.Is(err, stripeinfra.ErrNotConfigured) {
		return http.StatusInternalServerError
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}
