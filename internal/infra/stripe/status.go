package stripe

import (
	"strings"

	stripego "github.com/stripe/stripe-go/v75"
)

// Status values written to the contact's subscription_status field.
const (
	StatusNone      = "none"
	StatusActive    = "active"
	StatusTrialing  = "trialing"
	StatusPastDue   = "past_due"
	StatusCanceled  = "canceled"
	StatusCompleted = "completed"
)

// NormalizeSubscriptionStatus folds Stripe's subscription states into the
// smaller set the funnel platform segments on.
func NormalizeSubscriptionStatus(s stripego.SubscriptionStatus) string {
	v := strings.TrimSpace(string(s))
	switch v {
	case "":
		return StatusNone
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid", "incomplete":
		return StatusPastDue
	case "canceled", "incomplete_expired":
		return StatusCanceled
	default:
		return v
	}
}
