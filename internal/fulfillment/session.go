package fulfillment

import (
	"github.com/stripe/stripe-go/v75"

	"checkout-gateway/internal/domain/checkout"
)

// SessionInput builds the reconciliation input for an expanded checkout
// session. Callers set the Include flags for their path.
func SessionInput(sess *stripe.CheckoutSession, intent *checkout.Intent) Input {
	in := Input{
		TransactionID: sess.ID,
		Intent:        intent,
		Email:         sess.CustomerEmail,
		ProductIDs:    SessionProductIDs(sess),
	}
	if d := sess.CustomerDetails; d != nil {
		if d.Email != "" {
			in.Email = d.Email
		}
		in.FullName = d.Name
		in.Phone = d.Phone
	}
	if sess.Customer != nil {
		in.CustomerID = sess.Customer.ID
		if in.Email == "" {
			in.Email = sess.Customer.Email
		}
	}
	return in
}

// SessionProductIDs lists the Stripe products bought in sess.
func SessionProductIDs(sess *stripe.CheckoutSession) []string {
	if sess.LineItems == nil {
		return nil
	}
	var ids []string
	for _, li := range sess.LineItems.Data {
		if li != nil && li.Price != nil && li.Price.Product != nil && li.Price.Product.ID != "" {
			ids = append(ids, li.Price.Product.ID)
		}
	}
	return ids
}
