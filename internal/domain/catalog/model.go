package catalog

import (
	"time"

	"gorm.io/datatypes"

	"checkout-gateway/internal/domain/checkout"
)

// MetadataCourseIDs is the Stripe product metadata key holding the JSON list
// of ClickFunnels course IDs granted by the product.
const MetadataCourseIDs = checkout.KeyCourseIDs

// MetadataPaymentCount on a recurring price marks it as a payment plan with
// that many installments.
const MetadataPaymentCount = checkout.KeyPaymentCount

type Product struct {
	ID              uint                        `gorm:"primaryKey" json:"id"`
	StripeProductID string                      `gorm:"column:stripe_product_id;not null;uniqueIndex:idx_products_stripe_product_id" json:"stripe_product_id"`
	Name            string                      `json:"name"`
	CourseIDs       datatypes.JSONSlice[string] `json:"course_ids"`
	CoursesPinned   bool                        `gorm:"not null;default:false" json:"courses_pinned"` // set by an admin edit; sync leaves CourseIDs alone
	Active          bool                        `gorm:"not null" json:"active"`
	Prices          []Price                     `gorm:"foreignKey:StripeProductID;references:StripeProductID" json:"prices,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

type Price struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	StripePriceID   string    `gorm:"column:stripe_price_id;not null;uniqueIndex:idx_prices_stripe_price_id" json:"stripe_price_id"`
	StripeProductID string    `gorm:"column:stripe_product_id;not null;index" json:"stripe_product_id"`
	Nickname        string    `json:"nickname,omitempty"`
	UnitAmount      int64     `json:"unit_amount"`
	Currency        string    `json:"currency"`
	Interval        string    `json:"interval,omitempty"` // empty for one-time prices
	IntervalCount   int64     `json:"interval_count,omitempty"`
	PaymentCount    int       `json:"payment_count,omitempty"`
	Active          bool      `gorm:"not null" json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (p *Price) Recurring() bool {
	return p.Interval != ""
}

func (p *Price) PaymentType() checkout.PaymentType {
	switch {
	case !p.Recurring():
		return checkout.PaymentTypeOneTime
	case p.PaymentCount > 0:
		return checkout.PaymentTypePaymentPlan
	default:
		return checkout.PaymentTypeSubscription
	}
}
