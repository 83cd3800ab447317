package products

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"checkout-gateway/internal/domain/catalog"
	"checkout-gateway/internal/domain/checkout"
	stripeinfra "checkout-gateway/internal/infra/stripe"
)

type PriceLister interface {
	ListActivePrices(ctx context.Context) ([]*stripe.Price, error)
}

type SyncResult struct {
	Synced  int `json:"synced"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// SyncFromStripe copies active prices and their products into the catalog.
// Course lists come from product metadata unless an admin pinned them.
func SyncFromStripe(ctx context.Context, prices PriceLister, repo catalog.Repository, log *zap.Logger) (SyncResult, error) {
	var res SyncResult

	list, err := prices.ListActivePrices(ctx)
	if err != nil {
		return res, err
	}

	seenProducts := map[string]bool{}
	for _, p := range list {
		if p == nil || !p.Active || p.Product == nil || !p.Product.Active {
			res.Skipped++
			continue
		}
		// visibility flag
		if p.Metadata != nil && p.Metadata["visible"] == "false" {
			res.Skipped++
			continue
		}

		if !seenProducts[p.Product.ID] {
			seenProducts[p.Product.ID] = true
			courseIDs, err := checkout.ParseCourseIDs(p.Product.Metadata[catalog.MetadataCourseIDs])
			if err != nil && p.Product.Metadata[catalog.MetadataCourseIDs] != "" {
				log.Warn("product has malformed course ids", zap.String("product_id", p.Product.ID), zap.Error(err))
			}
			if _, err := repo.UpsertProduct(ctx, &catalog.Product{
				StripeProductID: p.Product.ID,
				Name:            p.Product.Name,
				CourseIDs:       courseIDs,
				Active:          true,
			}); err != nil {
				return res, err
			}
		}

		price := &catalog.Price{
			StripePriceID:   p.ID,
			StripeProductID: p.Product.ID,
			Nickname:        p.Nickname,
			UnitAmount:      p.UnitAmount,
			Currency:        string(p.Currency),
			Active:          true,
		}
		if p.Recurring != nil {
			price.Interval = string(p.Recurring.Interval)
			price.IntervalCount = p.Recurring.IntervalCount
			if raw := p.Metadata[catalog.MetadataPaymentCount]; raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					log.Warn("price has invalid payment count, treating as subscription", zap.String("price_id", p.ID), zap.String("payment_count", raw))
				} else {
					price.PaymentCount = n
				}
			}
		}

		created, err := repo.UpsertPrice(ctx, price)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		res.Synced++
	}
	return res, nil
}

func (h *Handler) SyncProducts(c *gin.Context) {
	res, err := SyncFromStripe(c.Request.Context(), h.prices, h.repo, h.logger)
	if err != nil {
		if errors.Is(err, stripeinfra.ErrNotConfigured) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Stripe key not configured"})
			return
		}
		h.logger.Error("product sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sync products", "details": err.Error()})
		return
	}
	h.logger.Info("product sync finished",
		zap.Int("synced", res.Synced),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
	)
	c.JSON(http.StatusOK, res)
}
