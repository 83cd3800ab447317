package products

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"checkout-gateway/internal/domain/catalog"
	"checkout-gateway/internal/logging"
)

type Handler struct {
	prices PriceLister
	repo   catalog.Repository
	logger *zap.Logger
}

func NewHandler(prices PriceLister, repo catalog.Repository, logger *zap.Logger) *Handler {
	return &Handler{prices: prices, repo: repo, logger: logging.OrNop(logger).Named("products")}
}

// ListPublic returns the purchasable catalog for the storefront.
func (h *Handler) ListPublic(c *gin.Context) {
	list, err := h.repo.ListProducts(c.Request.Context())
	if err != nil {
		h.logger.Error("list products failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load products"})
		return
	}

	out := make([]catalog.Product, 0, len(list))
	for _, p := range list {
		if !p.Active {
			continue
		}
		prices := make([]catalog.Price, 0, len(p.Prices))
		for _, pr := range p.Prices {
			if pr.Active {
				prices = append(prices, pr)
			}
		}
		if len(prices) == 0 {
			continue
		}
		p.Prices = prices
		out = append(out, p)
	}
	c.JSON(http.StatusOK, out)
}

// ListAll is the admin view, inactive entries included.
func (h *Handler) ListAll(c *gin.Context) {
	list, err := h.repo.ListProducts(c.Request.Context())
	if err != nil {
		h.logger.Error("list products failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load products"})
		return
	}
	c.JSON(http.StatusOK, list)
}

// SetCourses overrides the course list of a product and pins it against
// later syncs.
func (h *Handler) SetCourses(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product id"})
		return
	}

	var body struct {
		CourseIDs []string `json:"course_ids" binding:"required,max=50,dive,required,max=64"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.repo.SetProductCourses(c.Request.Context(), uint(id), body.CourseIDs)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		h.logger.Error("set product courses failed", zap.Uint64("product_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update product"})
		return
	}
	h.logger.Info("product courses pinned", zap.Uint64("product_id", id), zap.Strings("course_ids", body.CourseIDs))
	c.JSON(http.StatusOK, p)
}
