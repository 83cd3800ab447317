package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	adminapi "checkout-gateway/internal/api/admin"
	checkoutapi "checkout-gateway/internal/api/checkout"
	"checkout-gateway/internal/api/products"
	"checkout-gateway/internal/api/stripewebhook"
	"checkout-gateway/internal/app/http/middleware"
)

type Handlers struct {
	Webhook   *stripewebhook.Router
	Checkout  *checkoutapi.Handler
	Products  *products.Handler
	Admin     *adminapi.Handler
	JWTSecret string
}

func RegisterRoutes(r *gin.Engine, h Handlers) {
	// Raw body: the signature is computed over the exact bytes.
	r.POST("/webhooks/stripe", h.Webhook.Handle)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/products", h.Products.ListPublic)
	r.GET("/checkout/success", h.Checkout.Success)

	// Not sanitized: the strict policy escapes quotes and ampersands, which
	// would corrupt buyer names and passwords. Binding tags validate these.
	r.POST("/checkout/sessions", h.Checkout.CreateSession)
	r.POST("/admin/login", h.Admin.Login)

	admin := r.Group("/admin")
	admin.Use(
		middleware.AuthMiddleware(h.JWTSecret),
		middleware.RequireRole(adminapi.RoleAdmin),
		middleware.SanitizeAndCleanInputMiddleware(),
	)
	admin.GET("/products", h.Products.ListAll)
	admin.PUT("/products/:id/courses", h.Products.SetCourses)
	admin.POST("/sync-products", h.Products.SyncProducts)
	admin.GET("/enrollments/failed", h.Admin.ListFailedEnrollments)
	admin.POST("/enrollments/failed/:id/retry", h.Admin.RetryFailedEnrollment)
	admin.GET("/webhook-events", h.Admin.ListWebhookEvents)
}
