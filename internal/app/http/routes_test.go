package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	adminapi "checkout-gateway/internal/api/admin"
	checkoutapi "checkout-gateway/internal/api/checkout"
	"checkout-gateway/internal/api/products"
	"checkout-gateway/internal/api/stripewebhook"
	"checkout-gateway/internal/infra/stripe/stripetest"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	fake := stripetest.New()
	r := gin.New()
	RegisterRoutes(r, Handlers{
		Webhook:   stripewebhook.NewRouter(stripewebhook.DispatchFunc(nil), stripewebhook.RouterConfig{}, nil),
		Checkout:  checkoutapi.NewHandler(checkoutapi.Deps{Stripe: fake, AppURL: "https://shop.test"}, nil),
		Products:  products.NewHandler(fake, nil, nil),
		Admin:     adminapi.NewHandler(adminapi.Deps{JWTSecret: "s"}, nil),
		JWTSecret: "s",
	})
	return r
}

func TestRegisterRoutes(t *testing.T) {
	r := newEngine()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"success page without session", http.MethodGet, "/checkout/success", "", http.StatusFound},
		{"webhook without secret", http.MethodPost, "/webhooks/stripe", "{}", http.StatusInternalServerError},
		{"login not configured", http.MethodPost, "/admin/login", `{"password":"x"}`, http.StatusServiceUnavailable},
		{"admin requires token", http.MethodGet, "/admin/enrollments/failed", "", http.StatusUnauthorized},
		{"admin put requires token", http.MethodPut, "/admin/products/1/courses", `{"course_ids":["a"]}`, http.StatusUnauthorized},
		{"sync requires token", http.MethodPost, "/admin/sync-products", "", http.StatusUnauthorized},
		{"events require token", http.MethodGet, "/admin/webhook-events", "", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
