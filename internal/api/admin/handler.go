package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"checkout-gateway/internal/domain/webhook"
	"checkout-gateway/internal/enrollment"
	"checkout-gateway/internal/logging"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type FailedQueue interface {
	List(ctx context.Context, status string, limit int) ([]enrollment.FailedEnrollment, error)
	Get(ctx context.Context, id uint) (*enrollment.FailedEnrollment, error)
}

type Retrier interface {
	Retry(ctx context.Context, id uint) (bool, error)
}

type EventLister interface {
	List(ctx context.Context, status string, limit int) ([]webhook.Event, error)
}

type Deps struct {
	JWTSecret    string
	PasswordHash string // bcrypt hash of the operator password
	TokenTTL     time.Duration
	Failed       FailedQueue
	Retrier      Retrier
	Events       EventLister
}

// Handler serves the operator endpoints: login, the failed-enrollment queue
// and the webhook ledger.
type Handler struct {
	jwtSecret    []byte
	passwordHash []byte
	tokenTTL     time.Duration
	failed       FailedQueue
	retrier      Retrier
	events       EventLister
	now          func() time.Time
	logger       *zap.Logger
}

func NewHandler(d Deps, logger *zap.Logger) *Handler {
	if d.TokenTTL <= 0 {
		d.TokenTTL = 12 * time.Hour
	}
	return &Handler{
		jwtSecret:    []byte(d.JWTSecret),
		passwordHash: []byte(d.PasswordHash),
		tokenTTL:     d.TokenTTL,
		failed:       d.Failed,
		retrier:      d.Retrier,
		events:       d.Events,
		now:          time.Now,
		logger:       logging.OrNop(logger).Named("admin"),
	}
}

func (h *Handler) ListFailedEnrollments(c *gin.Context) {
	status := c.DefaultQuery("status", enrollment.FailedStatusPending)
	if status == "all" {
		status = ""
	}
	rows, err := h.failed.List(c.Request.Context(), status, listLimit(c))
	if err != nil {
		h.logger.Error("list failed enrollments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load failed enrollments"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// RetryFailedEnrollment forces one attempt now, outside the cron schedule.
func (h *Handler) RetryFailedEnrollment(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return
	}
	ctx := c.Request.Context()

	resolved, err := h.retrier.Retry(ctx, uint(id))
	if err != nil {
		if errors.Is(err, enrollment.ErrFailedEnrollmentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Failed enrollment not found"})
			return
		}
		h.logger.Error("forced enrollment retry failed", zap.Uint64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Retry failed"})
		return
	}

	row, err := h.failed.Get(ctx, uint(id))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"resolved": resolved})
		return
	}
	h.logger.Info("forced enrollment retry", zap.Uint64("id", id), zap.Bool("resolved", resolved))
	c.JSON(http.StatusOK, gin.H{"resolved": resolved, "enrollment": row})
}

func (h *Handler) ListWebhookEvents(c *gin.Context) {
	events, err := h.events.List(c.Request.Context(), c.Query("status"), listLimit(c))
	if err != nil {
		h.logger.Error("list webhook events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load webhook events"})
		return
	}
	c.JSON(http.StatusOK, events)
}

func listLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
