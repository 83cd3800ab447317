package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"
	"go.uber.org/zap"

	webhookevents "checkout-gateway/internal/domain/webhook"
	"checkout-gateway/internal/logging"
)

const (
	maxBodyBytes   = 65536
	DefaultTimeout = 10 * time.Second
)

// Dispatcher runs the handler for one verified event.
type Dispatcher interface {
	Dispatch(ctx context.Context, event stripe.Event) error
}

type DispatchFunc func(ctx context.Context, event stripe.Event) error

func (f DispatchFunc) Dispatch(ctx context.Context, event stripe.Event) error { return f(ctx, event) }

type RouterConfig struct {
	Secret  string
	Timeout time.Duration
	// Events is optional; without it every delivery is processed.
	Events webhookevents.Store
}

// Router verifies Stripe deliveries and hands them to a Dispatcher. It always
// answers with an acknowledgement body so Stripe does not treat a processing
// bug as a failed delivery.
type Router struct {
	secret     string
	timeout    time.Duration
	events     webhookevents.Store
	dispatcher Dispatcher
	logger     *zap.Logger

	inflight sync.WaitGroup
}

func NewRouter(d Dispatcher, cfg RouterConfig, logger *zap.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Router{
		secret:     cfg.Secret,
		timeout:    cfg.Timeout,
		events:     cfg.Events,
		dispatcher: d,
		logger:     logging.OrNop(logger).Named("stripe_webhook"),
	}
}

func (rt *Router) Handle(c *gin.Context) {
	if rt.secret == "" {
		rt.logger.Error("webhook secret not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook secret not configured"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.String(http.StatusBadRequest, "Webhook Error: Missing signature header")
		return
	}

	payload, err := readStripeBody(c, maxBodyBytes)
	if err != nil {
		c.String(http.StatusBadRequest, "Webhook Error: %s", err.Error())
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, rt.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		rt.logger.Warn("stripe signature verification failed", zap.Error(err))
		c.String(http.StatusBadRequest, "Webhook Error: %s", err.Error())
		return
	}

	log := rt.logger.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	if rt.events != nil {
		duplicate, err := rt.events.Begin(c.Request.Context(), event.ID, string(event.Type))
		switch {
		case err != nil:
			log.Warn("webhook ledger unavailable, processing anyway", zap.Error(err))
		case duplicate:
			log.Info("duplicate delivery acknowledged")
			c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
			return
		}
	}

	// The handler outlives the response when the timeout wins, so it must not
	// inherit the request's cancellation.
	ctx := context.WithoutCancel(c.Request.Context())
	done := make(chan error, 1)
	rt.inflight.Add(1)
	go func() {
		defer rt.inflight.Done()
		err := rt.run(ctx, event)
		rt.record(ctx, event, err, log)
		done <- err
	}()

	timer := time.NewTimer(rt.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			log.Error("webhook handler failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"received": true, "error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	case <-timer.C:
		log.Warn("webhook processing exceeded timeout, continuing in background", zap.Duration("timeout", rt.timeout))
		c.JSON(http.StatusAccepted, gin.H{
			"received": true,
			"error":    "Webhook processing timed out",
			"message":  fmt.Sprintf("Event %s accepted; processing continues in the background", event.ID),
		})
	}
}

// Wait blocks until every dispatched event, including those that outlived
// their response, has finished and been recorded, or until ctx is done.
// Call it after the HTTP server has stopped accepting requests.
func (rt *Router) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		rt.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook handlers still running: %w", ctx.Err())
	}
}

func (rt *Router) run(ctx context.Context, event stripe.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", event.Type, r)
		}
	}()
	return rt.dispatcher.Dispatch(ctx, event)
}

// record runs on the handler goroutine, so the ledger is updated even when
// the response went out on timeout.
func (rt *Router) record(ctx context.Context, event stripe.Event, handlerErr error, log *zap.Logger) {
	if rt.events == nil {
		return
	}
	var err error
	if handlerErr != nil {
		err = rt.events.Fail(ctx, event.ID, handlerErr)
	} else {
		err = rt.events.Complete(ctx, event.ID)
	}
	if err != nil {
		log.Warn("could not update webhook ledger", zap.Error(err))
	}
}

func readStripeBody(c *gin.Context, maxBytes int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
	payload, err := io.ReadAll(c.Request.Body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBytes)
	}
	return payload, err
}
