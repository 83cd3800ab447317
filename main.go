package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"checkout-gateway/config"
	"checkout-gateway/database"
	adminapi "checkout-gateway/internal/api/admin"
	checkoutapi "checkout-gateway/internal/api/checkout"
	"checkout-gateway/internal/api/products"
	"checkout-gateway/internal/api/stripewebhook"
	routes "checkout-gateway/internal/app/http"
	"checkout-gateway/internal/app/http/middleware"
	"checkout-gateway/internal/domain/catalog"
	"checkout-gateway/internal/domain/webhook"
	"checkout-gateway/internal/enrollment"
	"checkout-gateway/internal/fulfillment"
	"checkout-gateway/internal/infra/clickfunnels"
	stripeinfra "checkout-gateway/internal/infra/stripe"
	"checkout-gateway/internal/logging"
)

func main() {
	cfg := config.LoadEnv()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.InitDB(cfg.DBURL)
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	logger.Info("connected and migrated")

	stripeClient := stripeinfra.NewClient(cfg.Stripe.SecretKey, nil, logger)
	funnel := clickfunnels.NewClient(clickfunnels.Config{
		BaseURL:     cfg.Funnel.BaseURL,
		APIToken:    cfg.Funnel.APIToken,
		WorkspaceID: cfg.Funnel.WorkspaceID,
	}, logger)

	catalogRepo := catalog.NewRepository(db)
	failedRepo := enrollment.NewFailedRepository(db, cfg.Enrollment.RetryInitialBackoff)
	events := webhook.NewStore(db, 0)

	orchestrator := enrollment.NewOrchestrator(funnel, newTracker(cfg, logger), enrollment.OrchestratorConfig{
		MaxAttempts: cfg.Enrollment.MaxAttempts,
		RetryDelay:  cfg.Enrollment.RetryDelay,
		Recorder:    failedRepo,
	}, logger)
	reconciler := fulfillment.NewReconciler(funnel, orchestrator, catalogRepo, logger)
	invoicer := fulfillment.NewInvoicer(stripeClient, logger)

	retryJob := enrollment.NewRetryJob(failedRepo, funnel, enrollment.RetryJobConfig{
		Schedule:       cfg.Enrollment.RetrySchedule,
		MaxAttempts:    cfg.Enrollment.RetryMaxAttempts,
		InitialBackoff: cfg.Enrollment.RetryInitialBackoff,
	}, logger)
	if err := retryJob.Start(); err != nil {
		logger.Fatal("retry job", zap.Error(err))
	}

	eventHandlers := stripewebhook.NewHandlers(stripewebhook.Deps{
		Stripe:     stripeClient,
		Contacts:   funnel,
		Reconciler: reconciler,
		Invoicer:   invoicer,
	}, logger)

	webhookRouter := stripewebhook.NewRouter(eventHandlers, stripewebhook.RouterConfig{
		Secret:  cfg.Stripe.WebhookSecret,
		Timeout: cfg.Stripe.WebhookTimeout,
		Events:  events,
	}, logger)

	h := routes.Handlers{
		Webhook: webhookRouter,
		Checkout: checkoutapi.NewHandler(checkoutapi.Deps{
			Stripe:     stripeClient,
			Catalog:    catalogRepo,
			Reconciler: reconciler,
			Invoicer:   invoicer,
			AppURL:     cfg.AppURL,
		}, logger),
		Products: products.NewHandler(stripeClient, catalogRepo, logger),
		Admin: adminapi.NewHandler(adminapi.Deps{
			JWTSecret:    cfg.JWTSecret,
			PasswordHash: cfg.AdminPasswordHash,
			Failed:       failedRepo,
			Retrier:      retryJob,
			Events:       events,
		}, logger),
		JWTSecret: cfg.JWTSecret,
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.CORSOrigin},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.HeaderRequestID},
		ExposeHeaders:    []string{"Content-Length", middleware.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	routes.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	logger.Info("signal received, starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	// Events answered with 202 are still being provisioned.
	if err := webhookRouter.Wait(ctx); err != nil {
		logger.Error("exiting with webhook work unfinished", zap.Error(err))
	}
	retryJob.Stop()
	logger.Info("shutdown complete")
}

// newTracker shares the enrollment guard through Redis when REDIS_URL is
// set and falls back to the in-process tracker otherwise.
func newTracker(cfg *config.Config, logger *zap.Logger) enrollment.Tracker {
	if cfg.RedisURL == "" {
		return enrollment.NewMemoryTracker(cfg.Enrollment.TrackerTTL, cfg.Enrollment.TrackerMaxEntries)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-memory enrollment tracker", zap.Error(err))
		_ = client.Close()
		return enrollment.NewMemoryTracker(cfg.Enrollment.TrackerTTL, cfg.Enrollment.TrackerMaxEntries)
	}
	// Redis keys always expire; the in-memory tracker dies with the process anyway.
	ttl := cfg.Enrollment.TrackerTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	logger.Info("enrollment tracker on redis", zap.Duration("ttl", ttl))
	return enrollment.NewRedisTracker(client, ttl, logger)
}
