// Package main runs the payments service: tips, escrow and agent wallet spending.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Asupkay/vibe-platform/internal/chain"
	"github.com/Asupkay/vibe-platform/internal/config"
	"github.com/Asupkay/vibe-platform/internal/kv"
	"github.com/Asupkay/vibe-platform/internal/logging"
	"github.com/Asupkay/vibe-platform/internal/metrics"
	"github.com/Asupkay/vibe-platform/internal/middleware"
	commonservice "github.com/Asupkay/vibe-platform/services/common/service"
	"github.com/Asupkay/vibe-platform/services/dispatcher"
	"github.com/Asupkay/vibe-platform/services/payments/ledger"
	paymentsmarble "github.com/Asupkay/vibe-platform/services/payments/marble"
	"github.com/Asupkay/vibe-platform/services/session"
)

const (
	requestsPerSecond = 20
	requestBurst      = 40
	limiterIdle       = 10 * time.Minute
)

// Paths served without a bearer token.
var publicPaths = []string{"/health", "/info", "/metrics"}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(paymentsmarble.ServiceID, cfg.LogLevel, cfg.LogFormat)
	m := metrics.New()
	checks := make(map[string]commonservice.HealthCheck)

	client, err := chain.Dial(ctx, chain.Config{
		RPCURL:       cfg.RPCURL,
		ChainID:      cfg.ChainID,
		PollInterval: cfg.ReceiptPollInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain RPC")
	}
	checks["rpc"] = client.Ping

	x402, escrow, usdc := cfg.Contracts()
	disp, err := dispatcher.New(dispatcher.Config{
		Chain:               client,
		PaymentContract:     x402,
		EscrowContract:      escrow,
		Token:               usdc,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		Logger:              logger,
		Metrics:             m,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create dispatcher")
	}

	var (
		db         *sqlx.DB
		led        ledger.Ledger
		treasuries session.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = ledger.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
		led = ledger.NewPostgres(db)
		treasuries = session.NewPostgresStore(db)
		checks["postgres"] = db.PingContext
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory ledger")
		led = ledger.NewMemory()
		treasuries = session.NewMemoryStore()
	}

	var keys kv.Store
	if cfg.RedisURL != "" {
		rs, err := kv.Open(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rs.Close()
		keys = rs
		checks["redis"] = rs.Ping
	} else {
		logger.Warn("REDIS_URL not set; key material and rate limits are process-local")
		keys = kv.NewMemoryStore()
	}

	var notifier paymentsmarble.Notifier = paymentsmarble.NopNotifier{}
	var messages *paymentsmarble.MessageNotifier
	if cfg.NotifyBaseURL != "" {
		messages = paymentsmarble.NewMessageNotifier(cfg.NotifyBaseURL, cfg.NotifyToken, logger)
		notifier = messages
	} else {
		logger.Warn("NOTIFY_BASE_URL not set; notifications disabled")
	}

	authorizer := session.NewAuthorizer(treasuries,
		session.WithLocker(keys),
		session.WithLockTTL(session.SpendLockTTL(cfg.ConfirmationTimeout)),
		session.WithLogger(logger),
	)

	svc, err := paymentsmarble.New(paymentsmarble.Config{
		Dispatcher:        disp,
		Authorizer:        authorizer,
		Ledger:            led,
		KV:                keys,
		Notifier:          notifier,
		TipsPerHour:       cfg.TipsPerHour,
		ReconcileInterval: cfg.ReconcileInterval,
		StaleEscrowAfter:  cfg.StaleEscrowAfter,
		Logger:            logger,
		Metrics:           m,
		Checks:            checks,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create service")
	}

	publicKey, err := middleware.ParsePublicKey(cfg.JWTPublicKeyPEM)
	if err != nil {
		logger.WithError(err).Fatal("Invalid JWT_PUBLIC_KEY")
	}
	if publicKey == nil {
		logger.Warn("JWT_PUBLIC_KEY not set; callers are not authenticated")
	}

	limiter := middleware.NewRateLimiter(requestsPerSecond, requestBurst, logger)
	svc.AddTickerWorker(limiterIdle, func(context.Context) error {
		limiter.Cleanup(limiterIdle)
		return nil
	})

	router := svc.Router()
	router.Use(middleware.MetricsMiddleware(paymentsmarble.ServiceID, m))

	var handler http.Handler = router
	handler = limiter.Handler(handler)
	handler = middleware.NewAuthMiddleware(publicKey, logger, publicPaths).Handler(handler)
	handler = middleware.NewTracingMiddleware(logger).Handler(handler)
	handler = middleware.NewCORSMiddleware(cfg.AllowedOrigins()).Handler(handler)

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Tips wait for confirmation, so writes may take up to the confirmation timeout.
		WriteTimeout: cfg.ConfirmationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).WithField("network", cfg.Network).Info("payments service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown error")
	}
	if err := svc.Stop(); err != nil {
		logger.WithError(err).Warn("Service stop error")
	}
	if messages != nil {
		messages.Wait()
	}
	logger.Info("Service stopped")
}
