// Command pospal-server runs the subscription authority: it consumes payment
// provider webhooks idempotently, keeps the canonical subscription records,
// and answers remote validation queries from installed clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Radot1/POSPal-sub001/internal/config"
	"github.com/Radot1/POSPal-sub001/internal/db"
	"github.com/Radot1/POSPal-sub001/internal/infrastructure"
	"github.com/Radot1/POSPal-sub001/internal/ledger"
	custommw "github.com/Radot1/POSPal-sub001/internal/middleware"
	"github.com/Radot1/POSPal-sub001/internal/subscription"
	handlers "github.com/Radot1/POSPal-sub001/internal/transport/http"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pospal-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	logger.Info("subscription server starting",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port))

	if cfg.Webhook.SigningSecret == "" {
		return errors.New("webhook signing secret is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meterProvider, err := infrastructure.InitializeMetrics("pospal-server", logger)
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}
	defer meterProvider.Shutdown(context.Background())

	database, err := db.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	authority := subscription.NewAuthority(database, logger)
	eventLedger := ledger.New(database, authority, logger)

	validateHandler := handlers.NewValidateHandler(authority, logger)
	webhookHandler := handlers.NewWebhookHandler(eventLedger, cfg.Webhook, logger)
	healthHandler := handlers.NewHealthHandler(version)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(custommw.TraceID)
	router.Use(custommw.RequestLogger(logger))
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", healthHandler.Handle)
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/validate", validateHandler.Handle)
		r.Post("/webhook", webhookHandler.Handle)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// Reconciliation sweep: crash-stranded 'processing' rows are parked as
	// failed, then failed rows get re-applied out of band.
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Webhook.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if n, err := eventLedger.RequeueStale(groupCtx, cfg.Webhook.StaleProcessing); err != nil {
					logger.Error("stale sweep failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("stale events requeued", slog.Int64("count", n))
				}
				if n, err := eventLedger.RetryFailed(groupCtx, 5, 100); err != nil {
					logger.Error("retry pass failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("failed events recovered", slog.Int64("count", n))
				}
			}
		}
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("subscription server stopped")
	return nil
}
