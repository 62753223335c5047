// Command pospal runs the client-resident license daemon: it keeps the
// resolved license state current from a background refresh loop and exposes
// the local status API and websocket hub the point-of-sale UI consumes.
// Enforcement reads never block on the network.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Radot1/POSPal-sub001/internal/config"
	"github.com/Radot1/POSPal-sub001/internal/infrastructure"
	"github.com/Radot1/POSPal-sub001/internal/license"
	custommw "github.com/Radot1/POSPal-sub001/internal/middleware"
	"github.com/Radot1/POSPal-sub001/internal/security"
	handlers "github.com/Radot1/POSPal-sub001/internal/transport/http"
	ws "github.com/Radot1/POSPal-sub001/internal/websocket"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pospal: %v\n", err)
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

	logger.Info("license daemon starting",
		slog.String("version", version),
		slog.String("server_url", cfg.License.ServerURL),
		slog.Int("grace_window_days", cfg.License.GraceWindowDays))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meterProvider, err := infrastructure.InitializeMetrics("pospal", logger)
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}
	defer meterProvider.Shutdown(context.Background())

	metrics, err := license.NewMetrics()
	if err != nil {
		return fmt.Errorf("initialize license metrics: %w", err)
	}

	fingerprints := security.NewFingerprintGenerator(logger)
	cache := license.NewCache(cfg.License.CacheFile, fingerprints, logger)
	breaker := license.NewBreaker(cfg.License.BreakerThreshold, cfg.License.BreakerCooldown, logger)
	migrator := license.NewMigrator(cfg.License.LegacyFile, cache, fingerprints, logger)
	cloud := license.NewHTTPValidator(cfg.License.ServerURL, cfg.License.RequestTimeout, logger)

	manager := license.NewManager(cfg.License, cache, fingerprints, breaker, migrator, cloud, metrics, logger)

	hub := ws.NewHub(logger, cfg.Security.AllowedOrigins)
	manager.SetOnChange(hub.BroadcastResolution)

	gate := custommw.NewLicenseGate(manager, logger)
	statusHandler := handlers.NewStatusHandler(manager, logger)
	healthHandler := handlers.NewHealthHandler(version)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(custommw.TraceID)
	router.Use(custommw.RequestLogger(logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(gate.Middleware)

	router.Get("/healthz", healthHandler.Handle)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", hub.ServeHTTP)
	router.Mount("/api/license", statusHandler.Routes())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		manager.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		logger.Info("local status API listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("license daemon stopped")
	return nil
}
