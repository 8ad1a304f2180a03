package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dialcore/dialcore/internal/api"
	"github.com/dialcore/dialcore/internal/config"
	"github.com/dialcore/dialcore/internal/engine"
	"github.com/dialcore/dialcore/internal/metrics"
	"github.com/dialcore/dialcore/internal/platform"
	"github.com/dialcore/dialcore/internal/session"
	"github.com/dialcore/dialcore/internal/storage"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting dialcore",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize encryptor for stored account passwords. An explicit key
	// wins; otherwise a passphrase-derived key; otherwise plaintext.
	var enc *storage.Encryptor
	keyBytes, err := cfg.EncryptionKeyBytes()
	if err != nil {
		slog.Error("failed to decode encryption key", "error", err)
		os.Exit(1)
	}
	if keyBytes == nil && cfg.Secret != "" {
		keyBytes = storage.DeriveKey(cfg.Secret)
	}
	if keyBytes != nil {
		enc, err = storage.NewEncryptor(keyBytes)
		if err != nil {
			slog.Error("failed to create encryptor", "error", err)
			os.Exit(1)
		}
		slog.Info("credential encryption enabled")
	} else {
		slog.Warn("no encryption key configured, account passwords will be stored in plaintext")
	}

	accounts := storage.NewAccountRepository(db, enc)
	records := storage.NewCallRecordRepository(db)
	gateway := storage.NewGateway(accounts, records)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Initialize the SIP protocol engine.
	eng, err := engine.New(engine.Config{
		Hostname: cfg.SIPHost(),
		Port:     cfg.SIPPort,
		RTPPort:  cfg.RTPPort,
	}, logger)
	if err != nil {
		slog.Error("failed to create protocol engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(appCtx); err != nil {
		slog.Error("failed to start protocol engine", "error", err)
		os.Exit(1)
	}

	// Session registry consuming engine events.
	registry := session.NewRegistry(eng, gateway, cfg.Bounds(), logger)
	go registry.Run(appCtx)

	// Advisory platform capabilities.
	caps := platform.NewStaticCapabilities(map[platform.Capability]bool{
		platform.CapabilityBackgroundExecution: cfg.BackgroundExecution,
		platform.CapabilityAutostart:           cfg.Autostart,
		platform.CapabilityOverlay:             cfg.Overlay,
	}, logger)
	platform.LogStatus(caps, logger)

	// Metrics. The registry doubles as the live-state provider.
	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(metrics.NewCollector(registry, registry, records, startTime))

	// HTTP control API.
	handler := api.NewServer(registry, accounts, records, metricsReg, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. The registered account is logged out
	// first so the registrar drops the binding before the engine closes.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := registry.Account().Logout(); err != nil {
		slog.Debug("logout during shutdown", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	handler.Close()
	registry.Close()
	if err := eng.Close(); err != nil {
		slog.Error("protocol engine shutdown error", "error", err)
	}

	slog.Info("dialcore stopped")
}
