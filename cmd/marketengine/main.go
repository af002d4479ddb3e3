package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gearshare/marketengine/internal/config"
	"github.com/gearshare/marketengine/internal/engine"
	"github.com/gearshare/marketengine/internal/handler"
	"github.com/gearshare/marketengine/internal/journal"
	"github.com/gearshare/marketengine/internal/ledger"
	"github.com/gearshare/marketengine/internal/service"
	"github.com/gearshare/marketengine/internal/store"
)

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Instantiate stores.
	instruments := store.NewInstrumentStore()
	orderStore := store.NewOrderStore()
	tradeStore := store.NewTradeStore()

	// Ledger and engine.
	led := ledger.NewLedger()
	books := engine.NewBookManager()
	matcher := engine.NewMatcher(books, led, instruments, orderStore, tradeStore, cfg.AllowSelfTrade, logger)
	expiryMgr := engine.NewExpiryManager(cfg.ExpirationInterval, books, led, nil, logger)

	// Journal: open and replay before accepting traffic. Memory-only when
	// DATA_DIR is unset.
	var jnl *journal.Journal
	if cfg.DataDir != "" {
		jnl, err = journal.Open(cfg.DataDir)
		if err != nil {
			logger.Fatal("failed to open journal", zap.String("data_dir", cfg.DataDir), zap.Error(err))
		}
		defer jnl.Close()
		if err := journal.Replay(jnl, instruments, led, orderStore, tradeStore, books); err != nil {
			logger.Fatal("journal replay failed", zap.Error(err))
		}
		logger.Info("journal replayed",
			zap.String("data_dir", cfg.DataDir),
			zap.Int("instruments", len(instruments.List())),
		)
		// Re-arm expiry tracking for orders that survived the restart.
		for _, o := range orderStore.Open() {
			expiryMgr.Add(o)
		}
	}

	// Trade stream hub.
	hub := handler.NewTradeHub(logger)

	// Services.
	accountSvc := service.NewAccountService(led, instruments, jnl, logger)
	orderSvc := service.NewOrderService(matcher, expiryMgr, led, instruments, orderStore, jnl, hub, logger)
	marketSvc := service.NewMarketService(instruments, tradeStore, books, matcher, jnl, cfg.VWAPWindow, logger)

	// The order service persists expiries, so it is wired in after both exist.
	expiryMgr.SetRecorder(orderSvc)

	// Router.
	router := handler.NewRouter(accountSvc, orderSvc, marketSvc, hub, logger)

	// Start expiration goroutine with cancellable context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	expiryMgr.Start(ctx)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, cancel context (stops expiry goroutine).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	cancel()

	logger.Info("server stopped")
}
