// Command jagc runs the multi-transport run coordinator: HTTP API plus an
// optional Telegram long-poll adapter, both feeding runs into per-thread
// agent sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/default-anton/jagc/internal/agent"
	"github.com/default-anton/jagc/internal/bus"
	"github.com/default-anton/jagc/internal/config"
	"github.com/default-anton/jagc/internal/executor"
	"github.com/default-anton/jagc/internal/gateway"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/schedule"
	"github.com/default-anton/jagc/internal/scheduler"
	"github.com/default-anton/jagc/internal/service"
	"github.com/default-anton/jagc/internal/telegram"
	"github.com/default-anton/jagc/internal/telemetry"
	"github.com/default-anton/jagc/internal/workspace"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "jagc:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real config comes from the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := workspace.Bootstrap(cfg.WorkspaceDir); err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.WorkspaceDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := telemetry.InitOtel(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	catalog, err := config.LoadModelCatalog(filepath.Join(cfg.WorkspaceDir, "models.json"))
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}
	if err := config.WatchModelCatalog(ctx, catalog, logger); err != nil {
		logger.Warn("model catalog watcher unavailable", "error", err)
	}

	var factory agent.Factory
	switch cfg.Runner {
	case config.RunnerEcho:
		factory = agent.EchoFactory{}
	default:
		factory = agent.PiFactory{Logger: logger}
	}

	events := bus.NewWithLogger(logger)
	exec := executor.New(store, factory, workspace.SessionsDir(cfg.WorkspaceDir), logger)

	var svc *service.Service
	sched := scheduler.New(func(ctx context.Context, runID string) error {
		return svc.ExecuteRunByID(ctx, runID)
	}, logger)
	svc = service.New(store, exec, sched, events, logger, metrics)
	sched.Start()

	if err := svc.RecoverPendingRuns(ctx); err != nil {
		logger.Error("recovery sweep failed", "error", err)
	}

	engine := schedule.NewEngine(schedule.Config{
		Store:        store,
		Runs:         svc,
		Logger:       logger,
		Bus:          events,
		Interval:     cfg.SchedulerInterval,
		CatchupGrace: cfg.SchedulerCatchupGrace,
		Metrics:      metrics,
	})
	engine.Start(ctx)

	registry := telegram.NewRegistry()
	telegramDone := make(chan struct{})
	if cfg.Telegram.Enabled() {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		logger.Info("telegram bot started", "user", bot.Self.UserName)

		delivery := telegram.NewDelivery(bot, svc, registry, logger, metrics)
		dispatcher := telegram.NewDispatcher(telegram.DispatcherConfig{
			Bot:            bot,
			Poller:         bot,
			Runs:           svc,
			Control:        exec,
			Images:         store,
			Delivery:       delivery,
			Catalog:        catalog,
			Logger:         logger,
			AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
		})
		go func() {
			defer close(telegramDone)
			if err := dispatcher.Start(ctx); err != nil {
				logger.Error("telegram dispatcher exited", "error", err)
			}
		}()
	} else {
		close(telegramDone)
		logger.Info("telegram adapter disabled (no token or empty allowlist)")
	}

	api := gateway.New(gateway.Config{
		Runs:         svc,
		Control:      exec,
		Catalog:      catalog,
		Logger:       logger,
		WorkspaceDir: cfg.WorkspaceDir,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		stop()
		logger.Error("http server failed", "error", err)
	}

	// Shutdown order: stop taking input, flush deliveries, then drain runs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	<-telegramDone
	engine.Stop()
	registry.AbortAllAndWait()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("run service shutdown", "error", err)
	}
	logger.Info("jagc stopped")
	return nil
}
