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

	"github.com/voxloop/voxloop/internal/dotenv"
	"github.com/voxloop/voxloop/pkg/chat/store"
	"github.com/voxloop/voxloop/pkg/exchange"
	"github.com/voxloop/voxloop/pkg/gateway/config"
	"github.com/voxloop/voxloop/pkg/gateway/server"
	"github.com/voxloop/voxloop/pkg/generation"
	"github.com/voxloop/voxloop/pkg/persist"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), logger); err != nil {
		logger.Error("voxloopd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	if err := dotenv.Load(); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var (
		st   store.Store
		ping func(ctx context.Context) error
	)
	if cfg.DatabaseURL != "" {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer pg.Close()
		st = pg
		ping = pg.Ping
		logger.Info("using postgres store")
	} else {
		st = store.NewMemory()
		logger.Warn("no database configured, conversations are not durable")
	}

	var events *persist.Publisher
	if cfg.NATSURL != "" {
		events, err = persist.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer events.Close()
	}

	gen, err := generation.NewGemini(ctx, cfg.GeminiAPIKey, cfg.Model)
	if err != nil {
		return fmt.Errorf("generation client: %w", err)
	}

	ex := &exchange.Exchanger{
		Store:        st,
		Generator:    gen,
		Sink:         persist.NewSink(st, logger, events),
		Logger:       logger,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
	}

	gw := server.New(cfg, logger, st, ex, ping)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}

	logger.Info("starting voxloopd", "addr", cfg.Addr, "model", cfg.Model)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voxloopd stopped")
	return nil
}
