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

	"backplane/internal/config"
	"backplane/internal/observability/logging"
	"backplane/internal/observability/metrics"
	"backplane/internal/observability/middleware"
	"backplane/internal/secret"
	impl "backplane/internal/service/impl"
	"backplane/internal/store"
	"backplane/internal/tasks"
	httpx "backplane/internal/transport/http"
)

var openStore = store.Open

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "backplane",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("backplane")

	if err := run(cfg, logger); err != nil {
		logger.Error("backplane stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting service", "driver", cfg.DatabaseDriver, "domain", cfg.ServerDomain, "debug", cfg.DebugMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1) Store
	st, closeDB, err := openStore(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeDB(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	// 2) Services
	scfg := impl.ConfigFrom(cfg)
	grants := impl.NewGrantService(scfg, st)
	tokens := impl.NewTokenService(scfg, st, grants, secret.NewHasher(secret.DefaultArgon2Params))
	guard := impl.NewBusGuard(st)
	messages := impl.NewMessageService(scfg, st, tokens)
	authz := impl.NewAuthorizationService(scfg, st, grants, guard)

	// 3) Background sweeps; SIGHUP runs them all now.
	tm := tasks.NewManager(logger)
	tasks.RegisterSweeps(tm, cfg.SweepInterval, tokens, authz)
	tm.Start(ctx)
	defer tm.Wait()
	go triggerOnHangup(ctx, tm, logger)

	// 4) HTTP
	router := httpx.NewRouter(cfg, httpx.Services{
		Tokens:        tokens,
		Messages:      messages,
		Guard:         guard,
		Authorization: authz,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware.WithRequestAndTrace(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("backplane listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func triggerOnHangup(ctx context.Context, tm *tasks.Manager, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			for _, s := range tm.ListStatus() {
				logger.Info("triggering task", "task", s.Name)
				if err := tm.Trigger(s.Name); err != nil {
					logger.Error("trigger task", "task", s.Name, "error", err)
				}
			}
		}
	}
}
