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

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"review-responder/internal/api"
	"review-responder/internal/config"
	"review-responder/internal/events"
	"review-responder/internal/store"
	"review-responder/internal/telemetry"
	"review-responder/internal/upstream"
	"review-responder/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("run migrations", "error", err)
		os.Exit(1)
	}

	bus := events.New(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))

	platform := upstream.NewPlatformClient(cfg.PlatformBaseURL, cfg.PlatformToken, cfg.UpstreamTimeout)
	drafts := upstream.NewDraftClient(cfg.DraftServiceURL, cfg.PlatformToken, cfg.UpstreamTimeout)

	proc := worker.NewProcessor(st, bus, log, instanceID("api"),
		cfg.WorkerPollInterval, cfg.ClaimBatchSize, cfg.StaleLockThreshold, cfg.FastPathBudget)
	worker.NewHandlers(st, platform, drafts, log, cfg).RegisterAll(proc)

	server := api.NewServer(st, bus, proc, log, cfg)
	httpServer := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     server.Router(),
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}

func newLogger(env string) *slog.Logger {
	if env == "dev" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func instanceID(role string) string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return role + "-" + hostname
	}
	return fmt.Sprintf("%s-%d", role, os.Getpid())
}
