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

	proc := worker.NewProcessor(st, bus, log, instanceID(),
		cfg.WorkerPollInterval, cfg.ClaimBatchSize, cfg.StaleLockThreshold, cfg.FastPathBudget)
	worker.NewHandlers(st, platform, drafts, log, cfg).RegisterAll(proc)

	scheduler := worker.NewScheduler(st, log,
		cfg.SchedulerInterval, cfg.SyncStaleness, cfg.PruneInterval, cfg.JobRetention, cfg.MaxAttempts)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	go scheduler.Run(ctx)
	proc.Run(ctx)
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

func instanceID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return "worker-" + hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
