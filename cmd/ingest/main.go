package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"gateway-inbox/internal/api"
	"gateway-inbox/internal/audit"
	"gateway-inbox/internal/config"
	"gateway-inbox/internal/inbox"
	"gateway-inbox/internal/queue"
	"gateway-inbox/internal/ratelimit"
	"gateway-inbox/internal/telemetry"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := queue.New(client)

	notifiers := telemetry.Multi{telemetry.Metrics{}}
	if cfg.PostgresDSN != "" {
		sink, err := audit.New(ctx, cfg.PostgresDSN)
		if err != nil {
			slog.Error("connect audit sink", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		if err := sink.RunMigrations(ctx); err != nil {
			slog.Error("audit migrations", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, sink)
	}

	in := inbox.New(cfg, store, notifiers)
	limiter := ratelimit.New(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(in, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	slog.Info("ingest listening", "port", cfg.HTTPPort, "dedup_ttl", cfg.DedupTTL.String())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
