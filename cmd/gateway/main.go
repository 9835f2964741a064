// The gateway command is the single active consumer of the inbound queue:
// it reclaims unacked work once at startup, then drains in scheduling order
// and hands each message to the automation gateway, acking on success. The
// retention trimmer runs alongside on a timer.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gateway-inbox/internal/audit"
	"gateway-inbox/internal/config"
	"gateway-inbox/internal/inbox"
	"gateway-inbox/internal/models"
	"gateway-inbox/internal/queue"
	"gateway-inbox/internal/telemetry"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if cfg.ConsumerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.ConsumerID = hostname
		} else {
			cfg.ConsumerID = "gateway-" + uuid.NewString()
		}
	}

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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	dispatch := newDispatcher(cfg)

	slog.Info("gateway consumer starting",
		"consumer", cfg.ConsumerID,
		"drain_limit", cfg.DrainLimit,
		"recovery_max_age", cfg.RecoveryMaxAge.String())

	// Recovery must finish before the first drain.
	recovered, err := in.GetUnacked(ctx, 0)
	if err != nil {
		slog.Error("recovery failed", "error", err)
		os.Exit(1)
	}
	slog.Info("recovery complete", "reclaimed", len(recovered))
	process(ctx, in, dispatch, recovered)

	go runTrimmer(ctx, in, cfg.TrimInterval)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("gateway consumer stopping")
			return
		case <-ticker.C:
		}

		refreshGauges(ctx, in)

		msgs, err := in.Drain(ctx, cfg.DrainLimit, nil)
		if err != nil {
			slog.Warn("drain failed", "error", err)
			continue
		}
		process(ctx, in, dispatch, msgs)
	}
}

// process hands each message to the dispatcher and acks on success. A failed
// dispatch leaves the message in flight; recovery reclaims it on restart.
func process(ctx context.Context, in *inbox.Inbox, dispatch dispatcher, msgs []models.Message) {
	for _, msg := range msgs {
		if err := dispatch(ctx, msg); err != nil {
			slog.Warn("dispatch failed",
				"id", msg.ID,
				"source", msg.Source,
				"priority", msg.Priority.Label(),
				"error", err)
			continue
		}
		if err := in.Ack(ctx, msg.ID); err != nil {
			slog.Warn("ack failed", "id", msg.ID, "error", err)
		}
	}
}

func runTrimmer(ctx context.Context, in *inbox.Inbox, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := in.Trim(ctx, 0)
		if err != nil {
			slog.Warn("trim failed", "error", err)
			continue
		}
		if n > 0 {
			telemetry.TrimmedCounter.Add(float64(n))
			slog.Info("trimmed stale entries", "deleted", n)
		}
	}
}

func refreshGauges(ctx context.Context, in *inbox.Inbox) {
	if depth, err := in.Depth(ctx); err == nil {
		for t, n := range depth {
			telemetry.DepthGauge.WithLabelValues(models.Tier(t).Label()).Set(float64(n))
		}
	}
	if inflight, err := in.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

// dispatcher forwards one message to the automation gateway.
type dispatcher func(ctx context.Context, msg models.Message) error

// newDispatcher returns an HTTP forwarder when GATEWAY_URL is set, otherwise
// a logger that simulates processing for local development.
func newDispatcher(cfg config.Config) dispatcher {
	if cfg.GatewayURL == "" {
		return func(_ context.Context, msg models.Message) error {
			slog.Info("processing message",
				"id", msg.ID,
				"source", msg.Source,
				"priority", msg.Priority.Label(),
				"prompt", msg.Prompt)
			return nil
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, msg models.Message) error {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.GatewayURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build gateway request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("forward to gateway: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("gateway returned %s", resp.Status)
		}
		return nil
	}
}
