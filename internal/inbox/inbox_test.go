package inbox

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"gateway-inbox/internal/config"
	"gateway-inbox/internal/models"
	"gateway-inbox/internal/queue"
	"gateway-inbox/internal/telemetry"
)

func testConfig() config.Config {
	return config.Config{
		ConsumerID:      "test-consumer",
		DedupTTL:        30 * time.Second,
		DiscardTTL:      60 * time.Second,
		AgingThreshold:  5 * time.Minute,
		CoalesceWindow:  60 * time.Second,
		MaxP0Streak:     3,
		CandidateWindow: 50,
		DiscardScanSize: 20,
		RecoveryMaxAge:  10 * time.Minute,
		TrimMaxAge:      24 * time.Hour,
		TrimBatchSize:   100,
	}
}

func newTestEngine(t *testing.T) (*Inbox, *queue.RedisInbox) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(testConfig(), store, telemetry.Nop), store
}

// persistAt persists with a pinned creation time, for aging and recovery
// scenarios.
func persistAt(t *testing.T, in *Inbox, ts time.Time, source, prompt string) string {
	t.Helper()
	saved := in.now
	in.now = func() time.Time { return ts }
	defer func() { in.now = saved }()

	res, err := in.Persist(context.Background(), PersistRequest{Source: source, Prompt: prompt})
	if err != nil {
		t.Fatalf("persist %q/%q: %v", source, prompt, err)
	}
	if res == nil {
		t.Fatalf("persist %q/%q rejected by dedup gate", source, prompt)
	}
	return res.ID
}

func TestPersistAssignsTierAndID(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestEngine(t)

	res, err := in.Persist(ctx, PersistRequest{Source: "telegram", Prompt: "hello"})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if res == nil || res.ID == "" {
		t.Fatalf("expected a stored message, got %+v", res)
	}
	if res.Priority != models.TierP1 {
		t.Fatalf("priority = %s, want P1", res.Priority.Label())
	}
}

func TestPersistDedupWithinWindow(t *testing.T) {
	ctx := context.Background()
	in, store := newTestEngine(t)

	first, err := in.Persist(ctx, PersistRequest{Source: "heartbeat", Prompt: "ping"})
	if err != nil || first == nil {
		t.Fatalf("first persist: res=%v err=%v", first, err)
	}

	second, err := in.Persist(ctx, PersistRequest{Source: "heartbeat", Prompt: "ping"})
	if err != nil {
		t.Fatalf("second persist: %v", err)
	}
	if second != nil {
		t.Fatalf("duplicate should be rejected, got %+v", second)
	}

	if n, _ := store.LogLen(ctx); n != 1 {
		t.Fatalf("store size changed by rejected persist: %d", n)
	}
	if ids, _ := store.IndexAsc(ctx, 10); len(ids) != 1 {
		t.Fatalf("index size changed by rejected persist: %d", len(ids))
	}
}

func TestDedupFingerprintTruncatesPrompt(t *testing.T) {
	ctx := context.Background()
	in, store := newTestEngine(t)

	head := strings.Repeat("a", 100)
	if res, err := in.Persist(ctx, PersistRequest{Source: "probe", Prompt: head + "tail-one"}); err != nil || res == nil {
		t.Fatalf("first persist: res=%v err=%v", res, err)
	}
	// Diverges only past the first 100 characters: still a duplicate.
	res, err := in.Persist(ctx, PersistRequest{Source: "probe", Prompt: head + "tail-two"})
	if err != nil {
		t.Fatalf("second persist: %v", err)
	}
	if res != nil {
		t.Fatal("prompts sharing the first 100 chars should collide")
	}

	// A different source with the same prompt is not a duplicate.
	if res, err := in.Persist(ctx, PersistRequest{Source: "other", Prompt: head + "tail-one"}); err != nil || res == nil {
		t.Fatalf("different source should pass the gate: res=%v err=%v", res, err)
	}
	if n, _ := store.LogLen(ctx); n != 2 {
		t.Fatalf("log length = %d, want 2", n)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestEngine(t)

	id := persistAt(t, in, time.Now(), "telegram", "hello")

	msgs, err := in.Drain(ctx, 1, nil)
	if err != nil || len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("drain: %v err=%v", msgs, err)
	}
	if err := in.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := in.Ack(ctx, id); err != nil {
		t.Fatalf("re-ack: %v", err)
	}
	if err := in.Ack(ctx, "424242-0"); err != nil {
		t.Fatalf("ack unknown id: %v", err)
	}

	msgs, err = in.Drain(ctx, 5, nil)
	if err != nil {
		t.Fatalf("drain after ack: %v", err)
	}
	for _, m := range msgs {
		if m.ID == id {
			t.Fatal("acked id re-returned by drain")
		}
	}
}

func TestGetUnackedDiscardsStalePermanently(t *testing.T) {
	ctx := context.Background()
	in, store := newTestEngine(t)

	now := time.Now()
	stale := persistAt(t, in, now.Add(-15*time.Minute), "telegram", "old question")
	fresh := persistAt(t, in, now.Add(-time.Minute), "telegram", "new question")

	msgs, err := in.GetUnacked(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("getUnacked: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != fresh {
		t.Fatalf("expected only the fresh message, got %v", msgs)
	}

	if _, ok, _ := store.Get(ctx, stale); ok {
		t.Fatal("stale message should be physically gone")
	}

	// Permanently gone: a wider window on a later call cannot resurrect it.
	msgs, err = in.GetUnacked(ctx, time.Hour)
	if err != nil {
		t.Fatalf("second getUnacked: %v", err)
	}
	for _, m := range msgs {
		if m.ID == stale {
			t.Fatal("stale message resurrected by a wider recovery window")
		}
	}
}

func TestGetUnackedReclaimsInFlight(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestEngine(t)

	now := time.Now()
	older := persistAt(t, in, now.Add(-3*time.Minute), "telegram", "first")
	newer := persistAt(t, in, now.Add(-time.Minute), "telegram", "second")

	// Deliver one, then "crash" without acking.
	msgs, err := in.Drain(ctx, 1, nil)
	if err != nil || len(msgs) != 1 || msgs[0].ID != older {
		t.Fatalf("drain: %v err=%v", msgs, err)
	}

	// A restarted consumer sees the in-flight message and the undelivered
	// one, merged, oldest first.
	recovered, err := in.GetUnacked(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("getUnacked: %v", err)
	}
	if len(recovered) != 2 || recovered[0].ID != older || recovered[1].ID != newer {
		t.Fatalf("recovered = %v, want [%s %s]", recovered, older, newer)
	}
}

func TestTrimSkipsInFlight(t *testing.T) {
	ctx := context.Background()
	in, store := newTestEngine(t)

	now := time.Now()
	ancient := persistAt(t, in, now.Add(-25*time.Hour), "telegram", "forgotten")
	claimed := persistAt(t, in, now.Add(-25*time.Hour), "telegram", "still processing")
	fresh := persistAt(t, in, now, "telegram", "current")

	if err := store.Claim(ctx, "test-consumer", now.UnixMilli(), claimed); err != nil {
		t.Fatalf("claim: %v", err)
	}

	deleted, err := in.Trim(ctx, 0)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, ok, _ := store.Get(ctx, ancient); ok {
		t.Fatal("ancient entry survived trim")
	}
	if _, ok, _ := store.Get(ctx, claimed); !ok {
		t.Fatal("in-flight entry must survive trim")
	}
	if _, ok, _ := store.Get(ctx, fresh); !ok {
		t.Fatal("fresh entry must survive trim")
	}
}
