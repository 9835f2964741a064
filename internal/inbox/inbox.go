// Package inbox implements the durable, priority-aware, deduplicating queue
// that sits in front of the automation gateway. Producers call Persist;
// the single active consumer calls GetUnacked once at startup, then Drain
// and Ack in a loop. Trim runs independently on a timer.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"gateway-inbox/internal/classify"
	"gateway-inbox/internal/config"
	"gateway-inbox/internal/models"
	"gateway-inbox/internal/queue"
	"gateway-inbox/internal/telemetry"
)

// fingerprintChars bounds how much of the prompt feeds the dedup hash.
// Byte-identical retries and duplicate probes collide on the first 100
// characters; near-duplicates that diverge later slip through.
const fingerprintChars = 100

const recoveryScanBatch = 100

// Inbox is the queue engine's API surface.
type Inbox struct {
	store     *queue.RedisInbox
	notifier  telemetry.Notifier
	scheduler *Scheduler
	consumer  string

	dedupTTL       time.Duration
	recoveryMaxAge time.Duration
	trimMaxAge     time.Duration
	trimBatch      int64

	now func() time.Time
}

// New builds the engine for one consumer identity. The notifier may be nil.
func New(cfg config.Config, store *queue.RedisInbox, notifier telemetry.Notifier) *Inbox {
	if notifier == nil {
		notifier = telemetry.Nop
	}
	in := &Inbox{
		store:          store,
		notifier:       notifier,
		consumer:       cfg.ConsumerID,
		dedupTTL:       cfg.DedupTTL,
		recoveryMaxAge: cfg.RecoveryMaxAge,
		trimMaxAge:     cfg.TrimMaxAge,
		trimBatch:      cfg.TrimBatchSize,
		now:            time.Now,
	}
	in.scheduler = newScheduler(cfg, store, notifier, in)
	return in
}

// PersistRequest is a producer submission.
type PersistRequest struct {
	Source   string          `json:"source"`
	Prompt   string          `json:"prompt"`
	Metadata models.Metadata `json:"metadata,omitempty"`
}

// Fingerprint is the dedup identity of a submission.
func Fingerprint(source, prompt string) string {
	if r := []rune(prompt); len(r) > fingerprintChars {
		prompt = string(r[:fingerprintChars])
	}
	sum := sha256.Sum256([]byte(source + "\n" + prompt))
	return hex.EncodeToString(sum[:])
}

// Persist classifies and stores a message. It returns nil (and no error)
// when the dedup gate rejects the submission; the log and index entries
// written for it are rolled back so store size is unchanged.
func (in *Inbox) Persist(ctx context.Context, req PersistRequest) (*models.PersistResult, error) {
	tier := classify.Classify(req.Source, req.Prompt, req.Metadata.Events)
	msg := models.Message{
		Source:    req.Source,
		Prompt:    req.Prompt,
		Metadata:  req.Metadata,
		Timestamp: in.now().UnixMilli(),
		Priority:  tier,
	}

	id, err := in.store.Append(ctx, msg)
	if err != nil {
		return nil, err
	}

	ok, err := in.store.TryLock(ctx, Fingerprint(req.Source, req.Prompt), in.dedupTTL.Milliseconds())
	if err != nil {
		// Leave no partial state behind the error; the caller retries the
		// whole persist.
		_ = in.store.Rollback(ctx, id)
		return nil, err
	}
	if !ok {
		if err := in.store.Rollback(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	telemetry.Emit(in.notifier, telemetry.EventQueued, telemetry.Fields{
		"id":             id,
		"source":         msg.Source,
		"priority":       int(tier),
		"priority_label": tier.Label(),
		"wait_time_ms":   int64(0),
	})
	return &models.PersistResult{ID: id, Priority: tier}, nil
}

// Drain returns up to limit messages in scheduling order. See Scheduler.
func (in *Inbox) Drain(ctx context.Context, limit int, excludeIDs []string) ([]models.Message, error) {
	return in.scheduler.Drain(ctx, limit, excludeIDs)
}

// Ack resolves a message after successful processing. Acking an unknown id
// is a no-op.
func (in *Inbox) Ack(ctx context.Context, id string) error {
	return in.store.Ack(ctx, id)
}

// GetUnacked reclaims this consumer's in-flight messages plus anything never
// delivered, discarding entries older than maxAge (the configured recovery
// cutoff when maxAge <= 0). Discarded entries are gone permanently; the
// remainder is returned oldest first and re-claimed by this consumer. Call
// once at startup, before the first Drain.
func (in *Inbox) GetUnacked(ctx context.Context, maxAge time.Duration) ([]models.Message, error) {
	if maxAge <= 0 {
		maxAge = in.recoveryMaxAge
	}
	now := in.now()
	cutoff := now.UnixMilli() - maxAge.Milliseconds()

	seen := make(map[string]struct{})
	var merged []models.Message

	claimedIDs, err := in.store.ClaimedBy(ctx, in.consumer)
	if err != nil {
		return nil, err
	}
	for _, id := range claimedIDs {
		msg, ok, err := in.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Claim outlived its log entry; drop the orphan.
			if err := in.store.Ack(ctx, id); err != nil {
				return nil, err
			}
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, msg)
	}

	claimedSet, err := in.store.ClaimedSet(ctx)
	if err != nil {
		return nil, err
	}
	start := "-"
	for {
		batch, err := in.store.ScanLog(ctx, start, recoveryScanBatch)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, msg := range batch {
			if _, claimed := claimedSet[msg.ID]; claimed {
				continue
			}
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
			merged = append(merged, msg)
		}
		start = queue.NextID(batch[len(batch)-1].ID)
	}

	fresh := merged[:0]
	for _, msg := range merged {
		if msg.Timestamp < cutoff {
			if err := in.store.Ack(ctx, msg.ID); err != nil {
				return nil, err
			}
			telemetry.Emit(in.notifier, telemetry.EventAutoAcked, telemetry.Fields{
				"id":             msg.ID,
				"source":         msg.Source,
				"priority":       int(msg.Priority),
				"priority_label": msg.Priority.Label(),
				"wait_time_ms":   now.UnixMilli() - msg.Timestamp,
				"reason":         "recovery_stale",
			})
			continue
		}
		fresh = append(fresh, msg)
	}

	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].Timestamp != fresh[j].Timestamp {
			return fresh[i].Timestamp < fresh[j].Timestamp
		}
		return queue.LessID(fresh[i].ID, fresh[j].ID)
	})

	if len(fresh) > 0 {
		ids := make([]string, len(fresh))
		for i, msg := range fresh {
			ids[i] = msg.ID
		}
		if err := in.store.Claim(ctx, in.consumer, now.UnixMilli(), ids...); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

// Trim walks the log oldest first in bounded batches and deletes entries
// older than maxAge (the configured retention horizon when maxAge <= 0)
// unless they are currently in flight. It returns the number deleted.
func (in *Inbox) Trim(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = in.trimMaxAge
	}
	cutoff := in.now().UnixMilli() - maxAge.Milliseconds()

	claimed, err := in.store.ClaimedSet(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	start := "-"
	for {
		batch, err := in.store.ScanLog(ctx, start, in.trimBatch)
		if err != nil {
			return deleted, err
		}
		if len(batch) == 0 {
			return deleted, nil
		}
		for _, msg := range batch {
			// The log is appended in arrival order, so the first entry at
			// or past the cutoff ends the walk.
			if msg.Timestamp >= cutoff {
				return deleted, nil
			}
			if _, inFlight := claimed[msg.ID]; inFlight {
				continue
			}
			if err := in.store.Ack(ctx, msg.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
		start = queue.NextID(batch[len(batch)-1].ID)
	}
}

// Depth reports live index entries per tier, for gauges and the stats API.
func (in *Inbox) Depth(ctx context.Context) ([models.TierCount]int64, error) {
	return in.store.Depth(ctx)
}

// InFlight reports how many messages are delivered but not yet acked.
func (in *Inbox) InFlight(ctx context.Context) (int64, error) {
	return in.store.InFlightCount(ctx)
}

// coalescedPrompt is the synthetic summary substituted for a coalesced
// representative.
func coalescedPrompt(n int) string {
	return fmt.Sprintf("%d probe events suppressed", n)
}
