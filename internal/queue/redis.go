// Package queue is the Redis storage adapter for the inbound message queue.
// It keeps four structures in lockstep: an append-only stream log (the source
// of truth), a sorted-set priority index scored by (tier, arrival time),
// short-lived dedup locks, and a claims hash tracking delivered-but-unacked
// messages per consumer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"gateway-inbox/internal/models"
)

const (
	logKey      = "inbox:log"
	indexKey    = "inbox:index"
	claimsKey   = "inbox:claims"
	dedupPrefix = "inbox:dedup:"

	// tierScale dominates any realistic ms timestamp (~1.7e12), so index
	// order is tier first, arrival time second. Values stay well under
	// 2^53 and remain exact in a float64 score.
	tierScale = 1e13
)

// RedisInbox exposes the store primitives the queue engine needs: append
// with a generated id, id range scan, delete by id, ordered index scans,
// conditional dedup locks, and claim/acknowledge delivery tracking.
type RedisInbox struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *RedisInbox {
	return &RedisInbox{client: client}
}

// Score computes the composite index score for a tier and arrival time.
func Score(t models.Tier, tsMs int64) float64 {
	return float64(int64(t))*tierScale + float64(tsMs)
}

// tierScoreRange returns the [min, max] score bounds covering one tier.
func tierScoreRange(t models.Tier) (string, string) {
	lo := float64(int64(t)) * tierScale
	return fmt.Sprintf("%.0f", lo), fmt.Sprintf("(%.0f", lo+tierScale)
}

// Append writes msg to the log and inserts the matching index entry. The
// store assigns the id; msg.ID is ignored on input. Timestamp and Priority
// must already be set by the caller.
func (r *RedisInbox) Append(ctx context.Context, msg models.Message) (string, error) {
	values := map[string]interface{}{
		"source":   msg.Source,
		"prompt":   msg.Prompt,
		"priority": int(msg.Priority),
		"ts":       msg.Timestamp,
	}
	if !msg.Metadata.IsZero() {
		meta, err := json.Marshal(msg.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		values["metadata"] = string(meta)
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: logKey, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("append log entry: %w", err)
	}
	if err := r.client.ZAdd(ctx, indexKey, redis.Z{Score: Score(msg.Priority, msg.Timestamp), Member: id}).Err(); err != nil {
		return "", fmt.Errorf("insert index entry for %s: %w", id, err)
	}
	return id, nil
}

// Rollback removes a just-appended entry from both log and index. Used when
// the dedup gate rejects a persist after the append.
func (r *RedisInbox) Rollback(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.XDel(ctx, logKey, id)
	pipe.ZRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rollback %s: %w", id, err)
	}
	return nil
}

// TryLock attempts the atomic conditional-set for a dedup fingerprint.
// It returns false when the fingerprint is already locked.
func (r *RedisInbox) TryLock(ctx context.Context, fingerprint string, ttlMs int64) (bool, error) {
	ok, err := r.client.SetNX(ctx, dedupPrefix+fingerprint, 1, time.Duration(ttlMs)*time.Millisecond).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lock %s: %w", fingerprint, err)
	}
	return ok, nil
}

// Get fetches a single message by id. The second return is false when the
// id is not (or no longer) in the log.
func (r *RedisInbox) Get(ctx context.Context, id string) (models.Message, bool, error) {
	entries, err := r.client.XRange(ctx, logKey, id, id).Result()
	if err != nil {
		return models.Message{}, false, fmt.Errorf("read log entry %s: %w", id, err)
	}
	if len(entries) == 0 {
		return models.Message{}, false, nil
	}
	return messageFromEntry(entries[0]), true, nil
}

// ScanLog reads up to count log entries starting at id start ("-" for the
// beginning), oldest first.
func (r *RedisInbox) ScanLog(ctx context.Context, start string, count int64) ([]models.Message, error) {
	entries, err := r.client.XRangeN(ctx, logKey, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("scan log from %s: %w", start, err)
	}
	msgs := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, messageFromEntry(e))
	}
	return msgs, nil
}

// IndexAsc returns up to count ids in urgency-then-age order.
func (r *RedisInbox) IndexAsc(ctx context.Context, count int64) ([]string, error) {
	ids, err := r.client.ZRange(ctx, indexKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("index scan asc: %w", err)
	}
	return ids, nil
}

// IndexDesc returns up to count ids from the lowest-urgency tail of the
// index, used by maintenance sweeps.
func (r *RedisInbox) IndexDesc(ctx context.Context, count int64) ([]string, error) {
	ids, err := r.client.ZRevRange(ctx, indexKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("index scan desc: %w", err)
	}
	return ids, nil
}

// Depth returns the number of live index entries per tier.
func (r *RedisInbox) Depth(ctx context.Context) ([models.TierCount]int64, error) {
	var depth [models.TierCount]int64
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, models.TierCount)
	for t := 0; t < models.TierCount; t++ {
		lo, hi := tierScoreRange(models.Tier(t))
		cmds[t] = pipe.ZCount(ctx, indexKey, lo, hi)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return depth, fmt.Errorf("index depth: %w", err)
	}
	for t, c := range cmds {
		depth[t] = c.Val()
	}
	return depth, nil
}

// claimRecord tracks delivery explicitly per message, portable across
// backends that lack consumer-group semantics.
type claimRecord struct {
	ClaimedBy string `json:"claimed_by"`
	ClaimedAt int64  `json:"claimed_at"` // ms since epoch
}

// Claim marks ids as delivered to consumer at nowMs. Re-claiming an already
// claimed id refreshes the record.
func (r *RedisInbox) Claim(ctx context.Context, consumer string, nowMs int64, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	rec, err := json.Marshal(claimRecord{ClaimedBy: consumer, ClaimedAt: nowMs})
	if err != nil {
		return fmt.Errorf("marshal claim record: %w", err)
	}
	values := make([]interface{}, 0, len(ids)*2)
	for _, id := range ids {
		values = append(values, id, string(rec))
	}
	if err := r.client.HSet(ctx, claimsKey, values...).Err(); err != nil {
		return fmt.Errorf("claim %d ids: %w", len(ids), err)
	}
	return nil
}

// Ack resolves a message: clears its claim and deletes it from log and
// index. Safe to call for ids that never existed or are already gone.
func (r *RedisInbox) Ack(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, claimsKey, id)
	pipe.XDel(ctx, logKey, id)
	pipe.ZRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// ClaimedBy lists the ids currently claimed by the given consumer.
func (r *RedisInbox) ClaimedBy(ctx context.Context, consumer string) ([]string, error) {
	all, err := r.client.HGetAll(ctx, claimsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("enumerate claims: %w", err)
	}
	var ids []string
	for id, raw := range all {
		var rec claimRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.ClaimedBy == consumer {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ClaimedSet returns every currently claimed id, regardless of consumer.
func (r *RedisInbox) ClaimedSet(ctx context.Context) (map[string]struct{}, error) {
	all, err := r.client.HGetAll(ctx, claimsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("enumerate claims: %w", err)
	}
	set := make(map[string]struct{}, len(all))
	for id := range all {
		set[id] = struct{}{}
	}
	return set, nil
}

// InFlightCount returns the number of delivered-but-unacked messages.
func (r *RedisInbox) InFlightCount(ctx context.Context) (int64, error) {
	n, err := r.client.HLen(ctx, claimsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

// LogLen returns the number of live log entries.
func (r *RedisInbox) LogLen(ctx context.Context) (int64, error) {
	n, err := r.client.XLen(ctx, logKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("log length: %w", err)
	}
	return n, nil
}

func messageFromEntry(e redis.XMessage) models.Message {
	msg := models.Message{ID: e.ID}
	if v, ok := e.Values["source"].(string); ok {
		msg.Source = v
	}
	if v, ok := e.Values["prompt"].(string); ok {
		msg.Prompt = v
	}
	if v, ok := e.Values["priority"].(string); ok {
		if p, err := strconv.Atoi(v); err == nil && models.Tier(p).Valid() {
			msg.Priority = models.Tier(p)
		}
	}
	if v, ok := e.Values["ts"].(string); ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.Timestamp = ts
		}
	}
	if v, ok := e.Values["metadata"].(string); ok {
		msg.Metadata = models.DecodeMetadata(v)
	}
	return msg
}

// LessID orders two stream ids ("ms-seq") numerically.
func LessID(a, b string) bool {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

// NextID returns the smallest id strictly greater than id, for resuming a
// log scan.
func NextID(id string) string {
	ms, seq := splitID(id)
	return fmt.Sprintf("%d-%d", ms, seq+1)
}

func splitID(id string) (int64, int64) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		n, _ := strconv.ParseInt(id, 10, 64)
		return n, 0
	}
	m, _ := strconv.ParseInt(ms, 10, 64)
	s, _ := strconv.ParseInt(seq, 10, 64)
	return m, s
}
