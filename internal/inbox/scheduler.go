package inbox

import (
	"context"
	"sort"
	"time"

	"gateway-inbox/internal/config"
	"gateway-inbox/internal/models"
	"gateway-inbox/internal/queue"
	"gateway-inbox/internal/telemetry"
)

// Scheduler selects what the consumer processes next. The P0 streak counter
// and the per-call exclusion set are process-local, so Drain must only ever
// run under a single active consumer; concurrent drainers would not see each
// other's state.
type Scheduler struct {
	store    *queue.RedisInbox
	notifier telemetry.Notifier
	parent   *Inbox

	discardTTL      time.Duration
	agingThreshold  time.Duration
	coalesceWindow  time.Duration
	maxP0Streak     int
	candidateWindow int64
	discardScanSize int64

	// p0Streak counts consecutive P0 selections since the last lower-tier
	// pick. At maxP0Streak, one lower-tier candidate is forced through.
	p0Streak int
}

func newScheduler(cfg config.Config, store *queue.RedisInbox, notifier telemetry.Notifier, parent *Inbox) *Scheduler {
	return &Scheduler{
		store:           store,
		notifier:        notifier,
		parent:          parent,
		discardTTL:      cfg.DiscardTTL,
		agingThreshold:  cfg.AgingThreshold,
		coalesceWindow:  cfg.CoalesceWindow,
		maxP0Streak:     cfg.MaxP0Streak,
		candidateWindow: cfg.CandidateWindow,
		discardScanSize: cfg.DiscardScanSize,
	}
}

// Drain returns up to limit messages, selecting one at a time so that the
// side effects of each pick (auto-discard, coalescing) are visible to the
// next. Selected messages are claimed for the consumer before being
// returned, and carry their effective priority in place of the stored one.
func (s *Scheduler) Drain(ctx context.Context, limit int, excludeIDs []string) ([]models.Message, error) {
	picked := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		picked[id] = struct{}{}
	}

	var out []models.Message
	for len(out) < limit {
		nowMs := s.parent.now().UnixMilli()

		claimed, err := s.store.ClaimedSet(ctx)
		if err != nil {
			return out, err
		}
		if err := s.discardStale(ctx, nowMs, claimed, picked); err != nil {
			return out, err
		}

		cands, err := s.loadCandidates(ctx, nowMs, claimed, picked)
		if err != nil {
			return out, err
		}
		if len(cands) == 0 {
			break
		}

		sel := s.selectCandidate(cands)

		if sel.Message.Priority == models.TierP3 {
			if rep, ok, err := s.coalesce(ctx, nowMs, sel, cands, picked); err != nil {
				return out, err
			} else if ok {
				out = append(out, rep)
				continue
			}
		}

		msg := sel.Message
		if err := s.store.Claim(ctx, s.parent.consumer, nowMs, msg.ID); err != nil {
			return out, err
		}
		picked[msg.ID] = struct{}{}

		if sel.PromotedFrom != nil {
			telemetry.Emit(s.notifier, telemetry.EventPromoted, telemetry.Fields{
				"id":             msg.ID,
				"source":         msg.Source,
				"priority":       int(sel.EffectivePriority),
				"priority_label": sel.EffectivePriority.Label(),
				"promoted_from":  sel.PromotedFrom.Label(),
				"wait_time_ms":   sel.WaitMs,
			})
		}

		msg.Priority = sel.EffectivePriority
		out = append(out, msg)
	}
	return out, nil
}

// discardStale sweeps the lowest-urgency tail of the index, force-acking P3
// entries that outlived the discard TTL. The scan is bounded per call.
func (s *Scheduler) discardStale(ctx context.Context, nowMs int64, claimed, picked map[string]struct{}) error {
	ids, err := s.store.IndexDesc(ctx, s.discardScanSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := claimed[id]; ok {
			continue
		}
		if _, ok := picked[id]; ok {
			continue
		}
		msg, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			// Index entry without a log entry; clean it up.
			if err := s.store.Ack(ctx, id); err != nil {
				return err
			}
			continue
		}
		if msg.Priority != models.TierP3 {
			continue
		}
		if err := s.autoDiscard(ctx, nowMs, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) autoDiscard(ctx context.Context, nowMs int64, msg models.Message) error {
	wait := nowMs - msg.Timestamp
	if wait < s.discardTTL.Milliseconds() {
		return nil
	}
	if err := s.store.Ack(ctx, msg.ID); err != nil {
		return err
	}
	telemetry.Emit(s.notifier, telemetry.EventAutoAcked, telemetry.Fields{
		"id":             msg.ID,
		"source":         msg.Source,
		"priority":       int(msg.Priority),
		"priority_label": msg.Priority.Label(),
		"wait_time_ms":   wait,
		"reason":         "stale_p3",
	})
	return nil
}

// loadCandidates reads a bounded window of the index in urgency-then-age
// order, skipping in-flight and already-picked ids, applying the P3 discard
// check defensively, and computing each survivor's effective priority.
func (s *Scheduler) loadCandidates(ctx context.Context, nowMs int64, claimed, picked map[string]struct{}) ([]models.Candidate, error) {
	ids, err := s.store.IndexAsc(ctx, s.candidateWindow+int64(len(picked)))
	if err != nil {
		return nil, err
	}

	cands := make([]models.Candidate, 0, len(ids))
	for _, id := range ids {
		if int64(len(cands)) >= s.candidateWindow {
			break
		}
		if _, ok := claimed[id]; ok {
			continue
		}
		if _, ok := picked[id]; ok {
			continue
		}
		msg, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.store.Ack(ctx, id); err != nil {
				return nil, err
			}
			continue
		}

		wait := nowMs - msg.Timestamp
		if msg.Priority == models.TierP3 && wait >= s.discardTTL.Milliseconds() {
			if err := s.autoDiscard(ctx, nowMs, msg); err != nil {
				return nil, err
			}
			continue
		}

		cand := models.Candidate{Message: msg, WaitMs: wait, EffectivePriority: msg.Priority}
		if (msg.Priority == models.TierP2 || msg.Priority == models.TierP3) && wait >= s.agingThreshold.Milliseconds() {
			from := msg.Priority
			cand.PromotedFrom = &from
			cand.EffectivePriority = msg.Priority.Promote()
		}
		cands = append(cands, cand)
	}
	return cands, nil
}

// selectCandidate orders candidates by (effective priority, arrival, id) and
// applies the anti-starvation rule: after maxP0Streak consecutive P0 picks,
// the best lower-tier candidate is forced through instead.
func (s *Scheduler) selectCandidate(cands []models.Candidate) models.Candidate {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.EffectivePriority != b.EffectivePriority {
			return a.EffectivePriority < b.EffectivePriority
		}
		if a.Message.Timestamp != b.Message.Timestamp {
			return a.Message.Timestamp < b.Message.Timestamp
		}
		return queue.LessID(a.Message.ID, b.Message.ID)
	})

	best := cands[0]
	if best.EffectivePriority != models.TierP0 {
		s.p0Streak = 0
		return best
	}

	for _, c := range cands[1:] {
		if c.EffectivePriority != models.TierP0 {
			if s.p0Streak >= s.maxP0Streak {
				s.p0Streak = 0
				return c
			}
			break
		}
	}
	s.p0Streak++
	return best
}

// coalesce collapses the selection's P3 neighbors created within the
// coalescing window into a single representative. Every member, including
// the representative, is force-acked; the caller receives a synthetic copy
// carrying the suppressed count and ids. Returns ok=false when the selection
// has no neighbor to coalesce with.
func (s *Scheduler) coalesce(ctx context.Context, nowMs int64, sel models.Candidate, cands []models.Candidate, picked map[string]struct{}) (models.Message, bool, error) {
	windowMs := s.coalesceWindow.Milliseconds()

	group := []models.Candidate{sel}
	for _, c := range cands {
		if c.Message.ID == sel.Message.ID {
			continue
		}
		if c.Message.Priority != models.TierP3 {
			continue
		}
		if nowMs-c.Message.Timestamp > windowMs {
			continue
		}
		group = append(group, c)
	}
	if len(group) < 2 {
		return models.Message{}, false, nil
	}

	rep := group[0]
	for _, c := range group[1:] {
		if c.Message.Timestamp < rep.Message.Timestamp ||
			(c.Message.Timestamp == rep.Message.Timestamp && queue.LessID(c.Message.ID, rep.Message.ID)) {
			rep = c
		}
	}

	ids := make([]string, 0, len(group))
	for _, c := range group {
		if err := s.store.Ack(ctx, c.Message.ID); err != nil {
			return models.Message{}, false, err
		}
		picked[c.Message.ID] = struct{}{}
		ids = append(ids, c.Message.ID)
	}

	out := rep.Message
	out.Prompt = coalescedPrompt(len(group))
	out.Metadata.CoalescedCount = len(group)
	out.Metadata.CoalescedIDs = ids
	out.Priority = rep.EffectivePriority

	telemetry.Emit(s.notifier, telemetry.EventCoalesced, telemetry.Fields{
		"id":             out.ID,
		"source":         out.Source,
		"priority":       int(out.Priority),
		"priority_label": out.Priority.Label(),
		"wait_time_ms":   rep.WaitMs,
		"coalesced":      len(group),
	})
	return out, true, nil
}
