package models

import (
	"encoding/json"
)

// Tier is the urgency bucket assigned once at ingestion. Smaller is more
// urgent: P0 preempts P1 preempts P2 preempts P3.
type Tier int

const (
	TierP0 Tier = iota // explicit commands, interactive UI responses
	TierP1             // human-originated interactive traffic, friction fixes
	TierP2             // scheduled heartbeats and cron signals
	TierP3             // background/default
)

// TierCount is the number of urgency buckets.
const TierCount = 4

// Label returns the operator-facing name ("P0".."P3").
func (t Tier) Label() string {
	switch t {
	case TierP0:
		return "P0"
	case TierP1:
		return "P1"
	case TierP2:
		return "P2"
	case TierP3:
		return "P3"
	default:
		return "P?"
	}
}

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool {
	return t >= TierP0 && t < TierCount
}

// Promote returns the tier one step more urgent, clamped at P0.
func (t Tier) Promote() Tier {
	if t <= TierP0 {
		return TierP0
	}
	return t - 1
}

// Message is the unit of work flowing through the inbound queue. ID is
// assigned by the log on append and is strictly increasing; Timestamp and
// Priority are immutable after persist.
type Message struct {
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	Prompt    string   `json:"prompt"`
	Metadata  Metadata `json:"metadata,omitempty"`
	Timestamp int64    `json:"timestamp"` // ms since epoch
	Priority  Tier     `json:"priority"`
}

// Candidate is the scheduler-local view of a queued message during a single
// drain round. EffectivePriority may differ from the stored priority when
// aging promotion applies; it is never written back to the store.
type Candidate struct {
	Message           Message
	WaitMs            int64
	EffectivePriority Tier
	PromotedFrom      *Tier
}

// PersistResult is returned by a successful persist. A nil *PersistResult
// means the dedup gate rejected the write.
type PersistResult struct {
	ID       string `json:"id"`
	Priority Tier   `json:"priority"`
}

// Metadata is the structured bag attached to a message. Recognized keys are
// typed fields; anything else a producer sends survives round-trips through
// Unknown so newer producers can talk to older consumers.
type Metadata struct {
	// Events carries producer-supplied event hints consumed by the
	// classifier (e.g. "message.received", "deploy.failed", "heartbeat").
	Events []string

	// CoalescedCount and CoalescedIDs are set on the returned copy of a
	// coalesced representative, never persisted.
	CoalescedCount int
	CoalescedIDs   []string

	Unknown map[string]json.RawMessage
}

const (
	metaKeyEvents         = "events"
	metaKeyCoalescedCount = "coalesced_count"
	metaKeyCoalescedIDs   = "coalesced_ids"
)

// IsZero reports whether the bag carries nothing worth serializing.
func (m Metadata) IsZero() bool {
	return len(m.Events) == 0 && m.CoalescedCount == 0 && len(m.CoalescedIDs) == 0 && len(m.Unknown) == 0
}

// MarshalJSON flattens recognized fields and unknown passthrough keys into a
// single object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Unknown)+3)
	for k, v := range m.Unknown {
		out[k] = v
	}
	if len(m.Events) > 0 {
		b, err := json.Marshal(m.Events)
		if err != nil {
			return nil, err
		}
		out[metaKeyEvents] = b
	}
	if m.CoalescedCount > 0 {
		b, err := json.Marshal(m.CoalescedCount)
		if err != nil {
			return nil, err
		}
		out[metaKeyCoalescedCount] = b
	}
	if len(m.CoalescedIDs) > 0 {
		b, err := json.Marshal(m.CoalescedIDs)
		if err != nil {
			return nil, err
		}
		out[metaKeyCoalescedIDs] = b
	}
	return json.Marshal(out)
}

// UnmarshalJSON lifts recognized keys into typed fields and keeps the rest
// verbatim in Unknown.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case metaKeyEvents:
			if err := json.Unmarshal(v, &m.Events); err != nil {
				return err
			}
		case metaKeyCoalescedCount:
			if err := json.Unmarshal(v, &m.CoalescedCount); err != nil {
				return err
			}
		case metaKeyCoalescedIDs:
			if err := json.Unmarshal(v, &m.CoalescedIDs); err != nil {
				return err
			}
		default:
			if m.Unknown == nil {
				m.Unknown = make(map[string]json.RawMessage)
			}
			m.Unknown[k] = v
		}
	}
	return nil
}

// DecodeMetadata parses a stored metadata blob. Malformed input degrades to
// an empty bag so a bad metadata field never blocks delivery of the message.
func DecodeMetadata(raw string) Metadata {
	if raw == "" {
		return Metadata{}
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}
	}
	return m
}
