// Package api is the producer-facing HTTP edge: adapters post inbound
// messages here and the handler persists them into the queue.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gateway-inbox/internal/inbox"
	"gateway-inbox/internal/models"
	"gateway-inbox/internal/ratelimit"
	"gateway-inbox/internal/telemetry"
)

// Server wires HTTP handlers for the ingest service.
type Server struct {
	inbox   *inbox.Inbox
	limiter *ratelimit.SourceLimiter
}

// New constructs the ingest server. The limiter may be nil to disable the
// flood guard.
func New(in *inbox.Inbox, limiter *ratelimit.SourceLimiter) *Server {
	return &Server{inbox: in, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/messages", s.handlePersist)
	r.Get("/messages/stats", s.handleStats)
	return r
}

type persistResponse struct {
	ID            string `json:"id,omitempty"`
	Priority      *int   `json:"priority,omitempty"`
	PriorityLabel string `json:"priority_label,omitempty"`
	Deduplicated  bool   `json:"deduplicated,omitempty"`
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	var req inbox.PersistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(r.Context(), req.Source)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	res, err := s.inbox.Persist(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if res == nil {
		telemetry.DedupCounter.Inc()
		writeJSON(w, http.StatusOK, persistResponse{Deduplicated: true})
		return
	}

	p := int(res.Priority)
	writeJSON(w, http.StatusAccepted, persistResponse{
		ID:            res.ID,
		Priority:      &p,
		PriorityLabel: res.Priority.Label(),
	})
}

// handleStats reports live queue depth per tier.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.inbox.Depth(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue depth", http.StatusInternalServerError)
		return
	}
	tiers := make(map[string]int64, models.TierCount)
	var total int64
	for t, n := range depth {
		tiers[models.Tier(t).Label()] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"depth": tiers, "total": total})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
