package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"gateway-inbox/internal/config"
	"gateway-inbox/internal/inbox"
	"gateway-inbox/internal/queue"
	"gateway-inbox/internal/telemetry"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cfg := config.Config{
		ConsumerID:      "ingest-test",
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
	in := inbox.New(cfg, store, telemetry.Nop)

	srv := httptest.NewServer(New(in, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestPersistEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/messages", `{"source":"x","prompt":"/deploy"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var out struct {
		ID            string `json:"id"`
		PriorityLabel string `json:"priority_label"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID == "" || out.PriorityLabel != "P0" {
		t.Fatalf("response = %+v", out)
	}
}

func TestPersistEndpointDedup(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/messages", `{"source":"heartbeat","prompt":"ping"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/messages", `{"source":"heartbeat","prompt":"ping"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Deduplicated bool `json:"deduplicated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Deduplicated {
		t.Fatal("expected deduplicated flag")
	}
}

func TestPersistEndpointValidation(t *testing.T) {
	srv := newTestServer(t)

	for _, body := range []string{`{`, `{"prompt":"hi"}`, `{"source":"x"}`} {
		resp := postJSON(t, srv.URL+"/messages", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/messages", `{"source":"x","prompt":"/deploy"}`).Body.Close()
	postJSON(t, srv.URL+"/messages", `{"source":"telegram","prompt":"hello"}`).Body.Close()

	resp, err := http.Get(srv.URL + "/messages/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Depth map[string]int64 `json:"depth"`
		Total int64            `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 2 || out.Depth["P0"] != 1 || out.Depth["P1"] != 1 {
		t.Fatalf("stats = %+v", out)
	}
}
