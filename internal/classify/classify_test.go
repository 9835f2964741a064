package classify

import (
	"testing"

	"gateway-inbox/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		source string
		prompt string
		hints  []string
		want   models.Tier
	}{
		{"slash command", "x", "/deploy", nil, models.TierP0},
		{"slash command beats interactive source", "telegram", "/status", nil, models.TierP0},
		{"callback query", "callback_query", "confirm", nil, models.TierP0},
		{"interactive source exact", "telegram", "hello", nil, models.TierP1},
		{"interactive source prefixed", "telegram:group", "hello", nil, models.TierP1},
		{"discord", "discord", "hey", nil, models.TierP1},
		{"cli", "cli", "run the report", nil, models.TierP1},
		{"interactive hint", "webhook", "hi", []string{"message.received"}, models.TierP1},
		{"chat hint", "webhook", "hi", []string{"chat.direct"}, models.TierP1},
		{"deploy failure hint", "ci", "build 1234", []string{"deploy.failed"}, models.TierP1},
		{"restart loop hint", "supervisor", "worker", []string{"restart_loop"}, models.TierP1},
		{"friction hint", "notes", "fix the npm cache", []string{"friction"}, models.TierP1},
		{"heartbeat source", "heartbeat", "ping", nil, models.TierP2},
		{"cron hint", "probe", "disk check", []string{"cron.daily"}, models.TierP2},
		{"heartbeat hint", "probe", "ok", []string{"heartbeat.docker"}, models.TierP2},
		{"default background", "probe", "disk usage at 40%", nil, models.TierP3},
		{"unknown source no hints", "zzz", "whatever", []string{"unrelated"}, models.TierP3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.source, tc.prompt, tc.hints)
			if got != tc.want {
				t.Fatalf("Classify(%q, %q, %v) = %s, want %s", tc.source, tc.prompt, tc.hints, got.Label(), tc.want.Label())
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		if got := Classify("probe", "disk check", []string{"cron.daily"}); got != models.TierP2 {
			t.Fatalf("run %d: got %s, want P2", i, got.Label())
		}
	}
}

func TestRulePrecedence(t *testing.T) {
	// A slash command from a heartbeat source is still a command.
	if got := Classify("heartbeat", "/restart", nil); got != models.TierP0 {
		t.Fatalf("got %s, want P0", got.Label())
	}
	// An interactive hint outranks the heartbeat fallthrough.
	if got := Classify("heartbeat", "hi", []string{"message.received"}); got != models.TierP1 {
		t.Fatalf("got %s, want P1", got.Label())
	}
}
