// Package classify assigns an urgency tier to an inbound message at
// ingestion time. Classification is a pure function of the message
// attributes; the tier is written once and never revisited.
package classify

import (
	"regexp"
	"strings"

	"gateway-inbox/internal/models"
)

// interactiveSources are the chat-platform origins whose traffic is
// human-originated. A source matches exactly or as a "<name>:" prefix
// (e.g. "telegram:group").
var interactiveSources = []string{
	"telegram",
	"discord",
	"slack",
	"whatsapp",
	"lark",
	"dingtalk",
	"cli",
}

// frictionPattern matches event hints emitted by the deploy supervisor and
// heal scripts: failed deploys, restart loops, anything tagged as developer
// friction worth fixing promptly.
var frictionPattern = regexp.MustCompile(`(?i)(deploy[._-]?fail|fail(ed)?[._-]?deploy|friction|heal|restart[._-]?loop)`)

// Classify maps (source, prompt, event hints) to a tier. First matching rule
// wins:
//
//  1. prompt starting with "/" → P0 (explicit command)
//  2. source "callback_query" → P0 (interactive UI response)
//  3. interactive-channel source or human-interactive hint → P1
//  4. deploy-failure / friction-fix hint → P1
//  5. source "heartbeat" or scheduled-signal hint → P2
//  6. everything else → P3
func Classify(source, prompt string, hints []string) models.Tier {
	if strings.HasPrefix(prompt, "/") {
		return models.TierP0
	}
	if source == "callback_query" {
		return models.TierP0
	}
	if interactiveSource(source) || anyHint(hints, interactiveHint) {
		return models.TierP1
	}
	if anyHint(hints, frictionHint) {
		return models.TierP1
	}
	if source == "heartbeat" || anyHint(hints, scheduledHint) {
		return models.TierP2
	}
	return models.TierP3
}

func interactiveSource(source string) bool {
	for _, s := range interactiveSources {
		if source == s || strings.HasPrefix(source, s+":") {
			return true
		}
	}
	return false
}

func interactiveHint(hint string) bool {
	return hint == "interactive" ||
		strings.HasPrefix(hint, "message.") ||
		strings.HasPrefix(hint, "chat.")
}

func frictionHint(hint string) bool {
	return frictionPattern.MatchString(hint)
}

func scheduledHint(hint string) bool {
	return hint == "heartbeat" ||
		strings.HasPrefix(hint, "heartbeat.") ||
		strings.HasPrefix(hint, "cron.") ||
		strings.HasPrefix(hint, "schedule.")
}

func anyHint(hints []string, match func(string) bool) bool {
	for _, h := range hints {
		if match(h) {
			return true
		}
	}
	return false
}
