// Package timestatus derives SLA labels for unread inbound messages from
// how long they have waited without a reply.
package timestatus

import (
	"time"

	"github.com/zapdesk/zapdesk/internal/model"
)

// Status is the SLA classification of an unread inbound message.
type Status string

const (
	// None means the classification does not apply: outbound messages,
	// already-read messages, or missing/inactive threshold config.
	None     Status = ""
	OnTime   Status = "on_time"
	Delayed  Status = "delayed"
	Critical Status = "critical"
)

// Classify maps a message's age against the configured thresholds.
// Pure and deterministic given now; boundaries are inclusive.
func Classify(m model.Message, cfg model.NotificationConfig, now time.Time) Status {
	if m.Direction != model.Inbound || m.Read() {
		return None
	}
	if !cfg.Active || !cfg.Complete() {
		return None
	}

	elapsed := int(now.Sub(m.CreatedAt).Minutes())
	switch {
	case elapsed <= cfg.OnTime:
		return OnTime
	case elapsed <= cfg.Delayed:
		return Delayed
	default:
		return Critical
	}
}
