// Package notifyhook delivers terminal batch notifications to the hooks
// configured under controller.notification_hooks, grounded on the
// webhook/MQTT notifier pair the teacher used for container-update events.
package notifyhook

import (
	"context"
	"time"

	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/model"
)

// BatchNotification is the payload shape delivered to every hook: one entry
// per newly-terminal batch in this notification pass (spec §6).
type BatchNotification struct {
	BatchID string     `json:"batchId"`
	State   string     `json:"state"`
	Time    time.Time  `json:"time"`
}

// Payload wraps the batch list in the envelope every transport sends.
type Payload struct {
	Batches []BatchNotification `json:"batches"`
}

// Hook delivers a batch of terminal-state notifications to one configured
// destination.
type Hook interface {
	Notify(ctx context.Context, batches []model.Batch) error
}

// FromConfig builds the Hook matching one controller.notification_hooks
// entry. Unknown transports fall back to HTTP, matching the validated
// default in config.Validate.
func FromConfig(h config.NotificationHook) Hook {
	switch h.Transport {
	case "mqtt":
		return newMQTTHook(h)
	default:
		return newWebhookHook(h)
	}
}

func toPayload(batches []model.Batch) Payload {
	out := make([]BatchNotification, len(batches))
	for i, b := range batches {
		out[i] = BatchNotification{BatchID: string(b.ID), State: string(b.State), Time: terminalTime(b)}
	}
	return Payload{Batches: out}
}

// terminalTime returns the timestamp of the batch's last recorded history
// entry, which is its terminal transition since Notify only ever runs over
// already-terminal batches.
func terminalTime(b model.Batch) time.Time {
	if len(b.History) == 0 {
		return time.Time{}
	}
	return b.History[len(b.History)-1].Time
}
