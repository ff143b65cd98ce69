// Package notify delivers change events for committed resource writes to
// out-of-core subscribers. Delivery is fire-and-forget: the write path hands
// an event off after its transaction commits and never learns whether any
// subscriber acted on it.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event describes one committed change to a stored resource. Resource holds
// the new version body and is empty for deletes.
type Event struct {
	Operation    string          `json:"operation"`
	ResourceType string          `json:"resourceType"`
	FHIRID       string          `json:"id"`
	VersionID    int             `json:"versionId"`
	Timestamp    time.Time       `json:"timestamp"`
	Resource     json.RawMessage `json:"resource,omitempty"`
}

// Topic returns the instance-level topic for the event, "Patient/123" style.
func (e Event) Topic() string {
	return e.ResourceType + "/" + e.FHIRID
}

// Notifier is the hook the resource store calls after a write commits.
// Implementations must not block the caller and must swallow their own
// failures; a notification problem never fails the write that produced it.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier records every event through the structured logger. It is the
// default subscriber and doubles as an audit breadcrumb in development.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	n.log.Info().
		Str("operation", ev.Operation).
		Str("resource_type", ev.ResourceType).
		Str("fhir_id", ev.FHIRID).
		Int("version_id", ev.VersionID).
		Msg("resource changed")
}

// Multi fans one event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
