// Package events publishes lifecycle notifications (post booked, payment
// completed, ...) after the corresponding transaction commits. Delivery is
// best effort: a failed publish is logged and counted, never surfaced to the
// caller of the operation that produced it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-tuition-backend/internal/metrics"
)

// Event types.
const (
	PostCreated         = "post.created"
	PostModerated       = "post.moderated"
	PostBooked          = "post.booked"
	ApplicationCreated  = "application.created"
	ApplicationReviewed = "application.reviewed"
	ApplicationsDeleted = "application.deleted"
	PaymentInitiated    = "payment.initiated"
	PaymentCompleted    = "payment.completed"
	PaymentCancelled    = "payment.cancelled"
)

// Event is a lifecycle notification. Key is the partitioning key, usually
// the post id so every event of one post is ordered.
type Event struct {
	Type       string            `json:"type"`
	Key        string            `json:"key"`
	Actor      string            `json:"actor,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// New builds an Event stamped with the current UTC time.
func New(typ, key, actor string, attrs map[string]string) Event {
	return Event{Type: typ, Key: key, Actor: actor, Attributes: attrs, OccurredAt: time.Now().UTC()}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Emit publishes e and swallows the error after logging it.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		metrics.EventPublishFailures.Inc()
		lg := zerolog.Ctx(ctx)
		if lg.GetLevel() == zerolog.Disabled {
			lg = &log.Logger
		}
		lg.Warn().Err(err).Str("event", e.Type).Str("key", e.Key).Msg("event publish failed")
	}
}

// LogPublisher writes events to a zerolog logger. Used when no broker is
// configured.
type LogPublisher struct {
	Logger zerolog.Logger
}

// NewLogPublisher logs through the global logger with component=events.
func NewLogPublisher() LogPublisher {
	return LogPublisher{Logger: log.Logger.With().Str("component", "events").Logger()}
}

// Publish implements Publisher.
func (p LogPublisher) Publish(_ context.Context, e Event) error {
	p.Logger.Info().
		Str("event", e.Type).
		Str("key", e.Key).
		Str("actor", e.Actor).
		Interface("attributes", e.Attributes).
		Time("occurred_at", e.OccurredAt).
		Msg("lifecycle event")
	return nil
}

// Close implements Publisher.
func (LogPublisher) Close() error { return nil }

func encode(e Event) ([]byte, error) { return json.Marshal(e) }
