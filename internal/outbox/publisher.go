// Package outbox writes domain events to the per-owner event log that the
// realtime gateway tails.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
	"dispatch-core/internal/telemetry"
)

// DefaultRetention is how long events stay readable for reconnecting clients.
const DefaultRetention = 7 * 24 * time.Hour

// Event is what callers hand to Publish.
type Event struct {
	Type          string
	OwnerID       string
	CorrelationID string
	Payload       any
}

// Publisher inserts domain events. Events carry no consumer acknowledgement,
// so they are written as handled and become visible to readers immediately.
type Publisher struct {
	store     store.EventStore
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

type PublisherOption func(*Publisher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(st store.EventStore, retention time.Duration, log zerolog.Logger, opts ...PublisherOption) *Publisher {
	if retention <= 0 {
		retention = DefaultRetention
	}
	p := &Publisher{
		store:     st,
		retention: retention,
		now:       time.Now,
		log:       log.With().Str("component", "outbox").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes ev. A failed insert is logged, counted and returned; the
// caller's own write is not rolled back, so the event is simply lost.
func (p *Publisher) Publish(ctx context.Context, ev Event) (models.DomainEvent, error) {
	if ev.Type == "" || ev.OwnerID == "" {
		return models.DomainEvent{}, errors.New("event type and owner are required")
	}
	payload, err := encodePayload(ev.Payload)
	if err != nil {
		return models.DomainEvent{}, fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.DomainEvent{}, fmt.Errorf("generate event id: %w", err)
	}

	now := models.StoreTime(p.now())
	handledAt := now
	de := models.DomainEvent{
		ID:            id.String(),
		Type:          ev.Type,
		OwnerID:       ev.OwnerID,
		CorrelationID: ev.CorrelationID,
		Payload:       payload,
		Status:        models.EventHandled,
		CreatedAt:     now,
		UpdatedAt:     now,
		HandledAt:     &handledAt,
		ExpiresAt:     now.Add(p.retention),
	}
	if err := p.store.InsertEvent(ctx, de); err != nil {
		telemetry.EventPublishErrors.Inc()
		p.log.Error().Err(err).
			Str("event_type", ev.Type).
			Str("owner_id", ev.OwnerID).
			Str("correlation_id", ev.CorrelationID).
			Msg("domain event dropped")
		return models.DomainEvent{}, fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	telemetry.EventsPublished.WithLabelValues(ev.Type).Inc()
	p.log.Debug().Str("event_id", de.ID).Str("event_type", de.Type).Str("owner_id", de.OwnerID).Msg("domain event published")
	return de, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(t) {
			return nil, errors.New("invalid json")
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}
