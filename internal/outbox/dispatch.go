package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
	"dispatch-core/internal/worker"
)

// DispatchPayload is the body of a domain-event-dispatch job.
type DispatchPayload struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Enqueuer is satisfied by queue.Producer.
type Enqueuer interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error)
}

// Defer schedules ev to be published by a worker instead of inline.
func Defer(ctx context.Context, enq Enqueuer, ev Event) (models.Job, error) {
	payload, err := encodePayload(ev.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	body, err := json.Marshal(DispatchPayload{Type: ev.Type, CorrelationID: ev.CorrelationID, Payload: payload})
	if err != nil {
		return models.Job{}, err
	}
	return enq.Enqueue(ctx, store.EnqueueParams{
		Type:    models.JobTypeDomainEventDispatch,
		OwnerID: ev.OwnerID,
		Payload: body,
	})
}

// RegisterDispatch installs the domain-event-dispatch handler.
func RegisterDispatch(reg *worker.Registry, pub *Publisher) {
	worker.Handle(reg, models.JobTypeDomainEventDispatch, func(ctx context.Context, job models.Job, p DispatchPayload) error {
		if p.Type == "" {
			return worker.Permanent(errors.New("dispatch payload has no event type"))
		}
		if job.OwnerID == "" {
			return worker.Permanent(errors.New("dispatch job has no owner"))
		}
		correlation := p.CorrelationID
		if correlation == "" {
			correlation = job.ID
		}
		_, err := pub.Publish(ctx, Event{
			Type:          p.Type,
			OwnerID:       job.OwnerID,
			CorrelationID: correlation,
			Payload:       p.Payload,
		})
		return err
	})
}
