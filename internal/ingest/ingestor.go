// Package ingest turns provider webhook deliveries into meeting records,
// collapsing duplicate and concurrent deliveries onto one record.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"dispatch-core/internal/models"
	"dispatch-core/internal/outbox"
	"dispatch-core/internal/store"
)

// ErrInvalidRequest marks requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid ingest request")

// Request is one delivery to ingest.
type Request struct {
	OwnerID       string
	Provider      string
	CorrelationID string
	Recording     Recording
}

// Result reports the stored meeting and whether this call created it.
type Result struct {
	Meeting models.Meeting
	Created bool
}

// Ingestor upserts meetings keyed by the hashed external id and announces
// them on the outbox.
type Ingestor struct {
	meetings  store.MeetingStore
	hasher    *KeyHasher
	publisher *outbox.Publisher
	log       zerolog.Logger
}

func NewIngestor(meetings store.MeetingStore, hasher *KeyHasher, publisher *outbox.Publisher, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		meetings:  meetings,
		hasher:    hasher,
		publisher: publisher,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest is safe to call concurrently for the same key: the store's upsert
// converges all callers on one record and exactly one sees Created.
func (i *Ingestor) Ingest(ctx context.Context, req Request) (Result, error) {
	if req.OwnerID == "" || req.Recording.ExternalID == "" {
		return Result{}, fmt.Errorf("%w: owner and external id are required", ErrInvalidRequest)
	}

	m, created, err := i.meetings.UpsertMeeting(ctx, models.Meeting{
		OwnerID:         req.OwnerID,
		Provider:        req.Provider,
		ExternalID:      req.Recording.ExternalID,
		ExternalIDHash:  i.hasher.Hash(req.OwnerID, req.Recording.ExternalID),
		Title:           req.Recording.Title,
		URL:             req.Recording.URL,
		ShareURL:        req.Recording.ShareURL,
		RecordedAt:      req.Recording.RecordedAt,
		DurationSeconds: req.Recording.DurationSeconds,
		Summary:         req.Recording.Summary,
		Payload:         req.Recording.Raw,
	})
	if err != nil {
		return Result{}, fmt.Errorf("upsert meeting: %w", err)
	}

	log := i.log.With().Str("meeting_id", m.ID).Str("owner_id", m.OwnerID).Bool("created", created).Logger()
	log.Info().Str("provider", req.Provider).Msg("meeting ingested")

	if i.publisher != nil {
		// failure is logged and counted by the publisher
		_, _ = i.publisher.Publish(ctx, outbox.Event{
			Type:          models.EventMeetingIngested,
			OwnerID:       m.OwnerID,
			CorrelationID: req.CorrelationID,
			Payload: map[string]any{
				"meetingId": m.ID,
				"provider":  m.Provider,
				"title":     m.Title,
				"created":   created,
			},
		})
	}
	return Result{Meeting: m, Created: created}, nil
}
