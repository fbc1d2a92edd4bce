package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
)

const eventColumns = `id, type, owner_id, correlation_id, payload, status, created_at, updated_at, handled_at, expires_at`

func scanEvent(row pgx.Row) (models.DomainEvent, error) {
	var (
		ev      models.DomainEvent
		payload []byte
	)
	if err := row.Scan(&ev.ID, &ev.Type, &ev.OwnerID, &ev.CorrelationID, &payload, &ev.Status,
		&ev.CreatedAt, &ev.UpdatedAt, &ev.HandledAt, &ev.ExpiresAt); err != nil {
		return models.DomainEvent{}, err
	}
	ev.Payload = payload
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

// InsertEvent appends ev to the outbox log. Timestamps are taken from ev so
// the caller's cursor matches what readers will see.
func (s *Store) InsertEvent(ctx context.Context, ev models.DomainEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.Type, ev.OwnerID, ev.CorrelationID, jsonOrEmpty(ev.Payload), ev.Status,
		ev.CreatedAt, ev.UpdatedAt, ev.HandledAt, ev.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", mapPostgresError(err))
	}
	return nil
}

// EventsAfter pages through handled events for one owner in cursor order.
func (s *Store) EventsAfter(ctx context.Context, ownerID string, after models.Cursor, limit int) ([]models.DomainEvent, error) {
	afterID := after.ID
	if afterID == "" {
		afterID = uuid.Nil.String()
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE owner_id = $1
		  AND status = 'handled'
		  AND (created_at, id) > ($2, $3::uuid)
		ORDER BY created_at, id
		LIMIT $4
	`, ownerID, after.CreatedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var events []models.DomainEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventPosition resolves an event id (typically Last-Event-ID) to a cursor.
func (s *Store) EventPosition(ctx context.Context, ownerID, eventID string) (models.Cursor, error) {
	if !validUUID(eventID) {
		return models.Cursor{}, store.ErrEventNotFound
	}
	var c models.Cursor
	err := s.pool.QueryRow(ctx, `
		SELECT created_at, id FROM domain_events WHERE id = $1 AND owner_id = $2
	`, eventID, ownerID).Scan(&c.CreatedAt, &c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Cursor{}, store.ErrEventNotFound
	}
	if err != nil {
		return models.Cursor{}, fmt.Errorf("event position: %w", mapPostgresError(err))
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// PurgeExpired deletes at most limit events whose retention has lapsed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM domain_events
		WHERE id IN (
			SELECT id FROM domain_events
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", mapPostgresError(err))
	}
	return tag.RowsAffected(), nil
}
