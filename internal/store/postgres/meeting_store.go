package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
)

const meetingColumns = `id, owner_id, provider, external_id, external_id_hash, title, url, share_url,
	recorded_at, duration_seconds, summary, payload, created_at, updated_at`

func meetingDest(m *models.Meeting, payload *[]byte) []any {
	return []any{&m.ID, &m.OwnerID, &m.Provider, &m.ExternalID, &m.ExternalIDHash, &m.Title, &m.URL, &m.ShareURL,
		&m.RecordedAt, &m.DurationSeconds, &m.Summary, payload, &m.CreatedAt, &m.UpdatedAt}
}

// UpsertMeeting relies on the (owner_id, external_id_hash) unique constraint:
// concurrent inserts for one key serialise on it and all but the first take
// the DO UPDATE branch. xmax = 0 only for freshly inserted tuples.
func (s *Store) UpsertMeeting(ctx context.Context, m models.Meeting) (models.Meeting, bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Meeting{}, false, fmt.Errorf("generate meeting id: %w", err)
	}

	var (
		out      models.Meeting
		payload  []byte
		inserted bool
	)
	dest := append(meetingDest(&out, &payload), &inserted)
	err = s.pool.QueryRow(ctx, `
		INSERT INTO meetings (id, owner_id, provider, external_id, external_id_hash, title, url, share_url,
			recorded_at, duration_seconds, summary, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (owner_id, external_id_hash) DO UPDATE
		SET title = EXCLUDED.title,
			url = EXCLUDED.url,
			share_url = EXCLUDED.share_url,
			recorded_at = EXCLUDED.recorded_at,
			duration_seconds = EXCLUDED.duration_seconds,
			summary = EXCLUDED.summary,
			payload = EXCLUDED.payload,
			updated_at = NOW()
		RETURNING `+meetingColumns+`, (xmax = 0) AS inserted
	`, id.String(), m.OwnerID, m.Provider, m.ExternalID, m.ExternalIDHash, m.Title, m.URL, m.ShareURL,
		m.RecordedAt, m.DurationSeconds, m.Summary, jsonOrEmpty(m.Payload)).Scan(dest...)
	if err != nil {
		return models.Meeting{}, false, fmt.Errorf("upsert meeting: %w", mapPostgresError(err))
	}
	out.Payload = payload
	return out, inserted, nil
}

func (s *Store) FindMeeting(ctx context.Context, ownerID, externalIDHash string) (models.Meeting, error) {
	var (
		m       models.Meeting
		payload []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT `+meetingColumns+` FROM meetings WHERE owner_id = $1 AND external_id_hash = $2
	`, ownerID, externalIDHash).Scan(meetingDest(&m, &payload)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Meeting{}, store.ErrMeetingNotFound
	}
	if err != nil {
		return models.Meeting{}, fmt.Errorf("find meeting: %w", mapPostgresError(err))
	}
	m.Payload = payload
	return m, nil
}

func (s *Store) ListMeetings(ctx context.Context, ownerID string) ([]models.Meeting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+meetingColumns+` FROM meetings WHERE owner_id = $1 ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []models.Meeting
	for rows.Next() {
		var (
			m       models.Meeting
			payload []byte
		)
		if err := rows.Scan(meetingDest(&m, &payload)...); err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		m.Payload = payload
		out = append(out, m)
	}
	return out, rows.Err()
}
