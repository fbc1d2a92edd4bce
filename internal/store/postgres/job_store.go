package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
)

const jobColumns = `id, type, owner_id, payload, status, attempts, max_attempts, available_at,
	lock_token, locked_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		payload   []byte
		lockToken pgtype.Text
		lastErr   pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Type, &job.OwnerID, &payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.AvailableAt, &lockToken, &job.LockedAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	job.LockToken = textPtr(lockToken)
	job.LastError = textPtr(lastErr)
	return job, nil
}

// Enqueue inserts a queued job available immediately.
func (s *Store) Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = s.maxAttempts
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, type, owner_id, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW(), NOW())
		RETURNING `+jobColumns,
		id.String(), p.Type, p.OwnerID, jsonOrEmpty(p.Payload), models.JobQueued, p.MaxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", mapPostgresError(err))
	}
	return job, nil
}

// ClaimBatch locks claimable rows with SKIP LOCKED so concurrent claimers
// never see the same row, then stamps each with a fresh token. Reclaiming a
// stale running job leaves attempts untouched.
func (s *Store) ClaimBatch(ctx context.Context, limit int, visibility time.Duration) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT id
			FROM jobs
			WHERE (status = 'queued' AND available_at <= NOW())
			   OR (status = 'running' AND locked_at < NOW() - make_interval(secs => $2::float8))
			ORDER BY available_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = 'running',
			lock_token = gen_random_uuid()::text,
			locked_at = NOW(),
			updated_at = NOW()
		FROM claimable
		WHERE jobs.id = claimable.id
		RETURNING jobs.id, jobs.type, jobs.owner_id, jobs.payload, jobs.status, jobs.attempts, jobs.max_attempts,
			jobs.available_at, jobs.lock_token, jobs.locked_at, jobs.last_error, jobs.created_at, jobs.updated_at
	`, limit, visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", mapPostgresError(err))
	}
	return jobs, nil
}

// Complete marks the job succeeded while lockToken still owns it.
func (s *Store) Complete(ctx context.Context, id, lockToken string) error {
	if !validUUID(id) {
		return store.ErrJobNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'succeeded', lock_token = NULL, locked_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND lock_token = $2 AND status = 'running'
	`, id, lockToken)
	if err != nil {
		return fmt.Errorf("complete job: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrLost(ctx, id)
	}
	return nil
}

// Fail records the failure and either requeues with backoff or terminates.
// The backoff mirrors store.RetryPolicy.Delay but is computed against the
// database clock.
func (s *Store) Fail(ctx context.Context, id, lockToken string, f store.Failure) (models.JobStatus, error) {
	if !validUUID(id) {
		return "", store.ErrJobNotFound
	}
	var status models.JobStatus
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET attempts = CASE WHEN $4::bool THEN GREATEST(max_attempts, attempts + 1) ELSE attempts + 1 END,
			status = CASE WHEN $4::bool OR attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			available_at = CASE WHEN $4::bool OR attempts + 1 >= max_attempts THEN available_at
				ELSE NOW() + make_interval(secs => LEAST($5::float8 * power(2.0::float8, attempts), $6::float8) * (0.5 + random() * 0.5))
				END,
			last_error = $3,
			lock_token = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND lock_token = $2 AND status = 'running'
		RETURNING status
	`, id, lockToken, f.Reason, f.Permanent, s.retry.Initial.Seconds(), s.retry.Max.Seconds()).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s.missingOrLost(ctx, id)
	}
	if err != nil {
		return "", fmt.Errorf("fail job: %w", mapPostgresError(err))
	}
	return status, nil
}

func (s *Store) missingOrLost(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", mapPostgresError(err))
	}
	if !exists {
		return store.ErrJobNotFound
	}
	return store.ErrLockLost
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if !validUUID(id) {
		return models.Job{}, store.ErrJobNotFound
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, store.ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", mapPostgresError(err))
	}
	return job, nil
}

// CountByStatus reports the number of jobs in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	counts := map[models.JobStatus]int64{
		models.JobQueued:    0,
		models.JobRunning:   0,
		models.JobSucceeded: 0,
		models.JobFailed:    0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}
