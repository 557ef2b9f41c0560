package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/screensplit/server/internal/domain/videosplit"
)

var _ videosplit.Repository = (*VideoJobRepository)(nil)

type VideoJobRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func NewVideoJobRepository(pool *pgxpool.Pool) *VideoJobRepository {
	return &VideoJobRepository{pool: pool}
}

func (r *VideoJobRepository) WithTx(ctx context.Context, fn func(context.Context, videosplit.Repository) error) error {
	return runInTx(ctx, r.pool, r.tx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &VideoJobRepository{pool: r.pool, tx: tx})
	})
}

const videoJobColumns = `id, user_id::text, status, layout, before_key, after_key, output_key, error,
       progress, attempts, created_at, updated_at, started_at, completed_at`

func scanVideoJob(row pgx.Row) (*videosplit.Job, error) {
	var (
		job       videosplit.Job
		outputKey *string
		errText   *string
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.Layout,
		&job.BeforeKey,
		&job.AfterKey,
		&outputKey,
		&errText,
		&job.Progress,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.OutputKey = derefString(outputKey)
	job.Error = derefString(errText)
	return &job, nil
}

func (r *VideoJobRepository) Create(ctx context.Context, job *videosplit.Job) error {
	_, err := pick(r.pool, r.tx).Exec(ctx, `
INSERT INTO video_jobs (id, user_id, status, layout, before_key, after_key, created_at, updated_at)
VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, string(job.Status), string(job.Layout), job.BeforeKey, job.AfterKey, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create video job: %w", err)
	}
	return nil
}

func (r *VideoJobRepository) GetByID(ctx context.Context, userID, id string) (*videosplit.Job, error) {
	if !validUUID(userID) {
		return nil, videosplit.ErrNotFound
	}
	return r.getOne(ctx, "get video job",
		`SELECT `+videoJobColumns+` FROM video_jobs WHERE id = $1 AND user_id = $2::uuid`, id, userID)
}

func (r *VideoJobRepository) Get(ctx context.Context, id string) (*videosplit.Job, error) {
	return r.getOne(ctx, "get video job", `SELECT `+videoJobColumns+` FROM video_jobs WHERE id = $1`, id)
}

func (r *VideoJobRepository) getOne(ctx context.Context, op, sql string, args ...any) (*videosplit.Job, error) {
	job, err := scanVideoJob(pick(r.pool, r.tx).QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, videosplit.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

func (r *VideoJobRepository) ResetForRetry(ctx context.Context, userID, id string, at time.Time) (*videosplit.Job, error) {
	if !validUUID(userID) {
		return nil, videosplit.ErrNotFound
	}
	job, err := r.getOne(ctx, "retry video job", `
UPDATE video_jobs
   SET status = 'queued',
       error = NULL,
       progress = 0,
       started_at = NULL,
       completed_at = NULL,
       updated_at = $3
 WHERE id = $1 AND user_id = $2::uuid AND status = 'failed'
RETURNING `+videoJobColumns, id, userID, at)
	if errors.Is(err, videosplit.ErrNotFound) {
		if _, getErr := r.GetByID(ctx, userID, id); getErr != nil {
			return nil, getErr
		}
		return nil, videosplit.ErrNotRetryable
	}
	return job, err
}

func (r *VideoJobRepository) MarkProcessing(ctx context.Context, id string, at time.Time) (*videosplit.Job, error) {
	job, err := r.getOne(ctx, "claim video job", `
UPDATE video_jobs
   SET status = 'processing',
       attempts = attempts + 1,
       progress = 0,
       started_at = $2,
       updated_at = $2
 WHERE id = $1 AND status = 'queued'
RETURNING `+videoJobColumns, id, at)
	if errors.Is(err, videosplit.ErrNotFound) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, videosplit.ErrNotQueued
	}
	return job, err
}

func (r *VideoJobRepository) UpdateProgress(ctx context.Context, id string, progress int, at time.Time) error {
	return r.execOne(ctx, "update video job progress",
		`UPDATE video_jobs SET progress = $2, updated_at = $3 WHERE id = $1 AND status = 'processing'`, id, progress, at)
}

func (r *VideoJobRepository) MarkCompleted(ctx context.Context, id, outputKey string, at time.Time) error {
	return r.execOne(ctx, "complete video job", `
UPDATE video_jobs
   SET status = 'completed',
       output_key = $2,
       progress = 100,
       error = NULL,
       completed_at = $3,
       updated_at = $3
 WHERE id = $1`, id, outputKey, at)
}

func (r *VideoJobRepository) MarkFailed(ctx context.Context, id, message string, at time.Time) error {
	return r.execOne(ctx, "fail video job", `
UPDATE video_jobs
   SET status = 'failed',
       error = $2,
       completed_at = $3,
       updated_at = $3
 WHERE id = $1`, id, message, at)
}

func (r *VideoJobRepository) execOne(ctx context.Context, op, sql string, args ...any) error {
	tag, err := pick(r.pool, r.tx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return videosplit.ErrNotFound
	}
	return nil
}

func (r *VideoJobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]videosplit.Job, error) {
	rows, err := pick(r.pool, r.tx).Query(ctx, `
DELETE FROM video_jobs
 WHERE id IN (
	SELECT id FROM video_jobs
	 WHERE status IN ('completed', 'failed') AND updated_at < $1
	 ORDER BY updated_at
	 LIMIT $2
	 FOR UPDATE SKIP LOCKED
 )
RETURNING `+videoJobColumns, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("delete finished video jobs: %w", err)
	}
	defer rows.Close()

	var jobs []videosplit.Job
	for rows.Next() {
		job, err := scanVideoJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate video jobs: %w", err)
	}
	return jobs, nil
}

func (r *VideoJobRepository) FailProcessingStartedBefore(ctx context.Context, cutoff time.Time, message string, at time.Time) ([]string, error) {
	rows, err := pick(r.pool, r.tx).Query(ctx, `
UPDATE video_jobs
   SET status = 'failed',
       error = $2,
       completed_at = $3,
       updated_at = $3
 WHERE status = 'processing' AND started_at < $1
RETURNING id`, cutoff, message, at)
	if err != nil {
		return nil, fmt.Errorf("fail stale video jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan stale video jobs: %w", err)
	}
	return ids, nil
}
