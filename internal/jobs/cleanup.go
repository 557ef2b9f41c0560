package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/screensplit/server/internal/domain/media"
	"github.com/screensplit/server/internal/metrics"
)

const (
	retentionBatchSize = 100

	staleRenderInterval = 5 * time.Minute
	// staleRenderMargin is added to the render timeout before a processing
	// job counts as orphaned, so a slow failure write is not raced.
	staleRenderMargin = 5 * time.Minute
)

// ObjectDeleter removes stored objects.
type ObjectDeleter interface {
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// ObjectCleanupArgs lists object keys that are no longer referenced.
type ObjectCleanupArgs struct {
	Keys []string `json:"keys"`
}

func (ObjectCleanupArgs) Kind() string { return JobKindObjectCleanup }

// ObjectCleanupWorker deletes the media of removed projects.
type ObjectCleanupWorker struct {
	river.WorkerDefaults[ObjectCleanupArgs]
	Store  ObjectDeleter
	Logger *slog.Logger
}

func (ObjectCleanupWorker) Kind() string { return JobKindObjectCleanup }

func (w ObjectCleanupWorker) Work(ctx context.Context, job *river.Job[ObjectCleanupArgs]) error {
	if w.Store == nil {
		return fmt.Errorf("object store not configured")
	}
	if len(job.Args.Keys) == 0 {
		return nil
	}
	if err := w.Store.Delete(ctx, job.Args.Keys...); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	metrics.ObjectsDeleted.Add(float64(len(job.Args.Keys)))
	if w.Logger != nil {
		w.Logger.Info("deleted objects", "count", len(job.Args.Keys))
	}
	return nil
}

// UserCleanupArgs names a deleted user whose media must be removed.
type UserCleanupArgs struct {
	UserID string `json:"user_id"`
}

func (UserCleanupArgs) Kind() string { return JobKindUserCleanup }

// UserCleanupWorker deletes every upload and render under a user's prefixes.
type UserCleanupWorker struct {
	river.WorkerDefaults[UserCleanupArgs]
	Store  ObjectDeleter
	Logger *slog.Logger
}

func (UserCleanupWorker) Kind() string { return JobKindUserCleanup }

func (w UserCleanupWorker) Work(ctx context.Context, job *river.Job[UserCleanupArgs]) error {
	if w.Store == nil {
		return fmt.Errorf("object store not configured")
	}
	userID := job.Args.UserID
	if userID == "" {
		return river.JobCancel(fmt.Errorf("user_id is required"))
	}

	total := 0
	for _, prefix := range []string{media.UserUploadPrefix(userID), media.UserRenderPrefix(userID)} {
		n, err := w.Store.DeletePrefix(ctx, prefix)
		total += n
		if err != nil {
			return fmt.Errorf("delete %s: %w", prefix, err)
		}
	}
	metrics.ObjectsDeleted.Add(float64(total))
	if w.Logger != nil {
		w.Logger.Info("deleted user media", "user_id", userID, "count", total)
	}
	return nil
}

// TokenPurger deletes expired verification and reset tokens.
type TokenPurger interface {
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// TokenCleanupArgs defines the periodic token purge.
type TokenCleanupArgs struct{}

func (TokenCleanupArgs) Kind() string { return JobKindTokenCleanup }

type TokenCleanupWorker struct {
	river.WorkerDefaults[TokenCleanupArgs]
	Tokens TokenPurger
	Logger *slog.Logger
}

func (TokenCleanupWorker) Kind() string { return JobKindTokenCleanup }

func (w TokenCleanupWorker) Work(ctx context.Context, job *river.Job[TokenCleanupArgs]) error {
	if w.Tokens == nil {
		return fmt.Errorf("token repository not configured")
	}
	deleted, err := PurgeTokens(ctx, w.Tokens, time.Now().UTC())
	if err != nil {
		return err
	}
	if w.Logger != nil && deleted > 0 {
		w.Logger.Info("purged expired tokens", "count", deleted)
	}
	return nil
}

// PurgeTokens deletes verification and reset tokens that expired before now.
func PurgeTokens(ctx context.Context, tokens TokenPurger, now time.Time) (int64, error) {
	deleted, err := tokens.DeleteExpiredTokens(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	metrics.TokensPurged.Add(float64(deleted))
	return deleted, nil
}

// RetentionPurger deletes finished video jobs. remove runs on each batch's
// render keys before the row deletes commit.
type RetentionPurger interface {
	PurgeFinished(ctx context.Context, retention time.Duration, batch int, remove func(context.Context, []string) error) (int, []string, error)
}

// RenderRetentionArgs defines the periodic render retention sweep.
type RenderRetentionArgs struct{}

func (RenderRetentionArgs) Kind() string { return JobKindRenderRetention }

// RenderRetentionWorker drops finished jobs older than Retention together
// with their renders. A zero Retention disables the sweep.
type RenderRetentionWorker struct {
	river.WorkerDefaults[RenderRetentionArgs]
	Jobs      RetentionPurger
	Store     ObjectDeleter
	Retention time.Duration
	Logger    *slog.Logger
}

func (RenderRetentionWorker) Kind() string { return JobKindRenderRetention }

func (w RenderRetentionWorker) Work(ctx context.Context, job *river.Job[RenderRetentionArgs]) error {
	if w.Retention <= 0 {
		return nil
	}
	if w.Jobs == nil || w.Store == nil {
		return fmt.Errorf("render retention not configured")
	}

	jobsPurged, rendersPurged, err := PurgeRenders(ctx, w.Jobs, w.Store, w.Retention)
	if err != nil {
		return err
	}
	if w.Logger != nil && jobsPurged > 0 {
		w.Logger.Info("purged expired video jobs", "jobs", jobsPurged, "renders", rendersPurged)
	}
	return nil
}

// PurgeRenders deletes finished video jobs older than retention, batch by
// batch. A batch's rows are only gone once its renders are; a storage
// failure leaves them for the next sweep. It returns the number of jobs and
// render objects removed.
func PurgeRenders(ctx context.Context, jobs RetentionPurger, store ObjectDeleter, retention time.Duration) (int, int, error) {
	removeRenders := func(ctx context.Context, keys []string) error {
		if err := store.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("delete renders: %w", err)
		}
		return nil
	}

	jobsPurged, rendersPurged := 0, 0
	for {
		deleted, keys, err := jobs.PurgeFinished(ctx, retention, retentionBatchSize, removeRenders)
		if err != nil {
			return jobsPurged, rendersPurged, err
		}
		jobsPurged += deleted
		if len(keys) > 0 {
			metrics.ObjectsDeleted.Add(float64(len(keys)))
			rendersPurged += len(keys)
		}
		if deleted < retentionBatchSize {
			return jobsPurged, rendersPurged, nil
		}
	}
}

// InterruptedFailer fails renders stuck in processing.
type InterruptedFailer interface {
	FailInterrupted(ctx context.Context, after time.Duration) ([]string, error)
}

// StaleRenderArgs defines the periodic sweep for orphaned renders.
type StaleRenderArgs struct{}

func (StaleRenderArgs) Kind() string { return JobKindStaleRenders }

// StaleRenderWorker fails video jobs left in processing by a worker that
// died mid-render. The render job itself is never retried, so without this
// the row would stay processing and the user could not retry it.
type StaleRenderWorker struct {
	river.WorkerDefaults[StaleRenderArgs]
	Jobs          InterruptedFailer
	RenderTimeout time.Duration
	Logger        *slog.Logger
}

func (StaleRenderWorker) Kind() string { return JobKindStaleRenders }

func (w StaleRenderWorker) Work(ctx context.Context, job *river.Job[StaleRenderArgs]) error {
	if w.Jobs == nil {
		return fmt.Errorf("video jobs not configured")
	}
	ids, err := w.Jobs.FailInterrupted(ctx, w.staleAfter())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	metrics.VideoRenders.WithLabelValues("unknown", "interrupted").Add(float64(len(ids)))
	if w.Logger != nil {
		w.Logger.Warn("failed interrupted renders", "count", len(ids), "job_ids", ids)
	}
	return nil
}

func (w StaleRenderWorker) staleAfter() time.Duration {
	timeout := w.RenderTimeout
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	return timeout + staleRenderMargin
}
