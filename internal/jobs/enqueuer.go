package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/screensplit/server/internal/storage/postgres"
)

// Inserter is the subset of *river.Client[pgx.Tx] used to enqueue work.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Enqueuer turns domain requests into River jobs. When the context carries
// a repository transaction the job is inserted in it, so it only becomes
// visible if the surrounding write commits.
type Enqueuer struct {
	client Inserter
	txOf   func(context.Context) (pgx.Tx, bool)
}

func NewEnqueuer(client Inserter) *Enqueuer {
	return &Enqueuer{client: client, txOf: postgres.TxFromContext}
}

// EnqueueVideoSplit queues the render of a video split job.
func (e *Enqueuer) EnqueueVideoSplit(ctx context.Context, jobID string) error {
	return e.insert(ctx, VideoSplitArgs{JobID: jobID})
}

// ScheduleObjectCleanup removes stored objects in the background.
func (e *Enqueuer) ScheduleObjectCleanup(ctx context.Context, keys []string) error {
	filtered := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			filtered = append(filtered, key)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return e.insert(ctx, ObjectCleanupArgs{Keys: filtered})
}

// ScheduleUserCleanup removes every upload and render of a deleted user.
func (e *Enqueuer) ScheduleUserCleanup(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	return e.insert(ctx, UserCleanupArgs{UserID: userID})
}

func (e *Enqueuer) insert(ctx context.Context, args river.JobArgs) error {
	if e == nil || e.client == nil {
		return fmt.Errorf("job queue not configured")
	}
	opts := InsertOptsForKind(args.Kind())
	var err error
	if tx, ok := e.txOf(ctx); ok {
		_, err = e.client.InsertTx(ctx, tx, args, &opts)
	} else {
		_, err = e.client.Insert(ctx, args, &opts)
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", args.Kind(), err)
	}
	return nil
}
