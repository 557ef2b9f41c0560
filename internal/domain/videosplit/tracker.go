package videosplit

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/screensplit/server/internal/domain/media"
)

const (
	maxErrorLength = 500

	// InterruptedMessage is recorded on renders whose worker died mid-run.
	InterruptedMessage = "render interrupted"
)

// Tracker moves jobs through their lifecycle on behalf of the render worker.
type Tracker struct {
	repo Repository
	now  func() time.Time
}

func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo, now: time.Now}
}

// Start claims a queued job. ErrNotQueued means another run already took it
// or the user has not retried it.
func (t *Tracker) Start(ctx context.Context, id string) (*Job, error) {
	return t.repo.MarkProcessing(ctx, id, t.now().UTC())
}

func (t *Tracker) Progress(ctx context.Context, id string, progress int) error {
	progress = min(max(progress, 0), 100)
	return t.repo.UpdateProgress(ctx, id, progress, t.now().UTC())
}

// Complete marks the job done once its render is stored at RenderKey(job).
func (t *Tracker) Complete(ctx context.Context, job *Job) error {
	if err := t.repo.MarkCompleted(ctx, job.ID, RenderKey(job), t.now().UTC()); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (t *Tracker) Fail(ctx context.Context, id, message string) error {
	if utf8.RuneCountInString(message) > maxErrorLength {
		message = string([]rune(message)[:maxErrorLength])
	}
	if message == "" {
		message = "render failed"
	}
	return t.repo.MarkFailed(ctx, id, message, t.now().UTC())
}

// PurgeFinished deletes up to batch jobs that finished before now-retention.
// remove gets the batch's render keys while the row deletes are still
// uncommitted; when it fails the rows stay, so the next sweep finds the keys
// again. It returns how many rows went and the render keys removed.
func (t *Tracker) PurgeFinished(ctx context.Context, retention time.Duration, batch int, remove func(context.Context, []string) error) (int, []string, error) {
	cutoff := t.now().UTC().Add(-retention)
	var (
		deleted int
		keys    []string
	)
	err := t.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		jobs, err := tx.DeleteFinishedBefore(ctx, cutoff, batch)
		if err != nil {
			return fmt.Errorf("delete finished jobs: %w", err)
		}
		keys = make([]string, 0, len(jobs))
		for _, job := range jobs {
			if job.OutputKey != "" {
				keys = append(keys, job.OutputKey)
			}
		}
		if len(keys) > 0 && remove != nil {
			if err := remove(ctx, keys); err != nil {
				return err
			}
		}
		deleted = len(jobs)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return deleted, keys, nil
}

// FailInterrupted fails jobs that have been processing for longer than
// after. A worker that is still alive would have given up by then, so the
// row is left over from a process that died mid-render.
func (t *Tracker) FailInterrupted(ctx context.Context, after time.Duration) ([]string, error) {
	now := t.now().UTC()
	ids, err := t.repo.FailProcessingStartedBefore(ctx, now.Add(-after), InterruptedMessage, now)
	if err != nil {
		return nil, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	return ids, nil
}

// RenderKey is where the worker writes the render for job.
func RenderKey(job *Job) string {
	return media.RenderKey(job.UserID, job.ID)
}
