package videosplit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("video job not found")
	ErrNotRetryable = errors.New("only failed video jobs can be retried")
	ErrNotReady     = errors.New("video job has not completed")
	ErrNotQueued    = errors.New("video job is not queued")
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Layout string

const (
	LayoutHorizontal Layout = "horizontal"
	LayoutVertical   Layout = "vertical"
)

type Job struct {
	ID          string
	UserID      string
	Status      Status
	Layout      Layout
	BeforeKey   string
	AfterKey    string
	OutputKey   string
	Error       string
	Progress    int
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type Repository interface {
	// WithTx runs fn against a repository bound to a single transaction.
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	Create(ctx context.Context, job *Job) error
	// GetByID returns the job only when it belongs to userID.
	GetByID(ctx context.Context, userID, id string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// ResetForRetry moves a failed job back to queued and clears its error.
	// It returns ErrNotRetryable when the job exists in any other state.
	ResetForRetry(ctx context.Context, userID, id string, at time.Time) (*Job, error)
	// MarkProcessing claims a queued job and bumps its attempt count.
	// It returns ErrNotQueued when the job is in any other state.
	MarkProcessing(ctx context.Context, id string, at time.Time) (*Job, error)
	UpdateProgress(ctx context.Context, id string, progress int, at time.Time) error
	MarkCompleted(ctx context.Context, id, outputKey string, at time.Time) error
	MarkFailed(ctx context.Context, id, message string, at time.Time) error
	// DeleteFinishedBefore removes completed and failed jobs last touched
	// before cutoff and returns them.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
	// FailProcessingStartedBefore fails jobs still processing that started
	// before cutoff and returns their ids.
	FailProcessingStartedBefore(ctx context.Context, cutoff time.Time, message string, at time.Time) ([]string, error)
}
