// Package videosplit composes a before and an after video into one
// side-by-side render. Requests are recorded here and rendered by a
// background worker.
package videosplit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/audit"
	"github.com/screensplit/server/internal/domain/ids"
	"github.com/screensplit/server/internal/domain/media"
)

// Enqueuer schedules rendering. Implementations must join the transaction
// carried by ctx when there is one.
type Enqueuer interface {
	EnqueueVideoSplit(ctx context.Context, jobID string) error
}

// Signer issues time-limited download links.
type Signer interface {
	PresignGet(ctx context.Context, key, filename string) (string, error)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type Service struct {
	repo   Repository
	queue  Enqueuer
	signer Signer
	audit  *audit.Logger
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(repo Repository, queue Enqueuer, signer Signer, auditLogger *audit.Logger, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		queue:  queue,
		signer: signer,
		audit:  auditLogger,
		now:    time.Now,
		logger: logger.With().Str("component", "videosplit").Logger(),
	}
}

type CreateInput struct {
	Layout    string
	BeforeKey string
	AfterKey  string
}

// Create records a queued job and schedules it in one transaction, so a job
// row never exists without work to process it.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*Job, error) {
	layout := Layout(in.Layout)
	if layout == "" {
		layout = LayoutHorizontal
	}
	if layout != LayoutHorizontal && layout != LayoutVertical {
		return nil, ValidationError{Field: "layout", Message: "must be horizontal or vertical"}
	}
	if err := checkVideoKey(userID, "beforeKey", in.BeforeKey); err != nil {
		return nil, err
	}
	if err := checkVideoKey(userID, "afterKey", in.AfterKey); err != nil {
		return nil, err
	}

	id, err := ids.NewULID()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	job := &Job{
		ID:        id,
		UserID:    userID,
		Status:    StatusQueued,
		Layout:    layout,
		BeforeKey: in.BeforeKey,
		AfterKey:  in.AfterKey,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		if err := tx.Create(ctx, job); err != nil {
			return err
		}
		return s.queue.EnqueueVideoSplit(ctx, job.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("create video job: %w", err)
	}

	s.audit.LogSuccess("videosplit.created", userID, "video_job", job.ID, audit.IPFromContext(ctx), map[string]string{"layout": string(layout)})
	return job, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (*Job, error) {
	id, err := ids.NormalizeULID(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.repo.GetByID(ctx, userID, id)
}

// Retry requeues a failed job. Jobs in any other state are left alone.
func (s *Service) Retry(ctx context.Context, userID, id string) (*Job, error) {
	id, err := ids.NormalizeULID(id)
	if err != nil {
		return nil, ErrNotFound
	}

	var job *Job
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		if job, err = tx.ResetForRetry(ctx, userID, id, s.now().UTC()); err != nil {
			return err
		}
		return s.queue.EnqueueVideoSplit(ctx, job.ID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotRetryable) {
			return nil, err
		}
		return nil, fmt.Errorf("retry video job: %w", err)
	}

	s.audit.LogSuccess("videosplit.retried", userID, "video_job", job.ID, audit.IPFromContext(ctx), nil)
	return job, nil
}

type DownloadLink struct {
	URL      string
	Filename string
}

// Download signs a link to the finished render.
func (s *Service) Download(ctx context.Context, userID, id string) (DownloadLink, error) {
	job, err := s.Get(ctx, userID, id)
	if err != nil {
		return DownloadLink{}, err
	}
	if job.Status != StatusCompleted || job.OutputKey == "" {
		return DownloadLink{}, ErrNotReady
	}

	filename := "screensplit-" + job.ID + ".mp4"
	url, err := s.signer.PresignGet(ctx, job.OutputKey, filename)
	if err != nil {
		return DownloadLink{}, fmt.Errorf("sign download: %w", err)
	}
	return DownloadLink{URL: url, Filename: filename}, nil
}

func checkVideoKey(userID, field, key string) error {
	if !media.OwnsUpload(userID, key) {
		return ValidationError{Field: field, Message: "must reference one of your uploads"}
	}
	if kind, ok := media.KindOfKey(key); !ok || kind != media.KindVideo {
		return ValidationError{Field: field, Message: "must be a video upload"}
	}
	return nil
}
