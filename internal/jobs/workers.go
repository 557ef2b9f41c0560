package jobs

import (
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// ObjectStore is everything the workers need from object storage.
type ObjectStore interface {
	MediaTransfer
	ObjectDeleter
}

// VideoJobs is the worker-facing view of the video job lifecycle.
type VideoJobs interface {
	JobTracker
	RetentionPurger
	InterruptedFailer
}

// Dependencies wires the workers to storage and the render toolchain.
type Dependencies struct {
	VideoJobs      VideoJobs
	Store          ObjectStore
	Tokens         TokenPurger
	Composer       Composer
	RenderTimeout  time.Duration
	VideoRetention time.Duration
	TempDir        string
	Logger         *slog.Logger
}

// NewWorkers registers every worker kind.
func NewWorkers(deps Dependencies) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker[VideoSplitArgs](workers, VideoSplitWorker{
		Tracker:       deps.VideoJobs,
		Store:         deps.Store,
		Composer:      deps.Composer,
		RenderTimeout: deps.RenderTimeout,
		TempDir:       deps.TempDir,
		Logger:        deps.Logger,
	})
	river.AddWorker[ObjectCleanupArgs](workers, ObjectCleanupWorker{Store: deps.Store, Logger: deps.Logger})
	river.AddWorker[UserCleanupArgs](workers, UserCleanupWorker{Store: deps.Store, Logger: deps.Logger})
	river.AddWorker[TokenCleanupArgs](workers, TokenCleanupWorker{Tokens: deps.Tokens, Logger: deps.Logger})
	river.AddWorker[RenderRetentionArgs](workers, RenderRetentionWorker{
		Jobs:      deps.VideoJobs,
		Store:     deps.Store,
		Retention: deps.VideoRetention,
		Logger:    deps.Logger,
	})
	river.AddWorker[StaleRenderArgs](workers, StaleRenderWorker{
		Jobs:          deps.VideoJobs,
		RenderTimeout: deps.RenderTimeout,
		Logger:        deps.Logger,
	})
	return workers
}
