package jobs

import (
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
)

const (
	JobKindVideoSplit      = "video_split"
	JobKindObjectCleanup   = "object_cleanup"
	JobKindUserCleanup     = "user_cleanup"
	JobKindTokenCleanup    = "token_cleanup"
	JobKindRenderRetention = "render_retention"
	JobKindStaleRenders    = "stale_renders"
)

// QueueVideo holds render jobs so long encodes never starve cleanup work.
const QueueVideo = "video"

const (
	// VideoSplitMaxAttempts is 1: a failed render is surfaced to the user, who retries it.
	VideoSplitMaxAttempts = 1
	CleanupMaxAttempts    = 5
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy returns the default retry policy configuration.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: CleanupMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindVideoSplit: {
				MaxAttempts: VideoSplitMaxAttempts,
				BaseDelay:   0,
				MaxDelay:    0,
			},
			JobKindObjectCleanup: {
				MaxAttempts: CleanupMaxAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    1 * time.Hour,
			},
			JobKindUserCleanup: {
				MaxAttempts: CleanupMaxAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    1 * time.Hour,
			},
			JobKindTokenCleanup: {
				MaxAttempts: 3,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    30 * time.Minute,
			},
			JobKindRenderRetention: {
				MaxAttempts: 3,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    30 * time.Minute,
			},
			// The next scheduled sweep picks up whatever this one missed.
			JobKindStaleRenders: {
				MaxAttempts: 1,
				BaseDelay:   0,
				MaxDelay:    0,
			},
		},
	}
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	config := p.configFor(job.Kind)
	if config.BaseDelay == 0 {
		return time.Now()
	}

	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}

	return time.Now().Add(delay)
}

// InsertOptsForKind returns default insert options for a job kind.
func InsertOptsForKind(kind string) river.InsertOpts {
	config := NewRetryPolicy().configFor(kind)
	opts := river.InsertOpts{MaxAttempts: config.MaxAttempts}
	if kind == JobKindVideoSplit {
		opts.Queue = QueueVideo
	}
	return opts
}

// ClientOptions tunes the River client beyond the worker set.
type ClientOptions struct {
	VideoWorkers int
	Hooks        []rivertype.Hook
	PeriodicJobs []*river.PeriodicJob
	// OnPanic is called for jobs whose last attempt panicked.
	OnPanic PanicFunc
}

// NewClientConfig builds a River client configuration with retry policy.
// A nil workers set produces an insert-only client.
func NewClientConfig(workers *river.Workers, logger *slog.Logger, opts ClientOptions) *river.Config {
	policy := NewRetryPolicy()
	config := &river.Config{
		RetryPolicy: policy,
		MaxAttempts: policy.Default.MaxAttempts,
		Hooks:       opts.Hooks,
	}
	if workers != nil {
		videoWorkers := opts.VideoWorkers
		if videoWorkers < 1 {
			videoWorkers = 1
		}
		config.Workers = workers
		config.PeriodicJobs = opts.PeriodicJobs
		config.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 5},
			QueueVideo:         {MaxWorkers: videoWorkers},
		}
	}
	if logger != nil {
		config.Logger = logger
		config.ErrorHandler = NewFailureHandler(logger, opts.OnPanic)
	}
	return config
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, workers *river.Workers, logger *slog.Logger, opts ClientOptions) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(workers, logger, opts))
}

// NewPeriodicJobs creates the maintenance schedule:
// - expired verification and reset tokens are purged
// - finished video jobs past retention are deleted with their renders
// - renders orphaned by a dead worker are failed every staleRenderInterval
func NewPeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return TokenCleanupArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return RenderRetentionArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(staleRenderInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				opts := InsertOptsForKind(JobKindStaleRenders)
				return StaleRenderArgs{}, &opts
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: CleanupMaxAttempts, BaseDelay: 1 * time.Minute, MaxDelay: 1 * time.Hour}
	}
	if config, ok := p.ByKind[kind]; ok {
		return config
	}
	return p.Default
}
