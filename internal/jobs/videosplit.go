package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/riverqueue/river"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/screensplit/server/internal/domain/videosplit"
	"github.com/screensplit/server/internal/metrics"
	"github.com/screensplit/server/internal/telemetry"
)

const (
	defaultRenderTimeout = 15 * time.Minute
	failureWriteTimeout  = 10 * time.Second

	progressDownloaded = 10
	progressRendered   = 90
)

// VideoSplitArgs defines the job arguments for rendering a video split.
type VideoSplitArgs struct {
	JobID string `json:"job_id"`
}

func (VideoSplitArgs) Kind() string { return JobKindVideoSplit }

// JobTracker records render progress on the video_jobs row.
type JobTracker interface {
	Start(ctx context.Context, id string) (*videosplit.Job, error)
	Progress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, job *videosplit.Job) error
	Fail(ctx context.Context, id, message string) error
}

// MediaTransfer moves render inputs and outputs in and out of object storage.
type MediaTransfer interface {
	Download(ctx context.Context, key string, w io.Writer) (int64, error)
	Upload(ctx context.Context, key string, body io.ReadSeeker, contentType string) error
}

// VideoSplitWorker renders a queued job: it downloads both inputs, composes
// them and stores the result under the job's render key.
//
// Any failure marks the job failed and cancels the River job; users retry
// failed jobs explicitly.
type VideoSplitWorker struct {
	river.WorkerDefaults[VideoSplitArgs]
	Tracker       JobTracker
	Store         MediaTransfer
	Composer      Composer
	RenderTimeout time.Duration
	TempDir       string
	Logger        *slog.Logger
}

func (VideoSplitWorker) Kind() string { return JobKindVideoSplit }

func (w VideoSplitWorker) Timeout(*river.Job[VideoSplitArgs]) time.Duration {
	if w.RenderTimeout > 0 {
		return w.RenderTimeout
	}
	return defaultRenderTimeout
}

func (w VideoSplitWorker) Work(ctx context.Context, job *river.Job[VideoSplitArgs]) error {
	if w.Tracker == nil || w.Store == nil || w.Composer == nil {
		return fmt.Errorf("video split worker not configured")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jobID := job.Args.JobID
	if jobID == "" {
		return river.JobCancel(fmt.Errorf("job_id is required"))
	}

	vj, err := w.Tracker.Start(ctx, jobID)
	switch {
	case errors.Is(err, videosplit.ErrNotQueued), errors.Is(err, videosplit.ErrNotFound):
		logger.Info("skipping video split job", "job_id", jobID, "reason", err.Error())
		metrics.VideoRenders.WithLabelValues("unknown", "skipped").Inc()
		return nil
	case err != nil:
		w.fail(ctx, logger, jobID, "could not start render")
		return river.JobCancel(fmt.Errorf("claim video job %s: %w", jobID, err))
	}

	logger.Info("rendering video split", "job_id", vj.ID, "layout", vj.Layout, "attempt", vj.Attempts)
	started := time.Now()

	ctx, span := telemetry.Tracer("github.com/screensplit/server/internal/jobs").Start(ctx, "videosplit.render")
	span.SetAttributes(
		attribute.String("videosplit.job_id", vj.ID),
		attribute.String("videosplit.layout", string(vj.Layout)),
	)
	defer span.End()

	if err := w.render(ctx, logger, vj); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		metrics.VideoRenders.WithLabelValues(string(vj.Layout), "failed").Inc()
		w.fail(ctx, logger, vj.ID, err.Error())
		return river.JobCancel(err)
	}

	metrics.VideoRenders.WithLabelValues(string(vj.Layout), "completed").Inc()
	metrics.VideoRenderDuration.WithLabelValues(string(vj.Layout)).Observe(time.Since(started).Seconds())
	logger.Info("video split completed", "job_id", vj.ID, "duration", time.Since(started))
	return nil
}

func (w VideoSplitWorker) render(ctx context.Context, logger *slog.Logger, vj *videosplit.Job) error {
	dir, err := os.MkdirTemp(w.TempDir, "videosplit-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove work dir", "dir", dir, "error", err)
		}
	}()

	req := ComposeRequest{
		BeforePath: filepath.Join(dir, "before"+path.Ext(vj.BeforeKey)),
		AfterPath:  filepath.Join(dir, "after"+path.Ext(vj.AfterKey)),
		OutputPath: filepath.Join(dir, "output.mp4"),
		Layout:     vj.Layout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.fetch(gctx, vj.BeforeKey, req.BeforePath) })
	g.Go(func() error { return w.fetch(gctx, vj.AfterKey, req.AfterPath) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("download inputs: %w", err)
	}
	w.progress(ctx, logger, vj.ID, progressDownloaded)

	report := func(pct int) {
		w.progress(ctx, logger, vj.ID, progressDownloaded+pct*(progressRendered-progressDownloaded)/100)
	}
	if err := w.Composer.Compose(ctx, req, report); err != nil {
		return fmt.Errorf("compose video: %w", err)
	}
	w.progress(ctx, logger, vj.ID, progressRendered)

	out, err := os.Open(req.OutputPath)
	if err != nil {
		return fmt.Errorf("open render: %w", err)
	}
	defer out.Close()
	if err := w.Store.Upload(ctx, videosplit.RenderKey(vj), out, "video/mp4"); err != nil {
		return fmt.Errorf("upload render: %w", err)
	}

	if err := w.Tracker.Complete(ctx, vj); err != nil {
		return err
	}
	return nil
}

func (w VideoSplitWorker) fetch(ctx context.Context, key, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dest), err)
	}
	if _, err := w.Store.Download(ctx, key, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	return f.Close()
}

func (w VideoSplitWorker) progress(ctx context.Context, logger *slog.Logger, id string, pct int) {
	if err := w.Tracker.Progress(ctx, id, pct); err != nil {
		logger.Warn("failed to record progress", "job_id", id, "progress", pct, "error", err)
	}
}

// fail records the failure even when the job context has been cancelled.
func (w VideoSplitWorker) fail(ctx context.Context, logger *slog.Logger, id, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if err := w.Tracker.Fail(ctx, id, message); err != nil {
		logger.Error("failed to mark video job failed", "job_id", id, "error", err)
		return
	}
	logger.Warn("video split failed", "job_id", id, "error", message)
}
