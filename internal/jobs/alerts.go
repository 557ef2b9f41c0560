package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/screensplit/server/internal/metrics"
)

// PanicFunc runs after a worker panicked on the job's last attempt.
type PanicFunc func(ctx context.Context, job *rivertype.JobRow, err error)

// FailureHandler counts and logs job errors and panics. Workers record their
// own failures; OnPanic covers the runs that never got the chance.
type FailureHandler struct {
	Logger  *slog.Logger
	OnPanic PanicFunc
}

func NewFailureHandler(logger *slog.Logger, onPanic PanicFunc) *FailureHandler {
	return &FailureHandler{Logger: logger, OnPanic: onPanic}
}

func (h *FailureHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	errType := "error"
	if job.Attempt >= job.MaxAttempts {
		errType = "discarded"
	}
	metrics.RiverJobErrors.WithLabelValues(job.Kind, errType).Inc()
	if h.Logger != nil {
		h.Logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "error", err)
	}
	return nil
}

func (h *FailureHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	panicErr := fmt.Errorf("panic: %v", panicVal)
	metrics.RiverJobErrors.WithLabelValues(job.Kind, "panic").Inc()
	if h.Logger != nil {
		h.Logger.Error("job panicked", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", panicErr, "trace", trace)
	}
	if job.Attempt >= job.MaxAttempts && h.OnPanic != nil {
		h.OnPanic(ctx, job, panicErr)
	}
	return nil
}

// FailCrashedRenders marks the video job behind a panicked render as failed
// so it does not stay in processing. Other kinds are ignored.
func FailCrashedRenders(tracker JobTracker, logger *slog.Logger) PanicFunc {
	return func(ctx context.Context, job *rivertype.JobRow, err error) {
		if job.Kind != JobKindVideoSplit {
			return
		}
		var args VideoSplitArgs
		if decodeErr := json.Unmarshal(job.EncodedArgs, &args); decodeErr != nil || args.JobID == "" {
			return
		}
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
		defer cancel()
		if failErr := tracker.Fail(failCtx, args.JobID, "render crashed"); failErr != nil && logger != nil {
			logger.Error("could not mark discarded render failed", "job_id", args.JobID, "error", failErr)
		}
	}
}
