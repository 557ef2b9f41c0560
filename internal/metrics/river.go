package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// River job metrics
var (
	// RiverJobsQueued tracks total number of jobs queued
	RiverJobsQueued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "river_jobs_queued_total",
			Help:      "Total number of River jobs queued",
		},
		[]string{"kind", "queue"},
	)

	// RiverJobsInFlight tracks currently executing jobs
	RiverJobsInFlight = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "river_jobs_in_flight",
			Help:      "Current number of River jobs executing",
		},
		[]string{"kind", "queue"},
	)

	// RiverJobDuration tracks job execution duration
	RiverJobDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "river_job_duration_seconds",
			Help:      "River job execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"kind", "queue"},
	)

	// RiverJobsCompleted tracks completed jobs by result
	RiverJobsCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "river_jobs_completed_total",
			Help:      "Total number of River jobs completed",
		},
		[]string{"kind", "queue", "result"}, // result: success, error
	)

	// RiverJobErrors counts errors and panics surfaced to the error handler
	RiverJobErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "river_job_errors_total",
			Help:      "River job errors reported by the error handler",
		},
		[]string{"kind", "type"}, // type: error, panic, discarded
	)
)

// RiverMetricsHook implements River's Hook interface for Prometheus metrics
type RiverMetricsHook struct {
	river.HookDefaults

	mu        sync.Mutex
	startTime map[int64]time.Time
}

// NewRiverMetricsHook creates a new metrics hook for River
func NewRiverMetricsHook() *RiverMetricsHook {
	return &RiverMetricsHook{startTime: make(map[int64]time.Time)}
}

// InsertBegin is called when a job is queued
func (h *RiverMetricsHook) InsertBegin(ctx context.Context, params *rivertype.JobInsertParams) error {
	RiverJobsQueued.WithLabelValues(params.Kind, params.Queue).Inc()
	return nil
}

// WorkBegin is called when a job starts executing
func (h *RiverMetricsHook) WorkBegin(ctx context.Context, job *rivertype.JobRow) error {
	RiverJobsInFlight.WithLabelValues(job.Kind, job.Queue).Inc()
	h.mu.Lock()
	h.startTime[job.ID] = time.Now()
	h.mu.Unlock()
	return nil
}

// WorkEnd is called when a job finishes executing
func (h *RiverMetricsHook) WorkEnd(ctx context.Context, job *rivertype.JobRow, err error) error {
	RiverJobsInFlight.WithLabelValues(job.Kind, job.Queue).Dec()

	h.mu.Lock()
	started, ok := h.startTime[job.ID]
	delete(h.startTime, job.ID)
	h.mu.Unlock()
	if ok {
		RiverJobDuration.WithLabelValues(job.Kind, job.Queue).Observe(time.Since(started).Seconds())
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	RiverJobsCompleted.WithLabelValues(job.Kind, job.Queue, result).Inc()
	return nil
}
