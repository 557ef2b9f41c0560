package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all Screensplit metrics
const namespace = "screensplit"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// HealthCheckStatus tracks individual health check results
// Values: 0 = fail, 1 = warn, 2 = pass
var HealthCheckStatus = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_check_status",
		Help:      "Individual health check status (0=fail, 1=warn, 2=pass)",
	},
	[]string{"check"},
)

// HealthCheckLatency tracks the latency of individual health checks in milliseconds
var HealthCheckLatency = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_check_latency_ms",
		Help:      "Health check latency in milliseconds",
	},
	[]string{"check"},
)

// Domain metrics
var (
	UploadsPresigned = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_presigned_total",
			Help:      "Total number of presigned upload URLs issued",
		},
		[]string{"kind"}, // kind: image|video
	)

	ProjectsCreated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projects_created_total",
			Help:      "Total number of comparison projects created",
		},
		[]string{"media_type", "visibility"},
	)

	ShareViews = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_views_total",
			Help:      "Total number of share page requests",
		},
		[]string{"result"}, // result: shown|locked|not_found
	)

	VideoRenders = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_renders_total",
			Help:      "Total number of video split renders by outcome",
		},
		[]string{"layout", "result"}, // result: completed|failed|skipped|interrupted
	)

	VideoRenderDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "video_render_duration_seconds",
			Help:      "Wall time spent rendering a video split, including transfers",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"layout"},
	)

	RateLimitDecisions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by policy",
		},
		[]string{"policy", "result"}, // result: allowed|rejected|error
	)

	CacheLookups = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Read model cache lookups",
		},
		[]string{"result"}, // result: hit|miss|error
	)

	ImageProxyRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_proxy_requests_total",
			Help:      "Image proxy requests by outcome",
		},
		[]string{"result"}, // result: ok|blocked|upstream_error|not_image|too_large
	)

	EmailsSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Transactional emails by template and outcome",
		},
		[]string{"template", "result"},
	)

	ObjectsDeleted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_deleted_total",
			Help:      "Stored objects removed by cleanup jobs",
		},
	)

	TokensPurged = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_purged_total",
			Help:      "Expired verification and reset tokens removed",
		},
	)
)

var initOnce sync.Once

// Init registers runtime collectors and sets version information
func Init(version, commit, buildDate string) {
	initOnce.Do(func() {
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})

	AppInfo.Reset()
	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
