package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"github.com/screensplit/server/internal/metrics"
)

// HealthCheck represents the health status of the server
type HealthCheck struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	GitCommit string                 `json:"git_commit"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// CheckResult represents the result of a single health check
type CheckResult struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LatencyMs int64                  `json:"latency_ms,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PingFunc probes an optional dependency such as Redis or object storage.
type PingFunc func(ctx context.Context) error

// HealthChecker provides comprehensive health checks for the server
type HealthChecker struct {
	pool        *pgxpool.Pool
	riverClient *river.Client[pgx.Tx]
	cache       PingFunc
	storage     PingFunc
	version     string
	gitCommit   string
}

// NewHealthChecker creates a new health checker. cache and storage may be nil
// when those backends are not configured.
func NewHealthChecker(pool *pgxpool.Pool, riverClient *river.Client[pgx.Tx], cache, storage PingFunc, version, gitCommit string) *HealthChecker {
	return &HealthChecker{
		pool:        pool,
		riverClient: riverClient,
		cache:       cache,
		storage:     storage,
		version:     version,
		gitCommit:   gitCommit,
	}
}

// Health returns the detailed health report served on /health.
func (h *HealthChecker) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			respondHealth(w, http.StatusServiceUnavailable, "shutting_down")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]CheckResult{
			"database":   h.checkDatabase(ctx),
			"migrations": h.checkMigrations(ctx),
			"job_queue":  h.checkJobQueue(ctx),
			"cache":      h.checkOptional(ctx, h.cache, "Redis"),
			"storage":    h.checkOptional(ctx, h.storage, "Object storage"),
		}

		overallStatus := "healthy"
		statusCode := http.StatusOK
		for name, check := range checks {
			recordCheck(name, check)
			if check.Status == "fail" {
				overallStatus = "unhealthy"
				statusCode = http.StatusServiceUnavailable
			} else if check.Status == "warn" && overallStatus == "healthy" {
				overallStatus = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(HealthCheck{
			Status:    overallStatus,
			Version:   h.version,
			GitCommit: h.gitCommit,
			Checks:    checks,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Readyz reports ready once the database answers.
func (h *HealthChecker) Readyz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if check := h.checkDatabase(ctx); check.Status == "fail" {
			respondHealth(w, http.StatusServiceUnavailable, "not_ready")
			return
		}
		respondHealth(w, http.StatusOK, "ready")
	})
}

func recordCheck(name string, check CheckResult) {
	value := 0.0
	switch check.Status {
	case "pass":
		value = 1
	case "warn":
		value = 0.5
	}
	metrics.HealthCheckStatus.WithLabelValues(name).Set(value)
	metrics.HealthCheckLatency.WithLabelValues(name).Set(float64(check.LatencyMs))
}

// checkDatabase verifies PostgreSQL connection and query execution
func (h *HealthChecker) checkDatabase(ctx context.Context) CheckResult {
	start := time.Now()

	if h.pool == nil {
		return CheckResult{
			Status:  "fail",
			Message: "Database pool not initialized",
			Details: map[string]interface{}{
				"remediation": "Check that DATABASE_URL is set correctly and PostgreSQL is running",
			},
		}
	}

	// Per-check timeout so one slow dependency does not starve the others.
	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var result int
	err := h.pool.QueryRow(dbCtx, "SELECT 1").Scan(&result)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		message := "Database query failed"
		details := map[string]interface{}{
			"error": err.Error(),
		}

		switch {
		case ctx.Err() == context.DeadlineExceeded || dbCtx.Err() == context.DeadlineExceeded:
			message = "Database query timed out after 2 seconds"
			details["remediation"] = "Check PostgreSQL performance and network latency"
		case strings.Contains(err.Error(), "connection refused"):
			message = "Database connection refused"
			details["remediation"] = "Verify PostgreSQL is running and DATABASE_URL host/port are correct"
		case strings.Contains(err.Error(), "authentication failed"):
			message = "Database authentication failed"
			details["remediation"] = "Verify DATABASE_URL username and password are correct"
		default:
			details["remediation"] = "Check DATABASE_URL environment variable and PostgreSQL service status"
		}

		return CheckResult{
			Status:    "fail",
			Message:   message,
			LatencyMs: latency,
			Details:   details,
		}
	}

	stats := h.pool.Stat()
	return CheckResult{
		Status:    "pass",
		Message:   "PostgreSQL connection successful",
		LatencyMs: latency,
		Details: map[string]interface{}{
			"max_connections":      stats.MaxConns(),
			"total_connections":    stats.TotalConns(),
			"idle_connections":     stats.IdleConns(),
			"acquired_connections": stats.AcquiredConns(),
		},
	}
}

// checkMigrations fails when golang-migrate left the schema dirty.
func (h *HealthChecker) checkMigrations(ctx context.Context) CheckResult {
	start := time.Now()

	if h.pool == nil {
		return CheckResult{Status: "fail", Message: "Database pool not initialized"}
	}

	migCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var version int64
	var dirty bool
	err := h.pool.QueryRow(migCtx, `SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &dirty)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		message := "Failed to query migration version"
		remediation := "Verify migrations have been applied"
		if strings.Contains(err.Error(), "does not exist") {
			message = "Migrations table not found"
			remediation = "Run database migrations first: screensplit migrate up"
		}
		return CheckResult{
			Status:    "fail",
			Message:   message,
			LatencyMs: latency,
			Details: map[string]interface{}{
				"error":       err.Error(),
				"remediation": remediation,
			},
		}
	}

	if dirty {
		return CheckResult{
			Status:    "fail",
			Message:   "Database in dirty migration state - manual intervention required",
			LatencyMs: latency,
			Details: map[string]interface{}{
				"version": version,
				"dirty":   dirty,
				"action":  "Do NOT run new migrations until this is resolved",
			},
		}
	}

	return CheckResult{
		Status:    "pass",
		Message:   fmt.Sprintf("Migrations applied successfully (version %d)", version),
		LatencyMs: latency,
		Details: map[string]interface{}{
			"version": version,
			"dirty":   false,
		},
	}
}

// checkJobQueue verifies the River tables are reachable and reports the
// backlog of video renders.
func (h *HealthChecker) checkJobQueue(ctx context.Context) CheckResult {
	start := time.Now()

	if h.riverClient == nil || h.pool == nil {
		return CheckResult{
			Status:  "warn",
			Message: "Job queue not initialized",
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var activeJobs int64
	err := h.pool.QueryRow(jobCtx, `SELECT COUNT(*) FROM river_job WHERE state = ANY($1)`, []string{"available", "running"}).Scan(&activeJobs)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{
			Status:    "fail",
			Message:   "Failed to query job queue",
			LatencyMs: latency,
			Details: map[string]interface{}{
				"error":       err.Error(),
				"remediation": "Run River migrations and check river_job table permissions",
			},
		}
	}

	return CheckResult{
		Status:    "pass",
		Message:   "River job queue operational",
		LatencyMs: latency,
		Details: map[string]interface{}{
			"active_jobs": activeJobs,
		},
	}
}

// checkOptional probes a backend the server can run without. Missing
// backends warn; unreachable ones fail.
func (h *HealthChecker) checkOptional(ctx context.Context, ping PingFunc, name string) CheckResult {
	if ping == nil {
		return CheckResult{Status: "warn", Message: name + " not configured"}
	}

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := ping(pingCtx); err != nil {
		return CheckResult{
			Status:    "fail",
			Message:   name + " unreachable",
			LatencyMs: time.Since(start).Milliseconds(),
			Details:   map[string]interface{}{"error": err.Error()},
		}
	}
	return CheckResult{
		Status:    "pass",
		Message:   name + " reachable",
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// Healthz returns a lightweight liveness response
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondHealth(w, http.StatusOK, "ok")
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

func respondHealth(w http.ResponseWriter, status int, value string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: value})
}
