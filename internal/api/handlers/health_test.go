package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func okPing(context.Context) error { return nil }

func TestHealthCheck_AllHealthy(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupTestDB(t, ctx)
	defer cleanup()
	setMigrationState(t, pool, false)

	checker := NewHealthChecker(pool, nil, okPing, okPing, "0.1.0", "test-commit")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	checker.Health().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response HealthCheck
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	// degraded because the job queue is not initialized here
	assert.Equal(t, "degraded", response.Status)
	assert.Equal(t, "0.1.0", response.Version)
	assert.Equal(t, "test-commit", response.GitCommit)

	dbCheck, ok := response.Checks["database"]
	require.True(t, ok, "database check should be present")
	assert.Equal(t, "pass", dbCheck.Status)
	assert.NotNil(t, dbCheck.Details)

	assert.Equal(t, "pass", response.Checks["migrations"].Status)
	assert.Equal(t, "pass", response.Checks["cache"].Status)
	assert.Equal(t, "pass", response.Checks["storage"].Status)
	assert.Equal(t, "warn", response.Checks["job_queue"].Status)
}

func TestHealthCheck_DatabaseFailure(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil, nil, "0.1.0", "test-commit")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	checker.Health().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response HealthCheck
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "unhealthy", response.Status)
	assert.Equal(t, "fail", response.Checks["database"].Status)
	assert.Contains(t, response.Checks["migrations"].Message, "Database pool not initialized")
}

func TestHealthCheck_OptionalBackends(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil, nil, "0.1.0", "test-commit")

	t.Run("not configured warns", func(t *testing.T) {
		result := checker.checkOptional(context.Background(), nil, "Redis")
		assert.Equal(t, "warn", result.Status)
		assert.Equal(t, "Redis not configured", result.Message)
	})

	t.Run("unreachable fails", func(t *testing.T) {
		result := checker.checkOptional(context.Background(), func(context.Context) error {
			return errors.New("dial tcp: connection refused")
		}, "Redis")
		assert.Equal(t, "fail", result.Status)
		assert.Equal(t, "dial tcp: connection refused", result.Details["error"])
	})

	t.Run("reachable passes", func(t *testing.T) {
		result := checker.checkOptional(context.Background(), okPing, "Object storage")
		assert.Equal(t, "pass", result.Status)
	})
}

func TestHealthCheck_ShuttingDown(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil, nil, "0.1.0", "test-commit")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	checker.Health().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"shutting_down"}`, w.Body.String())
}

func TestHealthCheck_ResponseFormat(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupTestDB(t, ctx)
	defer cleanup()

	checker := NewHealthChecker(pool, nil, nil, nil, "0.1.0", "abc123")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	checker.Health().ServeHTTP(w, req)

	var response HealthCheck
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	assert.NotEmpty(t, response.Status)
	assert.Equal(t, "abc123", response.GitCommit)
	_, err := time.Parse(time.RFC3339, response.Timestamp)
	assert.NoError(t, err, "timestamp should be valid RFC3339")

	for _, checkName := range []string{"database", "migrations", "job_queue", "cache", "storage"} {
		check, ok := response.Checks[checkName]
		assert.True(t, ok, "check %s should be present", checkName)
		assert.NotEmpty(t, check.Status, "check %s should have status", checkName)
	}
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	Healthz().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
}

func TestReadyz_NotReadyWithoutDatabase(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil, nil, "0.1.0", "test-commit")

	w := httptest.NewRecorder()
	checker.Readyz().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var response healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "not_ready", response.Status)
}

func TestReadyz_Ready(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupTestDB(t, ctx)
	defer cleanup()

	checker := NewHealthChecker(pool, nil, nil, nil, "0.1.0", "test-commit")

	w := httptest.NewRecorder()
	checker.Readyz().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var response healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ready", response.Status)
}

func TestHealthCheck_MigrationVersionValidation(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupTestDB(t, ctx)
	defer cleanup()

	tests := []struct {
		name           string
		setup          func(t *testing.T)
		expectedStatus string
		expectedMsg    string
	}{
		{
			name:           "clean migrations pass",
			setup:          func(t *testing.T) { setMigrationState(t, pool, false) },
			expectedStatus: "pass",
			expectedMsg:    "Migrations applied successfully",
		},
		{
			name:           "dirty migration fails",
			setup:          func(t *testing.T) { setMigrationState(t, pool, true) },
			expectedStatus: "fail",
			expectedMsg:    "Database in dirty migration state",
		},
		{
			name: "missing schema_migrations table fails",
			setup: func(t *testing.T) {
				_, err := pool.Exec(ctx, `DROP TABLE IF EXISTS schema_migrations`)
				require.NoError(t, err)
			},
			expectedStatus: "fail",
			expectedMsg:    "Migrations table not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup(t)
			checker := NewHealthChecker(pool, nil, nil, nil, "0.1.0", "test-commit")

			result := checker.checkMigrations(ctx)
			assert.Equal(t, tt.expectedStatus, result.Status)
			assert.Contains(t, result.Message, tt.expectedMsg)
			if tt.name == "dirty migration fails" {
				assert.Equal(t, true, result.Details["dirty"])
			}
			if tt.expectedStatus == "pass" {
				assert.Equal(t, false, result.Details["dirty"])
				assert.NotNil(t, result.Details["version"])
			}
		})
	}
}

func setMigrationState(t *testing.T, pool *pgxpool.Pool, dirty bool) {
	t.Helper()
	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT PRIMARY KEY,
			dirty BOOLEAN NOT NULL
		)
	`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO schema_migrations (version, dirty)
		VALUES (1, $1)
		ON CONFLICT (version) DO UPDATE SET dirty = EXCLUDED.dirty
	`, dirty)
	require.NoError(t, err)
}

// setupTestDB prefers DATABASE_URL and falls back to a throwaway container.
func setupTestDB(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err == nil && pool.Ping(ctx) == nil {
			return pool, func() { pool.Close() }
		}
		t.Logf("DATABASE_URL set but connection failed, using testcontainer")
	}

	postgresContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("screensplit_test"),
		tcpostgres.WithUsername("screensplit"),
		tcpostgres.WithPassword("screensplit-test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")

	dbURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	return pool, func() {
		pool.Close()
		if err := testcontainers.TerminateContainer(postgresContainer); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}
}
