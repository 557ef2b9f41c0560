package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/screensplit/server/internal/domain/users"
)

var (
	sharedOnce      sync.Once
	sharedInitErr   error
	sharedContainer *postgres.PostgresContainer
	sharedPool      *pgxpool.Pool
	sharedDBURL     string
)

const sharedContainerName = "screensplit-storage-db"

func TestMain(m *testing.M) {
	code := m.Run()
	cleanupShared()
	os.Exit(code)
}

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	initShared(t)
	resetDatabase(t, sharedPool)

	return sharedPool
}

func initShared(t *testing.T) {
	t.Helper()
	sharedOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if url := os.Getenv("DATABASE_TEST_URL"); url != "" {
			sharedDBURL = url
		} else {
			container, err := postgres.Run(
				ctx,
				"postgres:16-alpine",
				postgres.WithDatabase("screensplit"),
				postgres.WithUsername("screensplit"),
				postgres.WithPassword("screensplit"),
				postgres.BasicWaitStrategies(),
				testcontainers.WithReuseByName(sharedContainerName),
			)
			if err != nil {
				sharedInitErr = err
				return
			}
			sharedContainer = container

			dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
			if err != nil {
				sharedInitErr = err
				return
			}
			sharedDBURL = dbURL
		}

		migrationsPath := filepath.Join(projectRoot(), DefaultMigrationsPath)
		if err := migrateWithRetry(sharedDBURL, migrationsPath, 10*time.Second); err != nil {
			sharedInitErr = err
			return
		}

		pool, err := pgxpool.New(ctx, sharedDBURL)
		if err != nil {
			sharedInitErr = err
			return
		}
		if err := MigrateRiver(ctx, pool); err != nil {
			sharedInitErr = err
			pool.Close()
			return
		}

		sharedPool = pool
	})

	if sharedInitErr != nil && strings.Contains(sharedInitErr.Error(), "Docker") {
		t.Skipf("docker unavailable: %v", sharedInitErr)
	}
	require.NoError(t, sharedInitErr)
}

func cleanupShared() {
	if sharedPool != nil {
		sharedPool.Close()
	}
}

func resetDatabase(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	require.NotNil(t, pool, "shared pool is nil")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := pool.Query(ctx, `
SELECT tablename
  FROM pg_tables
 WHERE schemaname = 'public'
   AND tablename <> 'schema_migrations'
   AND tablename NOT LIKE 'river_%'
 ORDER BY tablename;
`)
	require.NoError(t, err)
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		if name == "" {
			continue
		}
		safe := strings.ReplaceAll(name, "\"", "\"\"")
		tables = append(tables, "\"public\".\""+safe+"\"")
	}
	require.NoError(t, rows.Err())

	if len(tables) == 0 {
		return
	}

	_, err = pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE;")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "TRUNCATE TABLE river_job")
	require.NoError(t, err)
}

func insertUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, email string) *users.User {
	t.Helper()
	u, err := NewUserRepository(pool).Create(ctx, users.CreateUserParams{
		Email:        email,
		Name:         "Test User",
		PasswordHash: "$2a$12$hash",
	})
	require.NoError(t, err)
	return u
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func projectRoot() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
}

func migrateWithRetry(databaseURL string, migrationsPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := MigrateUp(databaseURL, migrationsPath); err != nil {
			if time.Now().After(deadline) {
				return err
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}
		return nil
	}
}
