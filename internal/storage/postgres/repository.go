package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/screensplit/server/internal/domain/preferences"
	"github.com/screensplit/server/internal/domain/projects"
	"github.com/screensplit/server/internal/domain/users"
	"github.com/screensplit/server/internal/domain/videosplit"
	"github.com/screensplit/server/internal/storage"
)

var _ storage.Repository = (*Repository)(nil)

// Repository implements storage.Repository with a PostgreSQL backend.
type Repository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func NewRepository(pool *pgxpool.Pool) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres repository: pool is nil")
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Users() users.Repository {
	return &UserRepository{pool: r.pool, tx: r.tx}
}

func (r *Repository) Projects() projects.Repository {
	return &ProjectRepository{pool: r.pool, tx: r.tx}
}

func (r *Repository) Preferences() preferences.Repository {
	return &PreferencesRepository{pool: r.pool, tx: r.tx}
}

func (r *Repository) VideoJobs() videosplit.Repository {
	return &VideoJobRepository{pool: r.pool, tx: r.tx}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	return runInTx(ctx, r.pool, r.tx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &Repository{pool: r.pool, tx: tx})
	})
}

type txKey struct{}

// TxFromContext returns the transaction opened by a WithTx call further up
// the stack, so collaborators such as the job queue can join it.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// runInTx reuses an open transaction or begins a new one, commits when fn
// succeeds and rolls back otherwise.
func runInTx(ctx context.Context, pool *pgxpool.Pool, current pgx.Tx, fn func(context.Context, pgx.Tx) error) error {
	if current != nil {
		return fn(ctx, current)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback after error %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pick(pool *pgxpool.Pool, tx pgx.Tx) queryer {
	if tx != nil {
		return tx
	}
	return pool
}

const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
