package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/screensplit/server/internal/domain/users"
)

var _ users.Repository = (*UserRepository)(nil)

type UserRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) WithTx(ctx context.Context, fn func(context.Context, users.Repository) error) error {
	return runInTx(ctx, r.pool, r.tx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &UserRepository{pool: r.pool, tx: tx})
	})
}

const userColumns = `id::text, email, name, image, password_hash, email_verified_at, created_at, updated_at`

func scanUser(row pgx.Row) (*users.User, error) {
	var (
		u    users.User
		hash *string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Image, &hash, &u.EmailVerifiedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.PasswordHash = derefString(hash)
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, params users.CreateUserParams) (*users.User, error) {
	row := pick(r.pool, r.tx).QueryRow(ctx, `
INSERT INTO users (email, name, image, password_hash, email_verified_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+userColumns,
		strings.ToLower(strings.TrimSpace(params.Email)), params.Name, params.Image, nullableString(params.PasswordHash), params.EmailVerifiedAt,
	)
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err, "users_email_key") {
			return nil, users.ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*users.User, error) {
	if !validUUID(id) {
		return nil, users.ErrNotFound
	}
	row := pick(r.pool, r.tx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1::uuid`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*users.User, error) {
	row := pick(r.pool, r.tx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id string, params users.UpdateProfileParams) (*users.User, error) {
	if !validUUID(id) {
		return nil, users.ErrNotFound
	}
	row := pick(r.pool, r.tx).QueryRow(ctx, `
UPDATE users
   SET name = COALESCE($2, name),
       image = COALESCE($3, image),
       updated_at = now()
 WHERE id = $1::uuid
RETURNING `+userColumns,
		id, params.Name, params.Image,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrNotFound
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return u, nil
}

// UpdatePassword with an empty hash clears the password.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.execOne(ctx, "update password",
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1::uuid`, id, nullableString(passwordHash))
}

func (r *UserRepository) MarkEmailVerified(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "mark email verified",
		`UPDATE users SET email_verified_at = COALESCE(email_verified_at, $2), updated_at = now() WHERE id = $1::uuid`, id, at)
}

func (r *UserRepository) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, "delete user", `DELETE FROM users WHERE id = $1::uuid`, id)
}

// execOne runs a statement keyed by a user ID in args[0] and expects it to
// touch at least one row.
func (r *UserRepository) execOne(ctx context.Context, op, sql string, args ...any) error {
	if id, _ := args[0].(string); !validUUID(id) {
		return users.ErrNotFound
	}
	tag, err := pick(r.pool, r.tx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return users.ErrNotFound
	}
	return nil
}

func (r *UserRepository) GetAccount(ctx context.Context, provider, providerAccountID string) (*users.Account, error) {
	var a users.Account
	err := pick(r.pool, r.tx).QueryRow(ctx, `
SELECT id::text, user_id::text, provider, provider_account_id, created_at
  FROM accounts
 WHERE provider = $1 AND provider_account_id = $2`,
		provider, providerAccountID,
	).Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderAccountID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (r *UserRepository) CreateAccount(ctx context.Context, userID, provider, providerAccountID string) (*users.Account, error) {
	var a users.Account
	err := pick(r.pool, r.tx).QueryRow(ctx, `
INSERT INTO accounts (user_id, provider, provider_account_id)
VALUES ($1::uuid, $2, $3)
RETURNING id::text, user_id::text, provider, provider_account_id, created_at`,
		userID, provider, providerAccountID,
	).Scan(&a.ID, &a.UserID, &a.Provider, &a.ProviderAccountID, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &a, nil
}

func (r *UserRepository) CreateVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := pick(r.pool, r.tx).Exec(ctx, `
INSERT INTO email_verification_tokens (user_id, token_hash, expires_at)
VALUES ($1::uuid, $2, $3)`, userID, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("create verification token: %w", err)
	}
	return nil
}

func (r *UserRepository) GetVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*users.Token, error) {
	var t users.Token
	err := pick(r.pool, r.tx).QueryRow(ctx, `
SELECT id::text, user_id::text, token_hash, expires_at, created_at
  FROM email_verification_tokens
 WHERE token_hash = $1 AND expires_at > $2`,
		tokenHash, now,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrInvalidToken
		}
		return nil, fmt.Errorf("get verification token: %w", err)
	}
	return &t, nil
}

func (r *UserRepository) DeleteVerificationTokens(ctx context.Context, userID string) error {
	if _, err := pick(r.pool, r.tx).Exec(ctx, `DELETE FROM email_verification_tokens WHERE user_id = $1::uuid`, userID); err != nil {
		return fmt.Errorf("delete verification tokens: %w", err)
	}
	return nil
}

func (r *UserRepository) CreateResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := pick(r.pool, r.tx).Exec(ctx, `
INSERT INTO password_reset_tokens (user_id, token_hash, expires_at)
VALUES ($1::uuid, $2, $3)`, userID, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("create reset token: %w", err)
	}
	return nil
}

func (r *UserRepository) GetResetToken(ctx context.Context, tokenHash string, now time.Time) (*users.Token, error) {
	var t users.Token
	err := pick(r.pool, r.tx).QueryRow(ctx, `
SELECT id::text, user_id::text, token_hash, expires_at, used_at, created_at
  FROM password_reset_tokens
 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
 FOR UPDATE`,
		tokenHash, now,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrInvalidToken
		}
		return nil, fmt.Errorf("get reset token: %w", err)
	}
	return &t, nil
}

func (r *UserRepository) MarkResetTokenUsed(ctx context.Context, id string, at time.Time) error {
	tag, err := pick(r.pool, r.tx).Exec(ctx,
		`UPDATE password_reset_tokens SET used_at = $2 WHERE id = $1::uuid AND used_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("mark reset token used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return users.ErrInvalidToken
	}
	return nil
}

func (r *UserRepository) DeleteUnusedResetTokens(ctx context.Context, userID string) error {
	if _, err := pick(r.pool, r.tx).Exec(ctx,
		`DELETE FROM password_reset_tokens WHERE user_id = $1::uuid AND used_at IS NULL`, userID); err != nil {
		return fmt.Errorf("delete reset tokens: %w", err)
	}
	return nil
}

func (r *UserRepository) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	q := pick(r.pool, r.tx)
	verification, err := q.Exec(ctx, `DELETE FROM email_verification_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired verification tokens: %w", err)
	}
	reset, err := q.Exec(ctx, `DELETE FROM password_reset_tokens WHERE expires_at <= $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired reset tokens: %w", err)
	}
	return verification.RowsAffected() + reset.RowsAffected(), nil
}
