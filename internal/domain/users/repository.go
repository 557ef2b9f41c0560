package users

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotVerified   = errors.New("email address is not verified")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

type User struct {
	ID              string
	Email           string
	Name            string
	Image           string
	PasswordHash    string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (u User) EmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Account links a user to an external identity provider.
type Account struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAccountID string
	CreatedAt         time.Time
}

// Token is a stored single-use token. Only the hash is persisted.
type Token struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type CreateUserParams struct {
	Email           string
	Name            string
	Image           string
	PasswordHash    string
	EmailVerifiedAt *time.Time
}

type UpdateProfileParams struct {
	Name  *string
	Image *string
}

type Repository interface {
	// WithTx runs fn against a repository bound to a single transaction.
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	Create(ctx context.Context, params CreateUserParams) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateProfile(ctx context.Context, id string, params UpdateProfileParams) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	MarkEmailVerified(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error

	GetAccount(ctx context.Context, provider, providerAccountID string) (*Account, error)
	CreateAccount(ctx context.Context, userID, provider, providerAccountID string) (*Account, error)

	CreateVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	// GetVerificationToken returns an unexpired token or ErrInvalidToken.
	GetVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*Token, error)
	DeleteVerificationTokens(ctx context.Context, userID string) error

	CreateResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	// GetResetToken returns an unused, unexpired token or ErrInvalidToken.
	GetResetToken(ctx context.Context, tokenHash string, now time.Time) (*Token, error)
	MarkResetTokenUsed(ctx context.Context, id string, at time.Time) error
	DeleteUnusedResetTokens(ctx context.Context, userID string) error

	// DeleteExpiredTokens purges expired verification and reset tokens.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}
