package users

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/audit"
	"github.com/screensplit/server/internal/auth"
)

const (
	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = time.Hour

	maxNameLength = 100
)

// dummyHash is compared against when the user does not exist so that
// unknown emails take as long as wrong passwords.
const dummyHash = "$2a$12$C6UzMDM.H6dfI/f/IKcEeO5i1vYqH3Zx6lZx5JbM3Ztc0XlG0WfXy"

// Mailer delivers account emails.
type Mailer interface {
	SendVerification(ctx context.Context, to, name, link string) error
	SendPasswordReset(ctx context.Context, to, name, link string) error
}

// ObjectCleaner removes stored media belonging to a deleted user.
type ObjectCleaner interface {
	ScheduleUserCleanup(ctx context.Context, userID string) error
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type Config struct {
	AppURL          string
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

type Service struct {
	repo     Repository
	mailer   Mailer
	cleaner  ObjectCleaner
	audit    *audit.Logger
	validate *validator.Validate
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(repo Repository, mailer Mailer, cleaner ObjectCleaner, auditLogger *audit.Logger, cfg Config, logger zerolog.Logger) *Service {
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = DefaultVerificationTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	return &Service{
		repo:     repo,
		mailer:   mailer,
		cleaner:  cleaner,
		audit:    auditLogger,
		validate: validator.New(),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "users").Logger(),
	}
}

type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// NormalizeEmail trims and lower-cases an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) validateEmail(email string) error {
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		return ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	return nil
}

func cleanName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if len([]rune(name)) > maxNameLength {
		return "", ValidationError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	}
	return name, nil
}

// Register creates an unverified password account and emails a verification link.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := NormalizeEmail(in.Email)
	if err := s.validateEmail(email); err != nil {
		return nil, err
	}
	name, err := cleanName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return nil, ValidationError{Field: "password", Message: err.Error()}
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	var user *User
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		created, err := tx.Create(ctx, CreateUserParams{Email: email, Name: name, PasswordHash: hash})
		if err != nil {
			return err
		}
		if err := tx.CreateVerificationToken(ctx, created.ID, auth.HashToken(token), s.now().Add(s.cfg.VerificationTTL)); err != nil {
			return fmt.Errorf("create verification token: %w", err)
		}
		user = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sendVerification(ctx, user, token)
	s.audit.LogSuccess("user.registered", user.ID, "user", user.ID, audit.IPFromContext(ctx), map[string]string{"method": "password"})
	return user, nil
}

// Authenticate checks a password login. Unknown users, OAuth-only users and
// wrong passwords all return ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = auth.CheckPassword(dummyHash, password)
			s.audit.LogFailure("user.login", email, audit.IPFromContext(ctx), map[string]string{"reason": "unknown_email"})
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !user.HasPassword() {
		_ = auth.CheckPassword(dummyHash, password)
		s.audit.LogFailure("user.login", user.ID, audit.IPFromContext(ctx), map[string]string{"reason": "no_password"})
		return nil, ErrInvalidCredentials
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		s.audit.LogFailure("user.login", user.ID, audit.IPFromContext(ctx), map[string]string{"reason": "bad_password"})
		return nil, ErrInvalidCredentials
	}
	if !user.EmailVerified() {
		return nil, ErrEmailNotVerified
	}

	s.audit.LogSuccess("user.login", user.ID, "user", user.ID, audit.IPFromContext(ctx), nil)
	return user, nil
}

// VerifyEmail consumes a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}

	now := s.now()
	var user *User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		stored, err := tx.GetVerificationToken(ctx, auth.HashToken(token), now)
		if err != nil {
			return err
		}
		if err := tx.MarkEmailVerified(ctx, stored.UserID, now); err != nil {
			return err
		}
		if err := tx.DeleteVerificationTokens(ctx, stored.UserID); err != nil {
			return err
		}
		user, err = tx.GetByID(ctx, stored.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogSuccess("user.email_verified", user.ID, "user", user.ID, audit.IPFromContext(ctx), nil)
	return user, nil
}

// ResendVerification issues a fresh verification link. It succeeds silently
// for unknown or already verified addresses.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := s.validateEmail(email); err != nil {
		return err
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if user.EmailVerified() {
		return nil
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		if err := tx.DeleteVerificationTokens(ctx, user.ID); err != nil {
			return err
		}
		return tx.CreateVerificationToken(ctx, user.ID, auth.HashToken(token), s.now().Add(s.cfg.VerificationTTL))
	})
	if err != nil {
		return fmt.Errorf("replace verification token: %w", err)
	}

	s.sendVerification(ctx, user, token)
	return nil
}

// RequestPasswordReset emails a reset link. Unknown addresses are ignored.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := s.validateEmail(email); err != nil {
		return err
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	if err := s.repo.CreateResetToken(ctx, user.ID, auth.HashToken(token), s.now().Add(s.cfg.ResetTTL)); err != nil {
		return fmt.Errorf("create reset token: %w", err)
	}

	link := s.link("/reset-password", token)
	if s.mailer != nil {
		if err := s.mailer.SendPasswordReset(ctx, user.Email, user.Name, link); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to send password reset email")
		}
	}
	s.audit.LogSuccess("user.password_reset_requested", user.ID, "user", user.ID, audit.IPFromContext(ctx), nil)
	return nil
}

// ResetPassword sets a new password from a reset token. Completing a reset
// proves ownership of the mailbox, so the email is marked verified too.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := auth.ValidatePassword(newPassword); err != nil {
		return ValidationError{Field: "password", Message: err.Error()}
	}
	if strings.TrimSpace(token) == "" {
		return ErrInvalidToken
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}

	now := s.now()
	var userID string
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		stored, err := tx.GetResetToken(ctx, auth.HashToken(token), now)
		if err != nil {
			return err
		}
		userID = stored.UserID
		if err := tx.UpdatePassword(ctx, stored.UserID, hash); err != nil {
			return err
		}
		if err := tx.MarkResetTokenUsed(ctx, stored.ID, now); err != nil {
			return err
		}
		if err := tx.DeleteUnusedResetTokens(ctx, stored.UserID); err != nil {
			return err
		}
		return tx.MarkEmailVerified(ctx, stored.UserID, now)
	})
	if err != nil {
		return err
	}

	s.audit.LogSuccess("user.password_reset", userID, "user", userID, audit.IPFromContext(ctx), nil)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

type UpdateProfileInput struct {
	Name  *string
	Image *string
}

func (s *Service) UpdateProfile(ctx context.Context, id string, in UpdateProfileInput) (*User, error) {
	params := UpdateProfileParams{}
	if in.Name != nil {
		name, err := cleanName(*in.Name)
		if err != nil {
			return nil, err
		}
		params.Name = &name
	}
	if in.Image != nil {
		image := strings.TrimSpace(*in.Image)
		if image != "" {
			if err := s.validate.Var(image, "url,max=2048"); err != nil {
				return nil, ValidationError{Field: "image", Message: "must be a valid URL"}
			}
			if u, _ := url.Parse(image); u == nil || (u.Scheme != "https" && u.Scheme != "http") {
				return nil, ValidationError{Field: "image", Message: "must be an http or https URL"}
			}
		}
		params.Image = &image
	}
	return s.repo.UpdateProfile(ctx, id, params)
}

// Delete removes the user. Database rows cascade; stored media is removed
// asynchronously.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.cleaner != nil {
		if err := s.cleaner.ScheduleUserCleanup(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("user_id", id).Msg("failed to schedule media cleanup")
		}
	}
	s.audit.LogSuccess("user.deleted", id, "user", id, audit.IPFromContext(ctx), nil)
	return nil
}

type OAuthProfile struct {
	Provider          string
	ProviderAccountID string
	Email             string
	Name              string
	Image             string
}

// LoginWithOAuth resolves an external identity to a user: an existing link,
// then an existing user with the same email (which gets linked), then a
// new verified user.
func (s *Service) LoginWithOAuth(ctx context.Context, profile OAuthProfile) (*User, error) {
	if profile.Provider == "" || profile.ProviderAccountID == "" {
		return nil, ValidationError{Field: "provider", Message: "is required"}
	}

	account, err := s.repo.GetAccount(ctx, profile.Provider, profile.ProviderAccountID)
	if err == nil {
		return s.repo.GetByID(ctx, account.UserID)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	email := NormalizeEmail(profile.Email)
	if err := s.validateEmail(email); err != nil {
		return nil, err
	}
	name, _ := cleanName(profile.Name)
	if len([]rune(name)) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}

	now := s.now()
	var user *User
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		existing, err := tx.GetByEmail(ctx, email)
		switch {
		case err == nil:
			user = existing
			if !existing.EmailVerified() {
				// Nobody proved they own the mailbox when this password was
				// set. The provider just did, so the password goes.
				if existing.HasPassword() {
					if err := tx.UpdatePassword(ctx, existing.ID, ""); err != nil {
						return err
					}
					user.PasswordHash = ""
				}
				if err := tx.DeleteVerificationTokens(ctx, existing.ID); err != nil {
					return err
				}
				if err := tx.MarkEmailVerified(ctx, existing.ID, now); err != nil {
					return err
				}
				user.EmailVerifiedAt = &now
			}
		case errors.Is(err, ErrNotFound):
			user, err = tx.Create(ctx, CreateUserParams{
				Email:           email,
				Name:            name,
				Image:           profile.Image,
				EmailVerifiedAt: &now,
			})
			if err != nil {
				return err
			}
		default:
			return err
		}
		_, err = tx.CreateAccount(ctx, user.ID, profile.Provider, profile.ProviderAccountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogSuccess("user.oauth_login", user.ID, "user", user.ID, audit.IPFromContext(ctx), map[string]string{"provider": profile.Provider})
	return user, nil
}

// PurgeExpiredTokens deletes expired verification and reset tokens.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredTokens(ctx, s.now())
}

func (s *Service) sendVerification(ctx context.Context, user *User, token string) {
	if s.mailer == nil {
		return
	}
	link := s.link("/verify-email", token)
	if err := s.mailer.SendVerification(ctx, user.Email, user.Name, link); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to send verification email")
	}
}

func (s *Service) link(path, token string) string {
	return s.cfg.AppURL + path + "?token=" + url.QueryEscape(token)
}
