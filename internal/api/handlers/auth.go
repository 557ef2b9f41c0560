package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/screensplit/server/internal/api/middleware"
	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/domain/users"
)

// AccountService covers the account flows the auth and account handlers call.
type AccountService interface {
	Register(ctx context.Context, in users.RegisterInput) (*users.User, error)
	Authenticate(ctx context.Context, email, password string) (*users.User, error)
	VerifyEmail(ctx context.Context, token string) (*users.User, error)
	ResendVerification(ctx context.Context, email string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	Get(ctx context.Context, id string) (*users.User, error)
	UpdateProfile(ctx context.Context, id string, in users.UpdateProfileInput) (*users.User, error)
	Delete(ctx context.Context, id string) error
	LoginWithOAuth(ctx context.Context, profile users.OAuthProfile) (*users.User, error)
}

// SessionIssuer mints session tokens.
type SessionIssuer interface {
	Generate(userID, email string) (string, time.Time, error)
	SessionTTL() time.Duration
}

// AuthHandler serves registration, login and the email token flows.
type AuthHandler struct {
	users        AccountService
	sessions     SessionIssuer
	cookieSecure bool
	env          string
}

func NewAuthHandler(userService AccountService, sessions SessionIssuer, cookieSecure bool, env string) *AuthHandler {
	return &AuthHandler{
		users:        userService,
		sessions:     sessions,
		cookieSecure: cookieSecure,
		env:          env,
	}
}

// UserResponse is the public shape of an account.
type UserResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Image         string    `json:"image,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	HasPassword   bool      `json:"hasPassword"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newUserResponse(u *users.User) UserResponse {
	return UserResponse{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Image:         u.Image,
		EmailVerified: u.EmailVerified(),
		HasPassword:   u.HasPassword(),
		CreatedAt:     u.CreatedAt,
	}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      UserResponse `json:"user"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}

	user, err := h.users.Register(r.Context(), users.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		h.writeUserError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Check your inbox to verify your email address.",
		"user":    newUserResponse(user),
	})
}

// Login handles POST /api/auth/login. Browser clients get the session cookie;
// API clients use the returned token as a bearer credential.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeValidation(w, r, "email", "and password are required", errors.New("missing credentials"), h.env)
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrInvalidCredentials):
			problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Invalid credentials", err, h.env,
				problem.WithDetail("The email or password is incorrect."))
		case errors.Is(err, users.ErrEmailNotVerified):
			problem.Write(w, r, http.StatusForbidden, problem.TypeForbidden, "Email not verified", err, h.env,
				problem.WithDetail("Verify your email address before signing in."))
		default:
			writeServerError(w, r, err, h.env)
		}
		return
	}

	h.startSession(w, r, user)
}

func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, user *users.User) {
	token, expiresAt, err := h.sessions.Generate(user.ID, user.Email)
	if err != nil {
		writeServerError(w, r, err, h.env)
		return
	}
	middleware.SetSessionCookie(w, token, int(h.sessions.SessionTTL().Seconds()), h.cookieSecure)

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      newUserResponse(user),
	})
}

// Logout handles POST /api/auth/logout. Sessions are stateless, so this only
// clears the browser cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	middleware.ClearSessionCookie(w, h.cookieSecure)
	w.WriteHeader(http.StatusNoContent)
}

// VerifyEmail handles GET /api/auth/verify-email?token=.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeValidation(w, r, "token", "is required", errors.New("missing token"), h.env)
		return
	}

	user, err := h.users.VerifyEmail(r.Context(), token)
	if err != nil {
		h.writeUserError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Email verified.",
		"user":    newUserResponse(user),
	})
}

// ResendVerification handles POST /api/auth/resend-verification. The answer
// is the same whether or not the address is known.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}
	if err := h.users.ResendVerification(r.Context(), req.Email); err != nil && !isValidation(err) {
		writeServerError(w, r, err, h.env)
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{
		Message: "If the address needs verifying, a new link is on its way.",
	})
}

// ForgotPassword handles POST /api/auth/forgot-password. The answer is the
// same whether or not the address is known.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}
	if err := h.users.RequestPasswordReset(r.Context(), req.Email); err != nil && !isValidation(err) {
		writeServerError(w, r, err, h.env)
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{
		Message: "If an account exists for that address, a reset link is on its way.",
	})
}

// ResetPassword handles POST /api/auth/reset-password.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeValidation(w, r, "token", "is required", errors.New("missing token"), h.env)
		return
	}

	if err := h.users.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		h.writeUserError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Password updated. You can now sign in."})
}

// CSRF handles GET /api/auth/csrf. The token is also echoed in the response
// header so clients that only read headers can pick it up.
func (h *AuthHandler) CSRF(w http.ResponseWriter, r *http.Request) {
	token := middleware.CSRFToken(r)
	w.Header().Set(middleware.CSRFHeader, token)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (h *AuthHandler) writeUserError(w http.ResponseWriter, r *http.Request, err error) {
	writeUserError(w, r, err, h.env)
}

func writeUserError(w http.ResponseWriter, r *http.Request, err error, env string) {
	var verr users.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, r, verr.Field, verr.Message, err, env)
	case errors.Is(err, users.ErrEmailTaken):
		writeConflict(w, r, "Email already registered", err, env)
	case errors.Is(err, users.ErrInvalidToken):
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid token", err, env,
			problem.WithDetail("The link is invalid or has expired."))
	case errors.Is(err, users.ErrNotFound):
		writeNotFound(w, r, "User", err, env)
	default:
		writeServerError(w, r, err, env)
	}
}

func isValidation(err error) bool {
	var verr users.ValidationError
	return errors.As(err, &verr)
}
