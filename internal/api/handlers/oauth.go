package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/api/middleware"
	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/auth/oauth"
	"github.com/screensplit/server/internal/domain/users"
)

const oauthStateCookie = "screensplit_oauth_state"

// OAuthProvider is the part of an OAuth client the sign-in flow needs.
type OAuthProvider interface {
	Enabled() bool
	GenerateAuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (string, error)
	FetchUserProfile(ctx context.Context, accessToken string) (*oauth.GitHubUser, error)
}

// OAuthHandler signs users in with GitHub.
type OAuthHandler struct {
	users        AccountService
	sessions     SessionIssuer
	github       OAuthProvider
	appURL       string
	cookieSecure bool
	logger       zerolog.Logger
	env          string
}

func NewOAuthHandler(userService AccountService, sessions SessionIssuer, github OAuthProvider, appURL string, cookieSecure bool, logger zerolog.Logger, env string) *OAuthHandler {
	return &OAuthHandler{
		users:        userService,
		sessions:     sessions,
		github:       github,
		appURL:       strings.TrimRight(appURL, "/"),
		cookieSecure: cookieSecure,
		logger:       logger.With().Str("handler", "oauth").Logger(),
		env:          env,
	}
}

// GitHubLogin handles GET /api/auth/oauth/github.
func (h *OAuthHandler) GitHubLogin(w http.ResponseWriter, r *http.Request) {
	if h.github == nil || !h.github.Enabled() {
		problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, "Sign-in provider not available", errors.New("github oauth not configured"), h.env,
			problem.WithDetail("GitHub sign-in is not enabled on this server."))
		return
	}

	state, err := oauth.GenerateState()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to generate oauth state")
		h.redirectWithError(w, r, "oauth_failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/auth/oauth",
		MaxAge:   300,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.github.GenerateAuthURL(state), http.StatusFound)
}

// GitHubCallback handles GET /api/auth/oauth/github/callback. On success the
// session cookie is set and the browser is sent back to the app.
func (h *OAuthHandler) GitHubCallback(w http.ResponseWriter, r *http.Request) {
	if h.github == nil || !h.github.Enabled() {
		h.redirectWithError(w, r, "oauth_unavailable")
		return
	}

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil {
		h.logger.Warn().Msg("oauth state cookie missing")
		h.redirectWithError(w, r, "oauth_failed")
		return
	}
	query := r.URL.Query()
	if state := query.Get("state"); state == "" || state != stateCookie.Value {
		h.logger.Warn().Msg("oauth state mismatch")
		h.redirectWithError(w, r, "oauth_failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/api/auth/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn().Str("error", errParam).Str("description", query.Get("error_description")).Msg("github oauth error")
		h.redirectWithError(w, r, "oauth_denied")
		return
	}
	code := query.Get("code")
	if code == "" {
		h.logger.Warn().Msg("oauth code parameter missing")
		h.redirectWithError(w, r, "oauth_failed")
		return
	}

	accessToken, err := h.github.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to exchange oauth code")
		h.redirectWithError(w, r, "oauth_failed")
		return
	}

	profile, err := h.github.FetchUserProfile(r.Context(), accessToken)
	if err != nil {
		if errors.Is(err, oauth.ErrNoVerifiedEmail) {
			h.redirectWithError(w, r, "no_email")
			return
		}
		h.logger.Error().Err(err).Msg("failed to fetch github user profile")
		h.redirectWithError(w, r, "oauth_failed")
		return
	}

	user, err := h.users.LoginWithOAuth(r.Context(), users.OAuthProfile{
		Provider:          oauth.ProviderGitHub,
		ProviderAccountID: profile.ProviderAccountID(),
		Email:             profile.Email,
		Name:              profile.DisplayName(),
		Image:             profile.AvatarURL,
	})
	if err != nil {
		h.logger.Error().Err(err).Int64("github_id", profile.ID).Msg("oauth login failed")
		h.redirectWithError(w, r, "oauth_failed")
		return
	}

	token, _, err := h.sessions.Generate(user.ID, user.Email)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to issue session")
		h.redirectWithError(w, r, "oauth_failed")
		return
	}
	middleware.SetSessionCookie(w, token, int(h.sessions.SessionTTL().Seconds()), h.cookieSecure)
	http.Redirect(w, r, h.appURL+"/", http.StatusFound)
}

func (h *OAuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.appURL+"/login?error="+code, http.StatusFound)
}
