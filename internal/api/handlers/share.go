package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/domain/media"
	"github.com/screensplit/server/internal/domain/projects"
	"github.com/screensplit/server/internal/metrics"
)

const (
	shareCookieName = "screensplit_share"
	// ShareTokenHeader carries a share access token for clients without cookies.
	ShareTokenHeader = "X-Share-Token"
)

type SharedProjectService interface {
	GetShared(ctx context.Context, slug, grant string) (*projects.SharedView, error)
	UnlockShared(ctx context.Context, slug, password string) (string, error)
}

// ShareTokens issues and checks access tokens for password protected links.
type ShareTokens interface {
	GenerateShareToken(slug, grant string) (string, time.Time, error)
	ValidateShareToken(token, slug string) (string, error)
	ShareTTL() time.Duration
}

// ShareHandler serves public share links.
type ShareHandler struct {
	service      SharedProjectService
	tokens       ShareTokens
	cookieSecure bool
	env          string
}

func NewShareHandler(service SharedProjectService, tokens ShareTokens, cookieSecure bool, env string) *ShareHandler {
	return &ShareHandler{service: service, tokens: tokens, cookieSecure: cookieSecure, env: env}
}

type SharedMediaResponse struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

type SharedProjectResponse struct {
	Slug             string              `json:"slug"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	MediaType        media.Kind          `json:"mediaType"`
	Before           SharedMediaResponse `json:"before"`
	After            SharedMediaResponse `json:"after"`
	Settings         projects.Settings   `json:"settings"`
	ViewCount        int64               `json:"viewCount"`
	CreatedAt        time.Time           `json:"createdAt"`
	RequiresPassword bool                `json:"requiresPassword"`
}

type UnlockRequest struct {
	Password string `json:"password"`
}

type UnlockResponse struct {
	Token     string    `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Get handles GET /api/share/{slug}. Locked projects answer 401 with the
// title and requiresPassword so the viewer can prompt for the password.
func (h *ShareHandler) Get(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	view, err := h.service.GetShared(r.Context(), slug, h.grant(r, slug))
	switch {
	case errors.Is(err, projects.ErrPasswordRequired) && view != nil:
		metrics.ShareViews.WithLabelValues("locked").Inc()
		problem.Write(w, r, http.StatusUnauthorized, problem.TypePasswordRequired, "Password required", err, h.env,
			problem.WithDetail("This comparison is password protected."),
			problem.WithExtension("requiresPassword", true),
			problem.WithExtension("title", view.Title))
		return
	case errors.Is(err, projects.ErrNotFound):
		metrics.ShareViews.WithLabelValues("not_found").Inc()
		writeNotFound(w, r, "Project", err, h.env)
		return
	case err != nil:
		writeServerError(w, r, err, h.env)
		return
	}

	metrics.ShareViews.WithLabelValues("shown").Inc()
	w.Header().Set("Cache-Control", "private, no-store")
	writeJSON(w, http.StatusOK, SharedProjectResponse{
		Slug:        view.Slug,
		Title:       view.Title,
		Description: view.Description,
		MediaType:   view.MediaType,
		Before:      SharedMediaResponse{URL: view.Before.URL, Label: view.Before.Label},
		After:       SharedMediaResponse{URL: view.After.URL, Label: view.After.Label},
		Settings:    view.Settings,
		ViewCount:   view.ViewCount,
		CreatedAt:   view.CreatedAt,
	})
}

// Unlock handles POST /api/share/{slug}/unlock. A correct password earns a
// share access token, set as a cookie scoped to the link and returned in the
// body. Public links answer 200 with neither.
func (h *ShareHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	var req UnlockRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}

	grant, err := h.service.UnlockShared(r.Context(), slug, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, projects.ErrNotFound):
			writeNotFound(w, r, "Project", err, h.env)
		case errors.Is(err, projects.ErrInvalidPassword):
			problem.Write(w, r, http.StatusUnauthorized, problem.TypePasswordRequired, "Incorrect password", err, h.env,
				problem.WithDetail("The password is incorrect."),
				problem.WithExtension("requiresPassword", true))
		default:
			writeServerError(w, r, err, h.env)
		}
		return
	}

	if grant == "" {
		writeJSON(w, http.StatusOK, UnlockResponse{})
		return
	}

	token, expiresAt, err := h.tokens.GenerateShareToken(slug, grant)
	if err != nil {
		writeServerError(w, r, err, h.env)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     shareCookieName,
		Value:    token,
		Path:     "/api/share/" + slug,
		MaxAge:   int(h.tokens.ShareTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, UnlockResponse{Token: token, ExpiresAt: &expiresAt})
}

// grant returns the password fingerprint of a valid share token on r, or "".
func (h *ShareHandler) grant(r *http.Request, slug string) string {
	token := r.Header.Get(ShareTokenHeader)
	if token == "" {
		if cookie, err := r.Cookie(shareCookieName); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return ""
	}
	grant, err := h.tokens.ValidateShareToken(token, slug)
	if err != nil {
		return ""
	}
	return grant
}
