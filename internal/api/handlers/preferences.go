package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/screensplit/server/internal/api/middleware"
	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/domain/preferences"
)

type PreferencesService interface {
	Get(ctx context.Context, userID string) (preferences.Preferences, error)
	Put(ctx context.Context, userID string, prefs preferences.Preferences) (preferences.Preferences, error)
}

// PreferencesHandler serves the designer's saved editor defaults.
type PreferencesHandler struct {
	service PreferencesService
	env     string
}

func NewPreferencesHandler(service PreferencesService, env string) *PreferencesHandler {
	return &PreferencesHandler{service: service, env: env}
}

// Get handles GET /api/designer/preferences.
func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.service.Get(r.Context(), middleware.UserID(r))
	if err != nil {
		writeServerError(w, r, err, h.env)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// Put handles PUT /api/designer/preferences. Fields left out of the body
// keep their default values.
func (h *PreferencesHandler) Put(w http.ResponseWriter, r *http.Request) {
	prefs := preferences.Defaults()
	if !decodeJSON(w, r, &prefs, h.env) {
		return
	}

	saved, err := h.service.Put(r.Context(), middleware.UserID(r), prefs)
	if err != nil {
		var verr preferences.ValidationError
		if errors.As(err, &verr) {
			fields := make(map[string]interface{}, len(verr.Fields))
			for _, f := range verr.Fields {
				fields[f.Field] = f.Rule
			}
			problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Validation failed", err, h.env,
				problem.WithDetail(verr.Error()),
				problem.WithErrors(fields))
			return
		}
		writeServerError(w, r, err, h.env)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
