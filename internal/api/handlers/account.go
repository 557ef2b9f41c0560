package handlers

import (
	"net/http"

	"github.com/screensplit/server/internal/api/middleware"
	"github.com/screensplit/server/internal/domain/users"
)

// AccountHandler serves the signed-in user's own profile.
type AccountHandler struct {
	users        AccountService
	cookieSecure bool
	env          string
}

func NewAccountHandler(userService AccountService, cookieSecure bool, env string) *AccountHandler {
	return &AccountHandler{users: userService, cookieSecure: cookieSecure, env: env}
}

type UpdateAccountRequest struct {
	Name  *string `json:"name"`
	Image *string `json:"image"`
}

// Get handles GET /api/account.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Get(r.Context(), middleware.UserID(r))
	if err != nil {
		writeUserError(w, r, err, h.env)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// Update handles PATCH /api/account.
func (h *AccountHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateAccountRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}

	user, err := h.users.UpdateProfile(r.Context(), middleware.UserID(r), users.UpdateProfileInput{
		Name:  req.Name,
		Image: req.Image,
	})
	if err != nil {
		writeUserError(w, r, err, h.env)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// Delete handles DELETE /api/account. Stored media is removed in the
// background; the session cookie is cleared right away.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.users.Delete(r.Context(), middleware.UserID(r)); err != nil {
		writeUserError(w, r, err, h.env)
		return
	}
	middleware.ClearSessionCookie(w, h.cookieSecure)
	w.WriteHeader(http.StatusNoContent)
}
