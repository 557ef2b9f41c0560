package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/screensplit/server/internal/api/middleware"
	"github.com/screensplit/server/internal/api/pagination"
	"github.com/screensplit/server/internal/domain/media"
	"github.com/screensplit/server/internal/domain/projects"
	"github.com/screensplit/server/internal/metrics"
	"github.com/screensplit/server/internal/objectstore"
)

type ProjectService interface {
	PrepareUpload(ctx context.Context, userID string, files []projects.UploadFile) ([]objectstore.PresignedUpload, error)
	Create(ctx context.Context, userID string, in projects.CreateInput) (*projects.Project, error)
	List(ctx context.Context, userID, cursor string, limit int) (projects.Page, error)
	Get(ctx context.Context, userID, id string) (*projects.Project, error)
	Update(ctx context.Context, userID, id string, in projects.UpdateInput) (*projects.Project, error)
	Delete(ctx context.Context, userID, id string) error
	MediaURLs(ctx context.Context, p *projects.Project) (before, after string, err error)
}

// ProjectsHandler serves uploads and the signed-in user's gallery.
type ProjectsHandler struct {
	service ProjectService
	env     string
}

func NewProjectsHandler(service ProjectService, env string) *ProjectsHandler {
	return &ProjectsHandler{service: service, env: env}
}

type PresignRequest struct {
	Files []projects.UploadFile `json:"files"`
}

type PresignResponse struct {
	Uploads []objectstore.PresignedUpload `json:"uploads"`
}

type MediaResponse struct {
	Key   string `json:"key,omitempty"`
	URL   string `json:"url"`
	Label string `json:"label"`
}

type ProjectResponse struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	MediaType   media.Kind        `json:"mediaType"`
	Before      MediaResponse     `json:"before"`
	After       MediaResponse     `json:"after"`
	Settings    projects.Settings `json:"settings"`
	ShareSlug   string            `json:"shareSlug"`
	IsPrivate   bool              `json:"isPrivate"`
	ViewCount   int64             `json:"viewCount"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type ProjectListResponse struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type CreateProjectRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	MediaType   string             `json:"mediaType"`
	BeforeKey   string             `json:"beforeKey"`
	AfterKey    string             `json:"afterKey"`
	BeforeLabel string             `json:"beforeLabel"`
	AfterLabel  string             `json:"afterLabel"`
	Settings    *projects.Settings `json:"settings"`
	IsPrivate   bool               `json:"isPrivate"`
	Password    string             `json:"password"`
}

type UpdateProjectRequest struct {
	Title       *string            `json:"title"`
	Description *string            `json:"description"`
	BeforeLabel *string            `json:"beforeLabel"`
	AfterLabel  *string            `json:"afterLabel"`
	Settings    *projects.Settings `json:"settings"`
	IsPrivate   *bool              `json:"isPrivate"`
	Password    *string            `json:"password"`
}

// Presign handles POST /api/uploads/presign.
func (h *ProjectsHandler) Presign(w http.ResponseWriter, r *http.Request) {
	var req PresignRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}

	uploads, err := h.service.PrepareUpload(r.Context(), middleware.UserID(r), req.Files)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	for _, f := range req.Files {
		if kind, _, ok := media.Lookup(f.ContentType); ok {
			metrics.UploadsPresigned.WithLabelValues(string(kind)).Inc()
		}
	}
	writeJSON(w, http.StatusOK, PresignResponse{Uploads: uploads})
}

// List handles GET /api/projects.
func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := pagination.ParseLimit(query.Get("limit"))
	if err != nil {
		writeValidation(w, r, "limit", "must be between 1 and 100", err, h.env)
		return
	}

	page, err := h.service.List(r.Context(), middleware.UserID(r), query.Get("after"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]ProjectResponse, 0, len(page.Projects))
	for i := range page.Projects {
		resp, err := h.render(r.Context(), &page.Projects[i], false)
		if err != nil {
			writeServerError(w, r, err, h.env)
			return
		}
		items = append(items, resp)
	}
	writeJSON(w, http.StatusOK, ProjectListResponse{Items: items, NextCursor: page.NextCursor})
}

// Create handles POST /api/projects.
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}

	p, err := h.service.Create(r.Context(), middleware.UserID(r), projects.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		MediaType:   req.MediaType,
		BeforeKey:   req.BeforeKey,
		AfterKey:    req.AfterKey,
		BeforeLabel: req.BeforeLabel,
		AfterLabel:  req.AfterLabel,
		Settings:    req.Settings,
		IsPrivate:   req.IsPrivate,
		Password:    req.Password,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	visibility := "public"
	if p.IsPrivate {
		visibility = "private"
	}
	metrics.ProjectsCreated.WithLabelValues(string(p.MediaType), visibility).Inc()

	resp, err := h.render(r.Context(), p, true)
	if err != nil {
		writeServerError(w, r, err, h.env)
		return
	}
	w.Header().Set("Location", "/api/projects/"+p.ID)
	writeJSON(w, http.StatusCreated, resp)
}

// Get handles GET /api/projects/{id}.
func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), middleware.UserID(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.render(r.Context(), p, true)
	if err != nil {
		writeServerError(w, r, err, h.env)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Update handles PATCH /api/projects/{id}.
func (h *ProjectsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateProjectRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}

	p, err := h.service.Update(r.Context(), middleware.UserID(r), r.PathValue("id"), projects.UpdateInput{
		Title:       req.Title,
		Description: req.Description,
		BeforeLabel: req.BeforeLabel,
		AfterLabel:  req.AfterLabel,
		Settings:    req.Settings,
		IsPrivate:   req.IsPrivate,
		Password:    req.Password,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.render(r.Context(), p, true)
	if err != nil {
		writeServerError(w, r, err, h.env)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/projects/{id}.
func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), middleware.UserID(r), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// render resolves media URLs. Storage keys are only exposed on single-item
// responses.
func (h *ProjectsHandler) render(ctx context.Context, p *projects.Project, withKeys bool) (ProjectResponse, error) {
	before, after, err := h.service.MediaURLs(ctx, p)
	if err != nil {
		return ProjectResponse{}, err
	}
	resp := ProjectResponse{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		MediaType:   p.MediaType,
		Before:      MediaResponse{URL: before, Label: p.BeforeLabel},
		After:       MediaResponse{URL: after, Label: p.AfterLabel},
		Settings:    p.Settings,
		ShareSlug:   p.ShareSlug,
		IsPrivate:   p.IsPrivate,
		ViewCount:   p.ViewCount,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if withKeys {
		resp.Before.Key = p.BeforeKey
		resp.After.Key = p.AfterKey
	}
	return resp, nil
}

func (h *ProjectsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr projects.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, r, verr.Field, verr.Message, err, h.env)
	case errors.Is(err, projects.ErrNotFound):
		writeNotFound(w, r, "Project", err, h.env)
	case errors.Is(err, projects.ErrSlugTaken):
		writeConflict(w, r, "Share link unavailable", err, h.env)
	default:
		writeServerError(w, r, err, h.env)
	}
}
