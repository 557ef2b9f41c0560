package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/screensplit/server/internal/api/middleware"
	"github.com/screensplit/server/internal/domain/videosplit"
)

type VideoSplitService interface {
	Create(ctx context.Context, userID string, in videosplit.CreateInput) (*videosplit.Job, error)
	Get(ctx context.Context, userID, id string) (*videosplit.Job, error)
	Retry(ctx context.Context, userID, id string) (*videosplit.Job, error)
	Download(ctx context.Context, userID, id string) (videosplit.DownloadLink, error)
}

// VideoSplitHandler serves side-by-side video render jobs.
type VideoSplitHandler struct {
	service VideoSplitService
	env     string
}

func NewVideoSplitHandler(service VideoSplitService, env string) *VideoSplitHandler {
	return &VideoSplitHandler{service: service, env: env}
}

type CreateVideoSplitRequest struct {
	Layout    string `json:"layout"`
	BeforeKey string `json:"beforeKey"`
	AfterKey  string `json:"afterKey"`
}

type VideoSplitJobResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Layout      string     `json:"layout"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	StatusURL   string     `json:"statusUrl"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
}

type DownloadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

func newVideoSplitJobResponse(job *videosplit.Job) VideoSplitJobResponse {
	resp := VideoSplitJobResponse{
		ID:          job.ID,
		Status:      string(job.Status),
		Layout:      string(job.Layout),
		Progress:    job.Progress,
		Error:       job.Error,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		StatusURL:   "/api/videosplit/jobs/" + job.ID,
	}
	if job.Status == videosplit.StatusCompleted {
		resp.DownloadURL = resp.StatusURL + "/download"
	}
	return resp
}

// Create handles POST /api/videosplit/jobs. Rendering happens in the
// background; clients poll the status URL.
func (h *VideoSplitHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateVideoSplitRequest
	if !decodeJSON(w, r, &req, h.env) {
		return
	}

	job, err := h.service.Create(r.Context(), middleware.UserID(r), videosplit.CreateInput{
		Layout:    req.Layout,
		BeforeKey: req.BeforeKey,
		AfterKey:  req.AfterKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := newVideoSplitJobResponse(job)
	w.Header().Set("Location", resp.StatusURL)
	writeJSON(w, http.StatusAccepted, resp)
}

// Get handles GET /api/videosplit/jobs/{id}.
func (h *VideoSplitHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Get(r.Context(), middleware.UserID(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newVideoSplitJobResponse(job))
}

// Retry handles POST /api/videosplit/jobs/{id}/retry.
func (h *VideoSplitHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Retry(r.Context(), middleware.UserID(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := newVideoSplitJobResponse(job)
	w.Header().Set("Location", resp.StatusURL)
	writeJSON(w, http.StatusAccepted, resp)
}

// Download handles GET /api/videosplit/jobs/{id}/download. It redirects to a
// signed URL, or returns it as JSON when format=json is requested.
func (h *VideoSplitHandler) Download(w http.ResponseWriter, r *http.Request) {
	link, err := h.service.Download(r.Context(), middleware.UserID(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, DownloadResponse{URL: link.URL, Filename: link.Filename})
		return
	}
	http.Redirect(w, r, link.URL, http.StatusFound)
}

func (h *VideoSplitHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr videosplit.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, r, verr.Field, verr.Message, err, h.env)
	case errors.Is(err, videosplit.ErrNotFound):
		writeNotFound(w, r, "Video job", err, h.env)
	case errors.Is(err, videosplit.ErrNotRetryable):
		writeConflict(w, r, "Job cannot be retried", err, h.env)
	case errors.Is(err, videosplit.ErrNotReady):
		writeConflict(w, r, "Render not ready", err, h.env)
	default:
		writeServerError(w, r, err, h.env)
	}
}
