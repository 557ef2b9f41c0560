package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/imageproxy"
	"github.com/screensplit/server/internal/metrics"
)

type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*imageproxy.Image, error)
}

// ImageProxyHandler streams remote images so the editor can draw them on a
// canvas without CORS errors.
type ImageProxyHandler struct {
	fetcher ImageFetcher
	env     string
}

func NewImageProxyHandler(fetcher ImageFetcher, env string) *ImageProxyHandler {
	return &ImageProxyHandler{fetcher: fetcher, env: env}
}

// Proxy handles GET /api/image-proxy?url=.
func (h *ImageProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		metrics.ImageProxyRequests.WithLabelValues("blocked").Inc()
		writeValidation(w, r, "url", "is required", imageproxy.ErrInvalidURL, h.env)
		return
	}

	img, err := h.fetcher.Fetch(r.Context(), rawURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer img.Body.Close()

	header := w.Header()
	header.Set("Content-Type", img.ContentType)
	if img.ContentLength > 0 {
		header.Set("Content-Length", strconv.FormatInt(img.ContentLength, 10))
	}
	header.Set("Cache-Control", "public, max-age=86400")
	header.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; sandbox")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, img.Body); err != nil {
		result := "upstream_error"
		if errors.Is(err, imageproxy.ErrTooLarge) {
			result = "too_large"
		}
		metrics.ImageProxyRequests.WithLabelValues(result).Inc()
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("image proxy stream aborted")
		// Headers are gone; abort so the client does not keep a truncated image.
		panic(http.ErrAbortHandler)
	}
	metrics.ImageProxyRequests.WithLabelValues("ok").Inc()
}

func (h *ImageProxyHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, imageproxy.ErrInvalidURL):
		metrics.ImageProxyRequests.WithLabelValues("blocked").Inc()
		writeValidation(w, r, "url", "must be an absolute http or https URL", err, h.env)
	case errors.Is(err, imageproxy.ErrHostNotAllowed), errors.Is(err, imageproxy.ErrBlockedAddress):
		metrics.ImageProxyRequests.WithLabelValues("blocked").Inc()
		problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Destination not allowed", err, h.env,
			problem.WithDetail("The image host is not allowed."))
	case errors.Is(err, imageproxy.ErrNotImage):
		metrics.ImageProxyRequests.WithLabelValues("not_image").Inc()
		problem.Write(w, r, http.StatusBadGateway, problem.TypeBadGateway, "Not an image", err, h.env,
			problem.WithDetail("The remote resource is not an image."))
	case errors.Is(err, imageproxy.ErrTooLarge):
		metrics.ImageProxyRequests.WithLabelValues("too_large").Inc()
		problem.Write(w, r, http.StatusRequestEntityTooLarge, problem.TypeValidation, "Image too large", err, h.env,
			problem.WithDetail("The remote image exceeds the size limit."))
	case errors.Is(err, imageproxy.ErrUpstream):
		metrics.ImageProxyRequests.WithLabelValues("upstream_error").Inc()
		problem.Write(w, r, http.StatusBadGateway, problem.TypeBadGateway, "Upstream fetch failed", err, h.env,
			problem.WithDetail("The remote image could not be fetched."))
	default:
		metrics.ImageProxyRequests.WithLabelValues("upstream_error").Inc()
		writeServerError(w, r, err, h.env)
	}
}
