package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

const contentType = "application/problem+json"

const typeBase = "https://screensplit.app/problems/"

// Problem type URIs used across the API.
const (
	TypeValidation       = typeBase + "validation-error"
	TypeUnauthorized     = typeBase + "unauthorized"
	TypeForbidden        = typeBase + "forbidden"
	TypeNotFound         = typeBase + "not-found"
	TypeConflict         = typeBase + "conflict"
	TypeRateLimited      = typeBase + "rate-limited"
	TypePasswordRequired = typeBase + "password-required"
	TypeBadGateway       = typeBase + "bad-gateway"
	TypeServerError      = typeBase + "server-error"
	TypeCSRF             = typeBase + "csrf-failure"
)

type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Errors   map[string]interface{} `json:"errors,omitempty"`

	// Extensions are merged into the top-level object.
	Extensions map[string]any `json:"-"`
}

// MarshalJSON flattens Extensions next to the standard members. Standard
// members win on key collisions.
func (p ProblemDetails) MarshalJSON() ([]byte, error) {
	type plain ProblemDetails
	base, err := json.Marshal(plain(p))
	if err != nil || len(p.Extensions) == 0 {
		return base, err
	}
	merged := make(map[string]any, len(p.Extensions)+6)
	for k, v := range p.Extensions {
		merged[k] = v
	}
	var std map[string]any
	if err := json.Unmarshal(base, &std); err != nil {
		return nil, err
	}
	for k, v := range std {
		merged[k] = v
	}
	return json.Marshal(merged)
}

type Option func(*ProblemDetails)

func WithDetail(detail string) Option {
	return func(p *ProblemDetails) {
		p.Detail = detail
	}
}

func WithInstance(instance string) Option {
	return func(p *ProblemDetails) {
		p.Instance = instance
	}
}

func WithErrors(errs map[string]interface{}) Option {
	return func(p *ProblemDetails) {
		p.Errors = errs
	}
}

func WithExtension(key string, value any) Option {
	return func(p *ProblemDetails) {
		if p.Extensions == nil {
			p.Extensions = make(map[string]any)
		}
		p.Extensions[key] = value
	}
}

func Write(w http.ResponseWriter, r *http.Request, status int, typ, title string, err error, env string, opts ...Option) {
	problem := ProblemDetails{
		Type:   typ,
		Title:  title,
		Status: status,
	}

	for _, opt := range opts {
		opt(&problem)
	}

	if problem.Detail == "" && err != nil {
		if env == "development" || env == "test" {
			problem.Detail = err.Error()
		} else {
			problem.Detail = http.StatusText(status)
		}
	}

	if problem.Instance == "" && r != nil {
		problem.Instance = r.URL.Path
	}

	if err != nil && r != nil {
		logger := zerolog.Ctx(r.Context())
		var event *zerolog.Event
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		if event != nil {
			event.
				Err(err).
				Int("status", status).
				Str("type", typ).
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Msg(title)
		}
	}

	WriteProblem(w, problem)
}

func WriteProblem(w http.ResponseWriter, problem ProblemDetails) {
	payload, err := json.Marshal(problem)
	if err != nil {
		fallback := fmt.Sprintf("{\"type\":\"about:blank\",\"title\":\"%s\",\"status\":500}", http.StatusText(http.StatusInternalServerError))
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(fallback))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(problem.Status)
	_, _ = w.Write(payload)
}

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
)
