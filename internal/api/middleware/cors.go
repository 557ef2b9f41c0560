package middleware

import (
	"net/http"
	"strings"

	"github.com/screensplit/server/internal/config"
	"github.com/rs/zerolog"
)

// CORS handles Cross-Origin Resource Sharing for the browser front end.
//
// Configuration:
//   - Development: every origin is reflected when no list is configured
//   - Production: only origins listed in CORS_ALLOWED_ORIGINS
//
// Credentials are allowed so the session cookie travels with requests from
// the front end. Preflight requests are answered with 204. Rejected origins
// are logged and get no CORS headers, so the browser blocks the response.
func CORS(cfg config.CORSConfig, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := cfg.AllowAllOrigins || isOriginAllowed(origin, cfg.AllowedOrigins)
			if !allowed {
				logger.Warn().
					Str("origin", origin).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Msg("CORS request rejected: origin not allowed")
			}

			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, X-Request-ID, X-CSRF-Token, X-Share-Token")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-CSRF-Token, Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
				h.Set("Access-Control-Max-Age", "86400")
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isOriginAllowed reports a case-insensitive exact match. Trailing slashes
// in configuration are ignored.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	origin = strings.ToLower(strings.TrimSpace(origin))
	for _, allowed := range allowedOrigins {
		if strings.TrimRight(strings.ToLower(strings.TrimSpace(allowed)), "/") == origin {
			return true
		}
	}
	return false
}
