package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/csrf"

	"github.com/screensplit/server/internal/api/problem"
)

// CSRFHeader carries the token on unsafe requests.
const CSRFHeader = "X-CSRF-Token"

// CSRFProtection guards cookie-authenticated requests against cross-site
// request forgery with gorilla/csrf's double-submit cookie.
//
// Requests carrying an Authorization header skip the check: browsers never
// attach that header cross-site, and the session middleware ignores the
// cookie when it is present. Safe methods are never checked.
//
// The front end fetches a token from GET /api/auth/csrf and echoes it in
// X-CSRF-Token on every POST, PUT, PATCH and DELETE.
func CSRFProtection(authKey []byte, secure bool, trustedOrigins []string, env string) func(http.Handler) http.Handler {
	opts := []csrf.Option{
		csrf.Secure(secure),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader(CSRFHeader),
		csrf.CookieName("screensplit_csrf"),
		csrf.ErrorHandler(csrfErrorHandler(env)),
	}
	if hosts := originHosts(trustedOrigins); len(hosts) > 0 {
		opts = append(opts, csrf.TrustedOrigins(hosts))
	}
	protect := csrf.Protect(authKey, opts...)

	return func(next http.Handler) http.Handler {
		protected := protect(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(r.Header.Get("Authorization")) != "" {
				next.ServeHTTP(w, r)
				return
			}
			if !secure {
				r = csrf.PlaintextHTTPRequest(r)
			}
			protected.ServeHTTP(w, r)
		})
	}
}

func csrfErrorHandler(env string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusForbidden, problem.TypeCSRF, "CSRF token validation failed", csrf.FailureReason(r), env)
	})
}

// CSRFToken returns the masked token for the current request. It is only
// populated behind CSRFProtection.
func CSRFToken(r *http.Request) string {
	return csrf.Token(r)
}

// originHosts turns configured origins into the host[:port] form
// gorilla/csrf compares against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		u, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, strings.ToLower(u.Host))
	}
	return hosts
}
