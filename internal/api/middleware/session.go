package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/auth"
)

// SessionCookieName holds the session JWT for browser clients.
const SessionCookieName = "screensplit_session"

const sessionClaimsKey contextKey = "sessionClaims"

// RequireSession authenticates the request from an Authorization bearer
// token or, when no Authorization header is sent, the session cookie.
// Failures answer 401 with a problem document.
func RequireSession(manager *auth.JWTManager, env string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if manager == nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized", problem.ErrUnauthorized, env)
				return
			}

			token, err := sessionToken(r)
			if err != nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Authentication required", err, env,
					problem.WithDetail("Sign in to continue."))
				return
			}

			claims, err := manager.Validate(token)
			if err != nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Invalid session", err, env,
					problem.WithDetail("Your session has expired. Sign in again."))
				return
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), claims)))
		})
	}
}

func sessionToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		return auth.TokenFromHeader(header)
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return "", auth.ErrMissingToken
	}
	return cookie.Value, nil
}

func withSession(ctx context.Context, claims *auth.Claims) context.Context {
	if info := infoFromContext(ctx); info != nil {
		info.userID = claims.Subject
	}
	logger := zerolog.Ctx(ctx).With().Str("user_id", claims.Subject).Logger()
	ctx = logger.WithContext(ctx)
	return context.WithValue(ctx, sessionClaimsKey, claims)
}

// SessionClaims returns the authenticated session, or nil.
func SessionClaims(r *http.Request) *auth.Claims {
	if r == nil {
		return nil
	}
	if claims, ok := r.Context().Value(sessionClaimsKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}

// UserID returns the authenticated user's ID, or "".
func UserID(r *http.Request) string {
	if claims := SessionClaims(r); claims != nil {
		return claims.Subject
	}
	return ""
}

// SetSessionCookie stores a session token for browser clients.
func SetSessionCookie(w http.ResponseWriter, token string, maxAge int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
