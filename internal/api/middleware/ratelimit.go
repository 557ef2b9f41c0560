package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/audit"
	"github.com/screensplit/server/internal/metrics"
	"github.com/screensplit/server/internal/ratelimit"
)

// KeyFunc picks the bucket a request counts against.
type KeyFunc func(r *http.Request) string

// ByIP keys on the client address.
func ByIP(trustedProxyCIDRs []string) KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + clientKey(r, trustedProxyCIDRs)
	}
}

// ByUser keys on the session user, falling back to the client address for
// anonymous requests.
func ByUser(trustedProxyCIDRs []string) KeyFunc {
	return func(r *http.Request) string {
		if userID := UserID(r); userID != "" {
			return "user:" + userID
		}
		return "ip:" + clientKey(r, trustedProxyCIDRs)
	}
}

// ByIPAndPathValue keys on the client address plus a path wildcard, so each
// share link gets its own budget.
func ByIPAndPathValue(trustedProxyCIDRs []string, name string) KeyFunc {
	return func(r *http.Request) string {
		return "ip:" + clientKey(r, trustedProxyCIDRs) + ":" + r.PathValue(name)
	}
}

// RateLimit enforces a limiter policy. Every decision is reported in
// X-RateLimit-* headers; rejections get 429 with Retry-After. When the
// limiter backend fails the request is let through and the error logged.
// A nil limiter disables the check.
func RateLimit(limiter ratelimit.Limiter, key KeyFunc, env string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		policy := limiter.Policy()

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.Allow(r.Context(), key(r))
			if err != nil {
				metrics.RateLimitDecisions.WithLabelValues(policy.Name, "error").Inc()
				zerolog.Ctx(r.Context()).Error().Err(err).Str("policy", policy.Name).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.ResetAt.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}

			if !res.Allowed {
				metrics.RateLimitDecisions.WithLabelValues(policy.Name, "rejected").Inc()
				retryAfter := int((res.RetryAfter + time.Second - 1) / time.Second)
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				problem.Write(w, r, http.StatusTooManyRequests, problem.TypeRateLimited, "Too many requests", problem.ErrRateLimited, env,
					problem.WithDetail("Too many requests. Try again in "+strconv.Itoa(retryAfter)+" seconds."),
					problem.WithExtension("retryAfter", retryAfter))
				return
			}

			metrics.RateLimitDecisions.WithLabelValues(policy.Name, "allowed").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP records the resolved client address for audit entries.
func ClientIP(trustedProxyCIDRs []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := audit.WithIP(r.Context(), clientKey(r, trustedProxyCIDRs))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientKey extracts the client identifier for rate limiting, with protection against
// X-Forwarded-For spoofing by only trusting the header from configured proxy CIDRs
func clientKey(r *http.Request, trustedProxyCIDRs []string) string {
	if r == nil {
		return ""
	}

	remoteIP := ""
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	} else {
		remoteIP = r.RemoteAddr
	}

	if isTrustedProxy(remoteIP, trustedProxyCIDRs) {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
			return realIP
		}
	}

	return remoteIP
}

// isTrustedProxy checks if the given IP is within any of the trusted proxy CIDRs
func isTrustedProxy(ip string, trustedCIDRs []string) bool {
	if len(trustedCIDRs) == 0 {
		return false
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, cidrStr := range trustedCIDRs {
		_, cidr, err := net.ParseCIDR(cidrStr)
		if err != nil {
			continue
		}
		if cidr.Contains(parsedIP) {
			return true
		}
	}

	return false
}
