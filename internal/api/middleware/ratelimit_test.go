package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/audit"
	"github.com/screensplit/server/internal/auth"
	"github.com/screensplit/server/internal/ratelimit"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

func (failingLimiter) Policy() ratelimit.Policy {
	return ratelimit.Policy{Name: ratelimit.PolicyAuth, Limit: 1, Window: time.Minute}
}

func newMemoryLimiter(t *testing.T, limit int, window time.Duration) *ratelimit.MemoryLimiter {
	t.Helper()
	l := ratelimit.NewMemory(ratelimit.Policy{Name: ratelimit.PolicyAuth, Limit: limit, Window: window})
	t.Cleanup(l.Stop)
	return l
}

func TestAuthRateLimit_AllowsInitialBurst(t *testing.T) {
	handler := RateLimit(newMemoryLimiter(t, 5, 10*time.Minute), ByIP(nil), "test")(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		res := httptest.NewRecorder()

		handler.ServeHTTP(res, req)

		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i+1, res.Code)
		}
		if got := res.Header().Get("X-RateLimit-Limit"); got != "5" {
			t.Errorf("expected X-RateLimit-Limit 5, got %s", got)
		}
	}
}

func TestAuthRateLimit_BlocksAfterBurst(t *testing.T) {
	handler := RateLimit(newMemoryLimiter(t, 5, 10*time.Minute), ByIP(nil), "test")(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "192.168.1.101:54321"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "192.168.1.101:54321"
	res := httptest.NewRecorder()

	handler.ServeHTTP(res, req)

	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", res.Code)
	}
	// One token refills every two minutes.
	if got := res.Header().Get("Retry-After"); got != "120" {
		t.Errorf("expected Retry-After 120, got %s", got)
	}
	if got := res.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %s", got)
	}

	var body problem.ProblemDetails
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if body.Type != problem.TypeRateLimited {
		t.Errorf("expected type %s, got %s", problem.TypeRateLimited, body.Type)
	}
}

func TestAuthRateLimit_PerIPIsolation(t *testing.T) {
	handler := RateLimit(newMemoryLimiter(t, 1, time.Minute), ByIP(nil), "test")(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	first.RemoteAddr = "192.168.1.102:1000"
	handler.ServeHTTP(httptest.NewRecorder(), first)

	other := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	other.RemoteAddr = "192.168.1.103:1000"
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, other)

	if res.Code != http.StatusOK {
		t.Errorf("expected a different IP to have its own budget, got %d", res.Code)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	handler := RateLimit(failingLimiter{}, ByIP(nil), "test")(okHandler())

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))

	if res.Code != http.StatusOK {
		t.Errorf("expected request to pass when the limiter errors, got %d", res.Code)
	}
	if got := res.Header().Get("X-RateLimit-Limit"); got != "" {
		t.Errorf("expected no rate limit headers, got %s", got)
	}
}

func TestRateLimit_NilLimiterDisabled(t *testing.T) {
	handler := RateLimit(nil, ByIP(nil), "test")(okHandler())

	for i := 0; i < 20; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/image-proxy", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, res.Code)
		}
	}
}

func TestByUser_UsesSessionSubject(t *testing.T) {
	manager := auth.NewJWTManager("secret-secret-secret-secret-1234", time.Hour, time.Hour, "test")
	token, _, err := manager.Generate("user-1", "a@example.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var key string
	keyFn := ByUser(nil)
	handler := RequireSession(manager, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = keyFn(r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/presign", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if key != "user:user-1" {
		t.Errorf("expected user key, got %q", key)
	}

	anon := httptest.NewRequest(http.MethodPost, "/api/uploads/presign", nil)
	anon.RemoteAddr = "10.1.1.1:1234"
	if got := keyFn(anon); got != "ip:10.1.1.1" {
		t.Errorf("expected ip fallback, got %q", got)
	}
}

func TestByIPAndPathValue_SeparatesSlugs(t *testing.T) {
	limiter := newMemoryLimiter(t, 1, time.Minute)
	mux := http.NewServeMux()
	mux.Handle("POST /api/share/{slug}/unlock", RateLimit(limiter, ByIPAndPathValue(nil, "slug"), "test")(okHandler()))

	send := func(slug string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/share/"+slug+"/unlock", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		res := httptest.NewRecorder()
		mux.ServeHTTP(res, req)
		return res.Code
	}

	if code := send("aaaaaaaaaa"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := send("aaaaaaaaaa"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same slug, got %d", code)
	}
	if code := send("bbbbbbbbbb"); code != http.StatusOK {
		t.Fatalf("expected another slug to have its own budget, got %d", code)
	}
}

func TestClientIP_RecordsAuditAddress(t *testing.T) {
	var ip string
	handler := ClientIP(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip = audit.IPFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/account", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if ip != "198.51.100.7" {
		t.Errorf("expected 198.51.100.7, got %q", ip)
	}
}

func TestClientKey_TrustsForwardedForFromTrustedProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.45, 10.0.0.5")

	key := clientKey(req, []string{"10.0.0.0/8"})
	if key != "203.0.113.45" {
		t.Errorf("expected first X-Forwarded-For IP, got %s", key)
	}
}

func TestClientKey_FallsBackToXRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:443"
	req.Header.Set("X-Real-IP", "203.0.113.45")

	key := clientKey(req, []string{"10.0.0.0/8"})
	if key != "203.0.113.45" {
		t.Errorf("expected X-Real-IP, got %s", key)
	}
}

func TestClientKey_IgnoresHeadersFromUntrustedPeers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.45")

	key := clientKey(req, []string{"10.0.0.0/8"})
	if key != "192.168.1.100" {
		t.Errorf("expected RemoteAddr host, got %s", key)
	}
}

func TestClientKey_IgnoresMalformedForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:443"
	req.Header.Set("X-Forwarded-For", "not-an-ip")

	key := clientKey(req, []string{"10.0.0.0/8"})
	if key != "10.0.0.5" {
		t.Errorf("expected RemoteAddr host, got %s", key)
	}
}

func TestIsTrustedProxy(t *testing.T) {
	tests := []struct {
		ip    string
		cidrs []string
		want  bool
	}{
		{"10.1.2.3", []string{"10.0.0.0/8"}, true},
		{"10.1.2.3", nil, false},
		{"11.1.2.3", []string{"10.0.0.0/8"}, false},
		{"garbage", []string{"10.0.0.0/8"}, false},
		{"10.1.2.3", []string{"bad-cidr", "10.0.0.0/8"}, true},
	}
	for _, tt := range tests {
		if got := isTrustedProxy(tt.ip, tt.cidrs); got != tt.want {
			t.Errorf("isTrustedProxy(%q, %v) = %v, want %v", tt.ip, tt.cidrs, got, tt.want)
		}
	}
}
