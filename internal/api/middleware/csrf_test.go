package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screensplit/server/internal/api/problem"
)

var csrfTestKey = []byte("12345678901234567890123456789012")

func TestCSRFProtection_BlocksMissingToken(t *testing.T) {
	handler := CSRFProtection(csrfTestKey, false, nil, "test")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "session"})
	res := httptest.NewRecorder()

	handler.ServeHTTP(res, req)

	require.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, "application/problem+json", res.Header().Get("Content-Type"))

	var body problem.ProblemDetails
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, problem.TypeCSRF, body.Type)
}

func TestCSRFProtection_AllowsSafeMethods(t *testing.T) {
	handler := CSRFProtection(csrfTestKey, false, nil, "test")(okHandler())

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		req := httptest.NewRequest(method, "/api/projects", nil)
		res := httptest.NewRecorder()

		handler.ServeHTTP(res, req)

		assert.Equal(t, http.StatusOK, res.Code, method)
	}
}

func TestCSRFProtection_SkipsBearerRequests(t *testing.T) {
	handler := CSRFProtection(csrfTestKey, false, nil, "test")(okHandler())

	req := httptest.NewRequest(http.MethodDelete, "/api/projects/01HZX3", nil)
	req.Header.Set("Authorization", "Bearer token")
	res := httptest.NewRecorder()

	handler.ServeHTTP(res, req)

	assert.Equal(t, http.StatusOK, res.Code)
}

func TestCSRFToken_IssuedOnSafeRequest(t *testing.T) {
	var token string
	handler := CSRFProtection(csrfTestKey, false, nil, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = CSRFToken(r)
		w.WriteHeader(http.StatusOK)
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/auth/csrf", nil))

	require.Equal(t, http.StatusOK, res.Code)
	assert.NotEmpty(t, token)

	var found bool
	for _, c := range res.Result().Cookies() {
		if c.Name == "screensplit_csrf" {
			found = true
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, found, "expected csrf cookie to be set")
}

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"https://Screensplit.app", "http://localhost:3000", "not a url", ""})
	assert.Equal(t, []string{"screensplit.app", "localhost:3000"}, got)
}
