package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestRequestLogging_RecordsRouteAndUser(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	manager := newSessionManager()
	token, _, err := manager.Generate("user-9", "z@example.com")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("GET /api/projects/{id}", RequireSession(manager, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})))
	handler := CorrelationID(logger)(RequestLogging(logger)(mux))

	req := httptest.NewRequest(http.MethodGet, "/api/projects/01HZX3", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "req-abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLogLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "req-abc", entry["request_id"])
	assert.Equal(t, "/api/projects/{id}", entry["route"])
	assert.Equal(t, "/api/projects/01HZX3", entry["path"])
	assert.Equal(t, "user-9", entry["user_id"])
	assert.EqualValues(t, 200, entry["status"])
	assert.EqualValues(t, 5, entry["bytes"])
}

func TestRequestLogging_LevelsFollowStatus(t *testing.T) {
	tests := []struct {
		status int
		path   string
		level  string
	}{
		{http.StatusInternalServerError, "/api/projects", "error"},
		{http.StatusNotFound, "/api/projects", "warn"},
		{http.StatusOK, "/healthz", "debug"},
		{http.StatusCreated, "/api/projects", "info"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
		handler := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

		entry := decodeLogLine(t, &buf)
		assert.Equal(t, tt.level, entry["level"], "status %d on %s", tt.status, tt.path)
	}
}

func TestResponseWriter_KeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec}

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusOK)

	assert.Equal(t, http.StatusAccepted, rw.status)
	assert.Equal(t, rec, rw.Unwrap())
}

func TestCorrelationID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	handler := CorrelationID(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestCorrelationID_ReplacesUnsafeUpstreamID(t *testing.T) {
	handler := CorrelationID(discardLogger())(okHandler())

	for _, upstream := range []string{"has space", strings.Repeat("a", maxRequestIDLength+1), "tab\tid"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", upstream)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.NotEqual(t, upstream, rec.Header().Get("X-Request-ID"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
}

func TestCorrelationID_ContextLoggerCarriesID(t *testing.T) {
	var buf bytes.Buffer
	handler := CorrelationID(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LoggerFromContext(r.Context()).Info().Msg("inside")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "trace-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLogLine(t, &buf)
	assert.Equal(t, "trace-1", entry["request_id"])
}

func TestLoggerFromContext_NoLogger(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	logger := LoggerFromContext(req.Context())
	require.NotNil(t, logger)
	logger.Info().Dur("d", time.Second).Msg("discarded")
}
