package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screensplit/server/internal/config"
)

// fakeS3 serves just enough of the S3 REST API for path-style requests.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/media/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code></Error>`))
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T, publicBaseURL string) (*Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	store, err := New(context.Background(), config.StorageConfig{
		Bucket:        "media",
		Region:        "us-east-1",
		Endpoint:      server.URL,
		AccessKeyID:   "test",
		SecretKey:     "test-secret",
		UsePathStyle:  true,
		PublicBaseURL: publicBaseURL,
		UploadExpiry:  10 * time.Minute,
	})
	require.NoError(t, err)
	return store, fake
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestPresignPut(t *testing.T) {
	store, _ := newTestStore(t, "")

	up, err := store.PresignPut(context.Background(), "uploads/u1/2026/10/abc.png", "image/png", 1024)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, up.Method)
	assert.Equal(t, "image/png", up.Headers["Content-Type"])
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), up.ExpiresAt, 5*time.Second)

	parsed, err := url.Parse(up.URL)
	require.NoError(t, err)
	assert.Equal(t, "/media/uploads/u1/2026/10/abc.png", parsed.Path)
	assert.Equal(t, "600", parsed.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, parsed.Query().Get("X-Amz-Signature"))
}

func TestPresignGet_Attachment(t *testing.T) {
	store, _ := newTestStore(t, "")

	raw, err := store.PresignGet(context.Background(), "renders/u1/job.mp4", "screensplit.mp4")
	require.NoError(t, err)
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, parsed.Query().Get("response-content-disposition"), `attachment; filename=screensplit.mp4`)
}

func TestMediaURL_PrefersPublicBase(t *testing.T) {
	store, _ := newTestStore(t, "https://cdn.example.com/")

	u, err := store.MediaURL(context.Background(), "uploads/u1/a b.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/uploads/u1/a%20b.png", u)

	store.publicBaseURL = ""
	u, err = store.MediaURL(context.Background(), "uploads/u1/a.png")
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Signature")
}

func TestUploadDownloadDelete(t *testing.T) {
	store, fake := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "renders/u1/j1.mp4", bytes.NewReader([]byte("video-bytes")), "video/mp4"))
	require.Contains(t, fake.objects, "renders/u1/j1.mp4")

	var buf bytes.Buffer
	n, err := store.Download(ctx, "renders/u1/j1.mp4", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "video-bytes", buf.String())

	require.NoError(t, store.Delete(ctx, "renders/u1/j1.mp4", ""))
	assert.NotContains(t, fake.objects, "renders/u1/j1.mp4")

	_, err = store.Download(ctx, "renders/u1/j1.mp4", &buf)
	assert.Error(t, err)
}
