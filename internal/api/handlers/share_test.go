package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screensplit/server/internal/api/problem"
	"github.com/screensplit/server/internal/domain/media"
	"github.com/screensplit/server/internal/domain/projects"
)

const testSlug = "aB3dE5fG7h"

type mockSharedService struct {
	private  bool
	password string
	grants   []string
}

// currentGrant mimics the service: the grant follows the current password.
func (m *mockSharedService) currentGrant() string {
	if !m.private {
		return ""
	}
	return "grant-" + m.password
}

func (m *mockSharedService) GetShared(ctx context.Context, slug, grant string) (*projects.SharedView, error) {
	m.grants = append(m.grants, grant)
	if slug != testSlug {
		return nil, projects.ErrNotFound
	}
	if m.private && grant != m.currentGrant() {
		return &projects.SharedView{Slug: slug, Title: "Secret remodel", RequiresPassword: true}, projects.ErrPasswordRequired
	}
	return &projects.SharedView{
		Slug:      slug,
		Title:     "Secret remodel",
		MediaType: media.KindImage,
		Before:    projects.MediaItem{URL: "https://cdn.example/before.png", Label: "Before"},
		After:     projects.MediaItem{URL: "https://cdn.example/after.png", Label: "After"},
		Settings:  projects.DefaultSettings(),
		ViewCount: 3,
	}, nil
}

func (m *mockSharedService) UnlockShared(ctx context.Context, slug, password string) (string, error) {
	if slug != testSlug {
		return "", projects.ErrNotFound
	}
	if m.private && password != m.password {
		return "", projects.ErrInvalidPassword
	}
	return m.currentGrant(), nil
}

func shareRequest(method, suffix, body string) *http.Request {
	req := jsonRequest(method, "/api/share/"+testSlug+suffix, body)
	req.SetPathValue("slug", testSlug)
	return req
}

func TestShare_PublicProject(t *testing.T) {
	h := NewShareHandler(&mockSharedService{}, newTestJWT(), false, "test")

	w := httptest.NewRecorder()
	h.Get(w, shareRequest(http.MethodGet, "", ""))

	require.Equal(t, http.StatusOK, w.Code)
	var resp SharedProjectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://cdn.example/before.png", resp.Before.URL)
	assert.Equal(t, int64(3), resp.ViewCount)
	assert.False(t, resp.RequiresPassword)
}

func TestShare_LockedProject(t *testing.T) {
	h := NewShareHandler(&mockSharedService{private: true}, newTestJWT(), false, "test")

	w := httptest.NewRecorder()
	h.Get(w, shareRequest(http.MethodGet, "", ""))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, problem.TypePasswordRequired, body["type"])
	assert.Equal(t, true, body["requiresPassword"])
	assert.Equal(t, "Secret remodel", body["title"])
	assert.NotContains(t, w.Body.String(), "cdn.example")
}

func TestShare_NotFound(t *testing.T) {
	h := NewShareHandler(&mockSharedService{}, newTestJWT(), false, "test")

	req := httptest.NewRequest(http.MethodGet, "/api/share/zzzzzzzzzz", nil)
	req.SetPathValue("slug", "zzzzzzzzzz")
	w := httptest.NewRecorder()
	h.Get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShare_UnlockThenView(t *testing.T) {
	svc := &mockSharedService{private: true, password: "hunter22"}
	h := NewShareHandler(svc, newTestJWT(), true, "test")

	w := httptest.NewRecorder()
	h.Unlock(w, shareRequest(http.MethodPost, "/unlock", `{"password":"hunter22"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cookie := findCookie(w, shareCookieName)
	require.NotNil(t, cookie)
	assert.Equal(t, "/api/share/"+testSlug, cookie.Path)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)

	var resp UnlockResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, cookie.Value, resp.Token)
	require.NotNil(t, resp.ExpiresAt)

	viewReq := shareRequest(http.MethodGet, "", "")
	viewReq.AddCookie(cookie)
	w = httptest.NewRecorder()
	h.Get(w, viewReq)
	assert.Equal(t, http.StatusOK, w.Code)

	headerReq := shareRequest(http.MethodGet, "", "")
	headerReq.Header.Set(ShareTokenHeader, resp.Token)
	w = httptest.NewRecorder()
	h.Get(w, headerReq)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestShare_TokenForAnotherSlugRejected(t *testing.T) {
	svc := &mockSharedService{private: true}
	jwtManager := newTestJWT()
	h := NewShareHandler(svc, jwtManager, false, "test")

	token, _, err := jwtManager.GenerateShareToken("otherSlug1", svc.currentGrant())
	require.NoError(t, err)

	req := shareRequest(http.MethodGet, "", "")
	req.AddCookie(&http.Cookie{Name: shareCookieName, Value: token})
	w := httptest.NewRecorder()
	h.Get(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []string{""}, svc.grants)
}

func TestShare_SessionTokenIsNotAShareToken(t *testing.T) {
	svc := &mockSharedService{private: true}
	jwtManager := newTestJWT()
	h := NewShareHandler(svc, jwtManager, false, "test")

	session, _, err := jwtManager.Generate("user-1", "a@example.com")
	require.NoError(t, err)

	req := shareRequest(http.MethodGet, "", "")
	req.Header.Set(ShareTokenHeader, session)
	w := httptest.NewRecorder()
	h.Get(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestShare_UnlockWrongPassword(t *testing.T) {
	h := NewShareHandler(&mockSharedService{private: true, password: "hunter22"}, newTestJWT(), false, "test")

	w := httptest.NewRecorder()
	h.Unlock(w, shareRequest(http.MethodPost, "/unlock", `{"password":"guess"}`))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, findCookie(w, shareCookieName))
}

func TestShare_UnlockPublicProject(t *testing.T) {
	svc := &mockSharedService{}
	h := NewShareHandler(svc, newTestJWT(), false, "test")

	w := httptest.NewRecorder()
	h.Unlock(w, shareRequest(http.MethodPost, "/unlock", `{"password":""}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, findCookie(w, shareCookieName), "public links issue no share token")
	var resp UnlockResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Token)
	assert.Nil(t, resp.ExpiresAt)

	// The owner makes the link private afterwards: nothing the viewer holds
	// opens it.
	svc.private, svc.password = true, "hunter22"
	req := shareRequest(http.MethodGet, "", "")
	for _, c := range w.Result().Cookies() {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	h.Get(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestShare_PasswordChangeRevokesToken(t *testing.T) {
	svc := &mockSharedService{private: true, password: "hunter22"}
	h := NewShareHandler(svc, newTestJWT(), false, "test")

	w := httptest.NewRecorder()
	h.Unlock(w, shareRequest(http.MethodPost, "/unlock", `{"password":"hunter22"}`))
	require.Equal(t, http.StatusOK, w.Code)
	cookie := findCookie(w, shareCookieName)
	require.NotNil(t, cookie)

	svc.password = "correct horse"

	req := shareRequest(http.MethodGet, "", "")
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	h.Get(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "grant-hunter22", svc.grants[len(svc.grants)-1], "the handler forwards the grant from the token")
}
