package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screensplit/server/internal/domain/media"
	"github.com/screensplit/server/internal/domain/projects"
	"github.com/screensplit/server/internal/objectstore"
)

type mockProjectService struct {
	prepareUploadFunc func(ctx context.Context, userID string, files []projects.UploadFile) ([]objectstore.PresignedUpload, error)
	createFunc        func(ctx context.Context, userID string, in projects.CreateInput) (*projects.Project, error)
	listFunc          func(ctx context.Context, userID, cursor string, limit int) (projects.Page, error)
	getFunc           func(ctx context.Context, userID, id string) (*projects.Project, error)
	updateFunc        func(ctx context.Context, userID, id string, in projects.UpdateInput) (*projects.Project, error)
	deleteFunc        func(ctx context.Context, userID, id string) error
}

func (m *mockProjectService) PrepareUpload(ctx context.Context, userID string, files []projects.UploadFile) ([]objectstore.PresignedUpload, error) {
	return m.prepareUploadFunc(ctx, userID, files)
}

func (m *mockProjectService) Create(ctx context.Context, userID string, in projects.CreateInput) (*projects.Project, error) {
	return m.createFunc(ctx, userID, in)
}

func (m *mockProjectService) List(ctx context.Context, userID, cursor string, limit int) (projects.Page, error) {
	return m.listFunc(ctx, userID, cursor, limit)
}

func (m *mockProjectService) Get(ctx context.Context, userID, id string) (*projects.Project, error) {
	return m.getFunc(ctx, userID, id)
}

func (m *mockProjectService) Update(ctx context.Context, userID, id string, in projects.UpdateInput) (*projects.Project, error) {
	return m.updateFunc(ctx, userID, id, in)
}

func (m *mockProjectService) Delete(ctx context.Context, userID, id string) error {
	return m.deleteFunc(ctx, userID, id)
}

func (m *mockProjectService) MediaURLs(ctx context.Context, p *projects.Project) (string, string, error) {
	return "https://cdn.example/" + p.BeforeKey, "https://cdn.example/" + p.AfterKey, nil
}

const testProjectID = "01J9Z6Q2R8M3N4P5Q6R7S8T9V0"

func testProject() *projects.Project {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &projects.Project{
		ID:           testProjectID,
		UserID:       "user-1",
		Title:        "Kitchen remodel",
		MediaType:    media.KindImage,
		BeforeKey:    "uploads/user-1/2026/03/01J9Z6Q2R8M3N4P5Q6R7S8T9VA.png",
		AfterKey:     "uploads/user-1/2026/03/01J9Z6Q2R8M3N4P5Q6R7S8T9VB.png",
		BeforeLabel:  "Before",
		AfterLabel:   "After",
		Settings:     projects.DefaultSettings(),
		ShareSlug:    "aB3dE5fG7h",
		PasswordHash: "$2a$12$secret",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestPresign(t *testing.T) {
	var gotFiles []projects.UploadFile
	svc := &mockProjectService{
		prepareUploadFunc: func(ctx context.Context, userID string, files []projects.UploadFile) ([]objectstore.PresignedUpload, error) {
			gotFiles = files
			return []objectstore.PresignedUpload{{Key: "uploads/user-1/2026/03/x.png", URL: "https://s3.example/x", Method: http.MethodPut}}, nil
		},
	}
	h := NewProjectsHandler(svc, "test")

	w := serveAs(t, "user-1", h.Presign, jsonRequest(http.MethodPost, "/api/uploads/presign",
		`{"files":[{"name":"before.png","contentType":"image/png","size":1024}]}`))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []projects.UploadFile{{Name: "before.png", ContentType: "image/png", Size: 1024}}, gotFiles)

	var resp PresignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Uploads, 1)
	assert.Equal(t, http.MethodPut, resp.Uploads[0].Method)
}

func TestPresign_MixedKinds(t *testing.T) {
	svc := &mockProjectService{
		prepareUploadFunc: func(context.Context, string, []projects.UploadFile) ([]objectstore.PresignedUpload, error) {
			return nil, projects.ValidationError{Field: "files", Message: "all files must be images or all files must be videos"}
		},
	}
	h := NewProjectsHandler(svc, "test")

	w := serveAs(t, "user-1", h.Presign, jsonRequest(http.MethodPost, "/api/uploads/presign",
		`{"files":[{"name":"a.png","contentType":"image/png","size":1},{"name":"b.mp4","contentType":"video/mp4","size":1}]}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeProblem(t, w).Errors, "files")
}

func TestCreateProject(t *testing.T) {
	var got projects.CreateInput
	svc := &mockProjectService{
		createFunc: func(ctx context.Context, userID string, in projects.CreateInput) (*projects.Project, error) {
			got = in
			p := testProject()
			p.IsPrivate = in.IsPrivate
			return p, nil
		},
	}
	h := NewProjectsHandler(svc, "test")

	body := `{"title":"Kitchen remodel","mediaType":"image","beforeKey":"b","afterKey":"a","isPrivate":true,"password":"hunter22","settings":{"orientation":"vertical","sliderPosition":40,"showLabels":false}}`
	w := serveAs(t, "user-1", h.Create, jsonRequest(http.MethodPost, "/api/projects", body))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/api/projects/"+testProjectID, w.Header().Get("Location"))
	assert.Equal(t, "hunter22", got.Password)
	require.NotNil(t, got.Settings)
	assert.Equal(t, "vertical", got.Settings.Orientation)

	var resp ProjectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "aB3dE5fG7h", resp.ShareSlug)
	assert.True(t, resp.IsPrivate)
	assert.Equal(t, "https://cdn.example/"+testProject().BeforeKey, resp.Before.URL)
	assert.Equal(t, testProject().BeforeKey, resp.Before.Key)
	assert.NotContains(t, w.Body.String(), "$2a$")
}

func TestCreateProject_PrivateWithoutPassword(t *testing.T) {
	svc := &mockProjectService{
		createFunc: func(context.Context, string, projects.CreateInput) (*projects.Project, error) {
			return nil, projects.ValidationError{Field: "password", Message: "is required for private projects"}
		},
	}
	h := NewProjectsHandler(svc, "test")

	w := serveAs(t, "user-1", h.Create, jsonRequest(http.MethodPost, "/api/projects", `{"title":"x","isPrivate":true}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	p := decodeProblem(t, w)
	assert.Equal(t, "password is required for private projects", p.Detail)
}

func TestListProjects(t *testing.T) {
	var gotCursor string
	var gotLimit int
	svc := &mockProjectService{
		listFunc: func(ctx context.Context, userID, cursor string, limit int) (projects.Page, error) {
			gotCursor, gotLimit = cursor, limit
			return projects.Page{Projects: []projects.Project{*testProject()}, NextCursor: "next"}, nil
		},
	}
	h := NewProjectsHandler(svc, "test")

	w := serveAs(t, "user-1", h.List, httptest.NewRequest(http.MethodGet, "/api/projects?limit=10&after=abc", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", gotCursor)
	assert.Equal(t, 10, gotLimit)

	var resp ProjectListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "next", resp.NextCursor)
	assert.Empty(t, resp.Items[0].Before.Key, "list items omit storage keys")
}

func TestListProjects_DefaultAndInvalidLimit(t *testing.T) {
	var gotLimit int
	svc := &mockProjectService{
		listFunc: func(ctx context.Context, userID, cursor string, limit int) (projects.Page, error) {
			gotLimit = limit
			return projects.Page{Projects: []projects.Project{}}, nil
		},
	}
	h := NewProjectsHandler(svc, "test")

	w := serveAs(t, "user-1", h.List, httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 24, gotLimit)
	assert.JSONEq(t, `{"items":[]}`, w.Body.String())

	w = serveAs(t, "user-1", h.List, httptest.NewRequest(http.MethodGet, "/api/projects?limit=500", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProject_NotOwned(t *testing.T) {
	svc := &mockProjectService{
		getFunc: func(ctx context.Context, userID, id string) (*projects.Project, error) {
			return nil, projects.ErrNotFound
		},
	}
	h := NewProjectsHandler(svc, "test")

	req := httptest.NewRequest(http.MethodGet, "/api/projects/"+testProjectID, nil)
	req.SetPathValue("id", testProjectID)
	w := serveAs(t, "user-2", h.Get, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateProject(t *testing.T) {
	var gotID string
	var got projects.UpdateInput
	svc := &mockProjectService{
		updateFunc: func(ctx context.Context, userID, id string, in projects.UpdateInput) (*projects.Project, error) {
			gotID, got = id, in
			p := testProject()
			p.Title = *in.Title
			return p, nil
		},
	}
	h := NewProjectsHandler(svc, "test")

	req := jsonRequest(http.MethodPatch, "/api/projects/"+testProjectID, `{"title":"Renamed","isPrivate":false}`)
	req.SetPathValue("id", testProjectID)
	w := serveAs(t, "user-1", h.Update, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, testProjectID, gotID)
	require.NotNil(t, got.IsPrivate)
	assert.False(t, *got.IsPrivate)
	assert.Nil(t, got.Password)
	assert.Nil(t, got.Description)
}

func TestDeleteProject(t *testing.T) {
	svc := &mockProjectService{
		deleteFunc: func(ctx context.Context, userID, id string) error {
			if id != testProjectID {
				return projects.ErrNotFound
			}
			return nil
		},
	}
	h := NewProjectsHandler(svc, "test")

	req := httptest.NewRequest(http.MethodDelete, "/api/projects/"+testProjectID, nil)
	req.SetPathValue("id", testProjectID)
	assert.Equal(t, http.StatusNoContent, serveAs(t, "user-1", h.Delete, req).Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/projects/unknown", nil)
	req.SetPathValue("id", "unknown")
	assert.Equal(t, http.StatusNotFound, serveAs(t, "user-1", h.Delete, req).Code)
}
