package storage

import (
	"context"

	"github.com/screensplit/server/internal/domain/preferences"
	"github.com/screensplit/server/internal/domain/projects"
	"github.com/screensplit/server/internal/domain/users"
	"github.com/screensplit/server/internal/domain/videosplit"
)

// Repository groups data access by domain.
type Repository interface {
	Users() users.Repository
	Projects() projects.Repository
	Preferences() preferences.Repository
	VideoJobs() videosplit.Repository

	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Ping(ctx context.Context) error
}
