package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screensplit/server/internal/domain/ids"
	"github.com/screensplit/server/internal/domain/preferences"
	"github.com/screensplit/server/internal/domain/projects"
	"github.com/screensplit/server/internal/domain/users"
	"github.com/screensplit/server/internal/domain/videosplit"
	"github.com/screensplit/server/internal/storage"
)

func TestUserRepository(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	repo := NewUserRepository(pool)

	u := insertUser(t, ctx, pool, "  Alice@Example.COM ")
	assert.Equal(t, "alice@example.com", u.Email)
	assert.False(t, u.EmailVerified())

	_, err := repo.Create(ctx, users.CreateUserParams{Email: "alice@example.com"})
	assert.ErrorIs(t, err, users.ErrEmailTaken)

	got, err := repo.GetByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.True(t, got.HasPassword())

	_, err = repo.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, users.ErrNotFound)
	_, err = repo.GetByID(ctx, ids.NewUUID())
	assert.ErrorIs(t, err, users.ErrNotFound)

	name := "Alice"
	updated, err := repo.UpdateProfile(ctx, u.ID, users.UpdateProfileParams{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.Name)

	now := time.Now().UTC()
	require.NoError(t, repo.MarkEmailVerified(ctx, u.ID, now))
	got, err = repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified())

	require.NoError(t, repo.Delete(ctx, u.ID))
	assert.ErrorIs(t, repo.Delete(ctx, u.ID), users.ErrNotFound)
}

func TestUserTokens(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	repo := NewUserRepository(pool)
	u := insertUser(t, ctx, pool, "tokens@example.com")
	now := time.Now().UTC()

	require.NoError(t, repo.CreateVerificationToken(ctx, u.ID, "verify-hash", now.Add(time.Hour)))
	require.NoError(t, repo.CreateVerificationToken(ctx, u.ID, "expired-hash", now.Add(-time.Hour)))

	tok, err := repo.GetVerificationToken(ctx, "verify-hash", now)
	require.NoError(t, err)
	assert.Equal(t, u.ID, tok.UserID)
	_, err = repo.GetVerificationToken(ctx, "expired-hash", now)
	assert.ErrorIs(t, err, users.ErrInvalidToken)

	require.NoError(t, repo.CreateResetToken(ctx, u.ID, "reset-hash", now.Add(time.Hour)))
	reset, err := repo.GetResetToken(ctx, "reset-hash", now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkResetTokenUsed(ctx, reset.ID, now))
	_, err = repo.GetResetToken(ctx, "reset-hash", now)
	assert.ErrorIs(t, err, users.ErrInvalidToken)
	assert.ErrorIs(t, repo.MarkResetTokenUsed(ctx, reset.ID, now), users.ErrInvalidToken)

	purged, err := repo.DeleteExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	require.NoError(t, repo.DeleteVerificationTokens(ctx, u.ID))
	_, err = repo.GetVerificationToken(ctx, "verify-hash", now)
	assert.ErrorIs(t, err, users.ErrInvalidToken)
}

func TestUserAccounts(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	repo := NewUserRepository(pool)
	u := insertUser(t, ctx, pool, "oauth@example.com")

	_, err := repo.GetAccount(ctx, "github", "42")
	assert.ErrorIs(t, err, users.ErrNotFound)

	created, err := repo.CreateAccount(ctx, u.ID, "github", "42")
	require.NoError(t, err)
	got, err := repo.GetAccount(ctx, "github", "42")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, u.ID, got.UserID)
}

func TestUserWithTxRollsBack(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	repo := NewUserRepository(pool)

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(ctx context.Context, tx users.Repository) error {
		_, txOK := TxFromContext(ctx)
		assert.True(t, txOK)
		if _, err := tx.Create(ctx, users.CreateUserParams{Email: "rollback@example.com"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetByEmail(ctx, "rollback@example.com")
	assert.ErrorIs(t, err, users.ErrNotFound)
}

func newProject(t *testing.T, userID string, createdAt time.Time) *projects.Project {
	t.Helper()
	id, err := ids.NewULID()
	require.NoError(t, err)
	slug, err := ids.NewSlug()
	require.NoError(t, err)
	return &projects.Project{
		ID:          id,
		UserID:      userID,
		Title:       "Kitchen",
		MediaType:   "image",
		BeforeKey:   "uploads/" + userID + "/2026/01/a.png",
		AfterKey:    "uploads/" + userID + "/2026/01/b.png",
		BeforeLabel: "Before",
		AfterLabel:  "After",
		Settings:    projects.DefaultSettings(),
		ShareSlug:   slug,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestProjectRepository(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	repo := NewProjectRepository(pool)
	owner := insertUser(t, ctx, pool, "owner@example.com")
	other := insertUser(t, ctx, pool, "other@example.com")

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	var created []*projects.Project
	for i := 0; i < 3; i++ {
		p := newProject(t, owner.ID, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.Create(ctx, p))
		created = append(created, p)
	}

	dup := newProject(t, owner.ID, base)
	dup.ShareSlug = created[0].ShareSlug
	assert.ErrorIs(t, repo.Create(ctx, dup), projects.ErrSlugTaken)

	got, err := repo.GetByID(ctx, owner.ID, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, projects.DefaultSettings(), got.Settings)
	_, err = repo.GetByID(ctx, other.ID, created[0].ID)
	assert.ErrorIs(t, err, projects.ErrNotFound)

	page, err := repo.List(ctx, projects.ListParams{UserID: owner.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, created[2].ID, page[0].ID)
	assert.Equal(t, created[1].ID, page[1].ID)

	rest, err := repo.List(ctx, projects.ListParams{
		UserID:         owner.ID,
		AfterCreatedAt: timePtr(page[1].CreatedAt),
		AfterID:        page[1].ID,
		Limit:          2,
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, created[0].ID, rest[0].ID)

	got.IsPrivate = true
	got.PasswordHash = "$2a$12$share"
	got.Title = "Renamed"
	require.NoError(t, repo.Update(ctx, got))
	bySlug, err := repo.GetBySlug(ctx, got.ShareSlug)
	require.NoError(t, err)
	assert.True(t, bySlug.IsPrivate)
	assert.Equal(t, "Renamed", bySlug.Title)

	require.NoError(t, repo.IncrementViews(ctx, got.ID))
	bySlug, err = repo.GetBySlug(ctx, got.ShareSlug)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bySlug.ViewCount)

	deleted, err := repo.Delete(ctx, owner.ID, got.ID)
	require.NoError(t, err)
	assert.Equal(t, got.BeforeKey, deleted.BeforeKey)
	_, err = repo.Delete(ctx, owner.ID, got.ID)
	assert.ErrorIs(t, err, projects.ErrNotFound)
}

func TestPrivateProjectRequiresPasswordHash(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	owner := insertUser(t, ctx, pool, "check@example.com")

	p := newProject(t, owner.ID, time.Now().UTC())
	p.IsPrivate = true
	assert.Error(t, NewProjectRepository(pool).Create(ctx, p))
}

func TestPreferencesRepository(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	owner := insertUser(t, ctx, pool, "prefs@example.com")
	repo := &PreferencesRepository{pool: pool}

	_, err := repo.Get(ctx, owner.ID)
	assert.ErrorIs(t, err, preferences.ErrNotFound)

	prefs := preferences.Defaults()
	prefs.Orientation = "vertical"
	_, err = repo.Upsert(ctx, owner.ID, prefs, time.Now().UTC())
	require.NoError(t, err)

	prefs.SliderPosition = 10
	stored, err := repo.Upsert(ctx, owner.ID, prefs, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 10, stored.Preferences.SliderPosition)

	got, err := repo.Get(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, prefs, got.Preferences)
}

func TestVideoJobRepository(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	owner := insertUser(t, ctx, pool, "video@example.com")
	repo := NewVideoJobRepository(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	id, err := ids.NewULID()
	require.NoError(t, err)
	job := &videosplit.Job{
		ID:        id,
		UserID:    owner.ID,
		Status:    videosplit.StatusQueued,
		Layout:    videosplit.LayoutHorizontal,
		BeforeKey: "uploads/" + owner.ID + "/2026/01/a.mp4",
		AfterKey:  "uploads/" + owner.ID + "/2026/01/b.mp4",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.Create(ctx, job))

	_, err = repo.ResetForRetry(ctx, owner.ID, id, now)
	assert.ErrorIs(t, err, videosplit.ErrNotRetryable)

	claimed, err := repo.MarkProcessing(ctx, id, now)
	require.NoError(t, err)
	assert.Equal(t, videosplit.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	_, err = repo.MarkProcessing(ctx, id, now)
	assert.ErrorIs(t, err, videosplit.ErrNotQueued)
	_, err = repo.MarkProcessing(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", now)
	assert.ErrorIs(t, err, videosplit.ErrNotFound)

	require.NoError(t, repo.UpdateProgress(ctx, id, 40, now))
	require.NoError(t, repo.MarkFailed(ctx, id, "ffmpeg exited with status 1", now))

	failed, err := repo.GetByID(ctx, owner.ID, id)
	require.NoError(t, err)
	assert.Equal(t, videosplit.StatusFailed, failed.Status)
	assert.Equal(t, "ffmpeg exited with status 1", failed.Error)

	retried, err := repo.ResetForRetry(ctx, owner.ID, id, now)
	require.NoError(t, err)
	assert.Equal(t, videosplit.StatusQueued, retried.Status)
	assert.Empty(t, retried.Error)

	_, err = repo.MarkProcessing(ctx, id, now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkCompleted(ctx, id, "renders/"+owner.ID+"/"+id+".mp4", now))

	done, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, videosplit.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 2, done.Attempts)
	require.NotNil(t, done.CompletedAt)

	purged, err := repo.DeleteFinishedBefore(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, id, purged[0].ID)
}

func TestVideoJobRepositoryFailsInterruptedRenders(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	owner := insertUser(t, ctx, pool, "stale@example.com")
	repo := NewVideoJobRepository(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	create := func(startedAt time.Time) string {
		id, err := ids.NewULID()
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, &videosplit.Job{
			ID:        id,
			UserID:    owner.ID,
			Status:    videosplit.StatusQueued,
			Layout:    videosplit.LayoutVertical,
			BeforeKey: "uploads/" + owner.ID + "/2026/01/a.mp4",
			AfterKey:  "uploads/" + owner.ID + "/2026/01/b.mp4",
			CreatedAt: startedAt,
			UpdatedAt: startedAt,
		}))
		_, err = repo.MarkProcessing(ctx, id, startedAt)
		require.NoError(t, err)
		return id
	}
	stuck := create(now.Add(-time.Hour))
	busy := create(now.Add(-time.Minute))

	failed, err := repo.FailProcessingStartedBefore(ctx, now.Add(-20*time.Minute), videosplit.InterruptedMessage, now)
	require.NoError(t, err)
	assert.Equal(t, []string{stuck}, failed)

	got, err := repo.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, videosplit.StatusFailed, got.Status)
	assert.Equal(t, videosplit.InterruptedMessage, got.Error)

	got, err = repo.Get(ctx, busy)
	require.NoError(t, err)
	assert.Equal(t, videosplit.StatusProcessing, got.Status)

	_, err = repo.ResetForRetry(ctx, owner.ID, stuck, now)
	require.NoError(t, err)
}

func TestRepositoryWithTx(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	repo, err := NewRepository(pool)
	require.NoError(t, err)
	require.NoError(t, repo.Ping(ctx))

	err = repo.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		u, err := tx.Users().Create(ctx, users.CreateUserParams{Email: "tx@example.com"})
		if err != nil {
			return err
		}
		_, err = tx.Preferences().Upsert(ctx, u.ID, preferences.Defaults(), time.Now().UTC())
		return err
	})
	require.NoError(t, err)

	u, err := repo.Users().GetByEmail(ctx, "tx@example.com")
	require.NoError(t, err)
	_, err = repo.Preferences().Get(ctx, u.ID)
	require.NoError(t, err)

	_, err = NewRepository(nil)
	assert.Error(t, err)
}
