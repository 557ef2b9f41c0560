package projects

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/api/pagination"
	"github.com/screensplit/server/internal/audit"
	"github.com/screensplit/server/internal/auth"
	"github.com/screensplit/server/internal/cache"
	"github.com/screensplit/server/internal/domain/ids"
	"github.com/screensplit/server/internal/domain/media"
	"github.com/screensplit/server/internal/objectstore"
	"github.com/screensplit/server/internal/sanitize"
)

const (
	MaxTitleLength       = 120
	MaxDescriptionLength = 2000
	MaxLabelLength       = 40
	MinSharePassword     = 4
	MaxSharePassword     = 72
	MaxUploadFiles       = 2

	slugAttempts = 5
	galleryTTL   = 2 * time.Minute
	sharedTTL    = 5 * time.Minute
)

// MediaStore signs uploads and resolves stored keys to URLs.
type MediaStore interface {
	PresignPut(ctx context.Context, key, contentType string, size int64) (objectstore.PresignedUpload, error)
	MediaURL(ctx context.Context, key string) (string, error)
}

// ObjectCleaner removes stored objects that are no longer referenced.
type ObjectCleaner interface {
	ScheduleObjectCleanup(ctx context.Context, keys []string) error
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type Service struct {
	repo     Repository
	store    MediaStore
	cleaner  ObjectCleaner
	cache    *cache.Loader
	audit    *audit.Logger
	validate *validator.Validate
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(repo Repository, store MediaStore, cleaner ObjectCleaner, loader *cache.Loader, auditLogger *audit.Logger, logger zerolog.Logger) *Service {
	if loader == nil {
		loader = cache.NewLoader(nil)
	}
	return &Service{
		repo:     repo,
		store:    store,
		cleaner:  cleaner,
		cache:    loader,
		audit:    auditLogger,
		validate: validator.New(),
		now:      time.Now,
		logger:   logger.With().Str("component", "projects").Logger(),
	}
}

type UploadFile struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// PrepareUpload signs one PUT per file. All files in a request must be the
// same kind of media.
func (s *Service) PrepareUpload(ctx context.Context, userID string, files []UploadFile) ([]objectstore.PresignedUpload, error) {
	if len(files) == 0 || len(files) > MaxUploadFiles {
		return nil, ValidationError{Field: "files", Message: fmt.Sprintf("must contain 1 to %d files", MaxUploadFiles)}
	}

	var kind media.Kind
	exts := make([]string, len(files))
	for i, f := range files {
		field := fmt.Sprintf("files[%d]", i)
		k, ext, ok := media.Lookup(f.ContentType)
		if !ok {
			return nil, ValidationError{Field: field + ".contentType", Message: "unsupported content type"}
		}
		if i == 0 {
			kind = k
		} else if k != kind {
			return nil, ValidationError{Field: "files", Message: "all files must be images or all files must be videos"}
		}
		if f.Size <= 0 || f.Size > media.MaxBytes(k) {
			return nil, ValidationError{Field: field + ".size", Message: fmt.Sprintf("must be between 1 and %d bytes", media.MaxBytes(k))}
		}
		exts[i] = ext
	}

	now := s.now()
	uploads := make([]objectstore.PresignedUpload, 0, len(files))
	for i, f := range files {
		key, err := media.UploadKey(userID, now, exts[i])
		if err != nil {
			return nil, err
		}
		contentType, _, _ := strings.Cut(f.ContentType, ";")
		contentType = strings.ToLower(strings.TrimSpace(contentType))
		up, err := s.store.PresignPut(ctx, key, contentType, f.Size)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, up)
	}
	return uploads, nil
}

type CreateInput struct {
	Title       string
	Description string
	MediaType   string
	BeforeKey   string
	AfterKey    string
	BeforeLabel string
	AfterLabel  string
	Settings    *Settings
	IsPrivate   bool
	Password    string
}

func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*Project, error) {
	title, err := cleanTitle(in.Title)
	if err != nil {
		return nil, err
	}
	description, err := cleanDescription(in.Description)
	if err != nil {
		return nil, err
	}
	beforeLabel, err := cleanLabel("beforeLabel", in.BeforeLabel, "Before")
	if err != nil {
		return nil, err
	}
	afterLabel, err := cleanLabel("afterLabel", in.AfterLabel, "After")
	if err != nil {
		return nil, err
	}

	kind := media.Kind(in.MediaType)
	if kind != media.KindImage && kind != media.KindVideo {
		return nil, ValidationError{Field: "mediaType", Message: "must be image or video"}
	}
	if err := checkKey(userID, "beforeKey", in.BeforeKey, kind); err != nil {
		return nil, err
	}
	if err := checkKey(userID, "afterKey", in.AfterKey, kind); err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	if in.Settings != nil {
		settings = *in.Settings
		if settings.Orientation == "" {
			settings.Orientation = "horizontal"
		}
	}
	if err := s.validate.Struct(settings); err != nil {
		return nil, ValidationError{Field: "settings", Message: "orientation must be horizontal or vertical and sliderPosition 0-100"}
	}

	var passwordHash string
	if in.IsPrivate {
		if in.Password == "" {
			return nil, ValidationError{Field: "password", Message: "is required for private projects"}
		}
		if passwordHash, err = hashSharePassword(in.Password); err != nil {
			return nil, err
		}
	}

	id, err := ids.NewULID()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	p := &Project{
		ID:           id,
		UserID:       userID,
		Title:        title,
		Description:  description,
		MediaType:    kind,
		BeforeKey:    in.BeforeKey,
		AfterKey:     in.AfterKey,
		BeforeLabel:  beforeLabel,
		AfterLabel:   afterLabel,
		Settings:     settings,
		IsPrivate:    in.IsPrivate,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for attempt := 0; ; attempt++ {
		if p.ShareSlug, err = ids.NewSlug(); err != nil {
			return nil, err
		}
		err = s.repo.Create(ctx, p)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSlugTaken) || attempt+1 >= slugAttempts {
			return nil, err
		}
	}

	s.cache.Invalidate(ctx, cache.UserProjectsTag(userID))
	s.audit.LogSuccess("project.created", userID, "project", p.ID, audit.IPFromContext(ctx), nil)
	return p, nil
}

type Page struct {
	Projects   []Project `msgpack:"projects"`
	NextCursor string    `msgpack:"next_cursor"`
}

// List returns the user's gallery, newest first. The first page is cached.
func (s *Service) List(ctx context.Context, userID, cursor string, limit int) (Page, error) {
	if limit < 1 || limit > pagination.MaxLimit {
		return Page{}, ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", pagination.MaxLimit)}
	}

	params := ListParams{UserID: userID, Limit: limit}
	if cursor != "" {
		c, err := pagination.DecodeCursor(cursor)
		if err != nil {
			return Page{}, ValidationError{Field: "cursor", Message: "is invalid"}
		}
		params.AfterCreatedAt = &c.Timestamp
		params.AfterID = c.ULID
		return s.listPage(ctx, params)
	}

	key := fmt.Sprintf("gallery:%s:%d", userID, limit)
	return cache.GetOrLoad(ctx, s.cache, key, galleryTTL, []string{cache.UserProjectsTag(userID)}, func(ctx context.Context) (Page, error) {
		return s.listPage(ctx, params)
	})
}

func (s *Service) listPage(ctx context.Context, params ListParams) (Page, error) {
	wanted := params.Limit
	params.Limit = wanted + 1
	items, err := s.repo.List(ctx, params)
	if err != nil {
		return Page{}, err
	}

	page := Page{Projects: items}
	if len(items) > wanted {
		page.Projects = items[:wanted]
		last := page.Projects[wanted-1]
		page.NextCursor = pagination.EncodeCursor(last.CreatedAt, last.ID)
	}
	for i := range page.Projects {
		page.Projects[i].PasswordHash = ""
	}
	if page.Projects == nil {
		page.Projects = []Project{}
	}
	return page, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (*Project, error) {
	id, err := ids.NormalizeULID(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.repo.GetByID(ctx, userID, id)
}

type UpdateInput struct {
	Title       *string
	Description *string
	BeforeLabel *string
	AfterLabel  *string
	Settings    *Settings
	IsPrivate   *bool
	Password    *string
}

// Update applies a partial change. Making a project private needs a password
// unless it already has one; making it public drops the password.
func (s *Service) Update(ctx context.Context, userID, id string, in UpdateInput) (*Project, error) {
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		if p.Title, err = cleanTitle(*in.Title); err != nil {
			return nil, err
		}
	}
	if in.Description != nil {
		if p.Description, err = cleanDescription(*in.Description); err != nil {
			return nil, err
		}
	}
	if in.BeforeLabel != nil {
		if p.BeforeLabel, err = cleanLabel("beforeLabel", *in.BeforeLabel, "Before"); err != nil {
			return nil, err
		}
	}
	if in.AfterLabel != nil {
		if p.AfterLabel, err = cleanLabel("afterLabel", *in.AfterLabel, "After"); err != nil {
			return nil, err
		}
	}
	if in.Settings != nil {
		settings := *in.Settings
		if settings.Orientation == "" {
			settings.Orientation = p.Settings.Orientation
		}
		if err := s.validate.Struct(settings); err != nil {
			return nil, ValidationError{Field: "settings", Message: "orientation must be horizontal or vertical and sliderPosition 0-100"}
		}
		p.Settings = settings
	}

	private := p.IsPrivate
	if in.IsPrivate != nil {
		private = *in.IsPrivate
	}
	newPassword := ""
	if in.Password != nil {
		newPassword = *in.Password
	}

	switch {
	case !private:
		if newPassword != "" {
			return nil, ValidationError{Field: "password", Message: "can only be set on private projects"}
		}
		p.PasswordHash = ""
	case newPassword != "":
		if p.PasswordHash, err = hashSharePassword(newPassword); err != nil {
			return nil, err
		}
	case p.PasswordHash == "":
		return nil, ValidationError{Field: "password", Message: "is required for private projects"}
	}
	p.IsPrivate = private
	p.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, cache.ProjectTag(p.ID), cache.UserProjectsTag(userID))
	return p, nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	id, err := ids.NormalizeULID(id)
	if err != nil {
		return ErrNotFound
	}
	p, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, cache.ProjectTag(p.ID), cache.UserProjectsTag(userID))
	if s.cleaner != nil {
		if err := s.cleaner.ScheduleObjectCleanup(ctx, []string{p.BeforeKey, p.AfterKey}); err != nil {
			s.logger.Error().Err(err).Str("project_id", p.ID).Msg("failed to schedule object cleanup")
		}
	}
	s.audit.LogSuccess("project.deleted", userID, "project", p.ID, audit.IPFromContext(ctx), nil)
	return nil
}

// MediaURLs resolves the before and after keys of a project.
func (s *Service) MediaURLs(ctx context.Context, p *Project) (before, after string, err error) {
	if before, err = s.store.MediaURL(ctx, p.BeforeKey); err != nil {
		return "", "", err
	}
	if after, err = s.store.MediaURL(ctx, p.AfterKey); err != nil {
		return "", "", err
	}
	return before, after, nil
}

type MediaItem struct {
	URL   string
	Label string
}

// SharedView is what anyone holding the share link sees.
type SharedView struct {
	Slug             string
	Title            string
	Description      string
	MediaType        media.Kind
	Before           MediaItem
	After            MediaItem
	Settings         Settings
	ViewCount        int64
	CreatedAt        time.Time
	RequiresPassword bool
}

// GetShared loads a project by share slug. grant is the password
// fingerprint carried by the viewer's share token, or "" without one. A
// private project whose current password does not match grant yields a view
// carrying only the title and ErrPasswordRequired.
func (s *Service) GetShared(ctx context.Context, slug, grant string) (*SharedView, error) {
	if err := ids.ValidateSlug(slug); err != nil {
		return nil, ErrNotFound
	}

	entry, err := s.loadShared(ctx, slug)
	if err != nil {
		return nil, err
	}
	p := &entry.Project

	if p.IsPrivate && (grant == "" || !grantMatches(grant, entry.Grant)) {
		return &SharedView{Slug: slug, Title: p.Title, RequiresPassword: true}, ErrPasswordRequired
	}

	before, after, err := s.MediaURLs(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := s.repo.IncrementViews(ctx, p.ID); err != nil {
		s.logger.Warn().Err(err).Str("project_id", p.ID).Msg("failed to record view")
	}

	return &SharedView{
		Slug:        slug,
		Title:       p.Title,
		Description: p.Description,
		MediaType:   p.MediaType,
		Before:      MediaItem{URL: before, Label: p.BeforeLabel},
		After:       MediaItem{URL: after, Label: p.AfterLabel},
		Settings:    p.Settings,
		ViewCount:   p.ViewCount + 1,
		CreatedAt:   p.CreatedAt,
	}, nil
}

// sharedEntry is the cached form of a shared project. The password hash
// never enters the cache, only its fingerprint.
type sharedEntry struct {
	Project Project `msgpack:"project"`
	Grant   string  `msgpack:"grant"`
}

// loadShared reads the project through the cache. The entry is tagged with
// the project ID so edits and deletes evict it.
func (s *Service) loadShared(ctx context.Context, slug string) (*sharedEntry, error) {
	key := "shared:" + slug
	var cached sharedEntry
	found, err := s.cache.Cache().Get(ctx, key, &cached)
	if err != nil {
		s.logger.Warn().Err(err).Str("slug", slug).Msg("cache get failed")
	}
	if found && err == nil {
		return &cached, nil
	}

	p, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	entry := &sharedEntry{Project: *p, Grant: passwordGrant(p.PasswordHash)}
	entry.Project.PasswordHash = ""
	if err := s.cache.Cache().Set(ctx, key, entry, sharedTTL, cache.ProjectTag(p.ID)); err != nil {
		s.logger.Warn().Err(err).Str("slug", slug).Msg("cache set failed")
	}
	return entry, nil
}

// UnlockShared checks a share password and returns the grant to embed in
// the viewer's share token. Public projects need no password: the grant is
// empty and no token should be issued.
func (s *Service) UnlockShared(ctx context.Context, slug, password string) (string, error) {
	if err := ids.ValidateSlug(slug); err != nil {
		return "", ErrNotFound
	}
	p, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return "", err
	}
	if !p.IsPrivate {
		return "", nil
	}
	if err := auth.CheckPassword(p.PasswordHash, password); err != nil {
		return "", ErrInvalidPassword
	}
	return passwordGrant(p.PasswordHash), nil
}

// passwordGrant fingerprints a share password hash. bcrypt salts every hash,
// so setting a password again, even the same one, changes the grant.
func passwordGrant(hash string) string {
	if hash == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}

func grantMatches(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func hashSharePassword(password string) (string, error) {
	n := utf8.RuneCountInString(password)
	if n < MinSharePassword || len(password) > MaxSharePassword {
		return "", ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters and at most %d bytes", MinSharePassword, MaxSharePassword)}
	}
	return auth.HashPassword(password)
}

func cleanTitle(raw string) (string, error) {
	title := sanitize.Line(raw)
	n := utf8.RuneCountInString(title)
	if n == 0 || n > MaxTitleLength {
		return "", ValidationError{Field: "title", Message: fmt.Sprintf("must be 1 to %d characters", MaxTitleLength)}
	}
	return title, nil
}

func cleanDescription(raw string) (string, error) {
	description := sanitize.Multiline(raw)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return "", ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", MaxDescriptionLength)}
	}
	return description, nil
}

func cleanLabel(field, raw, fallback string) (string, error) {
	label := sanitize.Line(raw)
	if label == "" {
		return fallback, nil
	}
	if utf8.RuneCountInString(label) > MaxLabelLength {
		return "", ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", MaxLabelLength)}
	}
	return label, nil
}

func checkKey(userID, field, key string, kind media.Kind) error {
	if !media.OwnsUpload(userID, key) {
		return ValidationError{Field: field, Message: "must reference one of your uploads"}
	}
	if k, ok := media.KindOfKey(key); !ok || k != kind {
		return ValidationError{Field: field, Message: fmt.Sprintf("must be a %s upload", kind)}
	}
	return nil
}
