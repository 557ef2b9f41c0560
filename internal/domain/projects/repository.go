package projects

import (
	"context"
	"errors"
	"time"

	"github.com/screensplit/server/internal/domain/media"
)

var (
	ErrNotFound         = errors.New("project not found")
	ErrSlugTaken        = errors.New("share slug already in use")
	ErrPasswordRequired = errors.New("project is password protected")
	ErrInvalidPassword  = errors.New("incorrect password")
)

// Settings controls how the comparison is displayed.
type Settings struct {
	Orientation    string `json:"orientation" msgpack:"orientation" validate:"omitempty,oneof=horizontal vertical"`
	SliderPosition int    `json:"sliderPosition" msgpack:"slider_position" validate:"min=0,max=100"`
	ShowLabels     bool   `json:"showLabels" msgpack:"show_labels"`
}

func DefaultSettings() Settings {
	return Settings{Orientation: "horizontal", SliderPosition: 50, ShowLabels: true}
}

type Project struct {
	ID           string     `msgpack:"id"`
	UserID       string     `msgpack:"user_id"`
	Title        string     `msgpack:"title"`
	Description  string     `msgpack:"description"`
	MediaType    media.Kind `msgpack:"media_type"`
	BeforeKey    string     `msgpack:"before_key"`
	AfterKey     string     `msgpack:"after_key"`
	BeforeLabel  string     `msgpack:"before_label"`
	AfterLabel   string     `msgpack:"after_label"`
	Settings     Settings   `msgpack:"settings"`
	ShareSlug    string     `msgpack:"share_slug"`
	IsPrivate    bool       `msgpack:"is_private"`
	PasswordHash string     `msgpack:"-"`
	ViewCount    int64      `msgpack:"view_count"`
	CreatedAt    time.Time  `msgpack:"created_at"`
	UpdatedAt    time.Time  `msgpack:"updated_at"`
}

type ListParams struct {
	UserID string
	// Projects created strictly before (AfterCreatedAt, AfterID) in
	// newest-first order.
	AfterCreatedAt *time.Time
	AfterID        string
	Limit          int
}

type Repository interface {
	Create(ctx context.Context, p *Project) error
	// GetByID returns the project only when it belongs to userID.
	GetByID(ctx context.Context, userID, id string) (*Project, error)
	GetBySlug(ctx context.Context, slug string) (*Project, error)
	List(ctx context.Context, params ListParams) ([]Project, error)
	Update(ctx context.Context, p *Project) error
	// Delete removes the project and returns it as it was.
	Delete(ctx context.Context, userID, id string) (*Project, error)
	IncrementViews(ctx context.Context, id string) error
}
