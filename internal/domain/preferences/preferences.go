// Package preferences stores the editor defaults a designer applies to new
// comparisons.
package preferences

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("preferences not found")

type Preferences struct {
	Orientation     string `json:"orientation" validate:"oneof=horizontal vertical"`
	SliderPosition  int    `json:"sliderPosition" validate:"min=0,max=100"`
	ShowLabels      bool   `json:"showLabels"`
	LabelPosition   string `json:"labelPosition" validate:"oneof=top bottom hidden"`
	BeforeLabel     string `json:"beforeLabel" validate:"max=40"`
	AfterLabel      string `json:"afterLabel" validate:"max=40"`
	DividerColor    string `json:"dividerColor" validate:"hexcolor"`
	BackgroundColor string `json:"backgroundColor" validate:"hexcolor"`
	DividerWidth    int    `json:"dividerWidth" validate:"min=1,max=20"`
	ExportFormat    string `json:"exportFormat" validate:"oneof=png jpeg webp mp4 gif"`
	ExportQuality   int    `json:"exportQuality" validate:"min=1,max=100"`
}

func Defaults() Preferences {
	return Preferences{
		Orientation:     "horizontal",
		SliderPosition:  50,
		ShowLabels:      true,
		LabelPosition:   "top",
		BeforeLabel:     "Before",
		AfterLabel:      "After",
		DividerColor:    "#ffffff",
		BackgroundColor: "#000000",
		DividerWidth:    2,
		ExportFormat:    "png",
		ExportQuality:   90,
	}
}

type Stored struct {
	UserID      string
	Preferences Preferences
	UpdatedAt   time.Time
}

type Repository interface {
	Get(ctx context.Context, userID string) (*Stored, error)
	Upsert(ctx context.Context, userID string, prefs Preferences, at time.Time) (*Stored, error)
}

// FieldError names one rejected field.
type FieldError struct {
	Field string
	Rule  string
}

type ValidationError struct {
	Fields []FieldError
}

func (e ValidationError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Field
	}
	return "invalid preferences: " + strings.Join(names, ", ")
}

type Service struct {
	repo     Repository
	validate *validator.Validate
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)
	return &Service{
		repo:     repo,
		validate: v,
		now:      time.Now,
		logger:   logger.With().Str("component", "preferences").Logger(),
	}
}

// Get returns the stored preferences, or the defaults for a user who never
// saved any.
func (s *Service) Get(ctx context.Context, userID string) (Preferences, error) {
	stored, err := s.repo.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Defaults(), nil
	}
	if err != nil {
		return Preferences{}, err
	}
	return stored.Preferences, nil
}

func (s *Service) Put(ctx context.Context, userID string, prefs Preferences) (Preferences, error) {
	prefs.BeforeLabel = strings.TrimSpace(prefs.BeforeLabel)
	prefs.AfterLabel = strings.TrimSpace(prefs.AfterLabel)
	prefs.DividerColor = strings.ToLower(prefs.DividerColor)
	prefs.BackgroundColor = strings.ToLower(prefs.BackgroundColor)

	if err := s.validate.Struct(prefs); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Preferences{}, err
		}
		out := ValidationError{}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		return Preferences{}, out
	}

	stored, err := s.repo.Upsert(ctx, userID, prefs, s.now().UTC())
	if err != nil {
		return Preferences{}, err
	}
	s.logger.Debug().Str("user_id", userID).Msg("preferences saved")
	return stored.Preferences, nil
}

func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}
