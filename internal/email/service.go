package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"

	"github.com/screensplit/server/internal/config"
	"github.com/screensplit/server/internal/metrics"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	ProviderResend = "resend"
	ProviderSMTP   = "smtp"

	templateVerify = "verify_email.html"
	templateReset  = "reset_password.html"
)

// Lifetimes are quoted in the emails so users know how long a link works.
type Lifetimes struct {
	Verification time.Duration
	Reset        time.Duration
}

// Service renders and delivers account emails through Resend or SMTP.
// When email is disabled messages are logged and dropped.
type Service struct {
	config       config.EmailConfig
	provider     string
	resendClient *resend.Client
	smtpSend     func(ctx context.Context, to, subject, htmlBody string) error
	templates    *template.Template
	lifetimes    Lifetimes
	logger       zerolog.Logger
}

// messageData holds data for rendering account email templates
type messageData struct {
	Name      string
	Link      string
	ExpiresIn string
	Year      int
}

// NewService creates a new email service instance
func NewService(cfg config.EmailConfig, lifetimes Lifetimes, logger zerolog.Logger) (*Service, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	s := &Service{
		config:    cfg,
		provider:  strings.ToLower(strings.TrimSpace(cfg.Provider)),
		templates: templates,
		lifetimes: lifetimes,
		logger:    logger.With().Str("component", "email").Logger(),
	}
	if !cfg.Enabled {
		return s, nil
	}

	if err := validateEmailAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender email in config: %w", err)
	}
	switch s.provider {
	case "", ProviderResend:
		if cfg.ResendAPIKey == "" {
			return nil, fmt.Errorf("resend provider requires an API key")
		}
		s.provider = ProviderResend
		s.resendClient = resend.NewClient(cfg.ResendAPIKey)
	case ProviderSMTP:
		if cfg.SMTPHost == "" {
			return nil, fmt.Errorf("smtp provider requires a host")
		}
		s.smtpSend = s.sendViaSMTP
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
	return s, nil
}

// SendVerification sends the email confirmation link to a new account.
func (s *Service) SendVerification(ctx context.Context, to, name, link string) error {
	return s.deliver(ctx, templateVerify, "Confirm your Screensplit email", to, messageData{
		Name:      name,
		Link:      link,
		ExpiresIn: humanizeDuration(s.lifetimes.Verification),
	})
}

// SendPasswordReset sends a single-use password reset link.
func (s *Service) SendPasswordReset(ctx context.Context, to, name, link string) error {
	return s.deliver(ctx, templateReset, "Reset your Screensplit password", to, messageData{
		Name:      name,
		Link:      link,
		ExpiresIn: humanizeDuration(s.lifetimes.Reset),
	})
}

func (s *Service) deliver(ctx context.Context, tmpl, subject, to string, data messageData) error {
	if err := validateEmailAddress(to); err != nil {
		return fmt.Errorf("invalid recipient email: %w", err)
	}
	if err := validateLink(data.Link); err != nil {
		return fmt.Errorf("invalid link: %w", err)
	}

	if !s.config.Enabled {
		s.logger.Info().
			Str("to", to).
			Str("template", tmpl).
			Str("link", data.Link).
			Msg("email service disabled, skipping email")
		metrics.EmailsSent.WithLabelValues(tmpl, "skipped").Inc()
		return nil
	}

	data.Year = time.Now().Year()
	htmlBody, err := s.renderTemplate(tmpl, data)
	if err != nil {
		return err
	}

	switch s.provider {
	case ProviderSMTP:
		if s.smtpSend == nil {
			err = fmt.Errorf("smtp sender not initialized")
		} else {
			err = s.smtpSend(ctx, to, subject, htmlBody)
		}
	default:
		err = s.sendViaResend(ctx, strings.TrimSuffix(tmpl, ".html"), to, subject, htmlBody)
	}
	if err != nil {
		metrics.EmailsSent.WithLabelValues(tmpl, "error").Inc()
		return fmt.Errorf("failed to send %s: %w", tmpl, err)
	}
	metrics.EmailsSent.WithLabelValues(tmpl, "sent").Inc()
	return nil
}

// validateEmailAddress validates an email address for format and header injection attempts
func validateEmailAddress(email string) error {
	if strings.ContainsAny(email, "\r\n") {
		return fmt.Errorf("invalid email address: contains newline characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

// validateLink rejects anything but absolute http(s) URLs so templates never
// carry javascript:, data: or relative links.
func validateLink(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func (s *Service) renderTemplate(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}

func humanizeDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "a short while"
	case d%(24*time.Hour) == 0 && d >= 48*time.Hour:
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	case d%time.Hour == 0 && d > time.Hour:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d == time.Hour:
		return "1 hour"
	default:
		return fmt.Sprintf("%d minutes", int(d.Round(time.Minute)/time.Minute))
	}
}
