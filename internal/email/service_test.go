package email

import (
	"context"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screensplit/server/internal/config"
)

func TestNewServiceConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EmailConfig
		wantErr string
	}{
		{name: "disabled needs nothing", cfg: config.EmailConfig{}},
		{name: "resend default", cfg: config.EmailConfig{Enabled: true, From: "a@example.com", ResendAPIKey: "k"}},
		{name: "resend without key", cfg: config.EmailConfig{Enabled: true, From: "a@example.com"}, wantErr: "API key"},
		{name: "smtp", cfg: config.EmailConfig{Enabled: true, Provider: "SMTP", From: "a@example.com", SMTPHost: "smtp.example.com"}},
		{name: "smtp without host", cfg: config.EmailConfig{Enabled: true, Provider: "smtp", From: "a@example.com"}, wantErr: "host"},
		{name: "bad sender", cfg: config.EmailConfig{Enabled: true, From: "nope", ResendAPIKey: "k"}, wantErr: "sender"},
		{name: "unknown provider", cfg: config.EmailConfig{Enabled: true, Provider: "pigeon", From: "a@example.com"}, wantErr: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.cfg, Lifetimes{}, zerolog.Nop())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDisabledServiceSkipsDelivery(t *testing.T) {
	svc, err := NewService(config.EmailConfig{}, Lifetimes{}, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, svc.SendVerification(context.Background(), "user@example.com", "Ada", "https://app.example.com/verify-email?token=t"))
	assert.Error(t, svc.SendVerification(context.Background(), "user@example.com", "Ada", "javascript:alert(1)"))
	assert.Error(t, svc.SendPasswordReset(context.Background(), "user@example.com\r\nBcc: x@evil.com", "Ada", "https://app.example.com/reset"))
}

func TestSMTPDeliveryRendersTemplate(t *testing.T) {
	svc, err := NewService(config.EmailConfig{
		Enabled:  true,
		Provider: "smtp",
		From:     "noreply@example.com",
		SMTPHost: "smtp.example.com",
	}, Lifetimes{Verification: 24 * time.Hour, Reset: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	var gotTo, gotSubject, gotBody string
	svc.smtpSend = func(_ context.Context, to, subject, body string) error {
		gotTo, gotSubject, gotBody = to, subject, body
		return nil
	}

	require.NoError(t, svc.SendPasswordReset(context.Background(), "user@example.com", "<b>Ada</b>", "https://app.example.com/reset-password?token=a&b=c"))
	assert.Equal(t, "user@example.com", gotTo)
	assert.Equal(t, "Reset your Screensplit password", gotSubject)
	assert.Contains(t, gotBody, "1 hour")
	assert.Contains(t, gotBody, "&lt;b&gt;Ada&lt;/b&gt;")
	assert.Contains(t, gotBody, `href="https://app.example.com/reset-password?token=a&amp;b=c"`)

	require.NoError(t, svc.SendVerification(context.Background(), "user@example.com", "", "https://app.example.com/verify-email?token=t"))
	assert.Contains(t, gotBody, "24 hours")
	assert.NotContains(t, gotBody, "Screensplit, ")
}

func TestBuildMessage(t *testing.T) {
	from := &mail.Address{Name: "Screensplit", Address: "noreply@example.com"}
	to := &mail.Address{Address: "user@example.com"}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	msg := string(buildMessage(from, to, "Réinitialiser", "<p>hi</p>", now))
	head, body, ok := strings.Cut(msg, "\r\n\r\n")
	require.True(t, ok)

	assert.Equal(t, "<p>hi</p>", body)
	assert.True(t, strings.HasPrefix(head, `From: "Screensplit" <noreply@example.com>`))
	assert.Contains(t, head, "To: <user@example.com>")
	assert.Contains(t, head, "Subject: =?utf-8?q?")
	assert.Contains(t, head, "Date: Fri, 01 May 2026 12:00:00 +0000")
	assert.Contains(t, head, "Content-Type: text/html; charset=UTF-8")
}

func TestHumanizeDuration(t *testing.T) {
	assert.Equal(t, "1 hour", humanizeDuration(time.Hour))
	assert.Equal(t, "24 hours", humanizeDuration(24*time.Hour))
	assert.Equal(t, "3 days", humanizeDuration(72*time.Hour))
	assert.Equal(t, "30 minutes", humanizeDuration(30*time.Minute))
	assert.Equal(t, "a short while", humanizeDuration(0))
}

func TestValidateEmailAddress(t *testing.T) {
	valid := []string{
		"user@example.com",
		"user+tag@example.co.uk",
		"User Name <user@example.com>",
		"user@[192.168.1.1]",
	}
	for _, email := range valid {
		assert.NoError(t, validateEmailAddress(email), email)
	}

	invalid := []string{
		"",
		"notanemail",
		"@example.com",
		"user@",
		"user@@example.com",
		"victim@example.com\r\nBcc: attacker@evil.com",
		"test@example.com\nCc: hacker@evil.com",
		"user@domain.com\rX-Mailer: Evil",
	}
	for _, email := range invalid {
		assert.Error(t, validateEmailAddress(email), "%q", email)
	}
}

func TestValidateLink(t *testing.T) {
	valid := []string{
		"https://example.com/verify-email?token=abc",
		"http://localhost:3000/reset-password?token=abc",
		"https://[::1]/verify",
	}
	for _, link := range valid {
		assert.NoError(t, validateLink(link), link)
	}

	invalid := []string{
		"",
		"javascript:alert('xss')",
		"data:text/html,<script>alert('xss')</script>",
		"file:///etc/passwd",
		"//example.com/verify",
		"/verify-email",
		"https://",
		"ht!tp://example.com",
	}
	for _, link := range invalid {
		assert.Error(t, validateLink(link), link)
	}
}
