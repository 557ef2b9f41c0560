package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry is a security-relevant account event.
type Entry struct {
	Timestamp    time.Time
	Action       string
	Actor        string
	ResourceType string
	ResourceID   string
	IPAddress    string
	Status       string
	Details      map[string]string
}

// Logger writes audit entries as structured log lines tagged audit=true so
// they can be routed separately from request logs.
type Logger struct {
	logger zerolog.Logger
}

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Bool("audit", true).Logger()}
}

// Nop discards all entries.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func (l *Logger) Log(entry Entry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	event := l.logger.Info()
	if entry.Status == StatusFailure {
		event = l.logger.Warn()
	}
	event = event.
		Time("at", entry.Timestamp).
		Str("action", entry.Action).
		Str("status", entry.Status)
	if entry.Actor != "" {
		event = event.Str("actor", entry.Actor)
	}
	if entry.ResourceType != "" {
		event = event.Str("resource_type", entry.ResourceType).Str("resource_id", entry.ResourceID)
	}
	if entry.IPAddress != "" {
		event = event.Str("ip", entry.IPAddress)
	}
	if len(entry.Details) > 0 {
		dict := zerolog.Dict()
		for k, v := range entry.Details {
			dict = dict.Str(k, v)
		}
		event = event.Dict("details", dict)
	}
	event.Msg("audit")
}

func (l *Logger) LogSuccess(action, actor, resourceType, resourceID, ipAddress string, details map[string]string) {
	l.Log(Entry{
		Action:       action,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    ipAddress,
		Status:       StatusSuccess,
		Details:      details,
	})
}

func (l *Logger) LogFailure(action, actor, ipAddress string, details map[string]string) {
	l.Log(Entry{
		Action:    action,
		Actor:     actor,
		IPAddress: ipAddress,
		Status:    StatusFailure,
		Details:   details,
	})
}

type contextKey string

const ipKey contextKey = "auditIP"

// WithIP records the client address for entries logged further down the call chain.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey, ip)
}

// IPFromContext returns the address stored by WithIP.
func IPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey).(string)
	return ip
}
