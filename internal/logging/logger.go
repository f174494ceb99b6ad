// Package logging provides structured logging with tenant and trace context.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through request handling.
type ContextKey string

const (
	TraceIDKey  ContextKey = "trace_id"
	TenantIDKey ContextKey = "tenant_id"
	ActorKey    ContextKey = "actor"
)

// Logger wraps logrus.Logger with service-name tagging.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance for the given service name.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, defaulting to "info" and "json".
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns a log entry tagged with the tenant, trace, and actor
// values carried on ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(TenantIDKey); v != nil {
		entry = entry.WithField("tenant_id", v)
	}
	if v := ctx.Value(ActorKey); v != nil {
		entry = entry.WithField("actor", v)
	}
	return entry
}

// WithFields returns a log entry with the given fields plus the service tag.
func (l *Logger) WithFields(fields map[string]any) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError returns a log entry carrying err plus the service tag.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": err.Error()})
}

// LogAudit records an append-only audit line for a state-changing operation.
// It is the logrus-side half of the dual audit trail; internal/logging/audit.go
// mirrors the same event to the zap structured sink.
func (l *Logger) LogAudit(ctx context.Context, action, streamID, eventID string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":    action,
		"stream_id": streamID,
		"event_id":  eventID,
		"audit":     true,
	}).Info("audit")
}

// LogRequest logs a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// NewTraceID returns a fresh random trace identifier.
func NewTraceID() string { return uuid.New().String() }

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

func TenantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

var defaultLogger *Logger

// InitDefault initializes the package default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the package default logger, lazily initialized from env.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("settld")
	}
	return defaultLogger
}
