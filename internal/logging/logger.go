package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"admission-gateway/internal/config"
)

type Logger struct {
	*slog.Logger
	config *config.LoggingConfig
}

type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	RequestIDKey     ContextKey = "request_id"
	IdentityKey      ContextKey = "identity"
	ServiceKey       ContextKey = "service"
)

// Admission events and the level they are logged at.
const (
	EventAllowed          = "allowed"
	EventQueued           = "queued"
	EventDrained          = "drained"
	EventRejected         = "rejected"
	EventTimeout          = "timeout"
	EventBlacklisted      = "blacklisted"
	EventUnblocked        = "unblocked"
	EventAmnesty          = "amnesty"
	EventBotScore         = "bot_score"
	EventBreakerTripped   = "breaker_tripped"
	EventEmergencyCleanup = "emergency_cleanup"
	EventCleanup          = "cleanup"
)

var eventLevels = map[string]slog.Level{
	EventAllowed:          slog.LevelDebug,
	EventQueued:           slog.LevelDebug,
	EventDrained:          slog.LevelDebug,
	EventRejected:         slog.LevelInfo,
	EventTimeout:          slog.LevelInfo,
	EventBotScore:         slog.LevelInfo,
	EventCleanup:          slog.LevelInfo,
	EventUnblocked:        slog.LevelInfo,
	EventBlacklisted:      slog.LevelWarn,
	EventAmnesty:          slog.LevelWarn,
	EventBreakerTripped:   slog.LevelError,
	EventEmergencyCleanup: slog.LevelError,
}

// NewLogger creates a new structured logger using slog
func NewLogger(cfg *config.LoggingConfig) *Logger {
	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if cfg.Output != "" {
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				writer = file
			} else {
				writer = os.Stdout
				slog.Warn("Failed to open log file, using stdout", "error", err, "file", cfg.Output)
			}
		} else {
			writer = os.Stdout
		}
	}

	logger := NewLoggerWithWriter(cfg, writer)
	slog.SetDefault(logger.Logger)
	return logger
}

// NewLoggerWithWriter builds a logger writing to w. It does not replace the
// process default logger.
func NewLoggerWithWriter(cfg *config.LoggingConfig, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text", "console":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	cfg := TestLoggingConfig()
	return NewLoggerWithWriter(&cfg, io.Discard)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if correlationID := ctx.Value(CorrelationIDKey); correlationID != nil {
		logger = logger.With("correlation_id", correlationID)
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if identity := ctx.Value(IdentityKey); identity != nil {
		logger = logger.With("identity", identity)
	}
	if service := ctx.Value(ServiceKey); service != nil {
		logger = logger.With("service", service)
	}

	return &Logger{
		Logger: logger,
		config: l.config,
	}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	var args []interface{}
	for key, value := range fields {
		args = append(args, key, value)
	}

	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// WithField creates a new logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		config: l.config,
	}
}

// WithError creates a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
		config: l.config,
	}
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Warn(msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(msg, args...)
}

// RequestStart logs the start of a request
func (l *Logger) RequestStart(ctx context.Context, method, path, userAgent string) {
	if l.config != nil && !l.config.EnableRequestTracing {
		return
	}
	l.WithContext(ctx).Debug("Request started",
		"method", method,
		"path", path,
		"user_agent", userAgent,
	)
}

// RequestEnd logs the end of a request
func (l *Logger) RequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, size int64) {
	level := slog.LevelInfo
	if statusCode >= 400 && statusCode < 500 {
		level = slog.LevelWarn
	} else if statusCode >= 500 {
		level = slog.LevelError
	}

	l.WithContext(ctx).Log(ctx, level, "Request completed",
		"method", method,
		"path", path,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"response_size", size,
	)
}

// AdmissionEvent logs a decision or state change of the admission layer.
// Breaker trips and emergency cleanups are logged at error level.
func (l *Logger) AdmissionEvent(ctx context.Context, event, identity string, details map[string]interface{}) {
	if l.config != nil && !l.config.EnableAdmissionLog {
		return
	}

	args := []interface{}{
		"event", event,
	}
	if identity != "" {
		args = append(args, "identity", identity)
	}
	for key, value := range details {
		args = append(args, key, value)
	}

	level, ok := eventLevels[event]
	if !ok {
		level = slog.LevelInfo
	}

	l.WithContext(ctx).Log(ctx, level, "Admission event", args...)
}

// SecurityEvent logs security-related events
func (l *Logger) SecurityEvent(ctx context.Context, event, source string, severity string, details map[string]interface{}) {
	args := []interface{}{
		"event", event,
		"source", source,
		"severity", severity,
	}

	for key, value := range details {
		args = append(args, key, value)
	}

	var level slog.Level
	switch severity {
	case "low":
		level = slog.LevelInfo
	case "medium":
		level = slog.LevelWarn
	case "high", "critical":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	l.WithContext(ctx).Log(ctx, level, "Security event", args...)
}
