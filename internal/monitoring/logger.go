package monitoring

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger provides structured JSON logging with domain-specific helpers.
type Logger struct {
	*slog.Logger
}

// NewLogger creates the application logger and installs it as the slog
// default, so package-level slog calls share the same handler.
func NewLogger() *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   "timestamp",
					Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
				}
			}
			return a
		},
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return &Logger{Logger: logger}
}

// RequestLogger logs one HTTP request.
func (l *Logger) RequestLogger(method, path, ip string, statusCode int, duration time.Duration) {
	l.Info("HTTP Request",
		"method", method,
		"path", path,
		"ip", ip,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	)
}

// EpisodeLogger logs a recorded vetting episode. GMC numbers are
// identifiers of record here, not secrets; they appear in the audit
// export too.
func (l *Logger) EpisodeLogger(requesterGMC, outcome string, pointsDelta, newPoints int, duration time.Duration) {
	l.Info("Episode Recorded",
		"requester_gmc", requesterGMC,
		"outcome", outcome,
		"points_delta", pointsDelta,
		"new_points", newPoints,
		"duration_ms", duration.Milliseconds(),
	)
}

// ExternalAPILogger logs calls to external collaborators such as the
// GMC register.
func (l *Logger) ExternalAPILogger(apiName, endpoint string, statusCode int, duration time.Duration, success bool) {
	level := slog.LevelInfo
	if !success {
		level = slog.LevelWarn
	}

	l.Log(context.Background(), level, "External API Call",
		"api_name", apiName,
		"endpoint", endpoint,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"success", success,
	)
}

// SecurityLogger logs security-relevant events such as failed unlock
// attempts.
func (l *Logger) SecurityLogger(event, ip string, details map[string]interface{}) {
	attrs := []any{
		"event", event,
		"ip", ip,
	}
	for key, value := range details {
		attrs = append(attrs, key, value)
	}

	l.Warn("Security Event", attrs...)
}

// SystemLogger logs system-level events.
func (l *Logger) SystemLogger(event, details string) {
	l.Info("System Event",
		"event", event,
		"details", details,
		"uptime", time.Since(startTime).String(),
	)
}

var startTime = time.Now()
