// Package observability provides structured logging for liveedge.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/liveedge/internal/config"
)

// Redacted replaces sensitive values in log output.
const Redacted = "[REDACTED]"

// sensitiveFields are attribute keys whose values are always redacted.
var sensitiveFields = []string{
	"password", "Password",
	"secret", "Secret",
	"token", "Token",
	"apikey", "ApiKey", "api_key",
	"credential", "Credential",
	"authorization", "Authorization",
}

// sensitiveQuery matches credentials carried in URL query strings, as in
// ws://edge/live/cam1?token=abc.
var sensitiveQuery = regexp.MustCompile(`(?i)([?&](?:password|secret|token|apikey|api_key|credential|auth)=)[^&#\s"]*`)

// NewLogger creates a new slog.Logger based on the provided configuration.
// The logger supports JSON and text formats with configurable log levels.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr(cfg.TimeFormat),
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

func replaceAttr(timeFormat string) func([]string, slog.Attr) slog.Attr {
	opts := []masq.Option{masq.WithRedactMessage(Redacted)}
	for _, name := range sensitiveFields {
		opts = append(opts, masq.WithFieldName(name))
	}
	redact := masq.New(opts...)

	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey && timeFormat != "" && len(groups) == 0 {
			if t, ok := a.Value.Any().(time.Time); ok {
				return slog.String(slog.TimeKey, t.Format(timeFormat))
			}
		}
		if a.Value.Kind() == slog.KindString {
			if s := a.Value.String(); sensitiveQuery.MatchString(s) {
				a = slog.String(a.Key, RedactURL(s))
			}
		}
		return redact(groups, a)
	}
}

// RedactURL masks credential query parameters, keeping the parameter names.
func RedactURL(s string) string {
	return sensitiveQuery.ReplaceAllString(s, "${1}"+Redacted)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
