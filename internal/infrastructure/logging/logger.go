package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/qcloud-device/internal/infrastructure/config"
)

// LevelVerbose sits below slog.LevelDebug and carries the firmware's
// verbose level through slog. It prints as VERBOSE.
const LevelVerbose = slog.LevelDebug - 4

// redacted lists attribute keys whose values never reach the output.
var redacted = map[string]bool{
	"device_secret": true,
	"password":      true,
	"token":         true,
	"bind_token":    true,
}

// Logger is a slog.Logger carrying the device's default fields
// (service, version).
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to stdout or stderr per cfg.Output.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter is New with an explicit destination. The Output field of
// cfg is ignored.
//
// Values of secret-bearing keys (device_secret, password, token,
// bind_token) are replaced with [REDACTED] at any group depth.
func NewWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "qcloud-device"),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// IsSecretKey reports whether values logged under key are redacted.
func IsSecretKey(key string) bool {
	return redacted[key]
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.LevelKey:
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelVerbose {
			return slog.String(slog.LevelKey, "VERBOSE")
		}
	case IsSecretKey(a.Key):
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: verbose, debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "verbose":
		return LevelVerbose
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger with additional default attributes.
//
//	hubLogger := logger.With("component", "iothub")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// WrapHandler returns a new Logger whose handler is wrap applied to the
// current handler. The diagnostic log pipeline uses it to tee records.
//
// Example:
//
//	logger = logger.WrapHandler(pipeline.Handler)
func (l *Logger) WrapHandler(wrap func(slog.Handler) slog.Handler) *Logger {
	return &Logger{
		Logger: slog.New(wrap(l.Logger.Handler())),
	}
}

// Verbose logs at LevelVerbose.
func (l *Logger) Verbose(msg string, args ...any) {
	l.Log(context.Background(), LevelVerbose, msg, args...)
}

// Default is the JSON info logger used until the config is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
