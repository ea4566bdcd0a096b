package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
)

// serviceName is attached to every log entry.
const serviceName = "fleetcore"

// Logger wraps slog.Logger with Fleet Core defaults.
//
// Components never import this type directly; they accept a small Logger
// interface (Debug/Info/Warn/Error) which *Logger satisfies.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger

	// file is the log file opened by New, nil for stdout/stderr and
	// for loggers derived with With.
	file *os.File
}

// New creates a Logger from configuration.
//
// Output "stdout" (default), "stderr" or "file" (logging.file.path). If the
// log file cannot be opened the logger falls back to stderr and says so.
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version for the default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	output, err := openOutput(cfg)
	l := NewWithWriter(output, cfg, version)
	if err != nil {
		l.Warn("log file unavailable, logging to stderr", "path", cfg.File.Path, "error", err)
	}
	if f, ok := output.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		l.file = f
	}
	return l
}

// Close releases the log file opened by New. It is a no-op for console
// output and for derived loggers.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// NewWithWriter creates a Logger that writes to w, ignoring cfg.Output.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// openOutput resolves the configured destination.
func openOutput(cfg config.LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr, nil
	case "file":
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return os.Stderr, err
		}
		return f, nil
	default:
		return os.Stdout, nil
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	areaLogger := logger.With("component", "scheduler")
//	areaLogger.Info("area created") // Includes component=scheduler
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default creates a logger for use before configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
