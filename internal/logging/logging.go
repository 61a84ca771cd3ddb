// Package logging provides structured logging for the Muninn memory engine.
//
// It wraps the standard library's log/slog to give every component a
// consistently-shaped, component-scoped logger.
//
// Usage:
//
//	import "github.com/oaustegard/muninn/internal/logging"
//
//	logging.Init(logging.Config{Level: "info", Format: "json", Output: "stderr"})
//	log := logging.GetLogger("transport")
//	log.Info("request sent", "method", "execute", "attempt", 1)
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string
	// Format is the output format: console, json.
	Format string
	// Output is the output destination: stderr, stdout, or a file path.
	Output string
}

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Init installs the global logger configuration. Call once at process startup;
// components that already hold a *Logger keep their old handler until GetLogger
// is called again.
func Init(cfg Config) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "", "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			output = os.Stderr
		} else {
			output = f
		}
	}

	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	defaultLogger = slog.New(handler)
}

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

// GetLogger returns a logger scoped to the named component.
func GetLogger(component string) *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return &Logger{
		slog:      defaultLogger.With("component", component),
		component: component,
	}
}

// Logger wraps slog.Logger with a few domain-specific convenience methods.
type Logger struct {
	slog      *slog.Logger
	component string
}

// With returns a derived Logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), component: l.component}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)   { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)   { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any)  { l.slog.Error(msg, args...) }

// LogRetry logs a transient-error retry attempt on the transport.
func (l *Logger) LogRetry(op string, attempt int, wait string, err error) {
	l.slog.Warn("retrying transient error", "operation", op, "attempt", attempt, "backoff", wait, "error", err.Error())
}

// LogDropped logs a background failure that is deliberately not surfaced
// to any caller (write-behind, access bookkeeping) per the degradation policy.
func (l *Logger) LogDropped(op string, err error, args ...any) {
	allArgs := append([]any{"operation", op, "error", err.Error()}, args...)
	l.slog.Error("background_operation_dropped", allArgs...)
}
