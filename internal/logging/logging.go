// Package logging configures the process-wide slog logger and carries
// workflow identifiers through context.Context into log records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logging configuration.
type Config struct {
	Level    string          `yaml:"level"`  // debug, info, warn, error
	Format   string          `yaml:"format"` // json, text
	Output   string          `yaml:"output"` // stdout, stderr, or file path
	Rotation *RotationConfig `yaml:"rotation"`
}

// DefaultConfig returns text logs at info level on stdout.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: "text", Output: "stdout"}
}

var (
	mu      sync.RWMutex
	current = slog.New(newContextHandler(slog.NewTextHandler(os.Stdout, nil)))
	level   = new(slog.LevelVar)
	closer  io.Closer
)

// Init replaces the global logger according to cfg. A previously opened
// log file is closed once the new logger is in place.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, c, err := openOutput(cfg)
	if err != nil {
		return err
	}

	lvl := parseLevel(cfg.Level)
	level.Set(lvl)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redact,
	}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}

	mu.Lock()
	prev := closer
	current, closer = slog.New(newContextHandler(h)), c
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// SetLevel changes the level of a logger built by Init without rebuilding it.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

// SetLogger replaces the global logger. Context identifiers are still added
// to records logged with a context.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	current = slog.New(newContextHandler(l.Handler()))
	mu.Unlock()
}

// Suppress discards all log output. CLI commands that print tables use it
// to keep stdout clean.
func Suppress() {
	SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithInstance returns a logger tagged with a workflow instance.
func WithInstance(instanceID, itemKey string) *slog.Logger {
	return Logger().With(slog.String(string(instanceIDKey), instanceID), slog.String(string(itemKeyKey), itemKey))
}

// WithContext returns a logger carrying the identifiers stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	return Logger().With(contextAttrs(ctx, nil)...)
}

// Info logs at info level on the global logger.
func Info(msg string, args ...any) { Logger().Info(msg, args...) }

// Warn logs at warn level on the global logger.
func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

// Error logs at error level on the global logger.
func Error(msg string, args ...any) { Logger().Error(msg, args...) }

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

func openOutput(cfg *Config) (io.Writer, io.Closer, error) {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	w, err := newRotatingWriter(cfg.Output, cfg.Rotation)
	if err != nil {
		return nil, nil, fmt.Errorf("log output %s: %w", cfg.Output, err)
	}
	return w, w, nil
}

// secretKeys are attribute names whose values never reach the log.
var secretKeys = []string{"token", "secret", "password", "api_key", "apikey", "authorization"}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}
