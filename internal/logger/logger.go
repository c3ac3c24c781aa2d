// Package logger provides structured logging over log/slog with JSON or
// text output, optional rotating-file output, and per-component child
// loggers.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"pricefeed/internal/config"
)

// ContextKey types context values carried into log records.
type ContextKey string

const (
	// CategoryKey is the context key for the data category being served.
	CategoryKey ContextKey = "category"
	// OperationKey is the context key for the operation name.
	OperationKey ContextKey = "operation"
)

// Manager owns the base logger and hands out component loggers.
type Manager struct {
	base   *slog.Logger
	writer io.WriteCloser
}

// NewManager builds a logger from configuration.
func NewManager(cfg config.LoggingConfig) (*Manager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("create log writer: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &Manager{
		base:   slog.New(handler),
		writer: writer,
	}, nil
}

func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

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

// Logger returns the base logger.
func (m *Manager) Logger() *slog.Logger {
	return m.base
}

// Component returns a child logger tagged with a component name.
func (m *Manager) Component(name string) *slog.Logger {
	return m.base.With(slog.String("component", name))
}

// WithContext returns the base logger enriched with any category and
// operation carried in ctx.
func (m *Manager) WithContext(ctx context.Context) *slog.Logger {
	logger := m.base
	if category, ok := ctx.Value(CategoryKey).(string); ok && category != "" {
		logger = logger.With(slog.String("category", category))
	}
	if operation, ok := ctx.Value(OperationKey).(string); ok && operation != "" {
		logger = logger.With(slog.String("operation", operation))
	}
	return logger
}

// Close flushes and closes the underlying writer.
func (m *Manager) Close() error {
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

// WithCategory attaches a category to the context for logging.
func WithCategory(ctx context.Context, category string) context.Context {
	return context.WithValue(ctx, CategoryKey, category)
}

// WithOperation attaches an operation name to the context for logging.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}
