// Package logger provides structured logging for all drover processes.
// A Logger is carried in the context; components log through the package
// functions in context.go.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the logging interface used across the codebase.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)
	Fatal(msg string, tags ...any)

	Infof(format string, v ...any)
	Errorf(format string, v ...any)

	With(attrs ...any) Logger
}

var _ Logger = (*appLogger)(nil)

type appLogger struct {
	logger *slog.Logger
}

// Config holds logger construction options.
type Config struct {
	debug  bool
	format string
	writer io.Writer
	quiet  bool
}

// Option configures a logger.
type Option func(*Config)

// WithDebug lowers the level to debug and adds source locations.
func WithDebug() Option {
	return func(c *Config) { c.debug = true }
}

// WithFormat sets the output format ("text" or "json").
func WithFormat(format string) Option {
	return func(c *Config) { c.format = format }
}

// WithWriter adds a secondary writer (typically a log file).
func WithWriter(w io.Writer) Option {
	return func(c *Config) { c.writer = w }
}

// WithQuiet suppresses output to stderr.
func WithQuiet() Option {
	return func(c *Config) { c.quiet = true }
}

// NewLogger builds a Logger fanning out to stderr and any configured writer.
func NewLogger(opts ...Option) Logger {
	cfg := &Config{format: "text"}
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.debug,
	}

	var handlers []slog.Handler
	if !cfg.quiet {
		handlers = append(handlers, newHandler(os.Stderr, cfg.format, handlerOpts))
	}
	if cfg.writer != nil {
		handlers = append(handlers, newHandler(cfg.writer, cfg.format, handlerOpts))
	}

	return &appLogger{logger: slog.New(slogmulti.Fanout(handlers...))}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var defaultLogger = NewLogger()

func (a *appLogger) Debug(msg string, tags ...any) { a.logger.Debug(msg, tags...) }
func (a *appLogger) Info(msg string, tags ...any)  { a.logger.Info(msg, tags...) }
func (a *appLogger) Warn(msg string, tags ...any)  { a.logger.Warn(msg, tags...) }
func (a *appLogger) Error(msg string, tags ...any) { a.logger.Error(msg, tags...) }

// Fatal logs at error level and exits the process.
func (a *appLogger) Fatal(msg string, tags ...any) {
	a.logger.Error(msg, tags...)
	os.Exit(1)
}

func (a *appLogger) Infof(format string, v ...any) {
	a.logger.Info(fmt.Sprintf(format, v...))
}

func (a *appLogger) Errorf(format string, v ...any) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

func (a *appLogger) With(attrs ...any) Logger {
	return &appLogger{logger: a.logger.With(attrs...)}
}
