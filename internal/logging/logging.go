// Package logging configures structured slog logging for the attestation
// daemon and tools.
//
// Output can go to stderr, stdout, a size and day rotated file, or both
// stderr and the file. Attributes whose keys look sensitive are redacted.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs logfmt-style text.
	FormatText Format = iota
	// FormatJSON outputs one JSON object per line.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output string

	// FilePath is the log file used when Output includes a file.
	FilePath string

	// MaxSize is the size in megabytes that triggers rotation.
	MaxSize int64

	// MaxAge is the number of days rotated files are kept.
	MaxAge int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	AddSource bool

	// Component is attached to every record.
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   DefaultLogPath(),
		MaxSize:    50,
		MaxAge:     14,
		MaxBackups: 5,
		Compress:   true,
		Component:  "pufattestd",
	}
}

// DefaultLogPath returns the platform log file location.
func DefaultLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "pufattest", "pufattestd.log")
	case "windows":
		dir := os.Getenv("LOCALAPPDATA")
		if dir == "" {
			dir = os.Getenv("APPDATA")
		}
		return filepath.Join(dir, "pufattest", "logs", "pufattestd.log")
	default:
		state := os.Getenv("XDG_STATE_HOME")
		if state == "" {
			home, _ := os.UserHomeDir()
			state = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(state, "pufattest", "pufattestd.log")
	}
}

// Logger wraps slog.Logger and owns the file rotator, if any.
type Logger struct {
	*slog.Logger
	config  *Config
	rotator *FileRotator
	mu      sync.Mutex
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the process-wide logger, creating a stderr logger on
// first use.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), config: DefaultConfig()}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault installs l as the process-wide logger and slog default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New creates a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{config: cfg}

	w, err := l.output()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}
	l.Logger = slog.New(newHandler(w, cfg))
	return l, nil
}

// NewWithWriter creates a Logger writing to w regardless of cfg.Output.
func NewWithWriter(w io.Writer, cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Logger{Logger: slog.New(newHandler(w, cfg)), config: cfg}
}

func newHandler(w io.Writer, cfg *Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return h
}

func (l *Logger) output() (io.Writer, error) {
	openFile := func() (io.Writer, error) {
		r, err := NewFileRotator(l.config)
		if err != nil {
			return nil, err
		}
		l.rotator = r
		return r, nil
	}

	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file":
		return openFile()
	case "both":
		f, err := openFile()
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stderr, f), nil
	default:
		return os.Stderr, nil
	}
}

var sensitiveKeys = []string{
	"password", "secret", "seed", "private", "token", "pin", "credential", "response",
}

// shouldRedact reports whether an attribute key names sensitive data.
func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func (l *Logger) derive(sl *slog.Logger) *Logger {
	return &Logger{Logger: sl, config: l.config, rotator: l.rotator}
}

// WithSession returns a logger tagged with an attestation session ID.
func (l *Logger) WithSession(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("session_id", id)))
}

// WithComponent returns a logger with a different component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithContext returns a logger tagged with the session stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := SessionFromContext(ctx); id != "" {
		return l.WithSession(id)
	}
	return l
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

type contextKey int

const sessionKey contextKey = iota

// ContextWithSession stores a session ID in ctx.
func ContextWithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionFromContext returns the session ID stored in ctx.
func SessionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}
