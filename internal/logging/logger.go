package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const filePrefix = "sessiond-"

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	dir      string
	maxFiles int
	level    log.Level
	echo     io.Writer
	now      func() time.Time
}

// WithDir writes log files to dir instead of ~/.sessiond/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithMaxFiles keeps at most n sessiond log files in the log directory, removing the oldest.
func WithMaxFiles(n int) Option {
	return func(opts *newOptions) {
		opts.maxFiles = n
	}
}

// WithLevel sets the minimum level written.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
	}
}

// WithEcho mirrors every record to w in addition to the log file.
func WithEcho(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.echo = w
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
}

// New initializes logging under ~/.sessiond/logs. Nothing is written to stdout unless WithEcho is set.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".sessiond", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := resolved.now().UTC().Format("20060102-150405")
	filePath := filepath.Join(logDir, fmt.Sprintf("%s%s-%d.log", filePrefix, timestamp, os.Getpid()))
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var out io.Writer = file
	if resolved.echo != nil {
		out = io.MultiWriter(file, resolved.echo)
	}
	logger := log.NewWithOptions(out, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		Logger: logger,
		file:   file,
		path:   filePath,
	}
	logger.With("log_file", filePath).Info("logger initialized")

	if resolved.maxFiles > 0 {
		removed, err := pruneLogFiles(logDir, filePath, resolved.maxFiles)
		if err != nil {
			logger.Warn("prune old log files", "err", err)
		} else if removed > 0 {
			logger.Debug("pruned old log files", "removed", removed)
		}
	}

	_ = ctx
	return runtimeLogger, nil
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// pruneLogFiles removes the oldest sessiond log files so at most keep remain. current is never removed.
func pruneLogFiles(dir, current string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read log directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= keep {
		return 0, nil
	}
	// Names embed a UTC timestamp, so lexical order is creation order.
	sort.Strings(names)
	removed := 0
	for _, name := range names[:len(names)-keep] {
		path := filepath.Join(dir, name)
		if path == current {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel, now: time.Now}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
