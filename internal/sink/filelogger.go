// Package sink holds the terminal stages of the pipeline: consumers
// that write Events out of the process rather than deriving new ones.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/tlsight/internal/events"
	"github.com/nugget/tlsight/internal/redact"
)

// DefaultMaxBytes is the size threshold at which FileLogger rotates to a
// new numbered file.
const DefaultMaxBytes = 64 * 1024 * 1024

// FileLoggerConfig configures a FileLogger sink.
type FileLoggerConfig struct {
	// Path is the destination file. Opened in append mode; created if
	// missing.
	Path string
	// MaxBytes rotates to Path.1, Path.2, ... once the current file
	// would exceed this size (0 means DefaultMaxBytes; a negative value
	// disables rotation entirely).
	MaxBytes int64
	// PrettyPrint writes indented JSON bodies, matching the original
	// file logger's default.
	PrettyPrint bool
	// Redact scrubs recognized secrets (bearer tokens, API keys) out of
	// the JSON body before it is written to disk.
	Redact bool
	Logger *slog.Logger
}

// FileLogger appends every Event it sees to a file as a timestamped
// JSON record, then forwards the Event unchanged. It is one of the
// sink stages (C8).
type FileLogger struct {
	cfg    FileLoggerConfig
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	writable int64
}

// NewFileLogger opens path (creating it if necessary) and returns a
// FileLogger ready to receive events.
func NewFileLogger(cfg FileLoggerConfig) (*FileLogger, error) {
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stage", "file_logger", "path", cfg.Path)

	f, size, err := openAppend(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open file sink %q: %w", cfg.Path, err)
	}

	return &FileLogger{cfg: cfg, logger: logger, file: f, writable: size}, nil
}

func openAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Name implements pipeline.Stage.
func (l *FileLogger) Name() string { return "file_logger" }

// Run implements pipeline.Stage. It logs every event in line, then
// forwards it, closing the file once the input is exhausted.
func (l *FileLogger) Run(ctx context.Context, in <-chan events.Event, out chan<- events.Event) {
	defer close(out)
	defer l.Close()
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			l.Write(e)
			out <- e
		case <-ctx.Done():
			return
		}
	}
}

// Write appends a single Event record. Safe for concurrent use,
// matching the original file logger's mutex-guarded handle.
func (l *FileLogger) Write(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	body, err := l.encode(e)
	if err != nil {
		l.logger.Warn("failed to encode event for file sink", "error", err)
		return
	}

	if l.cfg.MaxBytes > 0 && l.writable+int64(len(body)) > l.cfg.MaxBytes {
		if err := l.rotate(); err != nil {
			l.logger.Warn("failed to rotate file sink", "error", err)
		}
	}

	n, err := l.file.Write(body)
	if err != nil {
		l.logger.Warn("failed to write to file sink", "error", err)
		return
	}
	l.writable += int64(n)
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("failed to flush file sink", "error", err)
	}
}

func (l *FileLogger) encode(e events.Event) ([]byte, error) {
	var payload []byte
	var err error
	if l.cfg.PrettyPrint {
		payload, err = json.MarshalIndent(e.Payload, "", "  ")
	} else {
		payload, err = json.Marshal(e.Payload)
	}
	if err != nil {
		return nil, err
	}
	if l.cfg.Redact {
		payload = []byte(redact.Text(string(payload)))
	}

	ts := time.Unix(0, e.Timestamp).UTC().Format("2006-01-02 15:04:05.000 UTC")
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] EVENT: source=%s, id=%s, timestamp=%d\n", ts, e.Source, e.ID, e.Timestamp)
	b.Write(payload)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", 80))
	b.WriteString("\n")
	return []byte(b.String()), nil
}

func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}

	n := 1
	for {
		candidate := fmt.Sprintf("%s.%d", l.cfg.Path, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.Rename(l.cfg.Path, candidate); err != nil {
				return err
			}
			l.logger.Info("rotated file sink", "to", filepath.Base(candidate), "size", humanize.Bytes(uint64(l.writable)))
			break
		}
		n++
	}

	f, size, err := openAppend(l.cfg.Path)
	if err != nil {
		return err
	}
	l.file = f
	l.writable = size
	return nil
}

// Close flushes and closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
