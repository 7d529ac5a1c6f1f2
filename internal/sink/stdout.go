package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nugget/tlsight/internal/events"
)

// StdoutConfig configures a Stdout sink.
type StdoutConfig struct {
	// Writer defaults to os.Stdout.
	Writer io.Writer
	// Compact writes one JSON line per event instead of the one-line
	// human-readable summary; useful for piping into jq.
	Compact bool
	Logger  *slog.Logger
}

// Stdout writes a short human-readable line (or compact JSON) per Event
// and forwards it unchanged. It is the debug/inspection sink (C8).
type Stdout struct {
	w       io.Writer
	compact bool
	logger  *slog.Logger
}

// NewStdout creates a Stdout sink.
func NewStdout(cfg StdoutConfig) *Stdout {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	return &Stdout{w: cfg.Writer, compact: cfg.Compact, logger: logger.With("stage", "stdout_sink")}
}

// Name implements pipeline.Stage.
func (s *Stdout) Name() string { return "stdout_sink" }

// Run implements pipeline.Stage.
func (s *Stdout) Run(ctx context.Context, in <-chan events.Event, out chan<- events.Event) {
	defer close(out)
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			s.print(e)
			out <- e
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stdout) print(e events.Event) {
	if s.compact {
		body, err := json.Marshal(e)
		if err != nil {
			s.logger.Warn("failed to marshal event", "error", err)
			return
		}
		fmt.Fprintln(s.w, string(body))
		return
	}
	fmt.Fprintf(s.w, "%-14s %-36s ts=%d %s\n", e.Source, e.ID, e.Timestamp, summarize(e))
}

func summarize(e events.Event) string {
	switch e.Source {
	case events.SourceHTTPParser:
		if e.StringField("message_type") == "request" {
			return fmt.Sprintf("%s %s", e.StringField("method"), e.StringField("path"))
		}
		return fmt.Sprintf("%d %s", e.IntField("status_code"), e.StringField("status_text"))
	case events.SourceHTTPPair:
		return fmt.Sprintf("duration_ms=%d", e.IntField("duration_ms"))
	case events.SourceSSEProcessor:
		return fmt.Sprintf("events=%d size=%d", e.IntField("event_count"), e.IntField("total_size"))
	case events.SourceProcess:
		return fmt.Sprintf("pid=%d comm=%s", e.IntField("pid"), e.StringField("comm"))
	default:
		return ""
	}
}
