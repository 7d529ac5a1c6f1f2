// Package httppair correlates HTTP request messages with their
// responses by pid and timing. It is stage C6 of the collector
// pipeline. Pid plus URL is a deliberately coarse pending-request key,
// and a response is matched against any pending request of its pid:
// spec.md §9 documents the limitation (concurrent same-URL
// requests on one pid are indistinguishable) and accepts it rather than
// redesigning around a per-request sequence number.
package httppair

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/tlsight/internal/events"
	"github.com/nugget/tlsight/internal/httpparse"
)

// DefaultWait is the maximum age a pending request may reach before it
// is evicted as unmatched.
const DefaultWait = 30 * time.Second

// Config configures a Stage.
type Config struct {
	// Wait bounds how long a request waits for its response (default
	// DefaultWait).
	Wait time.Duration
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

type pendingRequest struct {
	key     string
	pid     int64
	message events.Event
	arrived time.Time
}

// Stage is the HTTP pair correlator stage (C6).
type Stage struct {
	cfg     Config
	logger  *slog.Logger
	pending map[string]*pendingRequest

	// Unmatched counts responses evicted without a matching request, and
	// requests evicted for waiting too long. Exposed for diagnostics.
	Unmatched int
}

// New creates an HTTP pair correlator stage.
func New(cfg Config) *Stage {
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		cfg:     cfg,
		logger:  logger.With("stage", "http_pair"),
		pending: make(map[string]*pendingRequest),
	}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "http_pair" }

// Run implements pipeline.Stage.
func (s *Stage) Run(ctx context.Context, in <-chan events.Event, out chan<- events.Event) {
	defer close(out)
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			s.process(e, out)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stage) process(e events.Event, out chan<- events.Event) {
	out <- e

	msg := e
	if e.Source == events.SourceSSL {
		// Tolerate a raw ssl observation that happens to carry a whole
		// HTTP message in one read.
		if parsed, ok := httpparse.ParseComplete(e); ok {
			msg = parsed
		} else {
			s.sweep(out)
			return
		}
	} else if e.Source != events.SourceHTTPParser {
		s.sweep(out)
		return
	}

	switch msg.StringField("message_type") {
	case "request":
		s.storeRequest(msg)
	case "response":
		s.match(msg, out)
	}

	s.sweep(out)
}

func requestKey(pid int64, path string) string {
	return fmt.Sprintf("%d_%s", pid, path)
}

func (s *Stage) storeRequest(req events.Event) {
	pid := req.Int64Field("pid")
	key := requestKey(pid, req.StringField("path"))
	s.pending[key] = &pendingRequest{
		key:     key,
		pid:     pid,
		message: req,
		arrived: time.Now(),
	}
}

func (s *Stage) match(resp events.Event, out chan<- events.Event) {
	pid := resp.Int64Field("pid")
	now := time.Now()

	var best *pendingRequest
	var bestAge time.Duration
	for _, p := range s.pending {
		if p.pid != pid {
			continue
		}
		age := now.Sub(p.arrived)
		if age < 0 || age > s.cfg.Wait {
			continue
		}
		if best == nil || age < bestAge {
			best = p
			bestAge = age
		}
	}

	if best == nil {
		s.Unmatched++
		s.logger.Debug("response with no matching pending request", "pid", pid)
		return
	}

	delete(s.pending, best.key)

	durationMs := saturatingSub(resp.Timestamp, best.message.Timestamp)
	payload := map[string]any{
		"thread_id":   resp.Int64Field("tid"),
		"duration_ms": durationMs,
		"request":     best.message.Payload,
		"response":    resp.Payload,
		"diagnostic": map[string]any{
			"match_basis": "pid_url",
			"request_key": best.key,
		},
	}
	out <- events.New(events.SourceHTTPPair, resp.Timestamp, payload)
}

// saturatingSub returns a-b, clamped to 0 if the subtraction would go
// negative. duration_ms is the raw timestamp delta, not a unit
// conversion; clock skew between producer reads can otherwise make it
// negative.
func saturatingSub(a, b int64) int64 {
	if a < b {
		return 0
	}
	return a - b
}

// sweep evicts pending requests that have waited longer than cfg.Wait,
// logging them as unmatched.
func (s *Stage) sweep(out chan<- events.Event) {
	now := time.Now()
	for key, p := range s.pending {
		if now.Sub(p.arrived) > s.cfg.Wait {
			s.Unmatched++
			s.logger.Debug("evicting unmatched pending request", "key", key)
			delete(s.pending, key)
		}
	}
}
