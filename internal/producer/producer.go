// Package producer spawns an external process, reads newline-delimited
// JSON from its standard output, and emits one events.Event per
// parseable line. It is the only place in the collector that talks to
// the privileged eBPF tracer binaries — their contract is "emit one JSON
// object per line on stdout", and everything downstream only sees
// events.Event.
package producer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/nugget/tlsight/internal/events"
)

// DefaultShutdownGrace is how long Run waits after standard output
// reaches EOF before escalating from SIGTERM to SIGKILL.
const DefaultShutdownGrace = 5 * time.Second

// maxLineSize bounds a single scanned line. TLS payload lines can be
// large (a full response body on one READ observation); 4 MiB comfortably
// covers realistic captures without letting one corrupt line exhaust
// memory.
const maxLineSize = 4 << 20

// Config describes one producer instance.
type Config struct {
	// Command is the tracer executable to launch.
	Command string
	// Args are additional command-line arguments.
	Args []string
	// Source is the events.Source tag stamped on every emitted Event
	// (events.SourceProcess or events.SourceSSL).
	Source string
	// ShutdownGrace overrides DefaultShutdownGrace.
	ShutdownGrace time.Duration
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Producer spawns Config.Command and turns its stdout into an Event
// stream. A Producer is single-use: call Run once.
type Producer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Producer for the given configuration.
func New(cfg Config) *Producer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Producer{cfg: cfg, logger: logger.With("producer", cfg.Source)}
}

// Run launches the child process and returns a channel of Events. The
// channel is closed when standard output reaches EOF or ctx is
// canceled; at that point the child is sent SIGTERM, then SIGKILL after
// ShutdownGrace if it has not exited. Spawn failure is returned as an
// error and does not affect any other Producer.
func (p *Producer) Run(ctx context.Context) (<-chan events.Event, error) {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe for %s: %w", p.cfg.Command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe for %s: %w", p.cfg.Command, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.cfg.Command, err)
	}
	p.logger.Info("producer started", "command", p.cfg.Command, "args", p.cfg.Args, "pid", cmd.Process.Pid)

	out := make(chan events.Event, 256)

	go p.drainStderr(stderr)
	go p.readLoop(ctx, cmd, stdout, out)

	return out, nil
}

// drainStderr logs the child's standard error line by line. Standard
// error is never pipelined into the Event stream.
func (p *Producer) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Warn("producer stderr", "line", scanner.Text())
	}
}

func (p *Producer) readLoop(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, out chan<- events.Event) {
	defer close(out)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if !bytes.HasPrefix(trimmed, []byte("{")) {
			p.logger.Warn("skipping non-JSON producer line", "line", truncate(trimmed, 200))
			continue
		}
		if !utf8.Valid(trimmed) {
			// TLS byte-streams legitimately contain non-UTF-8 octets;
			// log and continue rather than terminating the producer.
			p.logger.Warn("skipping line with invalid UTF-8", "bytes", len(trimmed))
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			p.logger.Warn("skipping unparseable producer line", "error", err)
			continue
		}

		ts := timestampOf(payload)
		e := events.New(p.cfg.Source, ts, payload)

		select {
		case out <- e:
		case <-ctx.Done():
			p.terminate(cmd)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("producer read error", "error", err)
	}

	p.terminate(cmd)
}

// timestampOf extracts timestamp_ns from the payload if present
// (the ssl tracer's field), falling back to timestamp (the process
// tracer's field per spec §6.1), and finally to the current monotonic
// clock reading if neither is present.
func timestampOf(payload map[string]any) int64 {
	for _, key := range []string{"timestamp_ns", "timestamp"} {
		switch v := payload[key].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		case uint64:
			return int64(v)
		}
	}
	return time.Now().UnixNano()
}

// terminate sends SIGTERM to the child and escalates to SIGKILL after
// ShutdownGrace if it has not exited by then.
func (p *Producer) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Warn("producer did not exit after SIGTERM, sending SIGKILL", "command", p.cfg.Command)
		_ = cmd.Process.Kill()
		<-done
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
