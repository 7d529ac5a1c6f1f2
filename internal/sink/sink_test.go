package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/tlsight/internal/events"
)

func runStage(t *testing.T, run func(ctx context.Context, in <-chan events.Event, out chan<- events.Event), in []events.Event) []events.Event {
	t.Helper()
	inCh := make(chan events.Event, len(in)+1)
	outCh := make(chan events.Event, len(in)+1)
	for _, e := range in {
		inCh <- e
	}
	close(inCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		run(ctx, inCh, outCh)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stage did not finish")
	}

	var got []events.Event
	for e := range outCh {
		got = append(got, e)
	}
	return got
}

func TestFileLoggerWritesAndForwards(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	fl, err := NewFileLogger(FileLoggerConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	e := events.New(events.SourceProcess, 1000, map[string]any{"pid": float64(1), "comm": "curl"})
	got := runStage(t, fl.Run, []events.Event{e})

	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("expected the event forwarded, got %+v", got)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), "source=process") {
		t.Errorf("log file missing event record: %s", body)
	}
	if !strings.Contains(string(body), `"comm": "curl"`) && !strings.Contains(string(body), `"comm":"curl"`) {
		t.Errorf("log file missing payload: %s", body)
	}
}

func TestFileLoggerRotatesPastMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	fl, err := NewFileLogger(FileLoggerConfig{Path: path, MaxBytes: 200})
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	var in []events.Event
	for i := 0; i < 20; i++ {
		in = append(in, events.New(events.SourceSSL, int64(i), map[string]any{
			"pid": float64(1), "data": strings.Repeat("x", 40),
		}))
	}
	runStage(t, fl.Run, in)

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected a rotated file %s.1 to exist: %v", path, err)
	}
}

func TestStdoutSinkForwardsAndPrints(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(StdoutConfig{Writer: &buf})

	e := events.New(events.SourceHTTPParser, 1, map[string]any{
		"message_type": "request", "method": "GET", "path": "/x",
	})
	got := runStage(t, s.Run, []events.Event{e})

	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("expected the event forwarded, got %+v", got)
	}
	if !strings.Contains(buf.String(), "GET /x") {
		t.Errorf("expected summary line with method/path, got %q", buf.String())
	}
}

func TestStdoutSinkCompactModeWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(StdoutConfig{Writer: &buf, Compact: true})

	e := events.New(events.SourceProcess, 1, map[string]any{"pid": float64(7)})
	runStage(t, s.Run, []events.Event{e})

	if !strings.Contains(buf.String(), `"source":"process"`) {
		t.Errorf("expected compact JSON output, got %q", buf.String())
	}
}

func TestEmptyInputYieldsNoOutput(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(StdoutConfig{Writer: &buf})
	got := runStage(t, s.Run, nil)
	if len(got) != 0 {
		t.Fatalf("got %d events, want 0", len(got))
	}
}
