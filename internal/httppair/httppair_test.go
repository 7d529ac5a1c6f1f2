package httppair

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/tlsight/internal/events"
)

func httpReq(pid, tid int64, ts int64, method, path string) events.Event {
	return events.New(events.SourceHTTPParser, ts, map[string]any{
		"pid": pid, "tid": tid, "message_type": "request",
		"method": method, "path": path,
	})
}

func httpResp(pid, tid int64, ts int64, status int) events.Event {
	return events.New(events.SourceHTTPParser, ts, map[string]any{
		"pid": pid, "tid": tid, "message_type": "response",
		"status_code": status,
	})
}

func runStage(t *testing.T, cfg Config, in []events.Event) ([]events.Event, *Stage) {
	t.Helper()
	stage := New(cfg)
	inCh := make(chan events.Event, len(in)+1)
	outCh := make(chan events.Event, len(in)*2+8)

	for _, e := range in {
		inCh <- e
	}
	close(inCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		stage.Run(ctx, inCh, outCh)
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
	return got, stage
}

func TestPairedRequestAndResponse(t *testing.T) {
	req := httpReq(1, 1, 1000, "GET", "/x")
	resp := httpResp(1, 1, 1025, 200)

	got, _ := runStage(t, Config{}, []events.Event{req, resp})

	var pair *events.Event
	for i := range got {
		if got[i].Source == events.SourceHTTPPair {
			pair = &got[i]
		}
	}
	if pair == nil {
		t.Fatal("expected one http_pair event")
	}
	if pair.IntField("duration_ms") != 25 {
		t.Errorf("duration_ms = %d, want 25", pair.IntField("duration_ms"))
	}
	diag, ok := pair.Payload["diagnostic"].(map[string]any)
	if !ok || diag["match_basis"] != "pid_url" {
		t.Errorf("expected diagnostic.match_basis = pid_url, got %+v", pair.Payload["diagnostic"])
	}
}

func TestDurationMsIsRawTimestampDelta(t *testing.T) {
	req := httpReq(2, 2, 1000, "GET", "/x")
	resp := httpResp(2, 2, 1005, 200)

	got, _ := runStage(t, Config{}, []events.Event{req, resp})

	var pair *events.Event
	for i := range got {
		if got[i].Source == events.SourceHTTPPair {
			pair = &got[i]
		}
	}
	if pair == nil {
		t.Fatal("expected one http_pair event")
	}
	if pair.IntField("duration_ms") != 5 {
		t.Errorf("duration_ms = %d, want 5", pair.IntField("duration_ms"))
	}
}

func TestUnmatchedResponseIsCounted(t *testing.T) {
	resp := httpResp(7, 7, 1000, 500)
	got, stage := runStage(t, Config{}, []events.Event{resp})

	for _, e := range got {
		if e.Source == events.SourceHTTPPair {
			t.Fatal("expected no http_pair event for an orphan response")
		}
	}
	if stage.Unmatched != 1 {
		t.Errorf("Unmatched = %d, want 1", stage.Unmatched)
	}
}

func TestOriginalHTTPParserEventsForwarded(t *testing.T) {
	req := httpReq(1, 1, 1000, "GET", "/x")
	got, _ := runStage(t, Config{}, []events.Event{req})

	found := false
	for _, e := range got {
		if e.ID == req.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected the original http_parser event to be forwarded")
	}
}

func TestStaleRequestEvictedAsUnmatched(t *testing.T) {
	req := httpReq(3, 3, 1000, "GET", "/slow")
	// A later, unrelated event from a different pid triggers the sweep
	// without supplying a matching response.
	other := httpReq(9, 9, int64(2*time.Hour), "GET", "/other")

	// Pending requests age by wall-clock arrival, so the request must
	// outlive the wait window before the later event is processed.
	stage := New(Config{Wait: time.Millisecond})
	out := make(chan events.Event, 8)
	stage.process(req, out)
	time.Sleep(5 * time.Millisecond)
	stage.process(other, out)
	close(out)

	var got []events.Event
	for e := range out {
		got = append(got, e)
	}

	for _, e := range got {
		if e.Source == events.SourceHTTPPair {
			t.Fatal("expected no pairing for either request")
		}
	}
	if stage.Unmatched == 0 {
		t.Error("expected the stale request to be swept as unmatched")
	}
}

func TestRawSSLCompleteMessageTolerated(t *testing.T) {
	req := events.New(events.SourceSSL, 1000, map[string]any{
		"pid": int64(1), "tid": int64(1), "comm": "curl",
		"data": "GET /y HTTP/1.1\r\nHost: h\r\n\r\n",
	})
	resp := events.New(events.SourceSSL, int64(20*time.Millisecond), map[string]any{
		"pid": int64(1), "tid": int64(1), "comm": "curl",
		"data": "HTTP/1.1 204 No Content\r\n\r\n",
	})

	got, _ := runStage(t, Config{}, []events.Event{req, resp})

	var pair *events.Event
	for i := range got {
		if got[i].Source == events.SourceHTTPPair {
			pair = &got[i]
		}
	}
	if pair == nil {
		t.Fatal("expected raw ssl request/response pair to be correlated")
	}
}

func TestEmptyInputYieldsNoPairs(t *testing.T) {
	got, _ := runStage(t, Config{}, nil)
	if len(got) != 0 {
		t.Fatalf("got %d events, want 0", len(got))
	}
}
