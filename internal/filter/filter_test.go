package filter

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/tlsight/internal/events"
)

func runStage(t *testing.T, stage *Stage, in []events.Event) []events.Event {
	t.Helper()
	inCh := make(chan events.Event, len(in)+1)
	outCh := make(chan events.Event, len(in)+8)
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
	return got
}

func TestParseSingleCondition(t *testing.T) {
	expr := Parse("function=READ/RECV")
	cond, ok := expr.root.(condNode)
	if !ok {
		t.Fatalf("expected a single condNode, got %T", expr.root)
	}
	if cond.field != "function" || cond.op != OpEqual || cond.value != "READ/RECV" {
		t.Errorf("parsed wrong: %+v", cond)
	}
}

func TestSSLContainsFilterDropsMatchingData(t *testing.T) {
	stage := New(Config{Domain: SSLDomain{}, Exclude: []string{"data~chunked"}})

	match := events.New(events.SourceSSL, 1, map[string]any{"data": "chunked data here", "function": "READ/RECV"})
	noMatch := events.New(events.SourceSSL, 2, map[string]any{"data": "plain text", "function": "READ/RECV"})

	got := runStage(t, stage, []events.Event{match, noMatch})
	if len(got) != 1 || got[0].ID != noMatch.ID {
		t.Fatalf("expected only the non-matching event to pass, got %+v", got)
	}

	total, dropped, passed := stage.Metrics()
	if total != 2 || dropped != 1 || passed != 1 {
		t.Errorf("metrics = total:%d dropped:%d passed:%d, want 2/1/1", total, dropped, passed)
	}
}

func TestSSLNumericFilter(t *testing.T) {
	stage := New(Config{Domain: SSLDomain{}, Exclude: []string{"len<10"}})

	small := events.New(events.SourceSSL, 1, map[string]any{"len": float64(5)})
	large := events.New(events.SourceSSL, 2, map[string]any{"len": float64(15)})

	got := runStage(t, stage, []events.Event{small, large})
	if len(got) != 1 || got[0].ID != large.ID {
		t.Fatalf("expected only the large event to pass, got %+v", got)
	}
}

func TestAndExpressionRequiresBothConditions(t *testing.T) {
	stage := New(Config{Domain: SSLDomain{}, Exclude: []string{"data~chunked&function=READ/RECV"}})

	both := events.New(events.SourceSSL, 1, map[string]any{"data": "chunked data", "function": "READ/RECV"})
	partial := events.New(events.SourceSSL, 2, map[string]any{"data": "chunked data", "function": "WRITE/SEND"})

	got := runStage(t, stage, []events.Event{both, partial})
	if len(got) != 1 || got[0].ID != partial.ID {
		t.Fatalf("expected only the partial match to pass, got %+v", got)
	}
}

func TestOrExpressionDropsEitherMatch(t *testing.T) {
	stage := New(Config{Domain: HTTPDomain{}, Exclude: []string{"request.method=GET|response.status_code=404"}})

	get := events.New(events.SourceHTTPPair, 1, map[string]any{
		"request":  map[string]any{"method": "GET"},
		"response": map[string]any{"status_code": float64(200)},
	})
	notFound := events.New(events.SourceHTTPPair, 2, map[string]any{
		"request":  map[string]any{"method": "POST"},
		"response": map[string]any{"status_code": float64(404)},
	})
	neither := events.New(events.SourceHTTPPair, 3, map[string]any{
		"request":  map[string]any{"method": "POST"},
		"response": map[string]any{"status_code": float64(200)},
	})

	got := runStage(t, stage, []events.Event{get, notFound, neither})
	if len(got) != 1 || got[0].ID != neither.ID {
		t.Fatalf("expected only the unmatched event to pass, got %+v", got)
	}
}

func TestNonDomainEventsPassThroughUnconditionally(t *testing.T) {
	stage := New(Config{Domain: SSLDomain{}, Exclude: []string{"data~anything"}})
	e := events.New(events.SourceProcess, 1, map[string]any{"pid": float64(1)})

	got := runStage(t, stage, []events.Event{e})
	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("expected process event to pass through unfiltered, got %+v", got)
	}
}

func TestNoExcludePatternsPassesEverything(t *testing.T) {
	stage := New(Config{Domain: SSLDomain{}})
	e := events.New(events.SourceSSL, 1, map[string]any{"data": "anything"})

	got := runStage(t, stage, []events.Event{e})
	if len(got) != 1 {
		t.Fatalf("expected the event to pass when there are no filters, got %+v", got)
	}
}
