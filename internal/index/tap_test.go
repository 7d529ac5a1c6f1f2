package index

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/tlsight/internal/events"
)

func runStage(t *testing.T, s *Tap, in []events.Event) []events.Event {
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
		s.Run(ctx, inCh, outCh)
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

func TestTapRecordsAndForwards(t *testing.T) {
	r := NewRing(10)
	tap := NewTap(r)

	in := []events.Event{
		httpEvent(1, 1, "request"),
		httpEvent(1, 2, "response"),
	}
	got := runStage(t, tap, in)

	if len(got) != len(in) {
		t.Fatalf("forwarded %d events, want %d", len(got), len(in))
	}
	if r.Len() != len(in) {
		t.Errorf("index holds %d events, want %d", r.Len(), len(in))
	}
}

func TestTapNameIsIndex(t *testing.T) {
	tap := NewTap(NewRing(1))
	if tap.Name() != "index" {
		t.Errorf("Name() = %q, want %q", tap.Name(), "index")
	}
}
