package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/tlsight/internal/events"
)

type recordingSink struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recordingSink) Run(done <-chan struct{}, in <-chan events.Event) {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			r.mu.Lock()
			r.got = append(r.got, e)
			r.mu.Unlock()
		case <-done:
			return
		}
	}
}

type echoStage struct{}

func (echoStage) Name() string { return "echo" }
func (echoStage) Run(ctx context.Context, in <-chan events.Event, out chan<- events.Event) {
	defer close(out)
	PassThrough(in, out)
}

func TestMergeCombinesAllSources(t *testing.T) {
	a := make(chan events.Event, 2)
	b := make(chan events.Event, 2)
	a <- events.New(events.SourceProcess, 1, nil)
	a <- events.New(events.SourceProcess, 2, nil)
	b <- events.New(events.SourceSSL, 3, nil)
	close(a)
	close(b)

	merged := Merge(a, b)
	var got []events.Event
	for e := range merged {
		got = append(got, e)
	}
	if len(got) != 3 {
		t.Fatalf("Merge produced %d events, want 3", len(got))
	}
}

func TestMergeClosesOnceAllSourcesClose(t *testing.T) {
	a := make(chan events.Event)
	close(a)

	select {
	case _, ok := <-Merge(a):
		if ok {
			t.Fatal("expected merged channel to be closed immediately")
		}
	case <-time.After(time.Second):
		t.Fatal("Merge did not close in time")
	}
}

func TestPipelineRunDeliversThroughStagesToSink(t *testing.T) {
	a := make(chan events.Event, 1)
	a <- events.New(events.SourceProcess, 1, nil)
	close(a)

	sink := &recordingSink{}
	p := &Pipeline{Stages: []Stage{echoStage{}}, Sink: sink}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx, a)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 1 {
		t.Fatalf("sink received %d events, want 1", len(sink.got))
	}
}
