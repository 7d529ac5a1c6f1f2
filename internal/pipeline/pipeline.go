package pipeline

import (
	"context"
	"sync"

	"github.com/nugget/tlsight/internal/events"
)

// Merge fans multiple Event channels into one. Both the process and TLS
// producers run concurrently and feed independent streams; no
// reconstructor stage recognizes events.SourceProcess, and each forwards
// what it does not recognize unchanged (§4.2's pass-through contract), so a single
// merged stream through one stage chain behaves identically to two
// parallel per-producer chains while needing only one broadcaster and
// one set of sinks. The merged channel closes once every input has
// closed.
func Merge(chans ...<-chan events.Event) <-chan events.Event {
	out := make(chan events.Event, DefaultChannelBuffer)
	var wg sync.WaitGroup
	wg.Add(len(chans))
	for _, c := range chans {
		go func(c <-chan events.Event) {
			defer wg.Done()
			for e := range c {
				out <- e
			}
		}(c)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Sink is the terminal operation of a Pipeline: something that drains a
// channel and does not produce one, matching broadcast.Broadcaster.Run's
// shape.
type Sink interface {
	Run(done <-chan struct{}, in <-chan events.Event)
}

// Pipeline is the C10 wiring: it merges one or more raw producer
// streams, runs them through an ordered Stage chain, and hands the
// result to a terminal Sink (the broadcaster). Cancellation of ctx
// drains every stage in turn and closes the sink's input.
type Pipeline struct {
	Stages []Stage
	Sink   Sink
}

// Run merges sources, chains p.Stages over the result, and blocks
// running p.Sink over the chain's output until that output closes (every
// source closed and the chain drained) or ctx is canceled.
func (p *Pipeline) Run(ctx context.Context, sources ...<-chan events.Event) {
	merged := Merge(sources...)
	final := Chain(ctx, merged, p.Stages...)
	p.Sink.Run(ctx.Done(), final)
}
