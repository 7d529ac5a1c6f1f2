// Package pipeline defines the Stage abstraction and the wiring that
// composes a producer with an ordered chain of stages feeding a
// broadcaster. Each stage runs as one goroutine that owns its keyed
// accumulator state exclusively; stages are connected by Go channels,
// which double as the bounded/unbounded queues described in the design.
package pipeline

import (
	"context"

	"github.com/nugget/tlsight/internal/events"
)

// DefaultChannelBuffer sizes the channel between two stages. A small
// buffer is enough to absorb bursty producer output without requiring
// every stage to be perfectly lockstep; callers needing back-pressure
// tuning can wire stages by hand instead of using Chain.
const DefaultChannelBuffer = 256

// Stage is the single operation every pipeline component implements:
// consume a sequence of Events from in, and produce a new sequence on
// out. Run must close out before returning, and must return once in is
// closed and fully drained (the cancellation contract in §5). A Stage
// that recognizes only some Event sources MUST forward every Event it
// does not recognize unchanged (same ID, Timestamp, Payload).
type Stage interface {
	// Name identifies the stage for logging.
	Name() string
	// Run drains in, emits to out, and returns once in is closed and any
	// internal buffering has been flushed. ctx cancellation is a hint to
	// stop promptly; Run must still close out on the way out.
	Run(ctx context.Context, in <-chan events.Event, out chan<- events.Event)
}

// Chain wires a sequence of stages together, returning the channel that
// carries the final stage's output. Each intermediate channel is
// buffered to DefaultChannelBuffer. Chain starts one goroutine per
// stage; all of them exit once in is closed and drained, cascading the
// close all the way to the returned channel.
func Chain(ctx context.Context, in <-chan events.Event, stages ...Stage) <-chan events.Event {
	cur := in
	for _, s := range stages {
		out := make(chan events.Event, DefaultChannelBuffer)
		go s.Run(ctx, cur, out)
		cur = out
	}
	return cur
}

// PassThrough forwards every Event from in to out unchanged until in
// closes. It does not close out, so a structural no-op Stage calls it
// from its Run and closes out itself.
func PassThrough(in <-chan events.Event, out chan<- events.Event) {
	for e := range in {
		out <- e
	}
}
