// Package index holds the collector's optional Event index: a queryable
// record of recent Events, fed by a Tap stage that never changes what
// flows downstream of it. Nothing in the pipeline reads the index back;
// it exists purely to answer lookups from internal/server's polling
// endpoint after the fact.
package index

import (
	"context"

	"github.com/nugget/tlsight/internal/events"
)

// eventTypeFields are the payload fields consulted for "by event-type"
// lookups. Different sources name their discriminator differently
// (http_parser's message_type, process's action); the index treats
// whichever of these is present on a given Event as its event-type key.
var eventTypeFields = []string{"message_type", "action", "event_type"}

func eventType(e events.Event) string {
	for _, f := range eventTypeFields {
		if v := e.StringField(f); v != "" {
			return v
		}
	}
	return ""
}

// Index is the read surface every backing store implements: lookup by
// source, by event-type key, by pid, and by timestamp range, per
// spec.md §6.3.
type Index interface {
	// Add records e, evicting the oldest entry if the index is at
	// capacity.
	Add(e events.Event)
	// BySource returns events whose Source equals source, oldest first.
	BySource(source string) ([]events.Event, error)
	// ByEventType returns events whose event-type discriminator field
	// equals key, oldest first.
	ByEventType(key string) ([]events.Event, error)
	// ByPID returns events carrying the given pid field, oldest first.
	ByPID(pid int64) ([]events.Event, error)
	// ByTimeRange returns events with start <= Timestamp <= end, oldest
	// first.
	ByTimeRange(start, end int64) ([]events.Event, error)
	// Len reports the number of events currently held.
	Len() int
	// Close releases any resources the backing store holds open.
	Close() error
}

// Tap wires an Index into the pipeline as an ordinary Stage: every
// Event it sees is recorded, then forwarded unchanged. This is the only
// way an Index participates in the pipeline; the lookup methods above
// are read-only and called from internal/server, never from a stage.
type Tap struct {
	idx Index
}

// NewTap returns a Stage that records every Event into idx on its way
// through the pipeline.
func NewTap(idx Index) *Tap { return &Tap{idx: idx} }

// Name implements pipeline.Stage.
func (t *Tap) Name() string { return "index" }

// Run implements pipeline.Stage.
func (t *Tap) Run(ctx context.Context, in <-chan events.Event, out chan<- events.Event) {
	defer close(out)
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			t.idx.Add(e)
			out <- e
		case <-ctx.Done():
			return
		}
	}
}
