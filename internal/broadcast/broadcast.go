// Package broadcast implements the collector's multi-consumer fan-out
// (C9): a non-blocking publish/subscribe bus that feeds the WebSocket
// bridge and any other live consumer of the finished pipeline output.
// The optional event index is fed by its own Tap stage, not by this bus.
package broadcast

import (
	"fmt"
	"sync"

	"github.com/nugget/tlsight/internal/events"
)

// DefaultBufferSize is the subscriber channel buffer used when
// Subscribe is called without an explicit size.
const DefaultBufferSize = 256

// Broadcaster is a non-blocking single-producer, multi-consumer fan-out
// for Events. Subscribers whose channel is full have the event dropped
// rather than block the publisher.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan events.Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel handed
	// back by Subscribe without an illegal type conversion.
	recvToSend map[<-chan events.Event]chan events.Event
}

// New creates a Broadcaster ready for use.
func New() *Broadcaster {
	return &Broadcaster{
		subs:       make(map[chan events.Event]struct{}),
		recvToSend: make(map[<-chan events.Event]chan events.Event),
	}
}

// Error aggregates per-subscriber send failures from one Broadcast
// call. Callers may inspect it and choose to continue; it is never
// fatal to the broadcast itself.
type Error struct {
	FailedCount int
	TotalCount  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("broadcast: %d/%d subscribers dropped the event", e.FailedCount, e.TotalCount)
}

// Broadcast copies e to every live subscriber. If the subscriber set is
// empty, it succeeds as a no-op. If one or more sends fail because a
// subscriber's queue is full, Broadcast still delivers to the rest and
// returns a non-nil *Error describing how many were dropped.
func (b *Broadcaster) Broadcast(e events.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.subs)
	if total == 0 {
		return nil
	}

	failed := 0
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			failed++
		}
	}

	if failed > 0 {
		return &Error{FailedCount: failed, TotalCount: total}
	}
	return nil
}

// Subscribe registers a new consumer and returns its receive channel.
// The caller must eventually call Unsubscribe. bufSize <= 0 uses
// DefaultBufferSize.
func (b *Broadcaster) Subscribe(bufSize int) <-chan events.Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan events.Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call with an already-unsubscribed channel (no-op).
func (b *Broadcaster) Unsubscribe(ch <-chan events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Run drains in and broadcasts every Event until in closes or done
// fires. Subscriber cleanup is the caller's responsibility; Run never
// unsubscribes anyone on its own.
func (b *Broadcaster) Run(done <-chan struct{}, in <-chan events.Event) {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			b.Broadcast(e)
		case <-done:
			return
		}
	}
}
