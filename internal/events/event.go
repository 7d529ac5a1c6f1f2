// Package events defines the single currency of the collector pipeline:
// a uniform Event record carrying a timestamp, an origin tag, and a
// structured payload. Producers emit Events; stages consume a sequence of
// Events and emit a new sequence. No stage mutates an Event in place —
// every transformation produces fresh Events with fresh IDs.
package events

import (
	"github.com/google/uuid"
)

// Source tag constants. Source is the only type discriminator a stage
// uses to decide whether to process or pass through an Event.
const (
	// SourceProcess identifies events from the process-lifecycle producer.
	SourceProcess = "process"
	// SourceSSL identifies events from the TLS uprobe producer.
	SourceSSL = "ssl"
	// SourceHTTPParser identifies completed HTTP messages reconstructed
	// from ssl events.
	SourceHTTPParser = "http_parser"
	// SourceSSEProcessor identifies merged Server-Sent-Event messages.
	SourceSSEProcessor = "sse_processor"
	// SourceHTTPPair identifies a correlated request/response pair.
	SourceHTTPPair = "http_pair"
)

// Event is the uniform record that flows through every stage of the
// pipeline. Payload is an unconstrained structured map; the recognized
// fields per Source are documented alongside each stage that produces or
// consumes them.
type Event struct {
	// ID is a version-4 UUID, unique over the lifetime of one process.
	ID uuid.UUID `json:"id"`
	// Timestamp is monotonically non-decreasing nanoseconds (since boot
	// or epoch, taken verbatim from the source). Stages assign the
	// receipt time for synthetic events they produce.
	Timestamp int64 `json:"timestamp"`
	// Source is the small string tag identifying the event's origin or
	// the stage that produced it.
	Source string `json:"source"`
	// Payload holds source-specific, arbitrarily nested fields.
	Payload map[string]any `json:"payload"`
}

// New constructs an Event with a fresh ID. Stages use this instead of
// copying an existing Event so that "no stage mutates an Event in place"
// holds structurally.
func New(source string, timestamp int64, payload map[string]any) Event {
	return Event{
		ID:        uuid.New(),
		Timestamp: timestamp,
		Source:    source,
		Payload:   payload,
	}
}

// String field helpers. Payload values arrive from decoded JSON (so
// numbers are float64, strings are string, nested objects are
// map[string]any) or are set directly in Go by a stage; these helpers
// hide that ambiguity behind a single accessor used throughout the
// reconstructors.

// StringField returns payload[key] as a string, or "" if absent or of a
// different type.
func (e Event) StringField(key string) string {
	v, ok := e.Payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IntField returns payload[key] as an int, accepting both float64 (the
// shape produced by encoding/json) and int (the shape a stage assigns
// directly), or 0 if absent or of a different type.
func (e Event) IntField(key string) int {
	v, ok := e.Payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	default:
		return 0
	}
}

// Int64Field is IntField widened to int64, used for pid/tid/timestamp_ns
// fields that may exceed 32 bits.
func (e Event) Int64Field(key string) int64 {
	v, ok := e.Payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

// BoolField returns payload[key] as a bool, or false if absent or of a
// different type.
func (e Event) BoolField(key string) bool {
	v, ok := e.Payload[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
