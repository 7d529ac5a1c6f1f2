package filter

import (
	"fmt"
	"strconv"

	"github.com/nugget/tlsight/internal/events"
)

// SSLDomain filters raw ssl events on data, function, comm, len, pid,
// tid, latency_ms, is_handshake, and truncated.
type SSLDomain struct{}

// Source implements Domain.
func (SSLDomain) Source() string { return events.SourceSSL }

// Evaluate implements Domain.
func (SSLDomain) Evaluate(e events.Event, field string, op Operator, value string) bool {
	switch field {
	case "data", "function", "comm":
		return Compare(e.StringField(field), op, value)
	case "is_handshake", "truncated":
		// Boolean fields only support exact equality, matching the
		// original SSL filter regardless of the operator supplied.
		return strconv.FormatBool(e.BoolField(field)) == value
	case "len", "pid", "tid", "uid", "timestamp_ns":
		raw, ok := e.Payload[field]
		if !ok {
			return false
		}
		return Compare(fmt.Sprintf("%v", raw), op, value)
	case "latency_ms":
		raw, ok := e.Payload["latency_ms"]
		if !ok {
			return false
		}
		return Compare(fmt.Sprintf("%v", raw), op, value)
	default:
		return false
	}
}
