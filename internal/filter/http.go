package filter

import (
	"fmt"
	"strings"

	"github.com/nugget/tlsight/internal/events"
)

// HTTPDomain filters http_pair events using dotted field names
// (request.method, response.status_code, ...) against the paired
// request and response payloads.
type HTTPDomain struct{}

// Source implements Domain.
func (HTTPDomain) Source() string { return events.SourceHTTPPair }

// Evaluate implements Domain.
func (HTTPDomain) Evaluate(e events.Event, field string, op Operator, value string) bool {
	idx := strings.IndexByte(field, '.')
	if idx < 0 {
		return false
	}
	target, sub := field[:idx], field[idx+1:]

	var msg map[string]any
	switch target {
	case "request", "req":
		msg, _ = e.Payload["request"].(map[string]any)
	case "response", "resp", "res":
		msg, _ = e.Payload["response"].(map[string]any)
	default:
		return false
	}
	if msg == nil {
		return false
	}

	switch sub {
	case "method", "verb":
		actual, _ := msg["method"].(string)
		return strings.EqualFold(actual, value)
	case "path", "path_exact":
		actual, _ := msg["path"].(string)
		return Compare(actual, op, value)
	case "path_prefix", "path_starts_with":
		actual, _ := msg["path"].(string)
		return strings.HasPrefix(actual, value)
	case "path_contains", "path_includes":
		actual, _ := msg["path"].(string)
		return strings.Contains(actual, value)
	case "host", "hostname":
		return httpHeader(msg, "host") == value
	case "status_code", "status", "code":
		raw, ok := msg["status_code"]
		if !ok {
			return false
		}
		return Compare(fmt.Sprintf("%v", raw), op, value)
	case "status_text", "status_message":
		actual, _ := msg["status_text"].(string)
		return strings.Contains(strings.ToLower(actual), strings.ToLower(value))
	case "content_type", "content-type":
		return strings.Contains(httpHeader(msg, "content-type"), value)
	case "body", "body_contains":
		actual, _ := msg["body"].(string)
		return strings.Contains(actual, value)
	default:
		// Fall back to an arbitrary request/response header by name.
		return strings.Contains(httpHeader(msg, sub), value)
	}
}

func httpHeader(msg map[string]any, name string) string {
	headers, _ := msg["headers"].(map[string]any)
	if headers == nil {
		return ""
	}
	v, _ := headers[name].(string)
	return v
}
