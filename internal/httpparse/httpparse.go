// Package httpparse reassembles complete HTTP request/response messages
// from TLS read/write byte observations, per thread-id. It is stage C5
// of the collector pipeline.
package httpparse

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/http2"

	"github.com/nugget/tlsight/internal/events"
)

// DefaultTimeout is the idle eviction window for a tid accumulator that
// never completes.
const DefaultTimeout = 30 * time.Second

// DefaultBufferLimit is the maximum number of bytes buffered for one tid
// before the accumulator is discarded as unrecognizable framing.
const DefaultBufferLimit = 64 * 1024

var methodTokens = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "PATCH ", "CONNECT ", "TRACE ",
}

// Config configures a Stage.
type Config struct {
	// Timeout is the idle eviction window (default DefaultTimeout).
	Timeout time.Duration
	// BufferLimit bounds the per-tid buffer in bytes (default
	// DefaultBufferLimit).
	BufferLimit int
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// accumulator holds the mutable state for one in-flight HTTP message. It
// is owned exclusively by the Stage goroutine that created it.
type accumulator struct {
	buffer []byte

	firstLineParsed bool
	firstLineEnd    int // byte offset just past the first line's terminator
	firstLine       string
	messageType     string // "request" or "response"
	method, path, protocol,
	statusText string
	statusCode int

	headersParsed bool
	headerEnd     int // byte offset just past the header terminator
	headers       map[string]string
	hasContentLen bool
	contentLength int
	isChunked     bool
	isSSEResponse bool

	sseAttached   bool
	mergedSSEBody string

	pid, tid    int64
	comm        string
	timestampNs int64
	lastUpdate  time.Time
}

// Stage is the HTTP parser stage (C5).
type Stage struct {
	cfg    Config
	logger *slog.Logger
	accs   map[string]*accumulator
}

// New creates an HTTP parser stage.
func New(cfg Config) *Stage {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultBufferLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		cfg:    cfg,
		logger: logger.With("stage", "http_parser"),
		accs:   make(map[string]*accumulator),
	}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "http_parser" }

// Run implements pipeline.Stage.
func (s *Stage) Run(ctx context.Context, in <-chan events.Event, out chan<- events.Event) {
	defer close(out)

	sweep := time.NewTicker(max(s.cfg.Timeout/2, time.Second))
	defer sweep.Stop()

	for {
		select {
		case e, ok := <-in:
			if !ok {
				s.flushAll(out)
				return
			}
			s.process(e, out)
		case <-sweep.C:
			s.sweepTimeouts(out)
		case <-ctx.Done():
			s.flushAll(out)
			return
		}
	}
}

func tidKeyOf(e events.Event) string {
	return fmt.Sprintf("%d:%d", e.Int64Field("pid"), e.Int64Field("tid"))
}

func (s *Stage) process(e events.Event, out chan<- events.Event) {
	switch e.Source {
	case events.SourceSSL:
		s.handleSSL(e, out)
		out <- e
	case events.SourceSSEProcessor:
		s.handleSSEProcessor(e, out)
		out <- e
	default:
		out <- e
	}
}

func (s *Stage) handleSSL(e events.Event, out chan<- events.Event) {
	data := e.StringField("data")
	if data == "" {
		return
	}

	key := tidKeyOf(e)
	acc, exists := s.accs[key]
	if !exists {
		if !looksLikeHTTP(data) {
			return
		}
		acc = &accumulator{
			pid:         e.Int64Field("pid"),
			tid:         e.Int64Field("tid"),
			comm:        e.StringField("comm"),
			timestampNs: e.Timestamp,
			lastUpdate:  time.Now(),
		}
		s.accs[key] = acc
	}

	acc.buffer = append(acc.buffer, data...)
	acc.lastUpdate = time.Now()

	if len(acc.buffer) > s.cfg.BufferLimit {
		s.logger.Warn("http buffer overflow, discarding accumulator",
			"tid", key, "size", humanize.Bytes(uint64(len(acc.buffer))))
		delete(s.accs, key)
		return
	}

	s.advance(key, acc, out)
}

func (s *Stage) handleSSEProcessor(e events.Event, out chan<- events.Event) {
	key := tidKeyOf(e)
	acc, ok := s.accs[key]
	if !ok || !acc.isSSEResponse || acc.sseAttached {
		return
	}
	acc.mergedSSEBody = e.StringField("merged_content")
	acc.sseAttached = true
	acc.lastUpdate = time.Now()
	s.complete(key, acc, out)
}

// advance runs the first-line, header, and body completion phases over
// the accumulator's current buffer, emitting a completed message when a
// completion rule fires.
func (s *Stage) advance(key string, acc *accumulator, out chan<- events.Event) {
	if !acc.firstLineParsed {
		idx := bytes.IndexByte(acc.buffer, '\n')
		if idx == -1 {
			return
		}
		line := strings.TrimRight(string(acc.buffer[:idx]), "\r")
		switch {
		case strings.HasPrefix(line, "HTTP/"):
			acc.messageType = "response"
			parseResponseLine(line, acc)
		case isRequestLine(line):
			acc.messageType = "request"
			parseRequestLine(line, acc)
		default:
			s.logger.Warn("discarding tid accumulator: first line is not HTTP", "tid", key)
			delete(s.accs, key)
			return
		}
		acc.firstLine = line
		acc.firstLineEnd = idx + 1
		acc.firstLineParsed = true
	}

	if !acc.headersParsed {
		end, sepLen := findHeaderEnd(acc.buffer, acc.firstLineEnd)
		if end == -1 {
			return
		}
		parseHeaders(acc.buffer[acc.firstLineEnd:end], acc)
		acc.headerEnd = end + sepLen
		acc.headersParsed = true
	}

	if s.bodyComplete(acc) {
		s.complete(key, acc, out)
	}
}

// bodyComplete evaluates the §4.4 step 4 completion rules. An SSE
// response is never considered complete until its merged body has been
// attached by the sse_processor, regardless of what the raw
// content-length/chunked framing says — the raw ssl record carrying the
// chunk terminator arrives on this tid before the merged sse_processor
// event does, and completing on that framing alone would emit the raw,
// unmerged body out from under it.
func (s *Stage) bodyComplete(acc *accumulator) bool {
	if acc.isSSEResponse && !acc.sseAttached {
		return false
	}
	body := acc.buffer[acc.headerEnd:]
	switch {
	case acc.hasContentLen:
		return len(body) >= acc.contentLength
	case acc.isChunked:
		return bytes.Contains(body, []byte("\r\n0\r\n\r\n")) || bytes.Contains(body, []byte("\n0\n\n"))
	default:
		return true
	}
}

func (s *Stage) complete(key string, acc *accumulator, out chan<- events.Event) {
	delete(s.accs, key)
	out <- s.toEvent(acc, false)
}

func (s *Stage) sweepTimeouts(out chan<- events.Event) {
	now := time.Now()
	for key, acc := range s.accs {
		if now.Sub(acc.lastUpdate) > s.cfg.Timeout {
			s.logger.Warn("http accumulator idle timeout, emitting partial message", "tid", key)
			out <- s.toEvent(acc, true)
			delete(s.accs, key)
		}
	}
}

func (s *Stage) flushAll(out chan<- events.Event) {
	for key, acc := range s.accs {
		out <- s.toEvent(acc, true)
		delete(s.accs, key)
	}
}

func (s *Stage) toEvent(acc *accumulator, partial bool) events.Event {
	headerEnd := acc.headerEnd
	if !acc.headersParsed {
		headerEnd = len(acc.buffer)
	}

	body := safeString(acc.buffer[min(headerEnd, len(acc.buffer)):])
	if acc.sseAttached {
		body = acc.mergedSSEBody
	}

	payload := map[string]any{
		"tid":             acc.tid,
		"pid":             acc.pid,
		"comm":            acc.comm,
		"timestamp_ns":    acc.timestampNs,
		"message_type":    acc.messageType,
		"first_line":      acc.firstLine,
		"headers":         acc.headers,
		"body":            body,
		"raw_data":        safeString(acc.buffer),
		"content_length":  acc.contentLength,
		"is_chunked":      acc.isChunked,
		"is_sse_response": acc.isSSEResponse,
		"partial":         partial,
	}
	switch acc.messageType {
	case "request":
		payload["method"] = acc.method
		payload["path"] = acc.path
		payload["protocol"] = acc.protocol
	case "response":
		payload["status_code"] = acc.statusCode
		payload["status_text"] = acc.statusText
		payload["protocol"] = acc.protocol
	}

	return events.New(events.SourceHTTPParser, time.Now().UnixNano(), payload)
}

// ParseComplete attempts to parse a single ssl Event's data as a
// complete, self-contained HTTP message (no accumulation across
// fragments). The HTTP Pair Correlator stage uses this to tolerate raw
// ssl observations that happen to carry an entire message in one read,
// without duplicating the per-tid accumulator logic above.
func ParseComplete(e events.Event) (events.Event, bool) {
	data := e.StringField("data")
	if !looksLikeHTTP(data) {
		return events.Event{}, false
	}

	acc := &accumulator{
		pid:         e.Int64Field("pid"),
		tid:         e.Int64Field("tid"),
		comm:        e.StringField("comm"),
		timestampNs: e.Timestamp,
		buffer:      []byte(data),
	}

	idx := bytes.IndexByte(acc.buffer, '\n')
	if idx == -1 {
		return events.Event{}, false
	}
	line := strings.TrimRight(string(acc.buffer[:idx]), "\r")
	switch {
	case strings.HasPrefix(line, "HTTP/"):
		acc.messageType = "response"
		parseResponseLine(line, acc)
	case isRequestLine(line):
		acc.messageType = "request"
		parseRequestLine(line, acc)
	default:
		return events.Event{}, false
	}
	acc.firstLine = line
	acc.firstLineEnd = idx + 1

	end, sepLen := findHeaderEnd(acc.buffer, acc.firstLineEnd)
	if end == -1 {
		return events.Event{}, false
	}
	parseHeaders(acc.buffer[acc.firstLineEnd:end], acc)
	acc.headerEnd = end + sepLen
	acc.headersParsed = true

	stage := &Stage{}
	if !stage.bodyComplete(acc) {
		return events.Event{}, false
	}

	return stage.toEvent(acc, false), true
}

func isRequestLine(line string) bool {
	for _, m := range methodTokens {
		if strings.HasPrefix(line, m) {
			return true
		}
	}
	return false
}

func parseRequestLine(line string, acc *accumulator) {
	parts := strings.SplitN(line, " ", 3)
	acc.method = parts[0]
	if len(parts) > 1 {
		acc.path = parts[1]
	}
	if len(parts) > 2 {
		acc.protocol = parts[2]
	}
}

func parseResponseLine(line string, acc *accumulator) {
	parts := strings.SplitN(line, " ", 3)
	acc.protocol = parts[0]
	if len(parts) > 1 {
		if code, err := strconv.Atoi(parts[1]); err == nil {
			acc.statusCode = code
		}
	}
	if len(parts) > 2 {
		acc.statusText = parts[2]
	}
}

// findHeaderEnd locates the header terminator starting at from, preferring
// the strict "\r\n\r\n" sequence but tolerating a bare "\n\n". It returns
// the index of the terminator's start and its length, or (-1, 0) if the
// headers are not yet complete. A message with no header lines has its
// blank line right at from, and the header block is then empty.
func findHeaderEnd(buf []byte, from int) (int, int) {
	if from > len(buf) {
		from = len(buf)
	}
	if bytes.HasPrefix(buf[from:], []byte("\r\n")) {
		return from, 2
	}
	if bytes.HasPrefix(buf[from:], []byte("\n")) {
		return from, 1
	}
	if idx := bytes.Index(buf[from:], []byte("\r\n\r\n")); idx != -1 {
		return from + idx, 4
	}
	if idx := bytes.Index(buf[from:], []byte("\n\n")); idx != -1 {
		return from + idx, 2
	}
	return -1, 0
}

func parseHeaders(block []byte, acc *accumulator) {
	acc.headers = make(map[string]string)
	for _, rawLine := range bytes.Split(block, []byte("\n")) {
		line := strings.TrimRight(string(rawLine), "\r")
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx == -1 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		acc.headers[key] = val

		switch key {
		case "content-length":
			if n, err := strconv.Atoi(val); err == nil {
				acc.contentLength = n
				acc.hasContentLen = true
			}
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(val), "chunked") {
				acc.isChunked = true
			}
		case "content-type":
			if strings.Contains(strings.ToLower(val), "text/event-stream") {
				acc.isSSEResponse = true
			}
		}
	}
}

// looksLikeHTTP reports whether data starts a recognizable HTTP/1.x
// message. A fragment shorter than a method token or "HTTP/" that is a
// prefix of one is accepted too, so a message split at arbitrary byte
// boundaries still starts an accumulator. HTTP/2 cleartext traffic is
// explicitly excluded: this parser only understands HTTP/1.x framing,
// and a read that begins with the standard h2c client preface never
// starts an accumulator, rather than buffering binary framing it can
// never complete.
func looksLikeHTTP(data string) bool {
	if strings.HasPrefix(data, http2.ClientPreface) {
		return false
	}
	if strings.HasPrefix(data, "HTTP/") {
		return true
	}
	for _, tok := range append([]string{"HTTP/"}, methodTokens...) {
		if data != "" && len(data) < len(tok) && strings.HasPrefix(tok, data) {
			return true
		}
	}
	return isRequestLine(data)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
