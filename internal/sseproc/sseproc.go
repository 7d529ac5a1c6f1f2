// Package sseproc reassembles Server-Sent-Event fragments observed on
// TLS read/write boundaries into one merged events.Event per logical
// message. It is stage C4 of the collector pipeline: a per-connection
// accumulator keyed first by a coarse pid:tid:window key, then upgraded
// to pid:tid:messageId as soon as a message_start event reveals the
// message's identity.
package sseproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/tlsight/internal/events"
)

// DefaultTimeout is the idle eviction window for an accumulator that
// never completes.
const DefaultTimeout = 30 * time.Second

// DefaultBufferLimit bounds each of the text and JSON accumulation
// buffers, in bytes.
const DefaultBufferLimit = 10 * 1024

// windowSeconds is the bucket width used for the default (pre-message-id)
// connection key.
const windowSeconds = 60

// Config configures a Stage.
type Config struct {
	// Timeout is the idle eviction window (default DefaultTimeout).
	Timeout time.Duration
	// BufferLimit bounds the text/JSON accumulation buffers in bytes
	// (default DefaultBufferLimit).
	BufferLimit int
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// sseEvent is one parsed "event:"/"data:" block.
type sseEvent struct {
	Type string
	Data any
}

// accumulator holds the mutable state for one in-flight SSE message. It
// is owned exclusively by the Stage goroutine that created it.
type accumulator struct {
	key             string
	messageID       string
	hasMessageID    bool
	textBody        strings.Builder
	jsonBody        strings.Builder
	sseEvents       []sseEvent
	hasMessageStart bool
	lastUpdate      time.Time
	pid, tid        int64
	comm            string
}

// Stage is the SSE accumulator stage (C4).
type Stage struct {
	cfg    Config
	logger *slog.Logger
	accs   map[string]*accumulator
}

// New creates an SSE accumulator stage. cfg zero values fall back to the
// package defaults.
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
		logger: logger.With("stage", "sse_accumulator"),
		accs:   make(map[string]*accumulator),
	}
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "sse_accumulator" }

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

func (s *Stage) process(e events.Event, out chan<- events.Event) {
	if e.Source != events.SourceSSL {
		out <- e
		return
	}

	data := e.StringField("data")
	cleaned := stripChunkFraming(data)
	if !looksLikeSSE(cleaned) {
		out <- e
		return
	}

	parsed := parseBlocks(cleaned)

	// Forward the original ssl Event regardless: the HTTP parser stage
	// still needs the raw header/body bytes to track framing, and will
	// later receive the merged sse_processor Event to attach as body.
	out <- e

	if len(parsed) == 0 {
		return
	}

	pid := e.Int64Field("pid")
	tid := e.Int64Field("tid")
	window := (e.Timestamp / int64(time.Second)) / windowSeconds
	defaultKey := fmt.Sprintf("%d:%d:w%d", pid, tid, window)

	revealedID, hasID := messageIDFromEvents(parsed)

	acc := s.resolveAccumulator(defaultKey, pid, tid, revealedID, hasID)
	if comm := e.StringField("comm"); comm != "" {
		acc.comm = comm
	}
	acc.lastUpdate = time.Now()

	for _, ev := range parsed {
		acc.sseEvents = append(acc.sseEvents, ev)
		if ev.Type == "message_start" {
			acc.hasMessageStart = true
		}
		if ev.Type == "content_block_delta" {
			if m, ok := ev.Data.(map[string]any); ok {
				if delta, ok := m["delta"].(map[string]any); ok {
					if t, ok := delta["text"].(string); ok {
						acc.textBody.WriteString(t)
					}
					if pj, ok := delta["partial_json"].(string); ok {
						acc.jsonBody.WriteString(pj)
					}
				}
			}
		}
	}

	if complete, reason := isComplete(acc, s.cfg.BufferLimit); complete {
		if !acc.hasMessageStart {
			s.logger.Warn("sse message completed without message_start",
				"connection_id", acc.key, "reason", reason)
		}
		out <- s.toEvent(acc)
		delete(s.accs, acc.key)
	}
}

// resolveAccumulator finds or creates the accumulator that the current
// chunk belongs to, applying the message-id promotion and merge rules of
// §4.3 step 3.
func (s *Stage) resolveAccumulator(defaultKey string, pid, tid int64, revealedID string, hasID bool) *accumulator {
	if !hasID {
		if acc, ok := s.accs[defaultKey]; ok {
			return acc
		}
		// A chunk that carries no id continues the connection's message
		// that has already been promoted to its message-id key.
		var promoted *accumulator
		for _, acc := range s.accs {
			if acc.hasMessageID && acc.pid == pid && acc.tid == tid &&
				(promoted == nil || acc.lastUpdate.After(promoted.lastUpdate)) {
				promoted = acc
			}
		}
		if promoted != nil {
			return promoted
		}
		acc := &accumulator{key: defaultKey, pid: pid, tid: tid}
		s.accs[defaultKey] = acc
		return acc
	}

	newKey := fmt.Sprintf("%d:%d:%s", pid, tid, revealedID)

	// Scan existing accumulators for one already carrying this message id.
	if target, ok := s.findByMessageID(revealedID); ok {
		if cand, ok := s.accs[defaultKey]; ok && cand != target {
			mergeInto(target, cand)
			delete(s.accs, defaultKey)
		}
		return target
	}

	if cand, ok := s.accs[defaultKey]; ok {
		delete(s.accs, defaultKey)
		cand.key = newKey
		cand.messageID = revealedID
		cand.hasMessageID = true
		s.accs[newKey] = cand
		return cand
	}

	acc := &accumulator{key: newKey, pid: pid, tid: tid, messageID: revealedID, hasMessageID: true}
	s.accs[newKey] = acc
	return acc
}

func (s *Stage) findByMessageID(id string) (*accumulator, bool) {
	for _, acc := range s.accs {
		if acc.hasMessageID && acc.messageID == id {
			return acc, true
		}
	}
	return nil, false
}

func mergeInto(target, src *accumulator) {
	target.textBody.WriteString(src.textBody.String())
	target.jsonBody.WriteString(src.jsonBody.String())
	target.sseEvents = append(target.sseEvents, src.sseEvents...)
	target.hasMessageStart = target.hasMessageStart || src.hasMessageStart
	if src.comm != "" {
		target.comm = src.comm
	}
}

func (s *Stage) sweepTimeouts(out chan<- events.Event) {
	now := time.Now()
	for key, acc := range s.accs {
		if now.Sub(acc.lastUpdate) > s.cfg.Timeout {
			s.logger.Warn("sse accumulator idle timeout", "connection_id", key)
			out <- s.toEvent(acc)
			delete(s.accs, key)
		}
	}
}

func (s *Stage) flushAll(out chan<- events.Event) {
	for key, acc := range s.accs {
		out <- s.toEvent(acc)
		delete(s.accs, key)
	}
}

func (s *Stage) toEvent(acc *accumulator) events.Event {
	mergedJSON := reassembleJSON(acc.jsonBody.String())

	evList := make([]map[string]any, 0, len(acc.sseEvents))
	for _, ev := range acc.sseEvents {
		evList = append(evList, map[string]any{"type": ev.Type, "data": ev.Data})
	}

	payload := map[string]any{
		"connection_id":     acc.key,
		"merged_content":    acc.textBody.String(),
		"merged_json":       mergedJSON,
		"events":            evList,
		"event_count":       len(acc.sseEvents),
		"total_size":        acc.textBody.Len() + acc.jsonBody.Len(),
		"has_message_start": acc.hasMessageStart,
		"pid":               acc.pid,
		"tid":               acc.tid,
		"comm":              acc.comm,
	}
	if acc.hasMessageID {
		payload["message_id"] = acc.messageID
	}

	return events.New(events.SourceSSEProcessor, time.Now().UnixNano(), payload)
}

// reassembleJSON concatenates partial_json fragments and pretty-prints
// the result if it parses; on failure the raw concatenation is returned
// unchanged (never discarded — see §4.3 edge-case policy).
func reassembleJSON(raw string) any {
	if raw == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return string(pretty)
}

func isComplete(acc *accumulator, bufferLimit int) (bool, string) {
	for _, ev := range acc.sseEvents {
		switch ev.Type {
		case "message_stop", "content_block_stop", "error":
			return true, ev.Type
		case "message_delta":
			if m, ok := ev.Data.(map[string]any); ok {
				if delta, ok := m["delta"].(map[string]any); ok {
					if _, ok := delta["stop_reason"]; ok {
						return true, "message_delta.stop_reason"
					}
				}
			}
		}
	}
	if acc.textBody.Len() > bufferLimit || acc.jsonBody.Len() > bufferLimit {
		return true, "buffer_limit"
	}
	return false, ""
}

// messageIDFromEvents scans every parsed event in a chunk (not only the
// first) for a "message":{"id":...} field, since the id may be revealed
// by any event in the chunk.
func messageIDFromEvents(evs []sseEvent) (string, bool) {
	for _, ev := range evs {
		m, ok := ev.Data.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := m["message"].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := msg["id"].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

var hexLineRe = regexp.MustCompile(`^[0-9a-fA-F]{1,8}$`)

// stripChunkFraming removes HTTP chunk-size header lines (and the blank
// separator line that follows each one) so that chunked-transfer framing
// does not get mistaken for SSE payload content.
func stripChunkFraming(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if hexLineRe.MatchString(strings.TrimSpace(lines[i])) {
			if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) == "" {
				i++
			}
			continue
		}
		out = append(out, lines[i])
	}
	return strings.Join(out, "\n")
}

func looksLikeSSE(s string) bool {
	lower := strings.ToLower(s)
	if strings.Contains(lower, "content-type: text/event-stream") {
		return true
	}
	for _, line := range strings.Split(s, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "event:") || strings.HasPrefix(t, "data:") {
			return true
		}
	}
	return false
}

// parseBlocks splits text on blank lines and parses each resulting block
// into at most one sseEvent.
func parseBlocks(s string) []sseEvent {
	var out []sseEvent
	for _, block := range strings.Split(s, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		if ev, ok := parseBlock(block); ok {
			out = append(out, ev)
		}
	}
	return out
}

func parseBlock(block string) (sseEvent, bool) {
	var eventType string
	var dataLines []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			if eventType == "" {
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		}
	}
	if eventType == "" && len(dataLines) == 0 {
		return sseEvent{}, false
	}

	raw := strings.TrimSpace(strings.Join(dataLines, "\n"))
	var data any = raw
	if raw != "" {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			data = v
		}
	}
	return sseEvent{Type: eventType, Data: data}, true
}

