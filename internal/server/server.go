// Package server exposes the collector's local HTTP frontend surface:
// a health check, a WebSocket event stream, and a polling JSON snapshot
// backed by the optional event index. It implements only the contract
// spec.md's Non-goals carve out for it — the embedded web UI's actual
// frontend assets stay external.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/tlsight/internal/broadcast"
	"github.com/nugget/tlsight/internal/buildinfo"
	"github.com/nugget/tlsight/internal/events"
	"github.com/nugget/tlsight/internal/index"
	"github.com/nugget/tlsight/internal/wsbridge"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the collector's local HTTP frontend.
type Server struct {
	address string
	port    int
	bus     *broadcast.Broadcaster
	idx     index.Index // nil if no index is configured
	bridge  *wsbridge.Bridge
	logger  *slog.Logger
	server  *http.Server
}

// New returns a Server listening on address:port. idx may be nil, in
// which case /events always reports an empty result set.
func New(address string, port int, bus *broadcast.Broadcaster, idx index.Index, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		bus:     bus,
		idx:     idx,
		bridge:  wsbridge.New(bus, logger),
		logger:  logger.With("component", "server"),
	}
}

// Start begins serving HTTP requests. It blocks until the server stops
// or errors; callers typically run it in a goroutine and call Shutdown
// on the way out.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.bridge.Handler)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting frontend server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.RuntimeInfo()
	info["status"] = "ok"
	info["subscribers"] = strconv.Itoa(s.bus.SubscriberCount())
	writeJSON(w, info, s.logger)
}

// handleEvents answers a polling snapshot from the optional index.
// Query parameters are mutually exclusive, checked in this order:
// source, event_type, pid, then start/end (a timestamp range). With no
// recognized parameter, or with no index configured, it returns an empty
// list rather than an error — polling is optional by design.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.idx == nil {
		writeJSON(w, []any{}, s.logger)
		return
	}

	q := r.URL.Query()
	var (
		result []events.Event
		err    error
	)

	switch {
	case q.Get("source") != "":
		result, err = s.idx.BySource(q.Get("source"))
	case q.Get("event_type") != "":
		result, err = s.idx.ByEventType(q.Get("event_type"))
	case q.Get("pid") != "":
		pid, perr := strconv.ParseInt(q.Get("pid"), 10, 64)
		if perr != nil {
			http.Error(w, "invalid pid", http.StatusBadRequest)
			return
		}
		result, err = s.idx.ByPID(pid)
	case q.Get("start") != "" || q.Get("end") != "":
		start, _ := strconv.ParseInt(q.Get("start"), 10, 64)
		end := time.Now().UnixNano()
		if q.Get("end") != "" {
			var perr error
			end, perr = strconv.ParseInt(q.Get("end"), 10, 64)
			if perr != nil {
				http.Error(w, "invalid end", http.StatusBadRequest)
				return
			}
		}
		result, err = s.idx.ByTimeRange(start, end)
	default:
		result = []events.Event{}
	}

	if err != nil {
		s.logger.Warn("index lookup failed", "error", err)
		http.Error(w, "index lookup failed", http.StatusInternalServerError)
		return
	}
	if result == nil {
		result = []events.Event{}
	}
	writeJSON(w, result, s.logger)
}
