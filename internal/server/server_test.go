package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/tlsight/internal/broadcast"
	"github.com/nugget/tlsight/internal/events"
	"github.com/nugget/tlsight/internal/index"
)

func newTestServer(idx index.Index) (*Server, *httptest.Server) {
	s := New("127.0.0.1", 0, broadcast.New(), idx, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /events", s.handleEvents)
	return s, httptest.NewServer(mux)
}

func TestHealthzReportsOK(t *testing.T) {
	_, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestEventsWithoutIndexReturnsEmptyList(t *testing.T) {
	_, srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?source=ssl")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	var body []events.Event
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("got %d events, want 0", len(body))
	}
}

func TestEventsFiltersBySource(t *testing.T) {
	idx := index.NewRing(10)
	idx.Add(events.New(events.SourceSSL, 1, nil))
	idx.Add(events.New(events.SourceProcess, 2, nil))
	_, srv := newTestServer(idx)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?source=" + events.SourceSSL)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	var body []events.Event
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 1 || body[0].Source != events.SourceSSL {
		t.Errorf("got %v, want a single ssl event", body)
	}
}

func TestEventsRejectsBadPID(t *testing.T) {
	idx := index.NewRing(10)
	_, srv := newTestServer(idx)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?pid=notanumber")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
