package wsbridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/tlsight/internal/broadcast"
	"github.com/nugget/tlsight/internal/events"
)

func TestHandlerStreamsBroadcastEvents(t *testing.T) {
	bus := broadcast.New()
	bridge := New(bus, nil)

	srv := httptest.NewServer(http.HandlerFunc(bridge.Handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to subscribe before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}

	want := events.New(events.SourceSSL, time.Now().UnixNano(), map[string]any{"data": "hello"})
	if err := bus.Broadcast(want); err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}

	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if got.ID != want.ID {
		t.Errorf("got event %v, want %v", got, want)
	}
}

func TestHandlerUnsubscribesOnClientClose(t *testing.T) {
	bus := broadcast.New()
	bridge := New(bus, nil)

	srv := httptest.NewServer(http.HandlerFunc(bridge.Handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d after client close, want 0", bus.SubscriberCount())
	}
}
