// Package wsbridge upgrades an incoming HTTP request to a WebSocket and
// streams every Event the broadcaster fans out to it as JSON, one
// message per Event, until the client disconnects or the server shuts
// down. It is the push half of the frontend surface described in
// spec.md §6; internal/server's /events endpoint is the poll half.
package wsbridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/tlsight/internal/broadcast"
	"github.com/nugget/tlsight/internal/events"
)

// pingInterval matches the client keepalive cadence the teacher's
// homeassistant WebSocket client expects on the other end of a
// connection; here we're the side sending pings instead of receiving
// them.
const pingInterval = 30 * time.Second

// SubscriberBuffer sizes each client's fan-out channel. A slow browser
// tab drops events past this buffer rather than blocking the
// broadcaster, the same non-blocking contract broadcast.Broadcaster
// itself makes to every subscriber.
const SubscriberBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge upgrades connections and relays broadcaster Events to each one.
type Bridge struct {
	bus    *broadcast.Broadcaster
	logger *slog.Logger
}

// New returns a Bridge that relays bus's Events to every client that
// connects to its Handler.
func New(bus *broadcast.Broadcaster, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: bus, logger: logger.With("component", "wsbridge")}
}

// Handler upgrades r and streams Events to the resulting connection
// until it closes. Intended to be registered at a path like "/ws".
func (b *Bridge) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := b.bus.Subscribe(SubscriberBuffer)
	defer b.bus.Unsubscribe(sub)

	// Drain and discard anything the client sends; this bridge is
	// push-only, but reading is required to notice the client going
	// away and to respond to its own ping/pong control frames.
	readsDone := make(chan struct{})
	go func() {
		b.drainReads(conn)
		close(readsDone)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readsDone:
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := b.send(conn, e); err != nil {
				b.logger.Debug("websocket write failed, closing", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) send(conn *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Debug("failed to marshal event for websocket", "error", err)
		return nil
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// drainReads reads and discards every message the client sends until
// the connection errors or closes, which is websocket.Conn's documented
// way of surfacing a closed connection to a writer goroutine.
func (b *Bridge) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
