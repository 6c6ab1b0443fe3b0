package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"screenmesh/internal/core/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local UI only; the API binds to loopback by default
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const (
	clientSendBuffer = 64
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
)

// EventHub implements ports.EventSink over websocket: every session event
// is fanned out as JSON to all connected UI clients. A client that cannot
// keep up is disconnected rather than allowed to stall the others.
type EventHub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	logger  *zap.SugaredLogger
}

type hubClient struct {
	conn *websocket.Conn
	send chan domain.Event
}

func NewEventHub(logger *zap.SugaredLogger) *EventHub {
	return &EventHub{
		clients: make(map[*hubClient]struct{}),
		logger:  logger,
	}
}

// Publish fans an event out to every connected client. Never blocks: a
// full client buffer drops the client.
func (h *EventHub) Publish(evt domain.Event) {
	h.mu.Lock()
	stalled := 0
	for client := range h.clients {
		select {
		case client.send <- evt:
		default:
			// Sends and closes both happen under mu, so this cannot race a
			// concurrent Publish.
			delete(h.clients, client)
			close(client.send)
			stalled++
		}
	}
	h.mu.Unlock()

	if stalled > 0 {
		h.logger.Warnw("event feed clients stalled, dropped", "count", stalled)
	}
}

// HandleWebSocket upgrades the request and streams events until the client
// goes away.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{
		conn: conn,
		send: make(chan domain.Event, clientSendBuffer),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Infow("event feed client connected", "remote", conn.RemoteAddr())

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *EventHub) writeLoop(client *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer client.conn.Close()

	for {
		select {
		case evt, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteJSON(evt); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

// readLoop discards inbound frames; the feed is one-way. It exists to
// notice the close handshake and network errors.
func (h *EventHub) readLoop(client *hubClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.drop(client)
			return
		}
	}
}

func (h *EventHub) drop(client *hubClient) {
	h.mu.Lock()
	if _, present := h.clients[client]; present {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}
