package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"duocall-backend/internal/call"
	"duocall-backend/pkg/constants"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/response"
)

// EventSource is the call machine as seen by event streams
type EventSource interface {
	State() call.State
	Subscribe(fn func(call.Event)) func()
}

// Observer tracks stream activity
type Observer interface {
	IncWebSocketConnections()
	DecWebSocketConnections()
	RecordWebSocketMessage(msgType, direction string)
	RecordWebSocketError(err string)
}

// Message types written to a stream. Every other frame is a call.Event.
const (
	MessageTypeSnapshot = "snapshot"
)

// Snapshot is the first frame of every stream
type Snapshot struct {
	Type  string     `json:"type"`
	State call.State `json:"state"`
	At    time.Time  `json:"at"`
}

// EventHub streams call machine events to UI clients over WebSocket
type EventHub struct {
	source   EventSource
	observer Observer
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration

	maxConnections int
	semaphore      chan struct{}

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	hub    *EventHub
	conn   *websocket.Conn
	userID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	unsub  func()
}

// NewEventHub creates a hub. Connections must come from one of
// allowedOrigins; observer may be nil.
func NewEventHub(source EventSource, observer Observer, allowedOrigins []string) *EventHub {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}

	return &EventHub{
		source:   source,
		observer: observer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return false
				}
				_, ok := origins[origin]
				return ok
			},
		},
		pingInterval:   constants.WebSocketPingInterval,
		pongWait:       constants.WebSocketPongWait,
		maxConnections: constants.MaxEventStreams,
		semaphore:      make(chan struct{}, constants.MaxEventStreams),
		clients:        make(map[*eventClient]struct{}),
	}
}

// ServeWS upgrades the request and streams events until the client leaves
// GET /v1/call/ws/events
func (h *EventHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("Event stream rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Too many event streams")
		return
	}

	userID := c.GetString("user_id")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.recordError("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	client := &eventClient{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, constants.EventStreamBuffer),
	}
	if !h.register(client) {
		<-h.semaphore
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(constants.WebSocketWriteWait))
		conn.Close()
		return
	}

	// Hold the client lock across subscribe and snapshot so no event is
	// queued ahead of the snapshot.
	client.mu.Lock()
	client.unsub = h.source.Subscribe(client.onEvent)
	snap, err := json.Marshal(Snapshot{Type: MessageTypeSnapshot, State: h.source.State(), At: time.Now()})
	if err == nil {
		client.send <- snap
	}
	client.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// Close disconnects every client
func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*eventClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}

// Connections returns the number of open streams
func (h *EventHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) register(c *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.observer != nil {
		h.observer.IncWebSocketConnections()
	}
	logger.Debug("Event stream opened", zap.String("user_id", c.userID))
	return true
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if !ok {
		return
	}
	<-h.semaphore
	if h.observer != nil {
		h.observer.DecWebSocketConnections()
	}
	logger.Debug("Event stream closed", zap.String("user_id", c.userID))
}

func (h *EventHub) recordError(kind string) {
	if h.observer != nil {
		h.observer.RecordWebSocketError(kind)
	}
}

// onEvent runs on the machine's delivery goroutine and must not block
func (c *eventClient) onEvent(ev call.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("Failed to encode call event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// Slow consumer; drop it rather than stall the machine
		c.hub.recordError("slow_consumer")
		logger.Warn("Dropping slow event stream", zap.String("user_id", c.userID))
		c.closeLocked()
	}
}

// shutdown stops event delivery and lets writePump send a close frame
func (c *eventClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *eventClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	if c.unsub != nil {
		c.unsub()
	}
	close(c.send)
}

// readPump only services control frames; clients never send events
func (c *eventClient) readPump() {
	defer func() {
		c.shutdown()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Event stream read failed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}
		c.hub.recordMessage("client", "inbound")
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.recordError("write")
				return
			}
			c.hub.recordMessage("event", "outbound")

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) recordMessage(msgType, direction string) {
	if h.observer != nil {
		h.observer.RecordWebSocketMessage(msgType, direction)
	}
}
