package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/service"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	"github.com/miosa-osa/osa/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the reverse proxy
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 512 * 1024
	sendBufferSize = 256
)

// FrameType discriminates inbound and outbound frames.
type FrameType string

const (
	FrameChat     FrameType = "chat"   // inbound: run a turn
	FrameCancel   FrameType = "cancel" // inbound: abort the in-flight turn
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameEvent    FrameType = "event"    // outbound: bus event
	FrameResponse FrameType = "response" // outbound: turn result
	FrameError    FrameType = "error"
)

// Frame is the wire format in both directions.
type Frame struct {
	Type      FrameType      `json:"type"`
	Event     string         `json:"event,omitempty"`
	Content   string         `json:"content,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Agent is the session surface a connection drives.
type Agent interface {
	HandleMessage(ctx context.Context, sessionID, channel, input string) (*service.TurnResult, error)
	Cancel(sessionID string) bool
}

// Hub tracks live connections. Each connection is bound to one session and
// mirrors that session's bus events alongside its own turn results.
type Hub struct {
	agent  Agent
	bus    *eventbus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a hub. bus may be nil; event mirroring is then disabled.
func NewHub(agent Agent, bus *eventbus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		agent:   agent,
		bus:     bus,
		logger:  logger.With(zap.String("component", "websocket")),
		clients: make(map[string]*Client),
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the connection until the peer goes
// away. The session id comes from the query string; a fresh one is minted
// when absent so a bare connect still works.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	client := &Client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		hub:       h,
		logger:    h.logger.With(zap.String("session_id", sessionID)),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	if h.bus != nil {
		client.sub = h.bus.Subscribe("*", sessionID, client.onEvent)
	}
	h.logger.Info("Client connected",
		zap.String("client_id", client.id),
		zap.String("session_id", sessionID),
	)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, live := h.clients[client.id]
	delete(h.clients, client.id)
	h.mu.Unlock()
	if !live {
		return
	}

	if client.sub != nil {
		h.bus.Unsubscribe(client.sub)
	}
	close(client.send)
	h.logger.Info("Client disconnected", zap.String("client_id", client.id))
}

// Client is one live connection bound to a session.
type Client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	sub       *eventbus.Subscription
	hub       *Hub
	logger    *zap.Logger
}

// onEvent forwards one bus event to the peer. Delivery is best-effort; a
// stalled peer sheds events rather than backing up the bus.
func (c *Client) onEvent(evt eventbus.Event) {
	c.enqueue(&Frame{
		Type:      FrameEvent,
		Event:     evt.Topic,
		SessionID: evt.SessionID,
		Payload:   evt.Payload,
	})
}

func (c *Client) enqueue(frame *Frame) {
	frame.Timestamp = time.Now().Unix()
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	defer func() { recover() }() // send raced with drop closing the channel
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.enqueue(&Frame{Type: FrameError, Content: "malformed frame"})
			continue
		}

		switch frame.Type {
		case FramePing:
			c.enqueue(&Frame{Type: FramePong})
		case FrameCancel:
			c.hub.agent.Cancel(c.sessionID)
		case FrameChat:
			if frame.Content == "" {
				c.enqueue(&Frame{Type: FrameError, Content: "chat frame has no content"})
				continue
			}
			// Turns run off the read loop so cancel frames stay readable.
			input := frame.Content
			safego.Go(c.logger, "ws-turn", func() { c.runTurn(input) })
		default:
			c.enqueue(&Frame{Type: FrameError, Content: "unknown frame type: " + string(frame.Type)})
		}
	}
}

func (c *Client) runTurn(input string) {
	result, err := c.hub.agent.HandleMessage(context.Background(), c.sessionID, "websocket", input)
	if err != nil {
		c.enqueue(&Frame{Type: FrameError, SessionID: c.sessionID, Content: err.Error()})
		return
	}
	c.enqueue(&Frame{
		Type:      FrameResponse,
		SessionID: c.sessionID,
		Content:   result.Content,
		Payload: map[string]any{
			"iterations": result.Iterations,
			"tools_used": result.ToolsUsed,
			"dropped":    result.Dropped,
		},
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
