package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// EventSource fans job events out to subscribers.
type EventSource interface {
	Subscribe() (<-chan types.Event, func())
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// Channels a client may subscribe to. A client with no subscriptions
// receives every event.
const (
	channelAll        = "all"
	channelJobPrefix  = "job:"
	channelTypePrefix = "type:"
)

// WebSocketHub tracks event stream connections.
type WebSocketHub struct {
	source   EventSource
	upgrader websocket.Upgrader
	logger   log.Logger

	clients atomic.Int64
}

// NewWebSocketHub creates a hub streaming events from source. origins lists
// the allowed Origin headers; "*" allows any.
func NewWebSocketHub(source EventSource, origins []string, logger log.Logger) *WebSocketHub {
	return &WebSocketHub{
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range origins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}
}

// GetConnectedClients returns the number of connected clients
func (h *WebSocketHub) GetConnectedClients() int {
	return int(h.clients.Load())
}

// WebSocketClient represents a WebSocket client
type WebSocketClient struct {
	hub    *WebSocketHub
	conn   *websocket.Conn
	events <-chan types.Event
	cancel func()
	send   chan WSMessage

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// handleWebSocket upgrades the request and streams events until either side
// closes. ?job_id=<id> pre-subscribes to one job.
func (s *Server) handleWebSocket(c *gin.Context) {
	h := s.wsHub
	if h == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "event stream not enabled", Code: "UNAVAILABLE"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", "error", err)
		return
	}

	events, cancel := h.source.Subscribe()
	client := &WebSocketClient{
		hub:           h,
		conn:          conn,
		events:        events,
		cancel:        cancel,
		send:          make(chan WSMessage, 16),
		subscriptions: make(map[string]bool),
	}
	if jobID := c.Query("job_id"); jobID != "" {
		client.subscriptions[channelJobPrefix+jobID] = true
	}
	h.clients.Add(1)
	h.logger.Debug("websocket client connected", "clients", h.clients.Load())

	go client.writePump()
	go client.readPump()
}

// readPump handles subscription messages from the peer
func (c *WebSocketClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Info("websocket read failed", "error", err)
			}
			return
		}

		var msg WSSubscribeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(WSMessage{Type: "error", Data: map[string]string{"error": "invalid message"}})
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump forwards matching events and control replies to the peer
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.clients.Add(-1)
	}()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				// unsubscribed by readPump
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.wants(ev) {
				continue
			}
			if err := c.write(WSMessage{Type: "event", Channel: channelJobPrefix + ev.JobID, Data: ev}); err != nil {
				return
			}

		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) write(msg WSMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// wants reports whether ev matches the client's subscriptions.
func (c *WebSocketClient) wants(ev types.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 || c.subscriptions[channelAll] {
		return true
	}
	return c.subscriptions[channelJobPrefix+ev.JobID] || c.subscriptions[channelTypePrefix+string(ev.Type)]
}

// handleMessage handles incoming WebSocket messages
func (c *WebSocketClient) handleMessage(msg WSSubscribeMessage) {
	if !validChannel(msg.Channel) {
		c.reply(WSMessage{Type: "error", Channel: msg.Channel, Data: map[string]string{"error": "unknown channel"}})
		return
	}

	c.mu.Lock()
	switch msg.Type {
	case "subscribe":
		c.subscriptions[msg.Channel] = true
	case "unsubscribe":
		delete(c.subscriptions, msg.Channel)
	default:
		c.mu.Unlock()
		c.reply(WSMessage{Type: "error", Data: map[string]string{"error": "unknown message type " + msg.Type}})
		return
	}
	c.mu.Unlock()

	c.reply(WSMessage{
		Type:    msg.Type + "d",
		Channel: msg.Channel,
		Data: map[string]interface{}{
			"channel": msg.Channel,
			"status":  msg.Type + "d",
		},
	})
}

func validChannel(ch string) bool {
	switch {
	case ch == channelAll:
		return true
	case strings.HasPrefix(ch, channelJobPrefix):
		return len(ch) > len(channelJobPrefix)
	case strings.HasPrefix(ch, channelTypePrefix):
		return len(ch) > len(channelTypePrefix)
	}
	return false
}

// reply queues a control message; it is dropped when the client is not reading.
func (c *WebSocketClient) reply(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Debug("websocket reply dropped", "type", msg.Type)
	}
}
