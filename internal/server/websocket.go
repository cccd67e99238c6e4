package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kode4food/caravan/topic"

	"github.com/tonal-labs/cantata/internal/engine"
	"github.com/tonal-labs/cantata/pkg/api"
	"github.com/tonal-labs/cantata/pkg/log"
	"github.com/tonal-labs/cantata/pkg/util"
)

type (
	// Client represents a WebSocket client connection streaming run
	// events
	Client struct {
		server   *Server
		conn     *websocket.Conn
		consumer topic.Consumer[*engine.RunEvent]
		filter   eventFilter
	}

	eventFilter func(*engine.RunEvent) bool

	// subscribeRequest narrows the event stream. Clients start with
	// the full stream; a subscribe message filters by event type and
	// composition ID
	subscribeRequest struct {
		Type string             `json:"type"`
		Data clientSubscription `json:"data"`
	}

	clientSubscription struct {
		EventTypes    []string          `json:"event_types,omitempty"`
		CompositionID api.CompositionID `json:"composition_id,omitempty"`
	}
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 512
	wsBufferSize       = 1024
	incomingBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed",
			log.Error(err))
		return
	}

	client := &Client{
		server:   s,
		conn:     conn,
		consumer: s.engine.Events().NewConsumer(),
		filter:   func(*engine.RunEvent) bool { return true },
	}
	s.registerWebSocket(client)

	go client.run()
}

// Close drops the client's connection; the run loop unwinds on the
// resulting read error
func (c *Client) Close() {
	_ = c.conn.Close()
}

func (c *Client) run() {
	defer func() {
		c.server.unregisterWebSocket(c)
		c.consumer.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	go c.readMessages(incoming)

	for {
		select {
		case message, ok := <-incoming:
			if !ok {
				return
			}
			c.handleSubscribe(message)

		case event, ok := <-c.consumer.Receive():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.sendEventIfMatched(event) {
				return
			}

		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Client) readMessages(incoming chan []byte) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			close(incoming)
			return
		}
		incoming <- message
	}
}

func (c *Client) handleSubscribe(message []byte) {
	var sub subscribeRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		slog.Error("Failed to parse WebSocket message",
			log.Error(err))
		return
	}

	if sub.Type != "subscribe" {
		return
	}

	c.filter = buildFilter(&sub.Data)
}

func (c *Client) sendEventIfMatched(event *engine.RunEvent) bool {
	if !c.filter(event) {
		return true
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(event); err != nil {
		slog.Error("WebSocket write failed",
			log.Error(err))
		return false
	}
	return true
}

func (c *Client) sendPing() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.PingMessage, nil)
	return err == nil
}

// buildFilter creates an event filter from client subscription
// preferences for event types and composition IDs
func buildFilter(sub *clientSubscription) eventFilter {
	types := util.SetOf[string]()
	for _, t := range sub.EventTypes {
		types.Add(t)
	}

	return func(ev *engine.RunEvent) bool {
		if !types.IsEmpty() && !types.Contains(string(ev.Type)) {
			return false
		}
		if sub.CompositionID != "" {
			raw, _ := ev.Data["composition_id"].(string)
			if api.CompositionID(raw) != sub.CompositionID {
				return false
			}
		}
		return true
	}
}
