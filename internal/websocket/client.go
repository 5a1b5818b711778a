package websocket

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"dispatchengine/internal/handlerregistry"
	"dispatchengine/internal/models"
	"dispatchengine/internal/msghandler"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 30 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 8 * 1024 * 1024
	sendEventTimeout  = 2 * time.Second
	finalEventTimeout = 10 * time.Second
)

// inboundMessage is the wire shape of one WebSocket frame from a connected
// business operator's browser, standing in for the channel webhook payload
// an Instagram/WhatsApp adapter would otherwise deliver.
type inboundMessage struct {
	Type             string                 `json:"type"`
	AgentID          string                 `json:"agent_id"`
	ThreadID         *string                `json:"thread_id,omitempty"`
	ProjectID        *string                `json:"project_id,omitempty"`
	CustomerID       string                 `json:"customer_id"`
	Text             string                 `json:"text,omitempty"`
	Images           []string               `json:"images,omitempty"`
	Files            []models.AttachedFile  `json:"files,omitempty"`
	ReplyToMessageID string                 `json:"reply_to_message_id,omitempty"`
}

// HandlerFactory builds a fresh Message Handler for one (agent, thread,
// project) key the first time a connection references it; the closure
// passed in by the caller already carries the shared Dispatcher,
// ManualOverrideStore, cache, resolver, and Metrics.
type HandlerFactory func(key handlerregistry.Key) *msghandler.Handler

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	businessID string
	registry   *handlerregistry.Registry
	newHandler HandlerFactory
	connMutex  sync.Mutex
}

// NewClient creates a new WebSocket client instance.
func NewClient(hub *Hub, conn *websocket.Conn, businessID string, registry *handlerregistry.Registry, newHandler HandlerFactory) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		businessID: businessID,
		registry:   registry,
		newHandler: newHandler,
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error for business %s: %v", c.businessID, err)
			}
			break
		}
		go c.handleIncomingMessage(message)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Printf("Error writing message to websocket for business %s: %v", c.businessID, err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Printf("Error writing ping to websocket for business %s: %v", c.businessID, err)
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// handleIncomingMessage dispatches incoming messages based on their 'type'
// field, routing "message" frames into the Handler Registry/Message
// Handler pipeline.
func (c *Client) handleIncomingMessage(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendEvent("error", map[string]string{"message": "invalid JSON format"})
		return
	}

	switch msg.Type {
	case "stop":
		c.hub.cancelProcess <- c.businessID
		c.sendEvent("done", "stopped by operator request")
	case "ping":
		c.sendEvent("pong", nil)
	case "message":
		c.handleMessage(msg)
	default:
		c.sendEvent("error", map[string]string{"message": "unknown message type"})
	}
}

func (c *Client) handleMessage(msg inboundMessage) {
	if strings.TrimSpace(msg.Text) == "" && len(msg.Files) == 0 && len(msg.Images) == 0 {
		c.sendEvent("error", map[string]string{"message": "message is empty"})
		return
	}
	if msg.AgentID == "" || msg.CustomerID == "" {
		c.sendEvent("error", map[string]string{"message": "agent_id and customer_id are required"})
		return
	}

	regKey := handlerregistry.Key{AgentID: msg.AgentID, ThreadID: msg.ThreadID, ProjectID: msg.ProjectID}
	handler := c.registry.GetOrCreate(regKey, func() *msghandler.Handler {
		return c.newHandler(regKey)
	})

	hKey := msghandler.Key{
		BusinessID: c.businessID,
		AgentID:    msg.AgentID,
		ThreadID:   msg.ThreadID,
		ProjectID:  msg.ProjectID,
		CustomerID: msg.CustomerID,
		Channel:    "websocket",
	}
	item := models.ConversationBatchItem{
		Text:       msg.Text,
		Images:     msg.Images,
		Files:      msg.Files,
		ReceivedAt: time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.hub.registerCancel <- cancelRequest{BusinessID: c.businessID, CancelFunc: cancel}

	if dropped := !handler.Add(ctx, hKey, item, msg.ReplyToMessageID); dropped {
		c.sendEvent("error", map[string]string{"message": "conversation queue is full, message dropped"})
	}
}

// sendEvent marshals and sends an event to the client's send channel, with
// a send that blocks for at most timeout and then drops the event, so a slow
// client can't stall the hub.
func (c *Client) sendEvent(eventType string, data interface{}) {
	eventData := map[string]interface{}{"type": eventType, "data": data}
	jsonEvent, err := json.Marshal(eventData)
	if err != nil {
		log.Printf("CRITICAL: failed to marshal event to JSON: %v", err)
		return
	}

	timeout := sendEventTimeout
	if eventType == "done" || eventType == "error" || eventType == "ai_response" {
		timeout = finalEventTimeout
	}

	select {
	case c.send <- jsonEvent:
	case <-time.After(timeout):
		log.Printf("WARNING: WebSocket send channel full for business %s. Dropping event: %s", c.businessID, eventType)
	}
}

// closeConnection safely closes the send channel to terminate the WritePump.
func (c *Client) closeConnection() {
	select {
	case <-c.send:
	default:
		close(c.send)
	}
}
