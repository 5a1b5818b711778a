// Package websocket implements the WebSocket channel adapter: the
// inbound leg of the channel adapter -> handler registry -> message
// handler pipeline, and the transport channel.WebSocketSender publishes
// outbound ai_response/mark_read events through.
package websocket

import (
	"context"
	"log"
	"sync"
)

// Hub manages the lifecycle of all WebSocket clients, keyed by business id
// so a reply can be broadcast to every connection a business currently has
// open (an operator may have several browser tabs/devices connected).
type Hub struct {
	// clients holds active connections, keyed by business id.
	clients map[string]map[*Client]bool

	// cancelFuncs holds a cancellation function for each business's most
	// recent in-flight dispatch, keyed by business id.
	cancelFuncs map[string]context.CancelFunc

	// mu protects both clients and cancelFuncs. All modifications happen
	// within the single-threaded Run loop, so one mutex is sufficient.
	mu sync.RWMutex

	register       chan *Client
	unregister     chan *Client
	registerCancel chan cancelRequest
	cancelProcess  chan string
}

type cancelRequest struct {
	BusinessID string
	CancelFunc context.CancelFunc
}

// NewHub creates and initializes a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		clients:        make(map[string]map[*Client]bool),
		cancelFuncs:    make(map[string]context.CancelFunc),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		registerCancel: make(chan cancelRequest),
		cancelProcess:  make(chan string),
	}
}

// Register sends a client to the register channel for safe registration.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Run starts the central event loop for the Hub. It listens on its channels
// and processes client registrations, unregistrations, and cancellations.
// This method should be run as a goroutine.
func (h *Hub) Run() {
	log.Println("[WebSocket Hub] Hub is running.")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			businessID := client.businessID
			if _, ok := h.clients[businessID]; !ok {
				h.clients[businessID] = make(map[*Client]bool)
			}
			h.clients[businessID][client] = true
			h.mu.Unlock()
			log.Printf("[WebSocket Hub] Client registered for business %s", businessID)

		case client := <-h.unregister:
			h.mu.Lock()
			businessID := client.businessID
			if businessClients, ok := h.clients[businessID]; ok {
				if _, exists := businessClients[client]; exists {
					delete(businessClients, client)
					client.closeConnection()
					if len(businessClients) == 0 {
						delete(h.clients, businessID)
						delete(h.cancelFuncs, businessID)
						log.Printf("[WebSocket Hub] Last client for business %s disconnected.", businessID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("[WebSocket Hub] Client unregistered for business %s", businessID)

		case req := <-h.registerCancel:
			h.mu.Lock()
			// A second registration for the same business overwrites the
			// first: only the most recent in-flight dispatch is cancellable.
			h.cancelFuncs[req.BusinessID] = req.CancelFunc
			h.mu.Unlock()

		case businessID := <-h.cancelProcess:
			h.mu.RLock()
			cancelFunc, ok := h.cancelFuncs[businessID]
			h.mu.RUnlock()
			if ok {
				cancelFunc()
			}
		}
	}
}

// BroadcastToBusiness publishes event/payload to every connection
// currently registered for businessID. Satisfies channel.Broadcaster.
func (h *Hub) BroadcastToBusiness(businessID string, event string, payload interface{}) error {
	h.mu.RLock()
	clients := h.clients[businessID]
	h.mu.RUnlock()

	for c := range clients {
		c.sendEvent(event, payload)
	}
	return nil
}
