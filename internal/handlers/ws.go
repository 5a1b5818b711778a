package handlers

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"dispatchengine/internal/config"
	"dispatchengine/internal/handlerregistry"
	"dispatchengine/internal/models"
	appwebsocket "dispatchengine/internal/websocket"

	"github.com/gorilla/websocket"
)

// WSHandler handles the WebSocket connection lifecycle for the channel
// adapter: an authenticated business operator connects once and their
// browser tab receives every ai_response/mark_read event for that
// business, while inbound "message" frames feed the Handler Registry
// -> Message Handler pipeline.
type WSHandler struct {
	Hub        *appwebsocket.Hub
	Registry   *handlerregistry.Registry
	NewHandler appwebsocket.HandlerFactory
	Cfg        *config.AppConfig
	upgrader   websocket.Upgrader
}

// NewWSHandler creates a new WSHandler and configures the WebSocket upgrader.
func NewWSHandler(hub *appwebsocket.Hub, registry *handlerregistry.Registry, newHandler appwebsocket.HandlerFactory, cfg *config.AppConfig) *WSHandler {
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")

	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		// CheckOrigin validates the origin of the WebSocket request to prevent
		// Cross-Site WebSocket Hijacking. It should only allow origins from
		// the business dashboard's own origin(s).
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range origins {
				if strings.EqualFold(allowed, originURL.String()) || strings.EqualFold(allowed, originURL.Hostname()) {
					return true
				}
			}
			log.Printf("WebSocket connection from disallowed origin rejected: %s", origin)
			return false
		},
	}

	return &WSHandler{
		Hub:        hub,
		Registry:   registry,
		NewHandler: newHandler,
		Cfg:        cfg,
		upgrader:   upgrader,
	}
}

// ServeWs handles the initial HTTP request and upgrades it to a WebSocket
// connection, then registers a Client with the Hub for the authenticated
// business.
func (h *WSHandler) ServeWs(w http.ResponseWriter, r *http.Request) {
	user, ok := r.Context().Value(UserContextKey).(*models.User)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for business %s: %v", user.ID, err)
		return
	}

	client := appwebsocket.NewClient(h.Hub, conn, user.ID, h.Registry, h.NewHandler)
	h.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	log.Printf("WebSocket client connected for business %s (%s)", user.ID, user.Username)
}
