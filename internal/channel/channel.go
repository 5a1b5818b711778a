// Package channel defines the outbound sender contract the dispatcher
// routes normalized responses through, plus thin stand-ins for the
// externally hosted channels (Instagram DM, WhatsApp Business, WhatsApp
// personal). Only the WebSocket adapter is implemented against a live
// transport here, on top of the hub's per-business broadcast registry.
package channel

import (
	"context"
	"fmt"

	"dispatchengine/internal/models"
)

// Kind identifies which outbound channel a message should route through.
type Kind string

const (
	KindWebSocket        Kind = "websocket"
	KindInstagramDM      Kind = "instagram_dm"
	KindWhatsAppBusiness Kind = "whatsapp_business"
	KindWhatsAppPersonal Kind = "whatsapp_personal"
)

// OutboundMessage is the payload a Sender delivers for one reply.
type OutboundMessage struct {
	BusinessID  string
	CustomerID  string
	ThreadID    *string
	ProjectID   *string
	TextBlocks  []models.NormalizedBlock
	ToolsUsed   []models.ToolUsed
}

// Event is a side-channel notification, e.g. mark_read, published
// alongside (not instead of) the reply itself.
type Event struct {
	Type       string
	BusinessID string
	Payload    map[string]interface{}
}

// Sender delivers one outbound message over a specific channel and
// publishes auxiliary events (mark_read and similar). Instagram DM and
// WhatsApp sends go through external services; only WebSocketSender is
// backed by a real transport here.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
	Publish(ctx context.Context, evt Event) error
}

// Registry resolves a Kind to its Sender.
type Registry map[Kind]Sender

// Resolve returns the Sender for kind, or an error if none is registered.
func (r Registry) Resolve(kind Kind) (Sender, error) {
	s, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %q", kind)
	}
	return s, nil
}

// Broadcaster is the minimal hub contract a WebSocketSender needs: publish
// one event to every connection registered under a business id. Satisfied
// by internal/websocket's Hub.
type Broadcaster interface {
	BroadcastToBusiness(businessID string, event string, payload interface{}) error
}

// WebSocketSender routes ai_response/mark_read events onto the business's
// WebSocket hub.
type WebSocketSender struct {
	hub Broadcaster
}

// NewWebSocketSender wraps hub as a channel.Sender.
func NewWebSocketSender(hub Broadcaster) *WebSocketSender {
	return &WebSocketSender{hub: hub}
}

func (w *WebSocketSender) Send(ctx context.Context, msg OutboundMessage) error {
	payload := map[string]interface{}{
		"type": "ai_response",
		"message": map[string]interface{}{
			"text_response": blocksToText(msg.TextBlocks),
			"attachments":   blocksToImages(msg.TextBlocks),
			"tools":         msg.ToolsUsed,
		},
	}
	if msg.ProjectID != nil {
		payload["project_id"] = *msg.ProjectID
	}
	if msg.ThreadID != nil {
		payload["thread_id"] = *msg.ThreadID
	}
	return w.hub.BroadcastToBusiness(msg.BusinessID, "ai_response", payload)
}

func (w *WebSocketSender) Publish(ctx context.Context, evt Event) error {
	return w.hub.BroadcastToBusiness(evt.BusinessID, evt.Type, evt.Payload)
}

func blocksToText(blocks []models.NormalizedBlock) []string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}

func blocksToImages(blocks []models.NormalizedBlock) []string {
	out := make([]string, 0)
	for _, b := range blocks {
		if b.ImageURL != "" {
			out = append(out, b.ImageURL)
		}
	}
	return out
}

// StubSender is a minimal Sender for channels whose send primitive lives
// in an external service (Instagram DM, WhatsApp Business/personal): it
// satisfies the interface so the Dispatcher can route to it uniformly,
// delegating to an injected send function the caller wires to the real
// API client.
type StubSender struct {
	SendFunc    func(ctx context.Context, msg OutboundMessage) error
	PublishFunc func(ctx context.Context, evt Event) error
}

func (s *StubSender) Send(ctx context.Context, msg OutboundMessage) error {
	if s.SendFunc == nil {
		return fmt.Errorf("no send function configured")
	}
	return s.SendFunc(ctx, msg)
}

func (s *StubSender) Publish(ctx context.Context, evt Event) error {
	if s.PublishFunc == nil {
		return nil
	}
	return s.PublishFunc(ctx, evt)
}
