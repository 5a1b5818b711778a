package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"dispatchengine/internal/apperr"
	"dispatchengine/internal/handlerregistry"
	"dispatchengine/internal/models"
	"dispatchengine/internal/msghandler"
)

// ChannelHandler is the generic inbound webhook entrypoint standing in for
// the out-of-scope Instagram DM / WhatsApp channel adapters: it normalizes a
// channel-agnostic payload and feeds it to the Handler Registry ->
// Message Handler add() pipeline, the same contract a real adapter
// would call.
type ChannelHandler struct {
	Registry *handlerregistry.Registry
	NewHandler func(key handlerregistry.Key) *msghandler.Handler
	validate   *validator.Validate
}

// NewChannelHandler builds a ChannelHandler.
func NewChannelHandler(registry *handlerregistry.Registry, newHandler func(key handlerregistry.Key) *msghandler.Handler) *ChannelHandler {
	return &ChannelHandler{Registry: registry, NewHandler: newHandler, validate: validator.New()}
}

// Inbound handles POST /internal/channels/{channel}/messages.
func (h *ChannelHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	user, ok := r.Context().Value(UserContextKey).(*models.User)
	if !ok {
		RespondWithError(w, http.StatusUnauthorized, "Authorization token is missing")
		return
	}
	businessID := user.ID

	var req models.ChannelMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	req.Channel = chi.URLParam(r, "channel")
	if err := h.validate.Struct(req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		resolved, err := h.Registry.ResolveAgentForChannel(r.Context(), businessID, req.Channel)
		if err != nil || resolved == "" {
			log.Printf("[channels] no active agent for %s/%s: %v", businessID, req.Channel, err)
			RespondWithAppError(w, apperr.New(apperr.NotFound, "no active agent bound to this channel"))
			return
		}
		agentID = resolved
	}

	key := handlerregistry.Key{AgentID: agentID, ThreadID: req.ThreadID, ProjectID: req.ProjectID}
	handler := h.Registry.GetOrCreate(key, func() *msghandler.Handler { return h.NewHandler(key) })

	text := ""
	if req.Text != nil {
		text = *req.Text
	} else if req.AudioTranscription != nil {
		text = *req.AudioTranscription
	}

	// Shares and stories arrive as already-resolved media URLs (the channel
	// adapter resolves backing media before calling in); they ride along as
	// image attachments.
	images := req.Images
	images = append(images, req.Shares...)
	images = append(images, req.Stories...)

	item := models.ConversationBatchItem{
		Text:       text,
		Images:     images,
		Files:      req.Files,
		ReceivedAt: time.Now(),
	}
	mk := msghandler.Key{
		BusinessID: businessID,
		AgentID:    agentID,
		ThreadID:   req.ThreadID,
		ProjectID:  req.ProjectID,
		CustomerID: req.UserID,
		Channel:    req.Channel,
	}

	replyTo := ""
	if req.ReplyToMessageID != nil {
		replyTo = *req.ReplyToMessageID
	}

	if ok := handler.Add(r.Context(), mk, item, replyTo); !ok {
		RespondWithAppError(w, apperr.New(apperr.ResourcePressure, "message dropped: conversation queue is at capacity"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
