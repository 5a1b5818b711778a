package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchengine/internal/convqueue"
	"dispatchengine/internal/handlerregistry"
	"dispatchengine/internal/models"
	"dispatchengine/internal/msghandler"
)

type stubAgentResolver struct {
	agentID string
	err     error
}

func (s stubAgentResolver) FirstActiveAgentForChannel(ctx context.Context, businessID, channel string) (string, error) {
	return s.agentID, s.err
}

type dispatchRecorder struct {
	mu      sync.Mutex
	batches [][]models.ConversationBatchItem
}

func (r *dispatchRecorder) dispatch(ctx context.Context, key msghandler.Key, items []models.ConversationBatchItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
}

func (r *dispatchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type webhookFixture struct {
	handler  *ChannelHandler
	recorder *dispatchRecorder
	router   *chi.Mux
}

// newWebhookFixture wires a ChannelHandler over a real registry and real
// message handlers with a fast batch window, recording every dispatched
// batch instead of invoking an agent.
func newWebhookFixture(t *testing.T, resolver handlerregistry.AgentResolver, maxQueues int) *webhookFixture {
	t.Helper()
	rec := &dispatchRecorder{}
	metrics := msghandler.NewMetrics(prometheus.NewRegistry(), "webhooktest")
	ctx := context.Background()

	registry := handlerregistry.New(handlerregistry.Config{MaxHandlers: 10}, resolver)
	newHandler := func(key handlerregistry.Key) *msghandler.Handler {
		return msghandler.New(ctx, msghandler.Config{
			MaxTotalQueues: maxQueues,
			QueueConfig: convqueue.Config{
				MaxQueueSize: 10,
				BatchTimeout: 20 * time.Millisecond,
			},
		}, rec.dispatch, nil, nil, nil, metrics)
	}

	h := NewChannelHandler(registry, newHandler)
	router := chi.NewRouter()
	router.Post("/internal/channels/{channel}/messages", h.Inbound)
	return &webhookFixture{handler: h, recorder: rec, router: router}
}

func postInbound(t *testing.T, router *chi.Mux, channel string, body interface{}, user *models.User) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/channels/"+channel+"/messages", &buf)
	if user != nil {
		req = req.WithContext(context.WithValue(req.Context(), UserContextKey, user))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestInbound_AcceptsAndDispatchesMessage(t *testing.T) {
	fx := newWebhookFixture(t, nil, 10)
	user := &models.User{ID: "biz-1"}

	rr := postInbound(t, fx.router, "instagram", map[string]interface{}{
		"agent_id": "agent-1",
		"user_id":  "customer-1",
		"text":     "hello",
	}, user)

	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool { return fx.recorder.count() == 1 },
		time.Second, 10*time.Millisecond, "the enqueued message must reach the dispatcher once the batch window closes")
	assert.Equal(t, "hello", fx.recorder.batches[0][0].Text)
}

func TestInbound_MissingUserIsUnauthorized(t *testing.T) {
	fx := newWebhookFixture(t, nil, 10)

	rr := postInbound(t, fx.router, "instagram", map[string]interface{}{
		"agent_id": "agent-1",
		"user_id":  "customer-1",
		"text":     "hello",
	}, nil)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestInbound_MalformedBodyIsBadRequest(t *testing.T) {
	fx := newWebhookFixture(t, nil, 10)
	user := &models.User{ID: "biz-1"}

	rr := postInbound(t, fx.router, "instagram", "{not json", user)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestInbound_MissingUserIDFailsValidation(t *testing.T) {
	fx := newWebhookFixture(t, nil, 10)
	user := &models.User{ID: "biz-1"}

	rr := postInbound(t, fx.router, "instagram", map[string]interface{}{
		"agent_id": "agent-1",
		"text":     "hello",
	}, user)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestInbound_ResolvesAgentByChannelWhenUnset(t *testing.T) {
	fx := newWebhookFixture(t, stubAgentResolver{agentID: "agent-42"}, 10)
	user := &models.User{ID: "biz-1"}

	rr := postInbound(t, fx.router, "whatsapp_business", map[string]interface{}{
		"user_id": "customer-1",
		"text":    "hi",
	}, user)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool { return fx.recorder.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestInbound_NoActiveAgentIsNotFound(t *testing.T) {
	fx := newWebhookFixture(t, stubAgentResolver{err: errors.New("no rows")}, 10)
	user := &models.User{ID: "biz-1"}

	rr := postInbound(t, fx.router, "whatsapp_business", map[string]interface{}{
		"user_id": "customer-1",
		"text":    "hi",
	}, user)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, 0, fx.recorder.count())
}

func TestInbound_QueueCapSurfacesServiceUnavailable(t *testing.T) {
	fx := newWebhookFixture(t, nil, 1)
	user := &models.User{ID: "biz-1"}

	first := postInbound(t, fx.router, "instagram", map[string]interface{}{
		"agent_id": "agent-1",
		"user_id":  "customer-1",
		"text":     "first",
	}, user)
	require.Equal(t, http.StatusAccepted, first.Code)

	// A second customer needs a second queue; the cap of 1 forces a drop.
	second := postInbound(t, fx.router, "instagram", map[string]interface{}{
		"agent_id": "agent-1",
		"user_id":  "customer-2",
		"text":     "second",
	}, user)
	assert.Equal(t, http.StatusServiceUnavailable, second.Code)
}

func TestInbound_SharesAndStoriesRideAlongAsImages(t *testing.T) {
	fx := newWebhookFixture(t, nil, 10)
	user := &models.User{ID: "biz-1"}

	rr := postInbound(t, fx.router, "instagram", map[string]interface{}{
		"agent_id": "agent-1",
		"user_id":  "customer-1",
		"text":     "look",
		"images":   []string{"https://cdn/img1.jpg"},
		"shares":   []string{"https://cdn/share1.jpg"},
		"stories":  []string{"https://cdn/story1.jpg"},
	}, user)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool { return fx.recorder.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"https://cdn/img1.jpg", "https://cdn/share1.jpg", "https://cdn/story1.jpg"},
		fx.recorder.batches[0][0].Images)
}
