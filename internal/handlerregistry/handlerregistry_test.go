package handlerregistry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchengine/internal/msghandler"
)

func testMetrics() *msghandler.Metrics {
	return msghandler.NewMetrics(prometheus.NewRegistry(), fmt.Sprintf("t%d", time.Now().UnixNano()))
}

func TestGetOrCreate_ReusesExistingHandlerForSameKey(t *testing.T) {
	r := New(Config{MaxHandlers: 10}, nil)
	ctx := context.Background()

	var created int
	create := func() *msghandler.Handler {
		created++
		return msghandler.New(ctx, msghandler.Config{}, nil, nil, nil, nil, testMetrics())
	}

	key := Key{AgentID: "agent-1"}
	h1 := r.GetOrCreate(key, create)
	h2 := r.GetOrCreate(key, create)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, r.Len())
}

func TestGetOrCreate_ThreadScopedKeyGetsItsOwnHandler(t *testing.T) {
	r := New(Config{MaxHandlers: 10}, nil)
	ctx := context.Background()
	create := func() *msghandler.Handler {
		return msghandler.New(ctx, msghandler.Config{}, nil, nil, nil, nil, testMetrics())
	}

	thread := "thread-2"
	h1 := r.GetOrCreate(Key{AgentID: "agent-1"}, create)
	h2 := r.GetOrCreate(Key{AgentID: "agent-1", ThreadID: &thread}, create)

	assert.NotSame(t, h1, h2, "a thread-scoped key is more specific and must not collide with the bare agent key")
	assert.Equal(t, 2, r.Len())
}

func TestKeyString_MostSpecificFirst(t *testing.T) {
	thread := "t1"
	proj := "p1"
	k := Key{AgentID: "a1", ThreadID: &thread, ProjectID: &proj}
	assert.Equal(t, "a1::thread::t1::proj::p1", k.String())
}

func TestEvictionCap(t *testing.T) {
	r := New(Config{MaxHandlers: 2}, nil)
	ctx := context.Background()
	create := func() *msghandler.Handler {
		return msghandler.New(ctx, msghandler.Config{}, nil, nil, nil, nil, testMetrics())
	}

	r.GetOrCreate(Key{AgentID: "a"}, create)
	r.GetOrCreate(Key{AgentID: "b"}, create)
	r.GetOrCreate(Key{AgentID: "c"}, create)

	require.Equal(t, 2, r.Len(), "registry must never exceed its configured cap")
}

type stubResolver struct {
	agentID string
	err     error
}

func (s stubResolver) FirstActiveAgentForChannel(ctx context.Context, businessID, channel string) (string, error) {
	return s.agentID, s.err
}

func TestResolveAgentForChannel(t *testing.T) {
	r := New(Config{}, stubResolver{agentID: "agent-42"})
	id, err := r.ResolveAgentForChannel(context.Background(), "biz-1", "whatsapp_business")
	require.NoError(t, err)
	assert.Equal(t, "agent-42", id)
}

func TestResolveAgentForChannel_NoResolverConfigured(t *testing.T) {
	r := New(Config{}, nil)
	_, err := r.ResolveAgentForChannel(context.Background(), "biz-1", "whatsapp_business")
	assert.Error(t, err)
}
