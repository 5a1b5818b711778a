package msghandler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchengine/internal/convqueue"
	"dispatchengine/internal/models"
)

type batchRecorder struct {
	mu      sync.Mutex
	blocked chan struct{} // closed when the first dispatch starts
	unblock chan struct{}
	batches [][]models.ConversationBatchItem
}

func newBatchRecorder(block bool) *batchRecorder {
	r := &batchRecorder{unblock: make(chan struct{})}
	if block {
		r.blocked = make(chan struct{})
	} else {
		close(r.unblock)
	}
	return r
}

func (r *batchRecorder) dispatch(ctx context.Context, key Key, items []models.ConversationBatchItem) {
	if r.blocked != nil {
		select {
		case <-r.blocked:
		default:
			close(r.blocked)
		}
		<-r.unblock
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]models.ConversationBatchItem, len(items))
	copy(cp, items)
	r.batches = append(r.batches, cp)
}

func (r *batchRecorder) all() [][]models.ConversationBatchItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]models.ConversationBatchItem, len(r.batches))
	copy(out, r.batches)
	return out
}

type fakeOverrides struct{ active bool }

func (f *fakeOverrides) ManualResponseOverrideActive(ctx context.Context, businessID, customerID string) (bool, error) {
	return f.active, nil
}

type fakeResolver struct {
	mu       sync.Mutex
	failures int
	text     string
	calls    int
}

func (f *fakeResolver) ResolveMessageText(ctx context.Context, businessID, messageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("not yet visible")
	}
	return f.text, nil
}

func testKey(customer string) Key {
	return Key{BusinessID: "b1", AgentID: "a1", CustomerID: customer, Channel: "websocket"}
}

func newTestHandler(t *testing.T, cfg Config, dispatch DispatchFunc, overrides ManualOverrideStore, resolver MessageResolver) (*Handler, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry(), "test")
	h := New(context.Background(), cfg, dispatch, overrides, nil, resolver, metrics)
	t.Cleanup(h.Stop)
	return h, metrics
}

func msg(text string) models.ConversationBatchItem {
	return models.ConversationBatchItem{Text: text, ReceivedAt: time.Now()}
}

// TestAddQueueFullDrop: with max_queue_size=3 and a
// worker stuck mid-flush, a fourth back-to-back message is dropped and
// counted exactly once.
func TestAddQueueFullDrop(t *testing.T) {
	rec := newBatchRecorder(true)
	h, metrics := newTestHandler(t, Config{
		QueueConfig: convqueue.Config{MaxQueueSize: 3, BatchTimeout: 5 * time.Millisecond},
	}, rec.dispatch, nil, nil)
	defer close(rec.unblock)

	key := testKey("c1")
	require.True(t, h.Add(context.Background(), key, msg("primer"), ""))
	<-rec.blocked // worker is now stuck flushing; nothing drains.

	require.True(t, h.Add(context.Background(), key, msg("one"), ""))
	require.True(t, h.Add(context.Background(), key, msg("two"), ""))
	require.True(t, h.Add(context.Background(), key, msg("three"), ""))
	require.False(t, h.Add(context.Background(), key, msg("four"), ""), "push past capacity must drop")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesDropped))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.messagesProcessed))
}

// TestAddTotalQueueCap verifies the handler-wide bound: once
// max_total_queues distinct conversations exist, a new key is dropped.
func TestAddTotalQueueCap(t *testing.T) {
	rec := newBatchRecorder(false)
	h, metrics := newTestHandler(t, Config{
		MaxTotalQueues: 1,
		QueueConfig:    convqueue.Config{BatchTimeout: time.Minute},
	}, rec.dispatch, nil, nil)

	require.True(t, h.Add(context.Background(), testKey("c1"), msg("hello"), ""))
	require.False(t, h.Add(context.Background(), testKey("c2"), msg("hi"), ""))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.activeQueues))
}

// TestAddSuppressedByManualOverride verifies the human-reply window check:
// an active override suppresses the bot without creating a queue.
func TestAddSuppressedByManualOverride(t *testing.T) {
	rec := newBatchRecorder(false)
	h, _ := newTestHandler(t, Config{}, rec.dispatch, &fakeOverrides{active: true}, nil)

	require.False(t, h.Add(context.Background(), testKey("c1"), msg("hello"), ""))
	assert.True(t, h.IsInactive(), "no queue should exist for a suppressed conversation")
}

// TestAddResolvesQuotedReplyWithRetry verifies reply_to_message_id handling:
// the quoted text is resolved with bounded retries and prepended as context.
func TestAddResolvesQuotedReplyWithRetry(t *testing.T) {
	rec := newBatchRecorder(false)
	resolver := &fakeResolver{failures: 2, text: "original question"}
	h, _ := newTestHandler(t, Config{
		QueueConfig: convqueue.Config{BatchTimeout: 10 * time.Millisecond},
	}, rec.dispatch, nil, resolver)

	require.True(t, h.Add(context.Background(), testKey("c1"), msg("my answer"), "41"))

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, time.Millisecond)
	batch := rec.all()[0]
	require.Len(t, batch, 1)
	assert.Equal(t, "original question\nmy answer", batch[0].Text)
	assert.Equal(t, 3, resolver.calls)
}

// TestFlushAllDrainsPendingBatches verifies flush_all(): queued items are
// dispatched before the workers exit.
func TestFlushAllDrainsPendingBatches(t *testing.T) {
	rec := newBatchRecorder(false)
	h, _ := newTestHandler(t, Config{
		QueueConfig: convqueue.Config{BatchTimeout: time.Minute},
	}, rec.dispatch, nil, nil)

	require.True(t, h.Add(context.Background(), testKey("c1"), msg("pending"), ""))
	h.FlushAll()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "pending", rec.all()[0][0].Text)
}
