package convqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchengine/internal/models"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]models.ConversationBatchItem
}

func (r *recorder) dispatch(ctx context.Context, items []models.ConversationBatchItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]models.ConversationBatchItem, len(items))
	copy(cp, items)
	r.batches = append(r.batches, cp)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) all() [][]models.ConversationBatchItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]models.ConversationBatchItem, len(r.batches))
	copy(out, r.batches)
	return out
}

func item(text string) models.ConversationBatchItem {
	return models.ConversationBatchItem{Text: text, ReceivedAt: time.Now()}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

// TestBatchCoalescing verifies messages pushed within the batch window
// are coalesced into a single dispatch call, in FIFO order.
func TestBatchCoalescing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	q := New(ctx, Config{BatchTimeout: 30 * time.Millisecond}, rec.dispatch)
	defer q.Stop()

	q.Push(item("one"))
	q.Push(item("two"))
	q.Push(item("three"))

	waitFor(t, func() bool { return rec.count() == 1 }, 2*time.Second)

	batches := rec.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	assert.Equal(t, "one", batches[0][0].Text)
	assert.Equal(t, "two", batches[0][1].Text)
	assert.Equal(t, "three", batches[0][2].Text)
}

// TestStopFlushesPendingBatch verifies Stop() drains and dispatches whatever
// is queued before the worker exits.
func TestStopFlushesPendingBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	q := New(ctx, Config{BatchTimeout: time.Minute}, rec.dispatch)

	q.Push(item("only"))
	q.Stop()

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		require.Fail(t, "queue did not exit after Stop")
	}

	batches := rec.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "only", batches[0][0].Text)
}

// TestPushDropsOnFullQueue verifies the bounded-FIFO drop behavior when a
// queue never drains.
func TestPushDropsOnFullQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := make(chan struct{})
	unblock := make(chan struct{})
	rec := &recorder{}
	slow := func(ctx context.Context, items []models.ConversationBatchItem) {
		close(blocked)
		<-unblock
		rec.dispatch(ctx, items)
	}

	q := New(ctx, Config{MaxQueueSize: 2, BatchTimeout: 5 * time.Millisecond}, slow)
	defer func() {
		close(unblock)
		q.Stop()
	}()

	q.Push(item("a"))
	<-blocked // worker is now stuck flushing; queue stops draining.

	dropped1 := q.Push(item("b"))
	dropped2 := q.Push(item("c"))
	dropped3 := q.Push(item("d"))

	assert.False(t, dropped1)
	assert.False(t, dropped2)
	assert.True(t, dropped3, "third push past capacity should be dropped after the blocking-put timeout")
}
