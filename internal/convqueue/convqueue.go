// Package convqueue implements the per-conversation queue: a bounded FIFO
// plus exactly one cooperative worker per key, batching inbound messages
// within a coalescing window before handing the batch to the Dispatcher.
//
// The worker is a three-state machine: Collecting (waiting for the first
// item or timeout) -> Draining (non-blocking drain) -> Flushing (handing
// the batch to the Dispatcher) -> back to Collecting, or Exit on
// idle-timeout / stop sentinel.
package convqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dispatchengine/internal/models"
)

const (
	// DefaultMaxQueueSize is the per-key bounded FIFO depth.
	DefaultMaxQueueSize = 500
	// DefaultBatchTimeout is the coalescing window.
	DefaultBatchTimeout = 5 * time.Second
	// DefaultIdleTimeout is how long a worker waits with an empty queue
	// before exiting and removing itself from the owning Handler.
	DefaultIdleTimeout = 120 * time.Second
	// blockingPutTimeout is how long Push will block on a full queue
	// before dropping.
	blockingPutTimeout = 1 * time.Second
)

// stopSentinel is pushed to request a flush-then-exit.
type stopSentinel struct{}

// Dispatch is called once per flushed batch. Implemented by
// internal/dispatch.Dispatcher.
type Dispatch func(ctx context.Context, items []models.ConversationBatchItem)

// state is the 3-state machine driving one worker goroutine.
type state int

const (
	stateCollecting state = iota
	stateDraining
	stateFlushing
)

// Queue is one per-conversation queue: a bounded FIFO owned by exactly
// one worker goroutine.
type Queue struct {
	maxSize      int
	batchTimeout time.Duration
	idleTimeout  time.Duration
	dispatchSem  *semaphore.Weighted // caps simultaneous agent calls across the Handler
	onIdleExit   func()              // removes this queue from the parent Handler's map

	mu           sync.Mutex
	items        *list.List // of models.ConversationBatchItem or stopSentinel
	notEmpty     chan struct{}
	lastActivity time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// Config configures a new Queue.
type Config struct {
	MaxQueueSize int
	BatchTimeout time.Duration
	IdleTimeout  time.Duration
	DispatchSem  *semaphore.Weighted
	OnIdleExit   func()
}

// New creates a Queue and starts its worker goroutine. dispatch is invoked
// once per flushed, non-empty batch.
func New(ctx context.Context, cfg Config, dispatch Dispatch) *Queue {
	maxSize := cfg.MaxQueueSize
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	q := &Queue{
		maxSize:      maxSize,
		batchTimeout: batchTimeout,
		idleTimeout:  idleTimeout,
		dispatchSem:  cfg.DispatchSem,
		onIdleExit:   cfg.OnIdleExit,
		items:        list.New(),
		notEmpty:     make(chan struct{}, 1),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	go q.run(ctx, dispatch)
	return q
}

// Push enqueues one item in FIFO order. If the queue is at capacity, it
// blocks up to blockingPutTimeout hoping the worker drains in time; on
// continued overflow it drops the item and reports dropped=true so the
// caller (Message Handler) can increment messages_dropped.
func (q *Queue) Push(item models.ConversationBatchItem) (dropped bool) {
	deadline := time.Now().Add(blockingPutTimeout)
	for {
		q.mu.Lock()
		if q.items.Len() < q.maxSize {
			q.items.PushBack(item)
			q.mu.Unlock()
			q.signal()
			return false
		}
		q.mu.Unlock()
		if time.Now().After(deadline) {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Stop requests a flush-then-exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.items.PushBack(stopSentinel{})
	q.mu.Unlock()
	q.signal()
}

// Done reports a channel closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Len reports the current queue depth, for the max_queue_size_seen gauge.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// tryPop removes and returns the front item, if any, without blocking.
func (q *Queue) tryPop() (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value, true
}

// run drives the Collecting/Draining/Flushing/Exit state machine. Exactly
// one goroutine runs this per Queue.
func (q *Queue) run(ctx context.Context, dispatch Dispatch) {
	defer close(q.done)
	st := stateCollecting
	var batch []models.ConversationBatchItem
	stopping := false

	for {
		switch st {
		case stateCollecting:
			select {
			case <-ctx.Done():
				return
			case <-q.notEmpty:
				st = stateDraining
			case <-time.After(q.batchTimeout):
				q.mu.Lock()
				idle := q.items.Len() == 0 && time.Since(q.lastActivity) > q.idleTimeout
				q.mu.Unlock()
				if idle {
					if q.onIdleExit != nil {
						q.onIdleExit()
					}
					return
				}
				// timeout with nothing new: stay Collecting.
			}

		case stateDraining:
			v, ok := q.tryPop()
			if !ok {
				st = stateFlushing
				continue
			}
			if _, isStop := v.(stopSentinel); isStop {
				stopping = true
				st = stateFlushing
				continue
			}
			item := v.(models.ConversationBatchItem)
			batch = append(batch, item)
			// keep draining non-blockingly until empty

		case stateFlushing:
			if len(batch) > 0 {
				q.flush(ctx, dispatch, batch)
				batch = nil
			}
			q.mu.Lock()
			q.lastActivity = time.Now()
			q.mu.Unlock()
			if stopping {
				return
			}
			st = stateCollecting
		}
	}
}

// flush hands a non-empty batch to the Dispatcher, gated by the shared
// agent-call semaphore.
func (q *Queue) flush(ctx context.Context, dispatch Dispatch, batch []models.ConversationBatchItem) {
	if q.dispatchSem != nil {
		if err := q.dispatchSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer q.dispatchSem.Release(1)
	}
	dispatch(ctx, batch)
}
