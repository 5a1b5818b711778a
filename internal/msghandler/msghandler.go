// Package msghandler implements the message handler: a per-channel owner
// of per-conversation queues, keyed by conversation identity, that applies
// the manual-response-override check and the total-queue cap before a
// message ever reaches a queue. Prometheus metrics go through promauto.
package msghandler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dispatchengine/internal/cache"
	"dispatchengine/internal/convqueue"
	"dispatchengine/internal/models"
)

const (
	// DefaultMaxTotalQueues bounds the number of live conversation keys a
	// single Handler may hold at once.
	DefaultMaxTotalQueues = 5000
	replyResolveAttempts  = 3
	replyResolveBaseDelay = 50 * time.Millisecond
	flushAllTimeout       = 60 * time.Second
	stopGracePeriod       = 1 * time.Second
)

// Key identifies one conversation's Per-Conversation Queue.
type Key struct {
	BusinessID string
	AgentID    string
	ThreadID   *string
	ProjectID  *string
	CustomerID string
	Channel    string
}

func (k Key) cacheKey() string {
	s := k.BusinessID + "/" + k.AgentID + "/" + k.CustomerID
	if k.ThreadID != nil {
		s += "/t:" + *k.ThreadID
	}
	if k.ProjectID != nil {
		s += "/p:" + *k.ProjectID
	}
	return s
}

// DispatchFunc is invoked once per flushed batch for a given key.
// Implemented by internal/dispatch.Dispatcher.Handle.
type DispatchFunc func(ctx context.Context, key Key, items []models.ConversationBatchItem)

// MessageResolver resolves the text of a previously-sent message, used to
// prepend quoted context when an inbound message carries reply_to_message_id.
type MessageResolver interface {
	ResolveMessageText(ctx context.Context, businessID, messageID string) (string, error)
}

// Metrics holds the Handler's Prometheus collectors. A single Metrics
// instance is shared across every Handler the registry creates — the
// gauges/counters are process-wide, not per-Handler, so they must be
// registered exactly once.
type Metrics struct {
	activeQueues      prometheus.Gauge
	maxQueueSizeSeen  prometheus.Gauge
	messagesProcessed prometheus.Counter
	messagesDropped   prometheus.Counter
	aiInvokeTimeouts  prometheus.Counter
}

// NewMetrics registers the Handler metrics on reg under namespace. Call
// once at startup and share the result across every Handler.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeQueues: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_queues",
			Help: "Number of live per-conversation queues.",
		}),
		maxQueueSizeSeen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "max_queue_size_seen",
			Help: "Largest queue depth observed across all conversations.",
		}),
		messagesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_processed_total",
			Help: "Inbound messages successfully enqueued.",
		}),
		messagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped_total",
			Help: "Inbound messages dropped due to resource pressure.",
		}),
		aiInvokeTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ai_invoke_timeouts_total",
			Help: "Agent invocations that exceeded the invoke timeout.",
		}),
	}
}

// ManualOverrideStore is the subset of database access the add() override
// check needs, named so it can be faked in tests.
type ManualOverrideStore interface {
	ManualResponseOverrideActive(ctx context.Context, businessID, customerID string) (bool, error)
}

// Handler owns the per-conversation queues for one (agent, thread, project) scope.
type Handler struct {
	dispatch  DispatchFunc
	overrides ManualOverrideStore
	cache     *cache.Cache
	resolver  MessageResolver
	metrics   *Metrics
	maxTotal  int
	queueCfg  convqueue.Config

	mu      sync.Mutex
	queues  map[string]*convqueue.Queue
	keys    map[string]Key
	maxSeen int

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures a new Handler.
type Config struct {
	MaxTotalQueues int
	QueueConfig    convqueue.Config
}

// New creates a Handler bound to one Dispatch func. The Handler owns its
// own cancelable context, derived from parent, used to stop every queue on
// Stop(). metrics must be shared across every Handler in the process (see
// Metrics' doc comment).
func New(parent context.Context, cfg Config, dispatch DispatchFunc, overrides ManualOverrideStore, c *cache.Cache, resolver MessageResolver, metrics *Metrics) *Handler {
	maxTotal := cfg.MaxTotalQueues
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotalQueues
	}
	ctx, cancel := context.WithCancel(parent)
	return &Handler{
		dispatch:  dispatch,
		overrides: overrides,
		cache:     c,
		resolver:  resolver,
		metrics:   metrics,
		maxTotal:  maxTotal,
		queueCfg:  cfg.QueueConfig,
		queues:    make(map[string]*convqueue.Queue),
		keys:      make(map[string]Key),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Add enqueues one inbound message. It returns false when the message was
// suppressed by an active manual-response override or dropped (either the
// total-queue cap was hit, or the per-queue bounded blocking put timed out).
func (h *Handler) Add(ctx context.Context, key Key, item models.ConversationBatchItem, replyToMessageID string) bool {
	// Redis short-circuit first; the Postgres flag stays the source of truth
	// when the cache has no opinion.
	if h.cache.ManualOverrideActive(ctx, key.BusinessID, key.CustomerID) {
		return false
	}
	if h.overrides != nil {
		active, err := h.overrides.ManualResponseOverrideActive(ctx, key.BusinessID, key.CustomerID)
		if err == nil && active {
			return false
		}
	}

	if replyToMessageID != "" && h.resolver != nil {
		if quoted := h.resolveQuoted(ctx, key.BusinessID, replyToMessageID); quoted != "" {
			item.Text = quoted + "\n" + item.Text
		}
	}

	q := h.queueFor(key)
	if q == nil {
		h.metrics.messagesDropped.Inc()
		log.Printf("[msghandler] dropping message for %s: total-queue cap reached", key.cacheKey())
		return false
	}

	dropped := q.Push(item)
	if dropped {
		h.metrics.messagesDropped.Inc()
		log.Printf("[msghandler] dropping message for %s: queue full", key.cacheKey())
		return false
	}
	h.metrics.messagesProcessed.Inc()
	h.ObserveQueueDepth(q.Len())
	return true
}

// resolveQuoted resolves replyToMessageID's text with a bounded
// exponential-backoff retry. Any persisting failure yields an empty string —
// the inbound message is still delivered, just without quoted context.
func (h *Handler) resolveQuoted(ctx context.Context, businessID, messageID string) string {
	delay := replyResolveBaseDelay
	for attempt := 0; attempt < replyResolveAttempts; attempt++ {
		text, err := h.resolver.ResolveMessageText(ctx, businessID, messageID)
		if err == nil {
			return text
		}
		if attempt == replyResolveAttempts-1 {
			log.Printf("[msghandler] failed to resolve reply_to_message_id %s after %d attempts: %v", messageID, replyResolveAttempts, err)
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(delay):
		}
		delay *= 2
	}
	return ""
}

// queueFor returns the existing queue for key, or creates one under the
// total-queue cap. Returns nil if the cap is already reached.
func (h *Handler) queueFor(key Key) *convqueue.Queue {
	ck := key.cacheKey()

	h.mu.Lock()
	defer h.mu.Unlock()

	if q, ok := h.queues[ck]; ok {
		return q
	}
	if len(h.queues) >= h.maxTotal {
		return nil
	}

	cfg := h.queueCfg
	cfg.OnIdleExit = func() { h.removeQueue(ck) }
	q := convqueue.New(h.ctx, cfg, func(dctx context.Context, items []models.ConversationBatchItem) {
		h.dispatch(dctx, key, items)
	})
	h.queues[ck] = q
	h.keys[ck] = key
	h.metrics.activeQueues.Set(float64(len(h.queues)))
	return q
}

func (h *Handler) removeQueue(cacheKey string) {
	h.mu.Lock()
	delete(h.queues, cacheKey)
	delete(h.keys, cacheKey)
	h.metrics.activeQueues.Set(float64(len(h.queues)))
	h.mu.Unlock()
}

// ObserveQueueDepth updates max_queue_size_seen; Add invokes this after each
// successful push so the gauge reflects the high-water mark across all keys.
func (h *Handler) ObserveQueueDepth(depth int) {
	current := h.metrics.maxQueueSizeSeen
	// Gauge has no compare-and-set; read is not exposed by the client, so
	// this Handler tracks its own high-water mark alongside the gauge.
	h.mu.Lock()
	if depth > h.maxSeen {
		h.maxSeen = depth
		current.Set(float64(depth))
	}
	h.mu.Unlock()
}

// ObserveTimeout increments ai_invoke_timeouts.
func (h *Handler) ObserveTimeout() {
	h.metrics.aiInvokeTimeouts.Inc()
}

// ObserveTimeout increments ai_invoke_timeouts directly on a shared
// Metrics instance, for callers (the Dispatcher) that observe a timeout
// without going through a specific Handler.
func (m *Metrics) ObserveTimeout() {
	m.aiInvokeTimeouts.Inc()
}

// FlushAll enqueues stop sentinels on every live queue and waits up to
// flushAllTimeout for them to drain.
func (h *Handler) FlushAll() {
	h.mu.Lock()
	queues := make([]*convqueue.Queue, 0, len(h.queues))
	for _, q := range h.queues {
		queues = append(queues, q)
	}
	h.mu.Unlock()

	for _, q := range queues {
		q.Stop()
	}
	deadline := time.After(flushAllTimeout)
	for _, q := range queues {
		select {
		case <-q.Done():
		case <-deadline:
			return
		}
	}
}

// Stop signals every worker to stop; after a grace period it cancels
// surviving workers via the Handler's context.
func (h *Handler) Stop() {
	h.mu.Lock()
	queues := make([]*convqueue.Queue, 0, len(h.queues))
	for _, q := range h.queues {
		queues = append(queues, q)
	}
	h.mu.Unlock()

	for _, q := range queues {
		q.Stop()
	}
	timer := time.NewTimer(stopGracePeriod)
	defer timer.Stop()
	remaining := len(queues)
	done := make(chan struct{}, len(queues))
	for _, q := range queues {
		q := q
		go func() { <-q.Done(); done <- struct{}{} }()
	}
	for remaining > 0 {
		select {
		case <-done:
			remaining--
		case <-timer.C:
			h.cancel()
			return
		}
	}
}

// IsInactive reports whether this Handler currently owns no live queues,
// for internal/handlerregistry's idle sweep.
func (h *Handler) IsInactive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues) == 0
}

func (h *Handler) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("msghandler(queues=%d/%d)", len(h.queues), h.maxTotal)
}
