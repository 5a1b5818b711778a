// Package handlerregistry implements an LRU over Message Handlers, keyed
// by "agent_id[::thread::<id>][::proj::<id>]" preferring the most specific
// key, plus the channel-to-agent resolution query for inbound webhooks
// that don't carry an agent id directly (Instagram DM, WhatsApp).
package handlerregistry

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"dispatchengine/internal/msghandler"
)

// DefaultMaxHandlers bounds how many handlers stay live at once.
const DefaultMaxHandlers = 200

// AgentResolver is the subset of database access needed to resolve a
// channel-only inbound payload to an agent id.
type AgentResolver interface {
	FirstActiveAgentForChannel(ctx context.Context, businessID, channel string) (string, error)
}

type entry struct {
	key        string
	handler    *msghandler.Handler
	key2       Key
	lastUsed   time.Time
}

// Key identifies one Message Handler, most-specific-first.
type Key struct {
	AgentID   string
	ThreadID  *string
	ProjectID *string
}

func (k Key) String() string {
	s := k.AgentID
	if k.ThreadID != nil {
		s += "::thread::" + *k.ThreadID
	}
	if k.ProjectID != nil {
		s += "::proj::" + *k.ProjectID
	}
	return s
}

// Registry is the LRU map of live Message Handlers.
type Registry struct {
	resolver   AgentResolver
	maxEntries int

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

// Config configures a new Registry.
type Config struct {
	MaxHandlers int
}

// New creates an empty Registry.
func New(cfg Config, resolver AgentResolver) *Registry {
	max := cfg.MaxHandlers
	if max <= 0 {
		max = DefaultMaxHandlers
	}
	return &Registry{
		resolver:   resolver,
		maxEntries: max,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// GetOrCreate returns the Handler for key, creating one with create() if
// absent. On reuse, if key carries a different thread_id/project_id than
// the cached entry, the cached entry's Key is updated to key.
func (r *Registry) GetOrCreate(key Key, create func() *msghandler.Handler) *msghandler.Handler {
	ck := key.String()

	r.mu.Lock()
	if el, ok := r.items[ck]; ok {
		r.ll.MoveToFront(el)
		ent := el.Value.(*entry)
		ent.lastUsed = time.Now()
		ent.key2 = key
		h := ent.handler
		r.mu.Unlock()
		return h
	}
	r.mu.Unlock()

	h := create()

	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.items[ck]; ok {
		ent := el.Value.(*entry)
		r.ll.MoveToFront(el)
		ent.lastUsed = time.Now()
		go h.Stop()
		return ent.handler
	}
	el := r.ll.PushFront(&entry{key: ck, handler: h, key2: key, lastUsed: time.Now()})
	r.items[ck] = el
	r.evictOverCapacityLocked()
	return h
}

func (r *Registry) evictOverCapacityLocked() {
	for r.ll.Len() > r.maxEntries {
		back := r.ll.Back()
		if back == nil {
			return
		}
		r.evictElementLocked(back)
	}
}

func (r *Registry) evictElementLocked(el *list.Element) {
	ent := el.Value.(*entry)
	r.ll.Remove(el)
	delete(r.items, ent.key)
	go ent.handler.Stop()
}

// Len reports the current handler count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ll.Len()
}

// SweepInactive removes every entry for which isInactive reports true (the
// caller passes msghandler.Handler.IsInactive, true when the Handler owns no
// live queues), letting memory for long-idle conversations be reclaimed
// between Agent Cache sweeps.
func (r *Registry) SweepInactive(isInactive func(h *msghandler.Handler) bool) (evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *list.Element
	for el := r.ll.Back(); el != nil; el = next {
		next = el.Prev()
		ent := el.Value.(*entry)
		if isInactive(ent.handler) {
			r.evictElementLocked(el)
			evicted++
		}
	}
	return evicted
}

// ResolveAgentForChannel implements the "first active agent whose channels
// array contains the channel" lookup for non-WebSocket inbound webhooks.
func (r *Registry) ResolveAgentForChannel(ctx context.Context, businessID, channel string) (string, error) {
	if r.resolver == nil {
		return "", fmt.Errorf("handlerregistry: no agent resolver configured")
	}
	return r.resolver.FirstActiveAgentForChannel(ctx, businessID, channel)
}

// StopAll stops every registered handler, e.g. on process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for el := r.ll.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		ent.handler.FlushAll()
		go ent.handler.Stop()
	}
	r.ll.Init()
	r.items = make(map[string]*list.Element)
}
