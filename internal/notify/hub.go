// Package notify broadcasts task change events to live subscribers.
//
// Delivery is best effort. Publish never blocks the caller: events go into a
// bounded inbox that a single dispatcher goroutine drains, and each subscriber
// has its own bounded queue. When either is full the event is dropped and
// counted.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/internal/model"
)

type Config struct {
	InboxSize        int `env:"INBOX_SIZE" envDefault:"256" validate:"gt=0"`
	SubscriberBuffer int `env:"SUBSCRIBER_BUFFER" envDefault:"64" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		InboxSize:        256,
		SubscriberBuffer: 64,
	}
}

type Hub struct {
	cfg    Config
	logger *zap.Logger
	inbox  chan model.ChangeEvent

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	dropped   atomic.Uint64
	delivered atomic.Uint64

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// Subscription is one consumer's view of the event stream. C is closed when
// the subscription is closed or the hub stops.
type Subscription struct {
	ID string
	C  <-chan model.ChangeEvent

	ch        chan model.ChangeEvent
	hub       *Hub
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func NewHub(cfg Config, logger *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "notify")),
		inbox:  make(chan model.ChangeEvent, cfg.InboxSize),
		subs:   make(map[string]*Subscription),
		stop:   make(chan struct{}),
	}
}

// Start launches the dispatcher. It runs until Stop is called or ctx is done.
func (h *Hub) Start(ctx context.Context) {
	h.logger.Info("Starting notification hub", zap.Int("inbox", h.cfg.InboxSize))
	h.wg.Add(1)
	go h.dispatch(ctx)
}

// Stop halts the dispatcher and closes every subscription. Events still in
// the inbox are discarded.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.wg.Wait()

		h.mu.Lock()
		h.closed = true
		for id, sub := range h.subs {
			delete(h.subs, id)
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
		h.mu.Unlock()

		h.logger.Info("Notification hub stopped",
			zap.Uint64("delivered", h.delivered.Load()),
			zap.Uint64("dropped", h.dropped.Load()),
		)
	})
}

// Publish hands ev to the dispatcher without waiting.
func (h *Hub) Publish(ev model.ChangeEvent) {
	select {
	case h.inbox <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("notification inbox full, event dropped",
			zap.String("event_id", ev.ID.String()),
			zap.String("type", string(ev.Type)),
			zap.Int64("task_id", ev.TaskID),
		)
	}
}

// Subscribe registers a new consumer. A non-positive buffer uses the hub
// default. Subscribing to a stopped hub returns an already closed
// subscription.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.cfg.SubscriberBuffer
	}
	ch := make(chan model.ChangeEvent, buffer)
	sub := &Subscription{
		ID:  xid.New().String(),
		C:   ch,
		ch:  ch,
		hub: h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closeOnce.Do(func() { close(ch) })
		return sub
	}
	h.subs[sub.ID] = sub
	h.logger.Debug("subscriber added", zap.String("subscription", sub.ID), zap.Int("subscribers", len(h.subs)))
	return sub
}

// Unsubscribe removes the subscription with the given id. Unknown ids are
// ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports events dropped at the inbox and at subscriber queues.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) dispatch(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case ev := <-h.inbox:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev model.ChangeEvent) {
	// Holding the read lock keeps Unsubscribe from closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
			h.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Close is Unsubscribe for this subscription. It is safe to call more than
// once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s.ID)
}

// Dropped reports how many events this subscriber missed because its queue
// was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
