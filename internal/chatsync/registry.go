package chatsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-sync/internal/log"
)

// TopicHandler receives the body of every frame delivered on a topic.
type TopicHandler func(topic string, body []byte)

// Connections is what the registry and publisher need from the manager.
type Connections interface {
	IsConnected() bool
	Current() *Connection
}

// Subscription is a snapshot of one active topic subscription.
type Subscription struct {
	Topic        string
	HandlerID    string
	ConnectionID string
}

type subscription struct {
	topic  string
	id     string
	conn   *Connection
	active atomic.Bool
}

// SubscriptionRegistry keeps the wanted topic set and its live subscriptions.
// Subscriptions belong to one physical connection; after a reconnect they are
// rebuilt from the topic set.
type SubscriptionRegistry struct {
	conns   Connections
	handler TopicHandler
	log     *zerolog.Logger

	// epoch is bumped by UnsubscribeAll; handlers from an older epoch are inert.
	epoch atomic.Uint64

	mu     sync.Mutex
	topics []string
	active map[string]*subscription
}

// NewSubscriptionRegistry creates an empty registry delivering to handler.
func NewSubscriptionRegistry(conns Connections, handler TopicHandler, logger *zerolog.Logger) *SubscriptionRegistry {
	l := log.OrNop(logger).With().Str("component", "subscriptions").Logger()
	return &SubscriptionRegistry{
		conns:   conns,
		handler: handler,
		log:     &l,
		active:  make(map[string]*subscription),
	}
}

// Subscribe adds topics to the wanted set and subscribes each one not yet
// active on the current connection. Repeated calls are idempotent per topic.
func (r *SubscriptionRegistry) Subscribe(ctx context.Context, topics ...string) ([]Subscription, error) {
	conn := r.connection()
	if conn == nil {
		return nil, ErrSubscriptionFailure
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = lo.Union(r.topics, lo.Uniq(lo.Compact(topics)))
	if err := r.bindLocked(ctx, conn, lo.Uniq(lo.Compact(topics))); err != nil {
		return nil, err
	}
	return r.snapshotLocked(), nil
}

// Resubscribe re-establishes the whole topic set on the current connection.
// Called after every successful connect; topics already active there are kept.
func (r *SubscriptionRegistry) Resubscribe(ctx context.Context) error {
	conn := r.connection()
	if conn == nil {
		return ErrSubscriptionFailure
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindLocked(ctx, conn, r.topics)
}

// UnsubscribeAll deactivates every handler and forgets the topic set.
// Frames already in flight are dropped once this returns.
func (r *SubscriptionRegistry) UnsubscribeAll(ctx context.Context) {
	r.epoch.Add(1)

	r.mu.Lock()
	subs := lo.Values(r.active)
	r.active = make(map[string]*subscription)
	r.topics = nil
	r.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
		if err := s.conn.Unsubscribe(ctx, s.id); err != nil {
			r.log.Debug().Err(err).Str("topic", s.topic).Msg("unsubscribe")
		}
	}
}

// Active returns the subscriptions live on the current connection.
func (r *SubscriptionRegistry) Active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Topics returns the wanted topic set.
func (r *SubscriptionRegistry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func (r *SubscriptionRegistry) connection() *Connection {
	if !r.conns.IsConnected() {
		return nil
	}
	return r.conns.Current()
}

// bindLocked drops subscriptions of previous connections, then subscribes
// every topic not active on conn.
func (r *SubscriptionRegistry) bindLocked(ctx context.Context, conn *Connection, topics []string) error {
	for topic, s := range r.active {
		if s.conn != conn {
			s.active.Store(false)
			delete(r.active, topic)
		}
	}

	epoch := r.epoch.Load()
	for _, topic := range topics {
		if _, ok := r.active[topic]; ok {
			continue
		}
		s := &subscription{topic: topic, conn: conn}
		s.active.Store(true)
		id, err := conn.Subscribe(ctx, topic, r.deliver(s, epoch))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSubscriptionFailure, err)
		}
		s.id = id
		r.active[topic] = s
		r.log.Debug().Str("topic", topic).Str("id", id).Str("conn_id", conn.ID()).Msg("subscribed")
	}
	return nil
}

func (r *SubscriptionRegistry) deliver(s *subscription, epoch uint64) FrameHandler {
	return func(f *frame.Frame) {
		if r.epoch.Load() != epoch || !s.active.Load() {
			return
		}
		r.handler(s.topic, f.Body)
	}
}

func (r *SubscriptionRegistry) snapshotLocked() []Subscription {
	out := make([]Subscription, 0, len(r.topics))
	for _, topic := range r.topics {
		s, ok := r.active[topic]
		if !ok {
			continue
		}
		out = append(out, Subscription{Topic: topic, HandlerID: s.id, ConnectionID: s.conn.ID()})
	}
	return out
}
