// Package bus implements the in-process message bus: topic-keyed
// publish/subscribe with a correlation-based request/response protocol
// layered on top.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid-dev/flowgrid/pkg/logging"
	"github.com/flowgrid-dev/flowgrid/pkg/observability"
)

// ErrRequestTimeout is returned by Request when no response arrives
// within the deadline. The bus performs no retries; a request is
// delivered at most once.
var ErrRequestTimeout = errors.New("request timed out")

// DefaultHistorySize is the retention buffer capacity used when none is
// configured.
const DefaultHistorySize = 1000

// subscriberQueueSize bounds each subscriber's pending deliveries.
// Publish drops for a subscriber whose queue is full rather than block.
const subscriberQueueSize = 256

// Handler receives messages published to a subscribed topic.
type Handler func(ctx context.Context, msg *Message)

// subscription owns one subscriber's ordered delivery queue for one
// topic. A dedicated goroutine drains the queue, so a slow handler
// stalls only its own subscription, never the publisher.
type subscription struct {
	id    string
	queue chan delivery

	mu      sync.Mutex
	handler Handler
}

type delivery struct {
	ctx context.Context
	msg *Message
}

// Bus routes messages between agents by topic. Responses to pending
// requests are resolved through correlation ids and are not delivered
// to topic subscribers.
//
// Bus is safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	pending map[string]chan *Message
	history *ring
	log     *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize sets the retention buffer capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newRing(n)
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// New creates a message bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]*subscription),
		pending: make(map[string]chan *Message),
		history: newRing(DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.Component(b.log, "bus")
	return b
}

// Subscribe registers a handler for a topic under a subscriber id.
// Subscribing the same (topic, subscriber) pair again replaces the
// previous handler, so repeated registration is idempotent.
func (b *Bus) Subscribe(topic, subscriberID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[topic] {
		if sub.id == subscriberID {
			sub.mu.Lock()
			sub.handler = h
			sub.mu.Unlock()
			return
		}
	}

	sub := &subscription{
		id:      subscriberID,
		handler: h,
		queue:   make(chan delivery, subscriberQueueSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	go b.drain(sub)
	b.log.Debug("subscribed", "topic", topic, "subscriber", subscriberID)
}

// Unsubscribe removes a subscriber's handler from a topic. It is a
// no-op if the subscription does not exist.
func (b *Bus) Unsubscribe(topic, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == subscriberID {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			// Publish enqueues only while holding the read lock, so no
			// send can race this close.
			close(sub.queue)
			return
		}
	}
}

// Publish enqueues a message for every subscriber of its topic and
// returns without waiting for handlers. Each subscriber drains its own
// queue in publish order; a subscriber whose queue is full misses the
// message. A response carrying a correlation id resolves its pending
// request instead of going through the topic path. Publish never
// returns an error to the caller: a panicking handler is logged and
// the subscriber keeps receiving subsequent messages.
func (b *Bus) Publish(ctx context.Context, msg *Message) {
	b.mu.Lock()
	b.history.add(msg)
	b.mu.Unlock()

	observability.RecordMessagePublished(msg.Topic, string(msg.Type))

	if msg.Type == TypeResponse && msg.CorrelationID != "" {
		if b.resolve(msg) {
			return
		}
		// A response for an already-resolved or timed-out request is
		// dropped rather than delivered to topic subscribers.
		b.log.Debug("dropping unmatched response", "correlation_id", msg.CorrelationID, "topic", msg.Topic)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subs[msg.Topic]
	if len(subs) == 0 {
		b.log.Debug("no subscribers", "topic", msg.Topic)
		return
	}

	for _, sub := range subs {
		select {
		case sub.queue <- delivery{ctx: ctx, msg: msg}:
		default:
			b.log.Warn("subscriber queue full, dropping message",
				"topic", msg.Topic, "subscriber", sub.id)
		}
	}
}

// drain delivers a subscription's queued messages one at a time until
// Unsubscribe closes the queue.
func (b *Bus) drain(sub *subscription) {
	for d := range sub.queue {
		b.deliver(d.ctx, sub, d.msg)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("subscriber handler panicked",
				"topic", msg.Topic, "subscriber", sub.id, "panic", r)
		}
	}()

	sub.mu.Lock()
	h := sub.handler
	sub.mu.Unlock()

	h(ctx, msg)
	observability.RecordMessageDelivered(msg.Topic)
}

// resolve hands a response to the waiter registered under its
// correlation id. Returns false when no waiter exists.
func (b *Bus) resolve(msg *Message) bool {
	b.mu.Lock()
	ch, ok := b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	// The channel is buffered and removed from the map under lock, so
	// exactly one response can ever be delivered to it.
	ch <- msg
	return true
}

// Request publishes a REQUEST on topic and blocks until a RESPONSE with
// the matching correlation id arrives or the timeout elapses. On
// timeout the waiter is removed and ErrRequestTimeout is returned.
func (b *Bus) Request(ctx context.Context, from, to, topic string, data map[string]any, timeout time.Duration) (*Message, error) {
	correlationID := uuid.New().String()

	req := NewMessage(TypeRequest, from, to, topic, data)
	req.CorrelationID = correlationID

	ch := make(chan *Message, 1)
	b.mu.Lock()
	b.pending[correlationID] = ch
	b.mu.Unlock()

	b.Publish(ctx, req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		observability.RecordRequest(topic, "ok")
		return resp, nil
	case <-timer.C:
		b.removeWaiter(correlationID)
		observability.RecordRequest(topic, "timeout")
		return nil, fmt.Errorf("request to %q on topic %q after %s: %w", to, topic, timeout, ErrRequestTimeout)
	case <-ctx.Done():
		b.removeWaiter(correlationID)
		observability.RecordRequest(topic, "canceled")
		return nil, ctx.Err()
	}
}

func (b *Bus) removeWaiter(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// Respond publishes the response to a request through the bus.
func (b *Bus) Respond(ctx context.Context, request *Message, from string, data map[string]any) {
	if request.CorrelationID == "" {
		b.log.Warn("cannot respond to message without correlation id", "topic", request.Topic)
		return
	}
	b.Publish(ctx, NewResponse(request, from, data))
}

// History returns the most recent limit messages observed for a topic,
// oldest first. The retention buffer has fixed capacity; older entries
// are evicted as new messages arrive.
func (b *Bus) History(topic string, limit int) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.lastFor(topic, limit)
}

// ring is a fixed-capacity message buffer, oldest entries evicted first.
type ring struct {
	buf   []*Message
	next  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*Message, capacity)}
}

func (r *ring) add(m *Message) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// lastFor returns up to limit messages for topic in arrival order.
func (r *ring) lastFor(topic string, limit int) []*Message {
	if limit <= 0 {
		return nil
	}
	matched := make([]*Message, 0, limit)
	start := r.next - r.count
	for i := 0; i < r.count; i++ {
		idx := (start + i + len(r.buf)) % len(r.buf)
		if m := r.buf[idx]; m != nil && m.Topic == topic {
			matched = append(matched, m)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}
