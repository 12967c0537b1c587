package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/telemetry"
)

// Receiver is a locally registered destination for delivered messages. Scopes
// implement it; the bus fans deliveries out to every receiver registered for
// the message's dispatch id.
type Receiver interface {
	// IdentityID keys the receiver registration: messages whose dispatch id
	// equals this value are delivered to the receiver.
	IdentityID() string
	// Deliver hands a message to the receiver. Called from a bounded worker
	// pool, never from the transport thread itself. Deliveries for one
	// dispatch id run serially, in the order the messages were dispatched.
	Deliver(msg model.Message)
}

// Bus routes messages between local receivers and, when a transport is
// configured, a federation-wide broker.
type Bus interface {
	// Post publishes fire-and-forget. Transport failures return
	// ErrNotDelivered; the caller's scope keeps running.
	Post(ctx context.Context, msg model.Message) error
	// PostWithResponder publishes and registers responder against the message
	// id. The responder is invoked for every correlated reply and
	// deregistered when a final reply arrives.
	PostWithResponder(ctx context.Context, msg model.Message, responder func(model.Message)) error
	// Ask publishes and blocks until a final correlated reply arrives or ctx
	// expires.
	Ask(ctx context.Context, msg model.Message) (model.Message, error)
	// Subscribe registers a receiver. The first subscription for an identity
	// creates the transport-level subscription; the last Unsubscribe tears it
	// down.
	Subscribe(r Receiver) error
	Unsubscribe(r Receiver)
	// Receivers returns every receiver registered under identityID.
	Receivers(identityID string) []Receiver
	Close() error
}

// Transport is a broker binding the bus publishes through. Deliveries come
// back asynchronously via the consume callback the transport was built with.
type Transport interface {
	Publish(ctx context.Context, msg model.Message) error
	Close() error
}

// subscribingTransport is implemented by transports that maintain broker-side
// state per subscribed identity (queue binds). Optional.
type subscribingTransport interface {
	EnsureSubscription(identityID string) error
	DropSubscription(identityID string) error
}

// maxDeliveryWorkers bounds concurrent delivery callbacks so a slow receiver
// cannot exhaust goroutines; transport threads are never blocked on it.
const maxDeliveryWorkers = 16

// MessageBus is the Bus implementation. With a nil transport it is the
// embedded, in-process bus; with a transport every Post also reaches the
// broker, and broker deliveries re-enter through Dispatch.
type MessageBus struct {
	logger    *slog.Logger
	transport Transport

	mu         sync.Mutex
	responders map[int64]func(model.Message)
	receivers  map[string]map[Receiver]struct{}

	qmu    sync.Mutex
	queues map[string]*deliveryQueue

	workers   chan struct{}
	delivered metric.Int64Counter
	posted    metric.Int64Counter
}

// deliveryQueue serializes the callbacks for one key so deliveries keep their
// dispatch order. One drainer goroutine runs per non-empty queue.
type deliveryQueue struct {
	pending []func()
	running bool
}

// NewBus creates an embedded bus. Attach a broker transport with SetTransport.
func NewBus(logger *slog.Logger) *MessageBus {
	meter := telemetry.Meter("klab/messaging")
	posted, _ := meter.Int64Counter("klab.bus.posted",
		metric.WithDescription("Messages posted on the bus"))
	delivered, _ := meter.Int64Counter("klab.bus.delivered",
		metric.WithDescription("Messages delivered to local receivers"))

	return &MessageBus{
		logger:     logger,
		responders: make(map[int64]func(model.Message)),
		receivers:  make(map[string]map[Receiver]struct{}),
		queues:     make(map[string]*deliveryQueue),
		workers:    make(chan struct{}, maxDeliveryWorkers),
		posted:     posted,
		delivered:  delivered,
	}
}

// SetTransport attaches the broker transport. Must be called before any
// Subscribe that needs broker-side state.
func (b *MessageBus) SetTransport(t Transport) { b.transport = t }

// Post implements Bus. The message is always dispatched to local receivers;
// when a transport is attached it is also published to the broker (the
// transport filters the echo of our own publications).
func (b *MessageBus) Post(ctx context.Context, msg model.Message) error {
	if b.posted != nil {
		b.posted.Add(ctx, 1)
	}
	b.Dispatch(msg)
	if b.transport != nil {
		if err := b.transport.Publish(ctx, msg); err != nil {
			b.logger.Error("bus: publish failed", "message_id", msg.ID, "error", err)
			return fmt.Errorf("%w: %v", ErrNotDelivered, err)
		}
	}
	return nil
}

// PostWithResponder implements Bus. The responder is registered under the
// lock before the publish, so a reply delivered concurrently with the post
// cannot be lost.
func (b *MessageBus) PostWithResponder(ctx context.Context, msg model.Message, responder func(model.Message)) error {
	if responder != nil {
		b.mu.Lock()
		b.responders[msg.ID] = responder
		b.mu.Unlock()
	}
	if err := b.Post(ctx, msg); err != nil {
		b.mu.Lock()
		delete(b.responders, msg.ID)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Ask implements Bus: post plus a single-resolution future. Non-final status
// replies are skipped; the first final reply resolves the future.
func (b *MessageBus) Ask(ctx context.Context, msg model.Message) (model.Message, error) {
	reply := make(chan model.Message, 1)
	err := b.PostWithResponder(ctx, msg, func(m model.Message) {
		if !m.Final {
			return
		}
		select {
		case reply <- m:
		default:
		}
	})
	if err != nil {
		return model.Message{}, err
	}

	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.responders, msg.ID)
		b.mu.Unlock()
		return model.Message{}, fmt.Errorf("messaging: ask %d: %w", msg.ID, ctx.Err())
	}
}

// Subscribe implements Bus.
func (b *MessageBus) Subscribe(r Receiver) error {
	id := r.IdentityID()

	b.mu.Lock()
	set, ok := b.receivers[id]
	if !ok {
		set = make(map[Receiver]struct{})
		b.receivers[id] = set
	}
	set[r] = struct{}{}
	first := len(set) == 1
	b.mu.Unlock()

	if first {
		if st, ok := b.transport.(subscribingTransport); ok && b.transport != nil {
			if err := st.EnsureSubscription(id); err != nil {
				return fmt.Errorf("messaging: subscribe %s: %w", id, err)
			}
		}
	}
	return nil
}

// Unsubscribe implements Bus.
func (b *MessageBus) Unsubscribe(r Receiver) {
	id := r.IdentityID()

	b.mu.Lock()
	set := b.receivers[id]
	delete(set, r)
	last := set != nil && len(set) == 0
	if last {
		delete(b.receivers, id)
	}
	b.mu.Unlock()

	if last {
		if st, ok := b.transport.(subscribingTransport); ok && b.transport != nil {
			if err := st.DropSubscription(id); err != nil {
				b.logger.Warn("bus: drop subscription failed", "identity", id, "error", err)
			}
		}
	}
}

// Receivers implements Bus.
func (b *MessageBus) Receivers(identityID string) []Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.receivers[identityID]
	out := make([]Receiver, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// Dispatch routes a delivered message to its responder (when correlated) and
// fans it out to local receivers. Transports call this from their consumer
// goroutines and are never blocked by it; the callbacks run on the bounded
// worker pool, serialized per correlation id and per dispatch id so replies
// and deliveries keep their order.
func (b *MessageBus) Dispatch(msg model.Message) {
	if msg.InResponseTo != 0 {
		b.mu.Lock()
		responder := b.responders[msg.InResponseTo]
		if responder != nil && msg.Final {
			delete(b.responders, msg.InResponseTo)
		}
		b.mu.Unlock()

		if responder != nil {
			b.enqueue(fmt.Sprintf("reply/%d", msg.InResponseTo), func() { responder(msg) })
		}
	}

	if msg.DispatchID == "" {
		return
	}
	receivers := b.Receivers(msg.DispatchID)
	if len(receivers) == 0 {
		return
	}
	b.enqueue(msg.DispatchID, func() {
		if b.delivered != nil {
			b.delivered.Add(context.Background(), int64(len(receivers)))
		}
		for _, r := range receivers {
			r.Deliver(msg)
		}
	})
}

// enqueue appends fn to the serial queue for key and starts a drainer when
// none is running. Never blocks the caller.
func (b *MessageBus) enqueue(key string, fn func()) {
	b.qmu.Lock()
	q, ok := b.queues[key]
	if !ok {
		q = &deliveryQueue{}
		b.queues[key] = q
	}
	q.pending = append(q.pending, fn)
	start := !q.running
	q.running = true
	b.qmu.Unlock()

	if start {
		go b.drainQueue(key, q)
	}
}

// drainQueue runs the queued callbacks in order, each inside a worker slot,
// and retires the queue when it empties.
func (b *MessageBus) drainQueue(key string, q *deliveryQueue) {
	for {
		b.qmu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(b.queues, key)
			b.qmu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		b.qmu.Unlock()

		b.workers <- struct{}{}
		fn()
		<-b.workers
	}
}

// PendingResponders returns the number of registered responders. Test hook.
func (b *MessageBus) PendingResponders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.responders)
}

// Close implements Bus.
func (b *MessageBus) Close() error {
	if b.transport != nil {
		return b.transport.Close()
	}
	return nil
}

// AskTimeout is the default deadline convenience for Ask callers that have no
// tighter bound.
const AskTimeout = 30 * time.Second
