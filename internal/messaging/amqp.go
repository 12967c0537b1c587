package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/integratedmodelling/klab-go/internal/model"
)

// DirectExchange is the shared direct exchange for point-addressed queues;
// the binding key equals the destination queue name. Broadcast channels use a
// per-federation fanout exchange instead (Federation.ExchangeName).
const DirectExchange = "klab-exchange"

// maxRedeliveries caps requeues of a message whose handler keeps failing.
// After the cap the message is rejected without requeue so a poison message
// cannot loop forever.
const maxRedeliveries = 3

// reconnectDelay spaces reconnection attempts after a connection loss.
const reconnectDelay = 2 * time.Second

// BrokerChannel binds a logical queue within a federation to an AMQP broker.
// All subscribers of the same queue share a fanout exchange; each gets a
// private exclusive queue so every broadcast reaches every subscriber.
// Implements Transport.
type BrokerChannel struct {
	federation *model.Federation
	queue      string
	exchange   string
	tag        string // identifies this channel so it can drop its own echo
	consume    func(model.Message)
	logger     *slog.Logger

	mu            sync.Mutex
	conn          *amqp.Connection
	ch            *amqp.Channel
	consumerQueue string
	bindings      map[string]struct{} // identity routing keys bound on the direct exchange

	closed   atomic.Bool
	online   atomic.Bool
	attempts sync.Map // message id -> redelivery count
}

// NewBrokerChannel connects to the federation's broker and starts consuming
// broadcasts on the logical queue. consume receives every decoded message not
// published by this channel itself; it runs on the consumer goroutine, so it
// must hand work off quickly (the bus dispatcher does).
func NewBrokerChannel(federation *model.Federation, queue string, consume func(model.Message), logger *slog.Logger) (*BrokerChannel, error) {
	bc := &BrokerChannel{
		federation: federation,
		queue:      queue,
		exchange:   federation.ExchangeName(queue),
		tag:        fmt.Sprintf("ch-%d", time.Now().UnixNano()),
		consume:    consume,
		logger:     logger,
		bindings:   make(map[string]struct{}),
	}
	if err := bc.connect(); err != nil {
		return nil, fmt.Errorf("messaging: connect broker %s: %w", federation.Broker, err)
	}
	return bc, nil
}

// connect dials the broker, declares the topology and starts the consumer.
// Called again after a connection loss: exchange declaration and queue
// binding are idempotent, and the private queue must be re-created anyway
// since it is exclusive and auto-deleted.
func (bc *BrokerChannel) connect() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	conn, err := amqp.Dial(bc.federation.Broker)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(bc.exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", bc.exchange, err)
	}
	if err := ch.ExchangeDeclare(DirectExchange, "direct", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", DirectExchange, err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare consumer queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, bc.queue, bc.exchange, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("bind %s to %s: %w", q.Name, bc.exchange, err)
	}
	// Re-establish identity routes lost with the old private queue.
	for key := range bc.bindings {
		if err := ch.QueueBind(q.Name, key, DirectExchange, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("rebind %s: %w", key, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, bc.tag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	bc.conn = conn
	bc.ch = ch
	bc.consumerQueue = q.Name
	bc.online.Store(true)

	go bc.consumeLoop(deliveries)
	go bc.watchClose(conn.NotifyClose(make(chan *amqp.Error, 1)))

	return nil
}

// watchClose reconnects after a transport-level connection loss. Broker-side
// state for the non-durable private queue is gone, so connect re-declares the
// exchange and re-binds a fresh consumer queue.
func (bc *BrokerChannel) watchClose(closeCh <-chan *amqp.Error) {
	err, ok := <-closeCh
	if !ok || bc.closed.Load() {
		return
	}
	bc.online.Store(false)
	bc.logger.Warn("broker: connection lost, reconnecting", "queue", bc.queue, "error", err)

	for !bc.closed.Load() {
		if cerr := bc.connect(); cerr == nil {
			bc.logger.Info("broker: reconnected", "queue", bc.queue)
			return
		}
		time.Sleep(reconnectDelay)
	}
}

func (bc *BrokerChannel) consumeLoop(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		bc.handleDelivery(d)
	}
}

// handleDelivery acknowledges only after successful processing. Malformed
// bodies are rejected without requeue; processing panics count as failures
// and requeue up to maxRedeliveries, then the message is dropped.
func (bc *BrokerChannel) handleDelivery(d amqp.Delivery) {
	// Skip our own publications echoed back by the fanout exchange.
	if tag, ok := d.Headers["channelId"].(string); ok && tag == bc.tag {
		_ = d.Ack(false)
		return
	}

	msg, err := model.Decode(d.Body)
	if err != nil {
		bc.logger.Error("broker: rejecting malformed message", "queue", bc.queue, "error", err)
		_ = d.Reject(false)
		return
	}

	if ok := bc.process(msg); !ok {
		n := bc.bumpAttempts(msg.ID)
		if n >= maxRedeliveries {
			bc.logger.Error("broker: dropping message after repeated failures",
				"message_id", msg.ID, "attempts", n)
			bc.attempts.Delete(msg.ID)
			_ = d.Reject(false)
			return
		}
		_ = d.Nack(false, true)
		return
	}

	bc.attempts.Delete(msg.ID)
	_ = d.Ack(false)
}

// process runs the consume callback, converting a panic into a failed round
// so one bad handler cannot kill the consumer goroutine.
func (bc *BrokerChannel) process(msg model.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			bc.logger.Error("broker: message handler panic", "message_id", msg.ID, "panic", r)
			ok = false
		}
	}()
	if bc.consume != nil {
		bc.consume(msg)
	}
	return true
}

func (bc *BrokerChannel) bumpAttempts(id int64) int {
	v, _ := bc.attempts.LoadOrStore(id, new(atomic.Int64))
	counter := v.(*atomic.Int64)
	return int(counter.Add(1))
}

// Publish implements Transport: broadcast on the federation's fanout
// exchange. A connection failure surfaces as an error the bus logs and maps
// to ErrNotDelivered; it never panics into the caller.
func (bc *BrokerChannel) Publish(ctx context.Context, msg model.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return bc.publish(ctx, bc.exchange, bc.queue, body)
}

// PublishDirect sends a point-addressed message: direct exchange, binding key
// equal to the destination queue name.
func (bc *BrokerChannel) PublishDirect(ctx context.Context, queue string, msg model.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return bc.publish(ctx, DirectExchange, queue, body)
}

func (bc *BrokerChannel) publish(ctx context.Context, exchange, key string, body []byte) error {
	bc.mu.Lock()
	ch := bc.ch
	bc.mu.Unlock()
	if ch == nil || !bc.online.Load() {
		return fmt.Errorf("messaging: broker %s offline", bc.federation.Broker)
	}

	err := ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		Headers:      amqp.Table{"channelId": bc.tag},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("messaging: publish to %s: %w", exchange, err)
	}
	return nil
}

// EnsureSubscription binds this channel's private queue to the direct
// exchange under the identity's id, so point-addressed messages for that
// identity reach us. Called by the bus on the first local subscribe.
func (bc *BrokerChannel) EnsureSubscription(identityID string) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.ch == nil {
		return fmt.Errorf("messaging: broker offline")
	}
	if err := bc.ch.QueueBind(bc.consumerQueue, identityID, DirectExchange, false, nil); err != nil {
		return fmt.Errorf("messaging: bind %s: %w", identityID, err)
	}
	bc.bindings[identityID] = struct{}{}
	return nil
}

// DropSubscription removes the identity route. Called on the last local
// unsubscribe for the identity.
func (bc *BrokerChannel) DropSubscription(identityID string) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	delete(bc.bindings, identityID)
	if bc.ch == nil {
		return nil
	}
	if err := bc.ch.QueueUnbind(bc.consumerQueue, identityID, DirectExchange, nil); err != nil {
		return fmt.Errorf("messaging: unbind %s: %w", identityID, err)
	}
	return nil
}

// Online reports whether the channel currently has a broker connection.
func (bc *BrokerChannel) Online() bool { return bc.online.Load() }

// Close implements Transport: deletes the private consumer queue and closes
// the connection. Publishing to the exchange afterwards is still valid for
// other subscribers; the exchange itself stays declared.
func (bc *BrokerChannel) Close() error {
	bc.closed.Store(true)
	bc.online.Store(false)

	bc.mu.Lock()
	defer bc.mu.Unlock()

	var firstErr error
	if bc.ch != nil {
		if bc.consumerQueue != "" {
			if _, err := bc.ch.QueueDelete(bc.consumerQueue, false, false, false); err != nil {
				firstErr = err
			}
		}
		if err := bc.ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if bc.conn != nil {
		if err := bc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("messaging: close broker channel: %w", firstErr)
	}
	return nil
}
