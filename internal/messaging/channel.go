// Package messaging implements the notification and transport fabric that
// scopes communicate through: the Channel sink, the message bus with
// request/response correlation, and the broker transports (AMQP, Postgres
// LISTEN/NOTIFY) that bind scopes to a federation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/integratedmodelling/klab-go/internal/model"
)

// ErrNotDelivered reports a transport-level failure: the bus was unavailable
// or the publish failed. Callers treat it as "message not delivered", never
// as a crash of the owning scope.
var ErrNotDelivered = errors.New("messaging: message not delivered")

// ErrMalformed reports an undecodable message body at a consumer. The message
// is rejected without requeue and processing continues.
var ErrMalformed = errors.New("messaging: malformed message")

// Channel is the minimal one-way notification sink every scope exposes.
// Info/Warn/Error/Debug are fire-and-forget diagnostics; Send constructs and
// dispatches a message synchronously; Post registers a reply handler keyed by
// the message id. Implementations need not transport anything: LogChannel is
// the no-op default, MessagingChannel decorates it with a bus.
type Channel interface {
	Identity() *model.Identity

	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
	Debug(args ...any)

	// Send constructs a message from class, type and optional payload,
	// dispatches it and returns the constructed message for inspection.
	Send(class model.MessageClass, typ model.MessageType, payload any) model.Message
	// Post dispatches like Send and registers handler against the message id.
	// The handler is called for every correlated reply until a final one.
	Post(handler func(model.Message), class model.MessageClass, typ model.MessageType, payload any) model.Message

	// Interrupt sets the cooperative cancellation flag. It does not stop any
	// thread; long-running operations observe IsInterrupted and unwind.
	Interrupt()
	IsInterrupted() bool

	// HasErrors reports whether Error was ever called on this channel.
	HasErrors() bool
}

// LogChannel is the default Channel: diagnostics go to the logger, Send and
// Post construct real messages but transport nothing. Derived channels share
// the interrupted and error flags of the channel they were derived from.
type LogChannel struct {
	identity    *model.Identity
	logger      *slog.Logger
	interrupted *atomic.Bool
	errors      *atomic.Bool
}

// NewLogChannel creates a pure-logging channel for the given identity.
func NewLogChannel(identity *model.Identity, logger *slog.Logger) *LogChannel {
	return &LogChannel{
		identity:    identity,
		logger:      logger,
		interrupted: &atomic.Bool{},
		errors:      &atomic.Bool{},
	}
}

// Identity implements Channel.
func (c *LogChannel) Identity() *model.Identity { return c.identity }

// Info implements Channel.
func (c *LogChannel) Info(args ...any) { c.logger.Info(fmt.Sprint(args...)) }

// Warn implements Channel.
func (c *LogChannel) Warn(args ...any) { c.logger.Warn(fmt.Sprint(args...)) }

// Error implements Channel. Sets the error flag.
func (c *LogChannel) Error(args ...any) {
	c.errors.Store(true)
	c.logger.Error(fmt.Sprint(args...))
}

// Debug implements Channel.
func (c *LogChannel) Debug(args ...any) { c.logger.Debug(fmt.Sprint(args...)) }

// Send implements Channel. The message is constructed and returned but not
// transported anywhere.
func (c *LogChannel) Send(class model.MessageClass, typ model.MessageType, payload any) model.Message {
	m, err := model.NewMessage(c.identity.Ref(), class, typ, payload)
	if err != nil {
		c.Error("send: ", err)
		return model.Message{}
	}
	return m
}

// Post implements Channel. Without a transport no reply can ever arrive, so
// the handler is registered nowhere; the message is still constructed.
func (c *LogChannel) Post(_ func(model.Message), class model.MessageClass, typ model.MessageType, payload any) model.Message {
	return c.Send(class, typ, payload)
}

// Interrupt implements Channel.
func (c *LogChannel) Interrupt() { c.interrupted.Store(true) }

// IsInterrupted implements Channel.
func (c *LogChannel) IsInterrupted() bool { return c.interrupted.Load() }

// HasErrors implements Channel.
func (c *LogChannel) HasErrors() bool { return c.errors.Load() }

// Derive returns a channel for a child scope sharing this channel's flags.
func (c *LogChannel) Derive() *LogChannel {
	return &LogChannel{
		identity:    c.identity,
		logger:      c.logger,
		interrupted: c.interrupted,
		errors:      c.errors,
	}
}

// MessagingChannel decorates a Channel with a bus so that Send and Post
// actually transport messages addressed to a dispatch id.
type MessagingChannel struct {
	Channel
	bus        Bus
	dispatchID string
}

// NewMessagingChannel wraps base so messages go through bus, addressed to
// dispatchID (normally the owning scope's identity id).
func NewMessagingChannel(base Channel, bus Bus, dispatchID string) *MessagingChannel {
	return &MessagingChannel{Channel: base, bus: bus, dispatchID: dispatchID}
}

// DispatchID returns the id messages from this channel are addressed to.
func (c *MessagingChannel) DispatchID() string { return c.dispatchID }

// Bus returns the underlying message bus.
func (c *MessagingChannel) Bus() Bus { return c.bus }

// Send implements Channel: the constructed message is posted on the bus. A
// transport failure is logged and the message is still returned; callers that
// need delivery guarantees use the bus directly.
func (c *MessagingChannel) Send(class model.MessageClass, typ model.MessageType, payload any) model.Message {
	m, err := model.NewMessage(c.Identity().Ref(), class, typ, payload)
	if err != nil {
		c.Error("send: ", err)
		return model.Message{}
	}
	m = m.WithDispatch(c.dispatchID)
	if err := c.bus.Post(context.Background(), m); err != nil {
		c.Error("send: ", err)
	}
	return m
}

// Post implements Channel: the handler is registered before publishing so a
// fast reply cannot be lost.
func (c *MessagingChannel) Post(handler func(model.Message), class model.MessageClass, typ model.MessageType, payload any) model.Message {
	m, err := model.NewMessage(c.Identity().Ref(), class, typ, payload)
	if err != nil {
		c.Error("post: ", err)
		return model.Message{}
	}
	m = m.WithDispatch(c.dispatchID)
	if err := c.bus.PostWithResponder(context.Background(), m, handler); err != nil {
		c.Error("post: ", err)
	}
	return m
}
