package model

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// MessageClass groups message types by subsystem.
type MessageClass string

const (
	ClassEngineLifecycle      MessageClass = "EngineLifecycle"
	ClassServiceLifecycle     MessageClass = "ServiceLifecycle"
	ClassSessionLifecycle     MessageClass = "SessionLifecycle"
	ClassTaskLifecycle        MessageClass = "TaskLifecycle"
	ClassObservationLifecycle MessageClass = "ObservationLifecycle"
	ClassUserContextChange    MessageClass = "UserContextChange"
	ClassAuthorization        MessageClass = "Authorization"
	ClassNotification         MessageClass = "Notification"
	ClassActorCommunication   MessageClass = "ActorCommunication"
	ClassUserInterface        MessageClass = "UserInterface"
)

// MessageType refines the class.
type MessageType string

const (
	TypeServiceInitializing MessageType = "ServiceInitializing"
	TypeServiceAvailable    MessageType = "ServiceAvailable"
	TypeServiceUnavailable  MessageType = "ServiceUnavailable"
	TypeEngineStatusChanged MessageType = "EngineStatusChanged"
	TypeUserAuthorized      MessageType = "UserAuthorized"
	TypeScopeCreated        MessageType = "ScopeCreated"
	TypeScopeClosed         MessageType = "ScopeClosed"
	TypeStatusChanged       MessageType = "StatusChanged"
	TypeObservationAdded    MessageType = "ObservationAdded"
	TypeCommandRequest      MessageType = "CommandRequest"
	TypeCommandResponse     MessageType = "CommandResponse"
	TypeStatusResponse      MessageType = "StatusResponse" // non-final reply in a request/response exchange
	TypeDebug               MessageType = "Debug"
	TypeInfo                MessageType = "Info"
	TypeWarning             MessageType = "Warning"
	TypeError               MessageType = "Error"
)

// Queue is the logical routing class of a message within a scope's channel.
type Queue string

const (
	QueueEvents   Queue = "Events"
	QueueErrors   Queue = "Errors"
	QueueWarnings Queue = "Warnings"
	QueueInfo     Queue = "Info"
	QueueUI       Queue = "UI"
	QueueSubtasks Queue = "Subtasks"
	QueueStatus   Queue = "Status"
)

// nextMessageID assigns ids unique within the sending process.
var nextMessageID atomic.Int64

// Message is the envelope exchanged between distributed service instances and
// their clients. Payloads are opaque: the envelope carries raw JSON plus an
// optional type hint so receivers can decode without the sender's types.
type Message struct {
	ID           int64           `json:"id"`
	Class        MessageClass    `json:"messageClass"`
	Type         MessageType     `json:"messageType"`
	InResponseTo int64           `json:"inResponseTo,omitempty"`
	Sender       IdentityRef     `json:"sender"`
	DispatchID   string          `json:"dispatchId,omitempty"` // scope the message is addressed to
	Queue        Queue           `json:"queue,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadClass string          `json:"payloadClass,omitempty"`
	Timestamp    int64           `json:"timestamp"` // epoch milliseconds
	Final        bool            `json:"final,omitempty"`
}

// NewMessage builds a message with a fresh process-unique id. The payload is
// marshalled to JSON; a nil payload produces an empty payload field.
func NewMessage(sender IdentityRef, class MessageClass, typ MessageType, payload any) (Message, error) {
	m := Message{
		ID:        nextMessageID.Add(1),
		Class:     class,
		Type:      typ,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("model: marshal payload: %w", err)
		}
		m.Payload = raw
		m.PayloadClass = fmt.Sprintf("%T", payload)
	}
	return m, nil
}

// Reply builds a message correlated to request. A reply is final unless the
// responder marks it as a status update with AsStatus.
func Reply(request Message, sender IdentityRef, typ MessageType, payload any) (Message, error) {
	m, err := NewMessage(sender, request.Class, typ, payload)
	if err != nil {
		return Message{}, err
	}
	m.InResponseTo = request.ID
	m.DispatchID = request.DispatchID
	m.Final = true
	return m, nil
}

// AsStatus marks the message as a non-final status reply: responders stay
// registered until a final reply arrives.
func (m Message) AsStatus() Message {
	m.Final = false
	m.Type = TypeStatusResponse
	return m
}

// WithDispatch returns a copy addressed to the given scope dispatch id.
func (m Message) WithDispatch(dispatchID string) Message {
	m.DispatchID = dispatchID
	return m
}

// WithQueue returns a copy routed to the given logical queue.
func (m Message) WithQueue(q Queue) Message {
	m.Queue = q
	return m
}

// Is reports whether the message has the given class and type.
func (m Message) Is(class MessageClass, typ MessageType) bool {
	return m.Class == class && m.Type == typ
}

// DecodePayload unmarshals the payload into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("model: message %d has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("model: decode payload of message %d: %w", m.ID, err)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("model: encode message %d: %w", m.ID, err)
	}
	return raw, nil
}

// Decode parses a wire envelope. A body that is not a JSON message envelope
// is a delivery error: the caller rejects the message without requeue.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("model: decode message: %w", err)
	}
	if m.ID == 0 || m.Class == "" {
		return Message{}, fmt.Errorf("model: decode message: missing id or class")
	}
	return m, nil
}
