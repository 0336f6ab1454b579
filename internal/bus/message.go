package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies how a message should be interpreted by receivers.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
	TypeAlert    MessageType = "alert"
	TypeCommand  MessageType = "command"
)

// Message is the standard envelope for inter-agent communication.
// Messages are immutable once created; the bus never mutates them.
type Message struct {
	// ID is a unique identifier, generated at construction.
	ID string

	// Type identifies the message kind (request, response, event, ...).
	Type MessageType

	// FromAgent is the sender's agent id.
	FromAgent string

	// ToAgent is the target agent id. Empty means broadcast: every
	// subscriber of the topic may handle the message.
	ToAgent string

	// Topic is the bus channel. For requests it equals the capability
	// name being invoked.
	Topic string

	// Data is the structured payload.
	Data map[string]any

	// CorrelationID links a response to its originating request. Set by
	// the requester and echoed verbatim by the responder.
	CorrelationID string

	// Timestamp is the creation time in UTC.
	Timestamp time.Time
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(msgType MessageType, from, to, topic string, data map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		FromAgent: from,
		ToAgent:   to,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewEvent creates a broadcast event message.
func NewEvent(from, topic string, data map[string]any) *Message {
	return NewMessage(TypeEvent, from, "", topic, data)
}

// NewAlert creates a broadcast alert message.
func NewAlert(from, topic string, data map[string]any) *Message {
	return NewMessage(TypeAlert, from, "", topic, data)
}

// NewResponse creates the response to a request, echoing its correlation id.
func NewResponse(request *Message, from string, data map[string]any) *Message {
	resp := NewMessage(TypeResponse, from, request.FromAgent, request.Topic, data)
	resp.CorrelationID = request.CorrelationID
	return resp
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, Topic:%s, From:%s}", m.ID, m.Type, m.Topic, m.FromAgent)
}
