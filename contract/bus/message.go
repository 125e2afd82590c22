package bus

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// MessageType classifies a message travelling over a channel.
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeError    MessageType = "error"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeError:
		return true
	default:
		return false
	}
}

// Message is the envelope delivered to channel subscribers.
//
// Responses and errors produced for a request carry the request ID in CorrelationID.
type Message struct {
	ID            string            `json:"id"`
	Channel       string            `json:"channel"`
	Type          MessageType       `json:"type"`
	Payload       any               `json:"payload,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Target        string            `json:"target,omitempty"`
	From          string            `json:"from,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

func (m Message) IsRequest() bool  { return m.Type == MessageTypeRequest }
func (m Message) IsResponse() bool { return m.Type == MessageTypeResponse }
func (m Message) IsError() bool    { return m.Type == MessageTypeError }

// Header returns the value of a header or an empty string.
func (m Message) Header(name string) string { return m.Headers[name] }

// Clone returns a copy of m that does not share its header map.
func (m Message) Clone() Message {
	c := m
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	}

	return c
}

// MessageOption mutates an outbound message before it is sent.
type MessageOption func(*Message)

// WithID overrides the generated message id.
func WithID(id string) MessageOption { return func(m *Message) { m.ID = id } }

// WithCorrelationID links the message to an earlier request.
func WithCorrelationID(id string) MessageOption { return func(m *Message) { m.CorrelationID = id } }

// WithHeader sets a single header.
func WithHeader(name, value string) MessageOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}

		m.Headers[name] = value
	}
}

// WithHeaders merges headers into the message.
func WithHeaders(h map[string]string) MessageOption {
	return func(m *Message) {
		if len(h) == 0 {
			return
		}

		if m.Headers == nil {
			m.Headers = make(map[string]string, len(h))
		}

		maps.Copy(m.Headers, h)
	}
}

// WithTarget addresses the message to a single user of a shared channel.
func WithTarget(user string) MessageOption { return func(m *Message) { m.Target = user } }

// WithFrom records the sending actor, used by the monitor.
func WithFrom(from string) MessageOption { return func(m *Message) { m.From = from } }

// Apply runs opts against m in order.
func (m *Message) Apply(opts ...MessageOption) {
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
}

// DecodePayload returns the payload as T. Payloads that crossed a broker arrive
// as generic JSON values and are converted with a JSON round trip.
func DecodePayload[T any](m Message) (T, error) {
	var zero T

	if v, ok := m.Payload.(T); ok {
		return v, nil
	}

	if m.Payload == nil {
		return zero, nil
	}

	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return zero, fmt.Errorf("decode payload %s: %w", m.ID, err)
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode payload %s: %w", m.ID, err)
	}

	return out, nil
}
