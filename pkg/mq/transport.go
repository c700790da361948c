// Package mq is the stream transport every pipeline stage talks through.
//
// A topic is an append-only log. Each consumer group keeps its own cursor,
// so groups progress independently. A delivery stays pending until it is
// acked; nacked or orphaned deliveries are handed out again with a higher
// Redeliveries count. Handlers must therefore be idempotent.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailshield/pkg/otel"
	"mailshield/pkg/trace"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("mq: transport closed")

// Header keys set by publishers.
const (
	HeaderKey          = "x-key"
	HeaderRedeliveries = "x-redeliveries"
)

// Message is one record read from a topic.
type Message struct {
	ID           string
	Topic        string
	Key          string
	Body         []byte
	Headers      map[string]string
	Redeliveries int
	PublishedAt  time.Time
}

// Decode unmarshals the JSON body into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", m.Topic, m.ID, err)
	}
	return nil
}

// TraceID returns the trace id the publisher attached, if any.
func (m *Message) TraceID() string {
	return m.Headers[trace.HeaderKey]
}

// Delivery is a message handed to one consumer of a group.
// Exactly one of Ack or Nack should be called.
type Delivery interface {
	Message() *Message
	// Ack commits the group's cursor past this message.
	Ack(ctx context.Context) error
	// Nack leaves the message for redelivery to the group.
	Nack(ctx context.Context) error
}

// Publisher appends to topics. key is the email identity and keeps
// per-email ordering within a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// Subscriber reads a topic as a member of group. The channel closes when
// ctx is done; unacked deliveries then become available to other members.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error)
}

// Transport is a publisher and subscriber over one backend.
type Transport interface {
	Publisher
	Subscriber
	Close() error
}

// Encode turns a publish value into a message body.
func Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		body, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		return body, nil
	}
}

// outgoingHeaders builds the headers a publish carries from ctx.
func outgoingHeaders(ctx context.Context, key string) map[string]string {
	headers := map[string]string{HeaderKey: key}
	if id := trace.FromContext(ctx); id != "" {
		headers[trace.HeaderKey] = id
	}
	otel.Inject(ctx, headers)
	return headers
}
