package mq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailshield/pkg/otel"
)

// ExchangeName is the topic exchange every stream topic is routed through.
const ExchangeName = "mailshield.streams"

// RabbitMQ is a Transport over a topic exchange. Each (topic, group) pair is
// a durable queue bound with the topic as routing key, so groups see every
// message independently.
type RabbitMQ struct {
	conn     *amqp.Connection
	logger   *zap.Logger
	prefetch int

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewConnection dials the broker.
func NewConnection(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares the stream exchange on ch.
func DeclareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil)
}

// NewRabbitMQ dials url and declares the exchange.
func NewRabbitMQ(url string, prefetch int, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 16
	}
	return &RabbitMQ{conn: conn, channel: ch, logger: logger, prefetch: prefetch}, nil
}

// IsConnected reports whether the broker connection is alive.
func (r *RabbitMQ) IsConnected() bool {
	return r.conn != nil && !r.conn.IsClosed()
}

// Publish routes value to every group queue bound to topic.
func (r *RabbitMQ) Publish(ctx context.Context, topic, key string, value any) (err error) {
	ctx, span := otel.PublishSpan(ctx, "rabbitmq", topic, key)
	defer func() { otel.End(span, err) }()

	body, err := Encode(value)
	if err != nil {
		return err
	}
	return r.publish(ctx, ExchangeName, topic, body, outgoingHeaders(ctx, key), 0)
}

// publishing builds the AMQP message for body. The redelivery count rides in
// a header so it survives a republish.
func publishing(body []byte, headers map[string]string, redeliveries int) amqp.Publishing {
	table := amqp.Table{HeaderRedeliveries: int32(redeliveries)}
	for k, v := range headers {
		if k == HeaderRedeliveries {
			continue
		}
		table[k] = v
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	}
}

func (r *RabbitMQ) publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string, redeliveries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.IsConnected() {
		return ErrClosed
	}
	err := r.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing(body, headers, redeliveries))
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe consumes the queue of group on topic.
func (r *RabbitMQ) Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	queue := topic + "." + group

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, ExchangeName, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := queue + "-" + uuid.NewString()[:8]
	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		// Closing the channel hands unacked deliveries back to the broker.
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					r.logger.Warn("Consumer channel closed", zap.String("queue", queue))
					return
				}
				delivery := &rabbitDelivery{transport: r, queue: queue, d: d, msg: decodeDelivery(topic, d)}
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeDelivery(topic string, d amqp.Delivery) *Message {
	msg := &Message{
		ID:          d.MessageId,
		Topic:       topic,
		Body:        d.Body,
		Headers:     map[string]string{},
		PublishedAt: d.Timestamp,
	}
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			msg.Headers[k] = val
		case int32:
			if k == HeaderRedeliveries {
				msg.Redeliveries = int(val)
			}
		case int64:
			if k == HeaderRedeliveries {
				msg.Redeliveries = int(val)
			}
		}
	}
	msg.Key = msg.Headers[HeaderKey]
	if msg.ID == "" {
		msg.ID = strconv.FormatUint(d.DeliveryTag, 10)
	}
	// A broker-side redelivery (consumer died before ack) counts too.
	if d.Redelivered {
		msg.Redeliveries++
	}
	return msg
}

// Close closes the publish channel and the connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}

type rabbitDelivery struct {
	transport *RabbitMQ
	queue     string
	d         amqp.Delivery
	msg       *Message
}

func (d *rabbitDelivery) Message() *Message { return d.msg }

func (d *rabbitDelivery) Ack(context.Context) error {
	return d.d.Ack(false)
}

// Nack republishes the message straight to the group queue with its
// redelivery count bumped, then acks the original. Broker requeue would
// lose the count.
func (d *rabbitDelivery) Nack(ctx context.Context) error {
	err := d.transport.publish(ctx, "", d.queue, d.msg.Body, d.msg.Headers, d.msg.Redeliveries+1)
	if err != nil {
		d.transport.logger.Warn("Republish failed, falling back to broker requeue",
			zap.String("queue", d.queue),
			zap.String("message_id", d.msg.ID),
			zap.Error(err),
		)
		return d.d.Nack(false, true)
	}
	return d.d.Ack(false)
}
