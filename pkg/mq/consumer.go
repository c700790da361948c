package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailshield/pkg/metrics"
	"mailshield/pkg/otel"
	"mailshield/pkg/trace"
)

// MessageHandler processes one message. A nil return acks it, an error
// nacks it for redelivery, and a Permanent error dead-letters it.
type MessageHandler func(ctx context.Context, msg *Message) error

// DeadLetterHook is told about every message the consumer gives up on.
type DeadLetterHook func(ctx context.Context, msg *Message, reason string)

// Consumer runs a handler over one (topic, group) subscription with a
// fixed number of workers. Every delivery ends in exactly one of ack,
// nack or dead-letter.
type Consumer struct {
	sub     Subscriber
	pub     Publisher
	topic   string
	group   string
	handler MessageHandler
	logger  *zap.Logger

	system        string
	concurrency   int
	maxDeliveries int
	onDeadLetter  DeadLetterHook
}

// NewConsumer builds a consumer. pub is used for dead letters.
func NewConsumer(sub Subscriber, pub Publisher, topic, group string, handler MessageHandler, logger *zap.Logger) *Consumer {
	return &Consumer{
		sub:           sub,
		pub:           pub,
		topic:         topic,
		group:         group,
		handler:       handler,
		logger:        logger.With(zap.String("topic", topic), zap.String("group", group)),
		system:        "stream",
		concurrency:   1,
		maxDeliveries: 10,
	}
}

// WithConcurrency sets the number of workers.
func (c *Consumer) WithConcurrency(n int) *Consumer {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

// WithMaxDeliveries sets after how many deliveries a failing message is
// dead-lettered. Zero disables the limit.
func (c *Consumer) WithMaxDeliveries(n int) *Consumer {
	if n >= 0 {
		c.maxDeliveries = n
	}
	return c
}

// WithSystem names the backend in spans.
func (c *Consumer) WithSystem(system string) *Consumer {
	c.system = system
	return c
}

// WithDeadLetterHook registers fn to run after a message is dead-lettered.
func (c *Consumer) WithDeadLetterHook(fn DeadLetterHook) *Consumer {
	c.onDeadLetter = fn
	return c
}

// Run consumes until ctx is done. It returns nil on a clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.sub.Subscribe(ctx, c.topic, c.group)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", c.topic, c.group, err)
	}

	c.logger.Info("Consumer started consuming messages", zap.Int("concurrency", c.concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		g.Go(func() error {
			for d := range deliveries {
				c.Handle(gctx, d)
			}
			return nil
		})
	}
	err = g.Wait()
	c.logger.Info("Consumer stopped")
	return err
}

// Handle processes a single delivery.
func (c *Consumer) Handle(ctx context.Context, d Delivery) {
	start := time.Now()
	msg := d.Message()

	ctx = otel.Extract(ctx, msg.Headers)
	ctx = trace.WithContext(ctx, msg.TraceID())
	ctx, span := otel.ConsumeSpan(ctx, c.system, c.topic, c.group)

	logger := c.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("key", msg.Key),
		zap.Int("redeliveries", msg.Redeliveries),
		zap.String("trace_id", msg.TraceID()),
	)

	if c.maxDeliveries > 0 && msg.Redeliveries >= c.maxDeliveries {
		ctx = context.WithoutCancel(ctx)
		reason := fmt.Sprintf("exceeded %d deliveries", c.maxDeliveries)
		c.deadLetter(ctx, d, reason, logger)
		otel.End(span, errors.New(reason))
		metrics.RecordStageMessage(c.topic, c.group, "dead_lettered", time.Since(start))
		return
	}

	err := c.invoke(ctx, msg)
	otel.End(span, err)

	// Settle even if shutdown cancelled ctx mid-handler.
	ctx = context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if ackErr := d.Ack(ctx); ackErr != nil {
			logger.Error("Failed to ack message", zap.Error(ackErr))
		}
		metrics.RecordStageMessage(c.topic, c.group, "acked", time.Since(start))
	case IsPermanent(err):
		logger.Warn("Permanent handler error", zap.Error(err))
		c.deadLetter(ctx, d, err.Error(), logger)
		metrics.RecordStageMessage(c.topic, c.group, "dead_lettered", time.Since(start))
	default:
		logger.Warn("Handler error, message will be redelivered", zap.Error(err))
		if nackErr := d.Nack(ctx); nackErr != nil {
			logger.Error("Failed to nack message", zap.Error(nackErr))
		}
		metrics.RecordStageMessage(c.topic, c.group, "nacked", time.Since(start))
	}
}

// invoke runs the handler, turning a panic into an error so the message is nacked.
func (c *Consumer) invoke(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("message_id", msg.ID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

func (c *Consumer) deadLetter(ctx context.Context, d Delivery, reason string, logger *zap.Logger) {
	msg := d.Message()
	if err := PublishToDLQ(ctx, c.pub, c.group, msg, reason); err != nil {
		logger.Error("Failed to publish to DLQ, message will be redelivered", zap.Error(err))
		_ = d.Nack(ctx)
		return
	}
	if err := d.Ack(ctx); err != nil {
		logger.Error("Failed to ack dead-lettered message", zap.Error(err))
	}
	logger.Error("Message dead-lettered", zap.String("reason", reason))
	if c.onDeadLetter != nil {
		c.onDeadLetter(ctx, msg, reason)
	}
}
