package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailshield/pkg/otel"
)

const (
	fieldKey         = "key"
	fieldBody        = "body"
	fieldHeaders     = "headers"
	fieldPublishedAt = "published_at"
)

// RedisStreamsConfig tunes the Redis Streams backend.
type RedisStreamsConfig struct {
	// Prefix is prepended to every topic to form the stream key.
	Prefix string
	// Block is how long one XREADGROUP waits for new entries.
	Block time.Duration
	// ClaimIdle is how long a pending entry must sit unacked before another
	// consumer in the group takes it over.
	ClaimIdle time.Duration
	// BatchSize bounds entries fetched per read or claim.
	BatchSize int64
	// MaxLen approximately caps each stream. Zero keeps everything.
	MaxLen int64
}

func (c *RedisStreamsConfig) withDefaults() {
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
}

// RedisStreams is the durable Transport built on Redis Streams consumer groups.
type RedisStreams struct {
	rdb    *redis.Client
	cfg    RedisStreamsConfig
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewRedisStreams creates a transport on rdb. The client is owned by the caller.
func NewRedisStreams(rdb *redis.Client, cfg RedisStreamsConfig, logger *zap.Logger) *RedisStreams {
	cfg.withDefaults()
	return &RedisStreams{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (r *RedisStreams) stream(topic string) string {
	return r.cfg.Prefix + topic
}

// Publish appends value to the stream of topic.
func (r *RedisStreams) Publish(ctx context.Context, topic, key string, value any) (err error) {
	if r.isClosed() {
		return ErrClosed
	}
	ctx, span := otel.PublishSpan(ctx, "redis", topic, key)
	defer func() { otel.End(span, err) }()

	body, err := Encode(value)
	if err != nil {
		return err
	}
	headers, err := json.Marshal(outgoingHeaders(ctx, key))
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.stream(topic),
		Values: map[string]interface{}{
			fieldKey:         key,
			fieldBody:        body,
			fieldHeaders:     headers,
			fieldPublishedAt: time.Now().UnixMilli(),
		},
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates group on topic if needed and starts reading.
// A new group reads the stream from its first entry.
func (r *RedisStreams) Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	stream := r.stream(topic)
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}

	consumer := group + "-" + uuid.NewString()[:8]
	out := make(chan Delivery)
	go r.serve(ctx, topic, group, consumer, out)
	return out, nil
}

func (r *RedisStreams) serve(ctx context.Context, topic, group, consumer string, out chan<- Delivery) {
	defer close(out)

	stream := r.stream(topic)
	logger := r.logger.With(
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("consumer", consumer),
	)
	lastClaim := time.Time{}

	for {
		if ctx.Err() != nil || r.isClosed() {
			return
		}

		// Pending entries idle past ClaimIdle belong to crashed or nacking consumers.
		if time.Since(lastClaim) >= r.cfg.ClaimIdle {
			lastClaim = time.Now()
			if !r.reclaim(ctx, topic, group, consumer, out, logger) {
				return
			}
		}

		streams, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    r.cfg.BatchSize,
			Block:    r.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to read stream", zap.Error(err))
			if !sleepCtx(ctx, r.cfg.Block) {
				return
			}
			continue
		}

		for _, s := range streams {
			for _, xm := range s.Messages {
				if !r.emit(ctx, topic, group, xm, 0, out) {
					return
				}
			}
		}
	}
}

func (r *RedisStreams) reclaim(ctx context.Context, topic, group, consumer string, out chan<- Delivery, logger *zap.Logger) bool {
	stream := r.stream(topic)
	pending, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   r.cfg.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Failed to list pending entries", zap.Error(err))
		}
		return ctx.Err() == nil
	}
	if len(pending) == 0 {
		return true
	}

	ids := make([]string, 0, len(pending))
	retries := make(map[string]int, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		retries[p.ID] = int(p.RetryCount)
	}

	claimed, err := r.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  r.cfg.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Failed to claim pending entries", zap.Error(err))
		}
		return ctx.Err() == nil
	}

	for _, xm := range claimed {
		if xm.Values == nil {
			// Trimmed from the stream while pending; nothing left to deliver.
			_ = r.rdb.XAck(ctx, stream, group, xm.ID).Err()
			continue
		}
		logger.Info("Reclaimed pending entry",
			zap.String("message_id", xm.ID),
			zap.Int("redeliveries", retries[xm.ID]),
		)
		if !r.emit(ctx, topic, group, xm, retries[xm.ID], out) {
			return false
		}
	}
	return true
}

func (r *RedisStreams) emit(ctx context.Context, topic, group string, xm redis.XMessage, redeliveries int, out chan<- Delivery) bool {
	msg := decodeXMessage(topic, xm)
	msg.Redeliveries = redeliveries
	d := &redisDelivery{rdb: r.rdb, stream: r.stream(topic), group: group, msg: msg}
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		// Stays pending and is reclaimed after ClaimIdle.
		return false
	case <-r.done:
		return false
	}
}

func decodeXMessage(topic string, xm redis.XMessage) *Message {
	msg := &Message{
		ID:      xm.ID,
		Topic:   topic,
		Key:     stringField(xm.Values, fieldKey),
		Body:    []byte(stringField(xm.Values, fieldBody)),
		Headers: map[string]string{},
	}
	if raw := stringField(xm.Values, fieldHeaders); raw != "" {
		_ = json.Unmarshal([]byte(raw), &msg.Headers)
	}
	if ms, err := strconv.ParseInt(stringField(xm.Values, fieldPublishedAt), 10, 64); err == nil {
		msg.PublishedAt = time.UnixMilli(ms)
	}
	return msg
}

func stringField(values map[string]interface{}, name string) string {
	switch v := values[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r *RedisStreams) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close stops subscriptions. The Redis client stays open.
func (r *RedisStreams) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}

type redisDelivery struct {
	rdb    *redis.Client
	stream string
	group  string
	msg    *Message
}

func (d *redisDelivery) Message() *Message { return d.msg }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.rdb.XAck(ctx, d.stream, d.group, d.msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", d.msg.ID, err)
	}
	return nil
}

// Nack leaves the entry pending. It is reclaimed by the group once idle.
func (d *redisDelivery) Nack(context.Context) error {
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
