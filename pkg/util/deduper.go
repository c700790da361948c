package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper remembers recently seen keys in Redis.
type Deduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduper creates a deduper whose keys live under prefix for ttl.
func NewDeduper(rdb *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce reports whether this is the first time id is seen for handler.
// When Redis is unreachable it answers true: a duplicate is safe downstream,
// a dropped event is not.
func (d *Deduper) AcquireOnce(ctx context.Context, handler string, id string) bool {
	key := d.prefix + handler + ":" + id

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("email_id", id),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("email_id", id),
			zap.String("dedup_key", key),
		)
	}

	return ok
}

// Forget removes id so it can be processed again.
func (d *Deduper) Forget(ctx context.Context, handler string, id string) error {
	return d.rdb.Del(ctx, d.prefix+handler+":"+id).Err()
}
