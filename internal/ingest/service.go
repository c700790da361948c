// Package ingest turns mailbox notifications into email records and the
// work items that start analysis.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/store"
	"mailshield/pkg/logger"
	"mailshield/pkg/mq"
	"mailshield/pkg/outbox"
	"mailshield/pkg/trace"
	"mailshield/pkg/util"
)

// ErrMalformedEvent is returned for events without an identity. They are
// dropped, never retried.
var ErrMalformedEvent = errors.New("malformed event")

const dedupHandler = "ingest"

type Service struct {
	store     store.Store
	publisher mq.Publisher
	logger    *zap.Logger
	deduper   *util.Deduper
	outbox    store.OutboxStore
	now       func() time.Time
}

func NewService(st store.Store, publisher mq.Publisher, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// WithDeduper drops repeated notifications for the same identity before
// they reach the store.
func (s *Service) WithDeduper(d *util.Deduper) *Service {
	s.deduper = d
	return s
}

// WithOutbox commits work items in the email's transaction instead of
// publishing directly. A dispatcher relays them.
func (s *Service) WithOutbox(o store.OutboxStore) *Service {
	s.outbox = o
	return s
}

// Ingest validates raw, upserts the email and publishes its work items.
// The email row is always written before anything is published.
// A duplicate of an email that already reached a terminal status yields no work.
func (s *Service) Ingest(ctx context.Context, raw RawEvent) ([]mqcontracts.WorkItem, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, s.logger)

	id := strings.TrimSpace(raw.ID)
	if id == "" {
		log.Warn("Dropping event without identity", zap.String("error_type", "malformed_event"))
		return nil, ErrMalformedEvent
	}
	log = log.With(zap.String("email_id", id))

	if s.deduper != nil && !s.deduper.AcquireOnce(ctx, dedupHandler, id) {
		log.Debug("Duplicate notification dropped")
		return nil, nil
	}

	now := s.now().UTC()
	email := normalize(raw, id, now)
	items := workItems(email, traceID, now)

	var err error
	if s.outbox != nil {
		items, err = s.enqueue(ctx, email, items)
	} else {
		items, err = s.upsertAndPublish(ctx, log, email, items)
	}
	if err != nil {
		s.forget(ctx, log, id)
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	log.Info("Email ingested",
		zap.Int("urls", len(email.URLs)),
		zap.Int("attachments", len(email.Attachments)),
	)
	return items, nil
}

// enqueue returns the items it enqueued; none for a known email.
func (s *Service) enqueue(ctx context.Context, email *db.Email, items []mqcontracts.WorkItem) ([]mqcontracts.WorkItem, error) {
	events := make([]*outbox.Event, 0, len(items))
	for _, item := range items {
		e, err := outbox.NewEvent(ctx, mqcontracts.WorkTopic(item.Stage), email.ID, item)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	created, err := s.outbox.UpsertEmailWithEvents(ctx, email, events)
	if err != nil {
		return nil, fmt.Errorf("failed to store email %s: %w", email.ID, err)
	}
	if !created {
		return nil, nil
	}
	return items, nil
}

// upsertAndPublish returns the items it published.
func (s *Service) upsertAndPublish(ctx context.Context, log *zap.Logger, email *db.Email, items []mqcontracts.WorkItem) ([]mqcontracts.WorkItem, error) {
	id := email.ID
	created, err := s.store.UpsertEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to store email %s: %w", id, err)
	}

	if !created {
		// A previous ingest may have stopped between write and publish, so
		// republish unless the email is already done.
		existing, err := s.store.GetEmail(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load email %s: %w", id, err)
		}
		if existing.Status.Terminal() {
			log.Info("Email already processed, skipping fan-out", zap.String("status", string(existing.Status)))
			return nil, nil
		}
	}

	for _, item := range items {
		topic := mqcontracts.WorkTopic(item.Stage)
		if err := s.publisher.Publish(ctx, topic, id, item); err != nil {
			return nil, fmt.Errorf("failed to publish %s work for %s: %w", item.Stage, id, err)
		}
	}
	return items, nil
}

func (s *Service) forget(ctx context.Context, log *zap.Logger, id string) {
	if s.deduper == nil {
		return
	}
	if err := s.deduper.Forget(ctx, dedupHandler, id); err != nil {
		log.Warn("Failed to release dedup key", zap.Error(err))
	}
}
