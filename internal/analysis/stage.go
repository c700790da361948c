// Package analysis runs a classifier over work items and publishes one
// result per attempt. Intent and Sandbox are two instances of the same stage.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/capability"
	"mailshield/internal/store"
	"mailshield/pkg/logger"
	"mailshield/pkg/metrics"
	"mailshield/pkg/mq"
)

type Stage struct {
	name        string
	classifier  capability.Classifier
	publisher   mq.Publisher
	store       store.Store
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

// NewStage creates the stage called name. After maxAttempts transient
// failures a degraded result is published instead of retrying again.
func NewStage(name string, classifier capability.Classifier, publisher mq.Publisher, st store.Store, maxAttempts int, logger *zap.Logger) *Stage {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Stage{
		name:        name,
		classifier:  classifier,
		publisher:   publisher,
		store:       st,
		maxAttempts: maxAttempts,
		logger:      logger.With(zap.String("stage", name)),
		now:         time.Now,
	}
}

func (s *Stage) Name() string { return s.name }

// Analyze classifies item. redeliveries is how often the transport has
// handed out this item before; together with item.Attempt it gives the
// effective attempt. A non-nil error means "retry later".
func (s *Stage) Analyze(ctx context.Context, item mqcontracts.WorkItem, redeliveries int) (mqcontracts.StageResult, error) {
	attempt := max(item.Attempt, 1) + redeliveries
	result := mqcontracts.StageResult{
		EmailID: item.EmailID,
		Stage:   s.name,
		Attempt: attempt,
		TraceID: item.TraceID,
	}

	c, err := s.classifier.Classify(ctx, item.Payload)
	switch {
	case err == nil:
		result.Tags = mqcontracts.NormalizeTags(c.Tags)
		result.Score = mqcontracts.ClampScore(c.Score)

	case errors.Is(err, context.Canceled):
		// Shutting down; the item is redelivered to whoever takes over.
		return mqcontracts.StageResult{}, err

	case errors.Is(err, capability.ErrInvalidInput):
		s.degrade(&result, mqcontracts.TagInvalid)

	case attempt < s.maxAttempts:
		return mqcontracts.StageResult{}, fmt.Errorf("%s attempt %d/%d: %w", s.name, attempt, s.maxAttempts, err)

	case capability.IsTimeout(err):
		s.degrade(&result, mqcontracts.TagTimedOut)

	default:
		s.degrade(&result, mqcontracts.TagUnavailable)
	}

	result.ProducedAt = s.now().UTC()
	return result, nil
}

func (s *Stage) degrade(r *mqcontracts.StageResult, reason string) {
	r.Degraded = true
	r.Score = mqcontracts.UnknownScore
	r.Tags = mqcontracts.NormalizeTags([]string{mqcontracts.TagUnknown, reason})
	metrics.IncrementDegraded(s.name, reason)
}

// Handle is the consumer entry point for the stage's work topic.
func (s *Stage) Handle(ctx context.Context, msg *mq.Message) error {
	var item mqcontracts.WorkItem
	if err := msg.Decode(&item); err != nil {
		return mq.Permanent(err)
	}
	if item.EmailID == "" {
		return mq.Permanent(errors.New("work item without email id"))
	}
	if item.Stage != s.name {
		return mq.Permanent(fmt.Errorf("work item for stage %q on %s topic", item.Stage, s.name))
	}

	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("email_id", item.EmailID),
		zap.Int("attempt", max(item.Attempt, 1)+msg.Redeliveries),
	)

	// Step 1: mark the email as being worked on.
	if s.store != nil {
		if err := s.store.SetEmailStatus(ctx, item.EmailID, db.StatusProcessing, ""); err != nil {
			log.Warn("Failed to mark email processing", zap.Error(err))
		}
	}

	// Step 2: classify.
	result, err := s.Analyze(ctx, item, msg.Redeliveries)
	if err != nil {
		log.Warn("Classification failed, will retry", zap.Error(err))
		return err
	}

	// Step 3: publish. The ack only happens after this succeeds.
	if err := s.publisher.Publish(ctx, mqcontracts.ResultTopic(s.name), item.EmailID, result); err != nil {
		log.Error("Failed to publish result", zap.Error(err))
		return fmt.Errorf("publish %s result for %s: %w", s.name, item.EmailID, err)
	}

	if result.Degraded {
		log.Warn("Published degraded result", zap.Strings("tags", result.Tags))
	} else {
		log.Info("Published result", zap.Int("score", result.Score), zap.Strings("tags", result.Tags))
	}
	return nil
}

// OnDeadLetter marks the email FAILED when a work item could not even
// produce a degraded result.
func (s *Stage) OnDeadLetter(ctx context.Context, msg *mq.Message, reason string) {
	if s.store == nil || msg.Key == "" {
		return
	}
	err := s.store.SetEmailStatus(ctx, msg.Key, db.StatusFailed, fmt.Sprintf("%s: %s", s.name, reason))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("Failed to mark email failed",
			zap.String("email_id", msg.Key),
			zap.Error(err),
		)
	}
}
