// Package action applies verdict labels in the user's mailbox, at most once
// per email.
package action

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
	"mailshield/pkg/util"
)

// ErrApplicationFailed is returned once a label could not be applied within
// the attempt budget. The record is left FAILED for the manual retry path.
var ErrApplicationFailed = errors.New("label application failed")

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeFailed         Outcome = "failed"
)

type Stage struct {
	store       store.Store
	labeler     capability.Labeler
	locker      util.Locker
	moveToSpam  bool
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewStage creates the action stage. moveToSpam gates the extra spam move
// for THREAT verdicts.
func NewStage(st store.Store, labeler capability.Labeler, locker util.Locker, moveToSpam bool, maxAttempts int, backoff time.Duration, logger *zap.Logger) *Stage {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Stage{
		store:       st,
		labeler:     labeler,
		locker:      locker,
		moveToSpam:  moveToSpam,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger.With(zap.String("stage", "action")),
		now:         time.Now,
		sleep:       sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Apply labels the email of v unless that already happened.
func (s *Stage) Apply(ctx context.Context, v mqcontracts.FinalVerdict) (Outcome, error) {
	unlock, err := s.locker.Lock(ctx, v.EmailID)
	if err != nil {
		return "", fmt.Errorf("lock action %s: %w", v.EmailID, err)
	}
	defer unlock()

	log := logger.WithTrace(ctx, s.logger).With(zap.String("email_id", v.EmailID))

	rec, err := s.store.GetAction(ctx, v.EmailID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &db.ActionRecord{
			EmailID:    v.EmailID,
			Label:      v.Tier.Label(),
			MoveToSpam: s.moveToSpam && v.Tier == mqcontracts.TierThreat,
			State:      db.ActionPending,
		}
	case err != nil:
		return "", fmt.Errorf("load action %s: %w", v.EmailID, err)
	}

	if rec.Applied {
		metrics.IncrementAction(string(OutcomeAlreadyApplied))
		log.Debug("Label already applied")
		return OutcomeAlreadyApplied, nil
	}
	if rec.State == db.ActionFailed {
		// Terminal until an operator retries it.
		log.Warn("Label application previously failed, waiting for manual retry")
		return OutcomeFailed, fmt.Errorf("%w: %s", ErrApplicationFailed, rec.LastError)
	}

	return s.attempt(ctx, rec, log)
}

func (s *Stage) attempt(ctx context.Context, rec *db.ActionRecord, log *zap.Logger) (Outcome, error) {
	var lastErr error
	for rec.AttemptCount < s.maxAttempts {
		rec.AttemptCount++
		at := s.now().UTC()
		rec.LastAttemptAt = &at

		lastErr = s.labeler.SetLabel(ctx, rec.EmailID, rec.Label, rec.MoveToSpam)
		if lastErr == nil {
			rec.Applied = true
			rec.State = db.ActionApplied
			rec.AppliedAt = &at
			rec.LastError = ""
			if err := s.store.SaveAction(ctx, rec); err != nil {
				return "", fmt.Errorf("save applied action %s: %w", rec.EmailID, err)
			}
			metrics.IncrementAction(string(OutcomeApplied))
			log.Info("Label applied",
				zap.String("label", rec.Label.MailboxName()),
				zap.Bool("move_to_spam", rec.MoveToSpam),
				zap.Int("attempt", rec.AttemptCount),
			)
			return OutcomeApplied, nil
		}

		rec.LastError = lastErr.Error()
		if err := s.store.SaveAction(ctx, rec); err != nil {
			return "", fmt.Errorf("save action attempt %s: %w", rec.EmailID, err)
		}
		if !util.ShouldRetry(rec.AttemptCount, s.maxAttempts, !errors.Is(lastErr, capability.ErrInvalidInput)) {
			break
		}

		metrics.IncrementAction("retry")
		log.Warn("Label application failed, retrying",
			zap.Int("attempt", rec.AttemptCount),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(lastErr),
		)
		if err := s.sleep(ctx, s.backoff*time.Duration(rec.AttemptCount)); err != nil {
			return "", err
		}
	}

	rec.State = db.ActionFailed
	if err := s.store.SaveAction(ctx, rec); err != nil {
		return "", fmt.Errorf("save failed action %s: %w", rec.EmailID, err)
	}
	metrics.IncrementAction(string(OutcomeFailed))
	log.Error("Label application failed permanently, manual retry required",
		zap.String("label", rec.Label.MailboxName()),
		zap.Int("attempts", rec.AttemptCount),
		zap.Error(lastErr),
	)
	return OutcomeFailed, fmt.Errorf("%w: %v", ErrApplicationFailed, lastErr)
}

// Retry resets a failed record and applies the stored verdict again.
func (s *Stage) Retry(ctx context.Context, emailID string) (Outcome, error) {
	verdict, err := s.store.GetVerdict(ctx, emailID)
	if err != nil {
		return "", fmt.Errorf("load verdict %s: %w", emailID, err)
	}

	rec, err := s.store.GetAction(ctx, emailID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("load action %s: %w", emailID, err)
	case rec.Applied:
		return OutcomeAlreadyApplied, nil
	default:
		rec.State = db.ActionPending
		rec.AttemptCount = 0
		rec.LastError = ""
		if err := s.store.SaveAction(ctx, rec); err != nil {
			return "", fmt.Errorf("reset action %s: %w", emailID, err)
		}
	}
	return s.Apply(ctx, *verdict)
}

// ListFailed returns records waiting for a manual retry.
func (s *Stage) ListFailed(ctx context.Context, limit int) ([]*db.ActionRecord, error) {
	return s.store.ListFailedActions(ctx, limit)
}

// Handle consumes the verdict topic. A terminal failure is acked: it is
// recorded and surfaced, and redelivery would not change it.
func (s *Stage) Handle(ctx context.Context, msg *mq.Message) error {
	var v mqcontracts.FinalVerdict
	if err := msg.Decode(&v); err != nil {
		return mq.Permanent(err)
	}
	if v.EmailID == "" {
		return mq.Permanent(errors.New("verdict without email id"))
	}

	_, err := s.Apply(ctx, v)
	if errors.Is(err, ErrApplicationFailed) {
		return nil
	}
	return err
}
