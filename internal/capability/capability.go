// Package capability holds the external collaborators the stages call:
// the intent and sandbox classifiers and the mailbox labeler.
package capability

import (
	"context"
	"errors"

	"go.uber.org/zap"

	mqcontracts "mailshield/contracts/mq"
	"mailshield/pkg/circuitbreaker"
)

var (
	// ErrTransientUnavailable means the call may succeed if repeated.
	ErrTransientUnavailable = errors.New("capability temporarily unavailable")
	// ErrInvalidInput means the capability rejected the payload. Repeating will not help.
	ErrInvalidInput = errors.New("capability rejected input")
)

// Classification is the fixed contract every classifier output is
// normalized into.
type Classification struct {
	Tags  []string `json:"tags"`
	Score int      `json:"score"`
}

// Classifier scores one email payload.
type Classifier interface {
	Classify(ctx context.Context, payload mqcontracts.Payload) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, payload mqcontracts.Payload) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, payload mqcontracts.Payload) (Classification, error) {
	return f(ctx, payload)
}

// Labeler applies a MailShield label in the user's mailbox.
type Labeler interface {
	SetLabel(ctx context.Context, emailID string, label mqcontracts.Label, moveToSpam bool) error
}

// LabelerFunc adapts a function to Labeler.
type LabelerFunc func(ctx context.Context, emailID string, label mqcontracts.Label, moveToSpam bool) error

func (f LabelerFunc) SetLabel(ctx context.Context, emailID string, label mqcontracts.Label, moveToSpam bool) error {
	return f(ctx, emailID, label, moveToSpam)
}

// IsTransient reports whether err is worth retrying. Anything that is not
// explicitly invalid input counts, so unknown failures stay bounded by the
// attempt limit rather than degrading on first sight. A call cancelled by
// its caller says nothing about the capability.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, context.Canceled)
}

// IsTimeout reports whether err came from a deadline or an open breaker.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, circuitbreaker.ErrOpen)
}

// Unavailable is a classifier for a capability that is not configured.
// Every call fails transiently, so the stage ends up publishing degraded results.
func Unavailable() Classifier {
	return ClassifierFunc(func(context.Context, mqcontracts.Payload) (Classification, error) {
		return Classification{}, ErrTransientUnavailable
	})
}

// LogLabeler records label decisions without touching a mailbox.
func LogLabeler(logger *zap.Logger) Labeler {
	return LabelerFunc(func(_ context.Context, emailID string, label mqcontracts.Label, moveToSpam bool) error {
		logger.Info("Label decision (no mailbox configured)",
			zap.String("email_id", emailID),
			zap.String("label", label.MailboxName()),
			zap.Bool("move_to_spam", moveToSpam),
		)
		return nil
	})
}
