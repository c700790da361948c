package capability

import (
	"context"
	"errors"
	"time"

	mqcontracts "mailshield/contracts/mq"
	"mailshield/pkg/circuitbreaker"
	"mailshield/pkg/metrics"
)

// Guard bounds every call to one capability with a timeout and a circuit
// breaker and records call metrics. Only transient failures trip the breaker.
type Guard struct {
	name    string
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuard creates a guard for the capability called name.
func NewGuard(name string, timeout time.Duration, failureThreshold int, openFor time.Duration) *Guard {
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = failureThreshold
	cfg.Timeout = openFor
	cfg.IsFailure = IsTransient
	return &Guard{
		name:    name,
		timeout: timeout,
		breaker: circuitbreaker.New(name, cfg),
	}
}

// Do runs fn under the guard.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := g.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = errors.Join(ErrTransientUnavailable, err)
	}
	metrics.RecordCapabilityCall(g.name, outcome(err), time.Since(start))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "unavailable"
	}
}

// GuardClassifier wraps c with g.
func GuardClassifier(c Classifier, g *Guard) Classifier {
	return ClassifierFunc(func(ctx context.Context, payload mqcontracts.Payload) (Classification, error) {
		var out Classification
		err := g.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.Classify(ctx, payload)
			return err
		})
		return out, err
	})
}

// GuardLabeler wraps l with g.
func GuardLabeler(l Labeler, g *Guard) Labeler {
	return LabelerFunc(func(ctx context.Context, emailID string, label mqcontracts.Label, moveToSpam bool) error {
		return g.Do(ctx, func(ctx context.Context) error {
			return l.SetLabel(ctx, emailID, label, moveToSpam)
		})
	})
}
