// Package aggregator fans analysis results back in and decides one verdict
// per email.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/store"
	"mailshield/pkg/logger"
	"mailshield/pkg/metrics"
	"mailshield/pkg/mq"
	"mailshield/pkg/util"
)

// Outcome says what Accept did with a result.
type Outcome string

const (
	OutcomeRecorded Outcome = "recorded"
	OutcomeStale    Outcome = "stale"
	OutcomeDecided  Outcome = "decided"
	// OutcomeLate means a verdict already exists; the result is informational.
	OutcomeLate Outcome = "late"
)

const sweepBatch = 100

type Aggregator struct {
	store     store.Store
	states    StateStore
	policy    Policy
	publisher mq.Publisher
	required  []string
	deadline  time.Duration
	locks     util.Locker
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an Aggregator. An email is decided once every stage in
// required has reported, or when deadline has passed since its state was
// opened.
func New(st store.Store, states StateStore, policy Policy, publisher mq.Publisher, required []string, deadline time.Duration, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:     st,
		states:    states,
		policy:    policy,
		publisher: publisher,
		required:  required,
		deadline:  deadline,
		locks:     util.NewLocalLocker(),
		logger:    logger.With(zap.String("stage", "aggregator")),
		now:       time.Now,
	}
}

// WithLocker replaces the in-process per-email lock. Replicas sharing a
// Redis state store must share a lock too, or two of them can each record
// one stage of the same email and neither sees it complete.
func (a *Aggregator) WithLocker(l util.Locker) *Aggregator {
	a.locks = l
	return a
}

func (a *Aggregator) lock(ctx context.Context, emailID string) (func(), error) {
	unlock, err := a.locks.Lock(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("lock aggregation %s: %w", emailID, err)
	}
	return unlock, nil
}

// Observe opens an AWAITING state when a work item is fanned out, so the
// deadline runs even if no stage ever reports.
func (a *Aggregator) Observe(ctx context.Context, item mqcontracts.WorkItem) error {
	unlock, err := a.lock(ctx, item.EmailID)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = a.states.Get(ctx, item.EmailID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrStateNotFound) {
		return err
	}

	decided, err := a.decided(ctx, item.EmailID)
	if err != nil || decided {
		return err
	}
	return a.states.Put(ctx, newState(item.EmailID, item.TraceID, a.now().UTC(), a.deadline))
}

// Accept records a stage result and decides the email when the required
// stages are all in.
func (a *Aggregator) Accept(ctx context.Context, result mqcontracts.StageResult) (Outcome, error) {
	unlock, err := a.lock(ctx, result.EmailID)
	if err != nil {
		return "", err
	}
	defer unlock()

	log := logger.WithTrace(ctx, a.logger).With(
		zap.String("email_id", result.EmailID),
		zap.String("result_stage", result.Stage),
		zap.Int("attempt", result.Attempt),
	)

	state, err := a.states.Get(ctx, result.EmailID)
	switch {
	case errors.Is(err, ErrStateNotFound):
		decided, err := a.decided(ctx, result.EmailID)
		if err != nil {
			return "", err
		}
		if decided {
			log.Info("Result arrived after verdict, ignoring", zap.Int("score", result.Score))
			return OutcomeLate, nil
		}
		state = newState(result.EmailID, result.TraceID, a.now().UTC(), a.deadline)
	case err != nil:
		return "", err
	}

	if prev, ok := state.Results[result.Stage]; ok && !result.Supersedes(prev) {
		log.Debug("Stale result ignored", zap.Int("stored_attempt", prev.Attempt))
		return OutcomeStale, nil
	}
	state.Results[result.Stage] = result

	if !state.Complete(a.required) {
		if err := a.states.Put(ctx, state); err != nil {
			return "", err
		}
		log.Debug("Result recorded", zap.String("phase", string(state.Phase())))
		return OutcomeRecorded, nil
	}

	if _, err := a.decide(ctx, state, mqcontracts.VerdictDecided); err != nil {
		return "", err
	}
	return OutcomeDecided, nil
}

// Sweep expires every state whose deadline is not after now and returns
// how many verdicts it emitted.
func (a *Aggregator) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := a.states.Expired(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		ok, err := a.expire(ctx, id, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (a *Aggregator) expire(ctx context.Context, emailID string, now time.Time) (bool, error) {
	unlock, err := a.lock(ctx, emailID)
	if err != nil {
		return false, err
	}
	defer unlock()

	state, err := a.states.Get(ctx, emailID)
	if errors.Is(err, ErrStateNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if state.Deadline.After(now) {
		return false, nil
	}
	if _, err := a.decide(ctx, state, mqcontracts.VerdictExpired); err != nil {
		return false, err
	}
	return true, nil
}

// decide persists and publishes the verdict, then drops the state. If a
// verdict is already stored (crash after persisting, before ack) the stored
// one is republished unchanged.
func (a *Aggregator) decide(ctx context.Context, state *State, end mqcontracts.VerdictState) (mqcontracts.FinalVerdict, error) {
	results := state.Sorted()
	v := a.policy.Combine(results, a.required)

	verdict := mqcontracts.FinalVerdict{
		EmailID:       state.EmailID,
		Score:         v.Score,
		Tier:          v.Tier,
		State:         end,
		Incomplete:    v.Incomplete,
		Degraded:      v.Degraded,
		Contributions: results,
		DecidedAt:     a.now().UTC(),
		TraceID:       state.TraceID,
	}
	log := logger.WithTrace(ctx, a.logger).With(zap.String("email_id", state.EmailID))

	err := a.store.CompleteEmail(ctx, verdict)
	switch {
	case errors.Is(err, store.ErrVerdictExists):
		existing, err := a.store.GetVerdict(ctx, state.EmailID)
		if err != nil {
			return verdict, fmt.Errorf("load existing verdict for %s: %w", state.EmailID, err)
		}
		log.Info("Verdict already persisted, republishing", zap.String("tier", string(existing.Tier)))
		verdict = *existing
	case err != nil:
		return verdict, fmt.Errorf("persist verdict for %s: %w", state.EmailID, err)
	default:
		metrics.IncrementVerdict(string(verdict.Tier), string(verdict.State))
	}

	if err := a.publisher.Publish(ctx, mqcontracts.TopicVerdict, verdict.EmailID, verdict); err != nil {
		return verdict, fmt.Errorf("publish verdict for %s: %w", state.EmailID, err)
	}
	if err := a.states.Delete(ctx, state.EmailID); err != nil {
		// The next redelivery or sweep finds the stored verdict and cleans up.
		log.Warn("Failed to drop aggregation state", zap.Error(err))
	}

	log.Info("Verdict emitted",
		zap.String("state", string(verdict.State)),
		zap.Int("score", verdict.Score),
		zap.String("tier", string(verdict.Tier)),
		zap.Bool("incomplete", verdict.Incomplete),
		zap.Bool("degraded", verdict.Degraded),
	)
	return verdict, nil
}

func (a *Aggregator) decided(ctx context.Context, emailID string) (bool, error) {
	_, err := a.store.GetVerdict(ctx, emailID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("check verdict for %s: %w", emailID, err)
	}
}

// HandleWork consumes the work topics.
func (a *Aggregator) HandleWork(ctx context.Context, msg *mq.Message) error {
	var item mqcontracts.WorkItem
	if err := msg.Decode(&item); err != nil {
		return mq.Permanent(err)
	}
	if item.EmailID == "" {
		return mq.Permanent(errors.New("work item without email id"))
	}
	return a.Observe(ctx, item)
}

// HandleResult consumes the result topics.
func (a *Aggregator) HandleResult(ctx context.Context, msg *mq.Message) error {
	var result mqcontracts.StageResult
	if err := msg.Decode(&result); err != nil {
		return mq.Permanent(err)
	}
	if result.EmailID == "" || result.Stage == "" {
		return mq.Permanent(errors.New("result without email id or stage"))
	}
	_, err := a.Accept(ctx, result)
	return err
}

// RunSweeper expires overdue aggregations every interval until ctx is done.
func (a *Aggregator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("Aggregation sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Aggregation sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := a.Sweep(ctx, a.now())
			if err != nil && ctx.Err() == nil {
				a.logger.Error("Sweep failed", zap.Error(err))
			}
			if n > 0 {
				a.logger.Info("Expired aggregations", zap.Int("count", n))
			}
			if open, err := a.states.Count(ctx); err == nil {
				metrics.OpenAggregations.Set(float64(open))
			}
		}
	}
}
