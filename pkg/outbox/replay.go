package outbox

import (
	"context"
	"fmt"

	"mailshield/pkg/mq"
)

// ReplayStore is the part of Repository replay needs.
type ReplayStore interface {
	EventStore
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
}

// ReplayService republishes events by hand, typically ones parked as failed.
type ReplayService struct {
	repo      ReplayStore
	publisher mq.Publisher
}

func NewReplayService(repo ReplayStore, publisher mq.Publisher) *ReplayService {
	return &ReplayService{repo: repo, publisher: publisher}
}

// ReplayEvent publishes eventID now, regardless of its status.
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}

	if err := publishEvent(ctx, s.publisher, event); err != nil {
		if markErr := s.repo.MarkAsFailed(ctx, eventID, event.RetryCount+1); markErr != nil {
			return fmt.Errorf("%w (mark error: %v)", err, markErr)
		}
		return err
	}
	if err := s.repo.MarkAsSent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}
	return nil
}

// ReplayFailedEvents replays up to limit failed events and returns how many succeeded.
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			continue
		}
		replayed++
	}
	return replayed, nil
}
