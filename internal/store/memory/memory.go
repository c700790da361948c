// Package memory is an in-process Store for tests and single-binary runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	emails   map[string]*db.Email
	verdicts map[string]*mqcontracts.FinalVerdict
	actions  map[string]*db.ActionRecord
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		emails:   make(map[string]*db.Email),
		verdicts: make(map[string]*mqcontracts.FinalVerdict),
		actions:  make(map[string]*db.ActionRecord),
		now:      time.Now,
	}
}

func (s *Store) UpsertEmail(_ context.Context, email *db.Email) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[email.ID]; ok {
		return false, nil
	}
	e := clone(email)
	now := s.now().UTC()
	if e.Status == "" {
		e.Status = db.StatusPending
	}
	e.CreatedAt, e.UpdatedAt = now, now
	s.emails[e.ID] = e
	return true, nil
}

func (s *Store) GetEmail(_ context.Context, id string) (*db.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.emails[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(e), nil
}

func (s *Store) SetEmailStatus(_ context.Context, id string, status db.EmailStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	if !ok {
		return store.ErrNotFound
	}
	if !e.Status.CanAdvanceTo(status) {
		return nil
	}
	e.Status = status
	if status == db.StatusFailed {
		e.FailReason = reason
	}
	e.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) CompleteEmail(_ context.Context, verdict mqcontracts.FinalVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.verdicts[verdict.EmailID]; ok {
		return store.ErrVerdictExists
	}
	s.verdicts[verdict.EmailID] = clone(&verdict)

	if e, ok := s.emails[verdict.EmailID]; ok {
		score := verdict.Score
		e.RiskScore = &score
		e.Tier = verdict.Tier
		// A verdict completes the email even if a stage marked it failed.
		e.Status = db.StatusCompleted
		e.FailReason = ""
		e.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *Store) GetVerdict(_ context.Context, id string) (*mqcontracts.FinalVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verdicts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(v), nil
}

func (s *Store) GetAction(_ context.Context, id string) (*db.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.actions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(r), nil
}

func (s *Store) SaveAction(_ context.Context, record *db.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	next := *clone(record)
	if prev, ok := s.actions[record.EmailID]; ok {
		next = prev.Merge(next)
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	s.actions[record.EmailID] = &next

	if next.Applied {
		if e, ok := s.emails[record.EmailID]; ok {
			e.LabelApplied = true
			e.UpdatedAt = now
		}
	}
	return nil
}

func (s *Store) ListFailedActions(_ context.Context, limit int) ([]*db.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*db.ActionRecord
	for _, r := range s.actions {
		if r.State == db.ActionFailed && !r.Applied {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Close() {}

// clone deep-copies through JSON so callers never share slices with the store.
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}
