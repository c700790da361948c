package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	mqcontracts "mailshield/contracts/mq"
)

// ErrStateNotFound is returned when no aggregation is open for an identity.
var ErrStateNotFound = errors.New("aggregation state not found")

// Phase is where an email sits in aggregation.
type Phase string

const (
	PhaseAwaiting Phase = "AWAITING"
	PhasePartial  Phase = "PARTIAL"
	PhaseDecided  Phase = "DECIDED"
	PhaseExpired  Phase = "EXPIRED"
)

// State is the open aggregation for one email. It only exists while the
// email is AWAITING or PARTIAL.
type State struct {
	EmailID   string                             `json:"email_id"`
	Results   map[string]mqcontracts.StageResult `json:"results,omitempty"`
	CreatedAt time.Time                          `json:"created_at"`
	Deadline  time.Time                          `json:"deadline"`
	TraceID   string                             `json:"trace_id,omitempty"`
}

func newState(emailID, traceID string, now time.Time, deadline time.Duration) *State {
	return &State{
		EmailID:   emailID,
		Results:   make(map[string]mqcontracts.StageResult),
		CreatedAt: now,
		Deadline:  now.Add(deadline),
		TraceID:   traceID,
	}
}

func (s *State) Phase() Phase {
	if len(s.Results) == 0 {
		return PhaseAwaiting
	}
	return PhasePartial
}

// Complete reports whether every required stage has reported.
func (s *State) Complete(required []string) bool {
	for _, stage := range required {
		if _, ok := s.Results[stage]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the stored results ordered by stage name.
func (s *State) Sorted() []mqcontracts.StageResult {
	out := make([]mqcontracts.StageResult, 0, len(s.Results))
	for _, r := range s.Results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// StateStore keeps open aggregations.
type StateStore interface {
	Get(ctx context.Context, emailID string) (*State, error)
	Put(ctx context.Context, state *State) error
	Delete(ctx context.Context, emailID string) error
	// Expired returns up to limit identities whose deadline is not after now.
	Expired(ctx context.Context, now time.Time, limit int) ([]string, error)
	Count(ctx context.Context) (int, error)
}

// MemoryStateStore keeps state in process memory. It is lost on restart,
// so it only suits a single aggregator process.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*State)}
}

func (m *MemoryStateStore) Get(_ context.Context, emailID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[emailID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return s.copy(), nil
}

func (m *MemoryStateStore) Put(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.EmailID] = state.copy()
	return nil
}

func (m *MemoryStateStore) Delete(_ context.Context, emailID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, emailID)
	return nil
}

func (m *MemoryStateStore) Expired(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type due struct {
		id       string
		deadline time.Time
	}
	var all []due
	for id, s := range m.states {
		if !s.Deadline.After(now) {
			all = append(all, due{id, s.Deadline})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].deadline.Equal(all[j].deadline) {
			return all[i].id < all[j].id
		}
		return all[i].deadline.Before(all[j].deadline)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	ids := make([]string, len(all))
	for i, d := range all {
		ids[i] = d.id
	}
	return ids, nil
}

func (m *MemoryStateStore) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states), nil
}

func (s *State) copy() *State {
	c := *s
	c.Results = make(map[string]mqcontracts.StageResult, len(s.Results))
	for k, v := range s.Results {
		v.Tags = append([]string(nil), v.Tags...)
		c.Results[k] = v
	}
	return &c
}

const (
	fieldMeta     = "meta"
	resultPrefix  = "result:"
	deadlineIndex = "deadlines"
)

type stateMeta struct {
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// RedisStateStore keeps each aggregation in a hash (one field per stage
// result) and indexes deadlines in a sorted set, so any aggregator replica
// can pick up where another stopped. Replicas must also share a lock
// (Aggregator.WithLocker) since Get and Put are not atomic together.
type RedisStateStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStateStore creates a RedisStateStore. Keys are namespaced by prefix.
func NewRedisStateStore(rdb *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "mailshield:agg:"
	}
	return &RedisStateStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStateStore) key(emailID string) string { return r.prefix + "state:" + emailID }
func (r *RedisStateStore) index() string             { return r.prefix + deadlineIndex }

func (r *RedisStateStore) Get(ctx context.Context, emailID string) (*State, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(emailID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load aggregation %s: %w", emailID, err)
	}
	raw, ok := fields[fieldMeta]
	if !ok {
		return nil, ErrStateNotFound
	}

	var meta stateMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode aggregation %s: %w", emailID, err)
	}
	s := &State{
		EmailID:   emailID,
		Results:   make(map[string]mqcontracts.StageResult),
		CreatedAt: meta.CreatedAt,
		Deadline:  meta.Deadline,
		TraceID:   meta.TraceID,
	}
	for name, value := range fields {
		stage, ok := strings.CutPrefix(name, resultPrefix)
		if !ok {
			continue
		}
		var res mqcontracts.StageResult
		if err := json.Unmarshal([]byte(value), &res); err != nil {
			return nil, fmt.Errorf("decode %s result of %s: %w", stage, emailID, err)
		}
		s.Results[stage] = res
	}
	return s, nil
}

func (r *RedisStateStore) Put(ctx context.Context, state *State) error {
	meta, err := json.Marshal(stateMeta{CreatedAt: state.CreatedAt, Deadline: state.Deadline, TraceID: state.TraceID})
	if err != nil {
		return err
	}
	values := map[string]interface{}{fieldMeta: meta}
	for stage, res := range state.Results {
		b, err := json.Marshal(res)
		if err != nil {
			return err
		}
		values[resultPrefix+stage] = b
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(state.EmailID), values)
		pipe.ZAdd(ctx, r.index(), redis.Z{Score: float64(state.Deadline.UnixMilli()), Member: state.EmailID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save aggregation %s: %w", state.EmailID, err)
	}
	return nil
}

func (r *RedisStateStore) Delete(ctx context.Context, emailID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(emailID))
		pipe.ZRem(ctx, r.index(), emailID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete aggregation %s: %w", emailID, err)
	}
	return nil
}

func (r *RedisStateStore) Expired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.index(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan deadlines: %w", err)
	}
	return ids, nil
}

func (r *RedisStateStore) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCard(ctx, r.index()).Result()
	return int(n), err
}
