package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/store/memory"
	"mailshield/pkg/mq"
	"mailshield/pkg/util"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisStateStoreRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	states := NewRedisStateStore(rdb, "test:")
	ctx := context.Background()

	_, err := states.Get(ctx, "E1")
	assert.ErrorIs(t, err, ErrStateNotFound)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newState("E1", "t-1", now, time.Minute)
	require.NoError(t, states.Put(ctx, s))

	got, err := states.Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaiting, got.Phase())
	assert.Equal(t, "t-1", got.TraceID)
	assert.True(t, got.Deadline.Equal(now.Add(time.Minute)))

	s.Results[mqcontracts.StageIntent] = res(mqcontracts.StageIntent, 40, 2)
	require.NoError(t, states.Put(ctx, s))
	got, err = states.Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, PhasePartial, got.Phase())
	require.Contains(t, got.Results, mqcontracts.StageIntent)
	assert.Equal(t, 40, got.Results[mqcontracts.StageIntent].Score)
	assert.Equal(t, 2, got.Results[mqcontracts.StageIntent].Attempt)
	assert.False(t, got.Complete(bothStages))

	n, err := states.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, states.Delete(ctx, "E1"))
	_, err = states.Get(ctx, "E1")
	assert.ErrorIs(t, err, ErrStateNotFound)
	n, err = states.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStateStoreExpiredInDeadlineOrder(t *testing.T) {
	_, rdb := newTestRedis(t)
	states := NewRedisStateStore(rdb, "test:")
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, states.Put(ctx, newState("late", "", now, 3*time.Second)))
	require.NoError(t, states.Put(ctx, newState("early", "", now, time.Second)))
	require.NoError(t, states.Put(ctx, newState("open", "", now, time.Hour)))

	ids, err := states.Expired(ctx, now.Add(5*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, ids)

	ids, err = states.Expired(ctx, now.Add(5*time.Second), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, ids)

	ids, err = states.Expired(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// rendezvousStates holds the first Get until a second Get arrives (or wait
// passes), so two unserialized callers both read before either writes.
type rendezvousStates struct {
	StateStore
	wait time.Duration

	mu      sync.Mutex
	arrived int
	both    chan struct{}
}

func (r *rendezvousStates) Get(ctx context.Context, emailID string) (*State, error) {
	r.mu.Lock()
	r.arrived++
	n := r.arrived
	r.mu.Unlock()

	switch n {
	case 1:
		select {
		case <-r.both:
		case <-time.After(r.wait):
		}
	case 2:
		close(r.both)
	}
	return r.StateStore.Get(ctx, emailID)
}

func TestReplicasSharingRedisStateDecideOnce(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	st := memory.New()
	_, err := st.UpsertEmail(ctx, &db.Email{ID: "E1"})
	require.NoError(t, err)
	transport := mq.NewMemory()
	t.Cleanup(func() { _ = transport.Close() })
	policy, err := NewPolicy(CombinerWeightedMax, nil, 0)
	require.NoError(t, err)

	states := &rendezvousStates{
		StateStore: NewRedisStateStore(rdb, "test:"),
		wait:       200 * time.Millisecond,
		both:       make(chan struct{}),
	}
	replica := func() *Aggregator {
		lock := util.NewWaitLocker(util.NewRedisLocker(rdb, "test:lock:", time.Minute), 5*time.Millisecond)
		return New(st, states, policy, transport, bothStages, time.Minute, zap.NewNop()).WithLocker(lock)
	}
	a, b := replica(), replica()

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outcomes[0], errs[0] = a.Accept(ctx, res(mqcontracts.StageIntent, 10, 1))
	}()
	go func() {
		defer wg.Done()
		outcomes[1], errs[1] = b.Accept(ctx, res(mqcontracts.StageSandbox, 90, 1))
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []Outcome{OutcomeRecorded, OutcomeDecided}, outcomes)

	msgs := transport.Messages(mqcontracts.TopicVerdict)
	require.Len(t, msgs, 1)
	var v mqcontracts.FinalVerdict
	require.NoError(t, msgs[0].Decode(&v))
	assert.Equal(t, 90, v.Score)

	_, err = st.GetVerdict(ctx, "E1")
	require.NoError(t, err)
	_, err = states.StateStore.Get(ctx, "E1")
	assert.ErrorIs(t, err, ErrStateNotFound)
}
