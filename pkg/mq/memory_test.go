package mq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func assertNothing(t *testing.T, ch <-chan Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %s", d.Message().ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPublishSubscribeInOrder(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, m.Publish(ctx, "t", "k1", map[string]string{"v": v}))
	}

	ch, err := m.Subscribe(ctx, "t", "g")
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c"} {
		d := receive(t, ch)
		var got map[string]string
		require.NoError(t, d.Message().Decode(&got))
		assert.Equal(t, want, got["v"])
		assert.Equal(t, "k1", d.Message().Key)
		assert.Equal(t, 0, d.Message().Redeliveries)
		require.NoError(t, d.Ack(ctx))
	}
	assert.Equal(t, 0, m.Lag("t", "g"))
}

func TestMemoryGroupsAreIndependent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := m.Subscribe(ctx, "t", "ga")
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "t", "gb")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "t", "k", "x"))

	da := receive(t, a)
	db := receive(t, b)
	assert.Equal(t, da.Message().ID, db.Message().ID)
	require.NoError(t, da.Ack(ctx))
	assert.Equal(t, 0, m.Lag("t", "ga"))
	assert.Equal(t, 1, m.Lag("t", "gb"))
}

func TestMemoryNackRedelivers(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, "t", "k", "x"))
	ch, err := m.Subscribe(ctx, "t", "g")
	require.NoError(t, err)

	first := receive(t, ch)
	require.NoError(t, first.Nack(ctx))

	second := receive(t, ch)
	assert.Equal(t, first.Message().ID, second.Message().ID)
	assert.Equal(t, 1, second.Message().Redeliveries)
	require.NoError(t, second.Ack(ctx))
	assertNothing(t, ch)
}

func TestMemoryNackWaitsOutRedeliveryDelay(t *testing.T) {
	m := NewMemory().WithRedeliveryDelay(150 * time.Millisecond)
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, "t", "k", "x"))
	ch, err := m.Subscribe(ctx, "t", "g")
	require.NoError(t, err)

	first := receive(t, ch)
	nacked := time.Now()
	require.NoError(t, first.Nack(ctx))
	assert.Equal(t, 1, m.Lag("t", "g"), "a delayed message still counts as lag")
	assertNothing(t, ch)

	second := receive(t, ch)
	assert.GreaterOrEqual(t, time.Since(nacked), 150*time.Millisecond)
	assert.Equal(t, first.Message().ID, second.Message().ID)
	assert.Equal(t, 1, second.Message().Redeliveries)
	require.NoError(t, second.Ack(ctx))
	assert.Equal(t, 0, m.Lag("t", "g"))
}

func TestMemoryEntryOwnedBeforeDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, "t", "k", "x"))
	ch, err := m.Subscribe(ctx, "t", "g")
	require.NoError(t, err)

	d := receive(t, ch).(*memDelivery)
	m.mu.Lock()
	owner := d.entry.owner
	m.mu.Unlock()
	assert.NotEmpty(t, owner)

	require.NoError(t, d.Nack(ctx))
	again := receive(t, ch).(*memDelivery)
	m.mu.Lock()
	assert.Equal(t, owner, again.entry.owner)
	m.mu.Unlock()
	require.NoError(t, again.Ack(ctx))
}

func TestMemoryNackedEntryStaysWithItsNewOwner(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	require.NoError(t, m.Publish(context.Background(), "t", "k", "x"))

	ctxA, stopA := context.WithCancel(context.Background())
	defer stopA()
	ctxB, stopB := context.WithCancel(context.Background())
	defer stopB()
	a, err := m.Subscribe(ctxA, "t", "g")
	require.NoError(t, err)
	b, err := m.Subscribe(ctxB, "t", "g")
	require.NoError(t, err)

	next := func() (Delivery, bool) {
		select {
		case d := <-a:
			return d, true
		case d := <-b:
			return d, false
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
			return nil, false
		}
	}

	first, _ := next()
	require.NoError(t, first.Nack(context.Background()))
	again, fromA := next()
	assert.Equal(t, first.Message().ID, again.Message().ID)
	assert.Equal(t, 1, again.Message().Redeliveries)

	// Whichever consumer does not hold the entry leaves; the holder keeps it.
	holder := b
	if fromA {
		holder = a
		stopB()
		for range b {
		}
	} else {
		stopA()
		for range a {
		}
	}
	assertNothing(t, holder)
	assert.Equal(t, 1, m.Lag("t", "g"))

	require.NoError(t, again.Ack(context.Background()))
	assert.Equal(t, 0, m.Lag("t", "g"))
}

func TestMemoryUnackedRedeliveredAfterConsumerStops(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	require.NoError(t, m.Publish(context.Background(), "t", "k", "x"))

	crashed, stop := context.WithCancel(context.Background())
	ch, err := m.Subscribe(crashed, "t", "g")
	require.NoError(t, err)
	d := receive(t, ch)
	stop()
	for range ch {
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch2, err := m.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	again := receive(t, ch2)
	assert.Equal(t, d.Message().ID, again.Message().ID)
	assert.Equal(t, 1, again.Message().Redeliveries)
}

func TestMemoryCompetingConsumersShareGroup(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, err := m.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	c2, err := m.Subscribe(ctx, "t", "g")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Publish(ctx, "t", "k", i))
	}

	seen := map[string]bool{}
	for len(seen) < 4 {
		select {
		case d := <-c1:
			seen[d.Message().ID] = true
			require.NoError(t, d.Ack(ctx))
		case d := <-c2:
			seen[d.Message().ID] = true
			require.NoError(t, d.Ack(ctx))
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 4 delivered", len(seen))
		}
	}
	assert.Equal(t, 0, m.Lag("t", "g"))
}

func TestMemoryClosedRejectsPublish(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(context.Background(), "t", "k", "x"), ErrClosed)
	_, err := m.Subscribe(context.Background(), "t", "g")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEncodePassesRawBytes(t *testing.T) {
	body, err := Encode([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(body))

	body, err = Encode(struct {
		A int `json:"a"`
	}{A: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(body))
}
