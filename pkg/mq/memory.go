package mq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Transport. It keeps the full log per topic and
// honours the same group, ack and redelivery rules as the durable backends,
// which makes it the transport of choice for tests and single-binary runs.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
	now    func() time.Time

	redeliveryDelay time.Duration
}

type memTopic struct {
	log    []*Message
	groups map[string]*memGroup
	wake   chan struct{}
}

type memGroup struct {
	next    int
	ready   []*memEntry
	pending map[string]*memEntry
	// delayed counts nacked entries waiting out the redelivery delay.
	delayed int
}

type memEntry struct {
	msg        *Message
	deliveries int
	owner      string
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[string]*memTopic),
		now:    time.Now,
	}
}

// WithRedeliveryDelay holds a nacked message back for d before it is handed
// out again, the way the durable backends only reclaim after an idle period.
// Zero redelivers at once.
func (m *Memory) WithRedeliveryDelay(d time.Duration) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redeliveryDelay = d
	return m
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup), wake: make(chan struct{})}
		m.topics[name] = t
	}
	return t
}

// signal wakes every consumer waiting on t. Caller holds m.mu.
func (t *memTopic) signal() {
	close(t.wake)
	t.wake = make(chan struct{})
}

// Publish appends value to topic.
func (m *Memory) Publish(ctx context.Context, topic, key string, value any) error {
	body, err := Encode(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	t := m.topic(topic)
	t.log = append(t.log, &Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Key:         key,
		Body:        body,
		Headers:     outgoingHeaders(ctx, key),
		PublishedAt: m.now(),
	})
	t.signal()
	return nil
}

// Subscribe joins group on topic. A new group starts at the beginning of the log.
func (m *Memory) Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	t := m.topic(topic)
	if _, ok := t.groups[group]; !ok {
		t.groups[group] = &memGroup{pending: make(map[string]*memEntry)}
	}
	m.mu.Unlock()

	consumer := uuid.NewString()
	out := make(chan Delivery)
	go m.serve(ctx, topic, group, consumer, out)
	return out, nil
}

func (m *Memory) serve(ctx context.Context, topic, group, consumer string, out chan<- Delivery) {
	defer close(out)
	defer m.orphan(topic, group, consumer)

	for {
		entry, wake, closed := m.take(topic, group, consumer)
		if closed {
			return
		}
		if entry == nil {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}

		d := &memDelivery{
			transport: m,
			topic:     topic,
			group:     group,
			entry:     entry,
			msg:       entry.snapshot(),
		}
		select {
		case out <- d:
		case <-ctx.Done():
			m.requeue(topic, group, entry)
			return
		}
	}
}

// take hands out the next entry for group to consumer: redeliveries first,
// then new log entries. The entry is owned by consumer before it is sent.
func (m *Memory) take(topic, group, consumer string) (*memEntry, <-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, true
	}

	t := m.topics[topic]
	g := t.groups[group]

	var entry *memEntry
	switch {
	case len(g.ready) > 0:
		entry = g.ready[0]
		g.ready = g.ready[1:]
	case g.next < len(t.log):
		entry = &memEntry{msg: t.log[g.next]}
		g.next++
	default:
		return nil, t.wake, false
	}

	entry.deliveries++
	entry.owner = consumer
	g.pending[entry.msg.ID] = entry
	return entry, nil, false
}

// requeue puts an entry that never reached a consumer back at the head of the queue.
func (m *Memory) requeue(topic, group string, entry *memEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.topics[topic].groups[group]
	delete(g.pending, entry.msg.ID)
	entry.deliveries--
	entry.owner = ""
	g.ready = append([]*memEntry{entry}, g.ready...)
}

// orphan returns everything consumer still holds to the group, as a crashed
// consumer's pending entries would be reclaimed.
func (m *Memory) orphan(topic, group, consumer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topics[topic]
	g := t.groups[group]
	for id, e := range g.pending {
		if e.owner == consumer {
			delete(g.pending, id)
			e.owner = ""
			g.ready = append(g.ready, e)
		}
	}
	t.signal()
}

func (m *Memory) ack(topic, group string, entry *memEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.topics[topic].groups[group]
	if _, ok := g.pending[entry.msg.ID]; ok {
		delete(g.pending, entry.msg.ID)
		return nil
	}
	for i, e := range g.ready {
		if e == entry {
			g.ready = append(g.ready[:i], g.ready[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) nack(topic, group string, entry *memEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topics[topic]
	g := t.groups[group]
	if _, ok := g.pending[entry.msg.ID]; !ok {
		return nil
	}
	delete(g.pending, entry.msg.ID)
	entry.owner = ""

	if m.redeliveryDelay <= 0 {
		g.ready = append(g.ready, entry)
		t.signal()
		return nil
	}

	g.delayed++
	time.AfterFunc(m.redeliveryDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		g.delayed--
		if m.closed {
			return
		}
		g.ready = append(g.ready, entry)
		t.signal()
	})
	return nil
}

// Close stops every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		t.signal()
	}
	return nil
}

// Messages returns a copy of the log of topic.
func (m *Memory) Messages(topic string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	out := make([]*Message, len(t.log))
	copy(out, t.log)
	return out
}

// Lag returns how many messages of topic group has not acked yet.
func (m *Memory) Lag(topic, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return 0
	}
	g, ok := t.groups[group]
	if !ok {
		return len(t.log)
	}
	return len(t.log) - g.next + len(g.ready) + len(g.pending) + g.delayed
}

func (e *memEntry) snapshot() *Message {
	msg := *e.msg
	msg.Redeliveries = e.deliveries - 1
	return &msg
}

type memDelivery struct {
	transport *Memory
	topic     string
	group     string
	entry     *memEntry
	msg       *Message
}

func (d *memDelivery) Message() *Message { return d.msg }

func (d *memDelivery) Ack(context.Context) error {
	return d.transport.ack(d.topic, d.group, d.entry)
}

func (d *memDelivery) Nack(context.Context) error {
	return d.transport.nack(d.topic, d.group, d.entry)
}
