package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/store/memory"
	"mailshield/pkg/mq"
	"mailshield/pkg/outbox"
	"mailshield/pkg/trace"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, string, any) error {
	return errors.New("transport down")
}

type failingStore struct{ *memory.Store }

func (failingStore) UpsertEmail(context.Context, *db.Email) (bool, error) {
	return false, errors.New("db down")
}

type outboxStore struct {
	*memory.Store
	events []*outbox.Event
}

func (o *outboxStore) UpsertEmailWithEvents(ctx context.Context, email *db.Email, events []*outbox.Event) (bool, error) {
	created, err := o.Store.UpsertEmail(ctx, email)
	if err != nil || !created {
		return created, err
	}
	o.events = append(o.events, events...)
	return true, nil
}

func sampleEvent() RawEvent {
	return RawEvent{
		ID:        " E1 ",
		Sender:    "attacker@example.com",
		Recipient: "victim@example.com",
		Subject:   "Your invoice",
		Body:      "Pay at https://evil.example/pay. Details: http://evil.example/terms, https://evil.example/pay",
		Attachments: []mqcontracts.Attachment{
			{Filename: "invoice.exe", MimeType: "application/octet-stream"},
		},
	}
}

func TestIngestUpsertsThenPublishesFanOut(t *testing.T) {
	st := memory.New()
	transport := mq.NewMemory()
	defer transport.Close()
	svc := NewService(st, transport, zap.NewNop())

	ctx := trace.WithContext(context.Background(), "trace-1")
	items, err := svc.Ingest(ctx, sampleEvent())
	require.NoError(t, err)
	require.Len(t, items, 2)

	email, err := st.GetEmail(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, email.Status)
	assert.Equal(t, []string{"https://evil.example/pay", "http://evil.example/terms"}, email.URLs)

	intent := transport.Messages(mqcontracts.TopicIntentWork)
	sandbox := transport.Messages(mqcontracts.TopicSandboxWork)
	require.Len(t, intent, 1)
	require.Len(t, sandbox, 1)
	assert.Equal(t, "E1", intent[0].Key)
	assert.Equal(t, "trace-1", intent[0].TraceID())

	var iw, sw mqcontracts.WorkItem
	require.NoError(t, intent[0].Decode(&iw))
	require.NoError(t, sandbox[0].Decode(&sw))
	assert.Equal(t, mqcontracts.StageIntent, iw.Stage)
	assert.Equal(t, 1, iw.Attempt)
	assert.Equal(t, "Your invoice", iw.Payload.Subject)
	assert.Empty(t, iw.Payload.URLs)
	assert.Equal(t, mqcontracts.StageSandbox, sw.Stage)
	assert.Len(t, sw.Payload.URLs, 2)
	assert.Equal(t, "invoice.exe", sw.Payload.Attachments[0].Filename)
	assert.Empty(t, sw.Payload.Subject)
}

func TestIngestRejectsMissingIdentity(t *testing.T) {
	transport := mq.NewMemory()
	defer transport.Close()
	svc := NewService(memory.New(), transport, zap.NewNop())

	_, err := svc.Ingest(context.Background(), RawEvent{ID: "   ", Subject: "x"})
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.Empty(t, transport.Messages(mqcontracts.TopicIntentWork))
}

func TestIngestDoesNotPublishWhenStoreFails(t *testing.T) {
	transport := mq.NewMemory()
	defer transport.Close()
	svc := NewService(failingStore{memory.New()}, transport, zap.NewNop())

	_, err := svc.Ingest(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Empty(t, transport.Messages(mqcontracts.TopicIntentWork))
	assert.Empty(t, transport.Messages(mqcontracts.TopicSandboxWork))
}

func TestIngestSurfacesPublishFailure(t *testing.T) {
	st := memory.New()
	svc := NewService(st, failingPublisher{}, zap.NewNop())

	_, err := svc.Ingest(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "transport down")

	_, err = st.GetEmail(context.Background(), "E1")
	assert.NoError(t, err, "email row is written before the publish is attempted")
}

func TestIngestDuplicateOfCompletedEmailIsQuiet(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	transport := mq.NewMemory()
	defer transport.Close()
	svc := NewService(st, transport, zap.NewNop())

	_, err := svc.Ingest(ctx, sampleEvent())
	require.NoError(t, err)
	require.NoError(t, st.CompleteEmail(ctx, mqcontracts.FinalVerdict{EmailID: "E1", Score: 1, Tier: mqcontracts.TierSafe}))

	items, err := svc.Ingest(ctx, sampleEvent())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Len(t, transport.Messages(mqcontracts.TopicIntentWork), 1)
}

func TestIngestDuplicateOfPendingEmailRepublishes(t *testing.T) {
	ctx := context.Background()
	transport := mq.NewMemory()
	defer transport.Close()
	svc := NewService(memory.New(), transport, zap.NewNop())

	_, err := svc.Ingest(ctx, sampleEvent())
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, sampleEvent())
	require.NoError(t, err)
	assert.Len(t, transport.Messages(mqcontracts.TopicIntentWork), 2)
}

func TestIngestThroughOutbox(t *testing.T) {
	ctx := context.Background()
	st := &outboxStore{Store: memory.New()}
	transport := mq.NewMemory()
	defer transport.Close()
	svc := NewService(st, transport, zap.NewNop()).WithOutbox(st)

	_, err := svc.Ingest(ctx, sampleEvent())
	require.NoError(t, err)
	assert.Empty(t, transport.Messages(mqcontracts.TopicIntentWork), "outbox relays later")
	require.Len(t, st.events, 2)
	assert.Equal(t, mqcontracts.TopicIntentWork, st.events[0].Topic)
	assert.Equal(t, mqcontracts.TopicSandboxWork, st.events[1].Topic)
	assert.Equal(t, "E1", st.events[0].Key)
}

func TestExcerptCountsRunes(t *testing.T) {
	body := strings.Repeat("é", BodyExcerptRunes+10)
	got := excerpt(body, BodyExcerptRunes)
	assert.Equal(t, BodyExcerptRunes, len([]rune(got)))
	assert.Equal(t, "short", excerpt("  short  ", BodyExcerptRunes))
}

func TestExtractURLs(t *testing.T) {
	assert.Nil(t, ExtractURLs("no links here"))
	assert.Equal(t,
		[]string{"https://a.example/x?y=1", "http://b.example"},
		ExtractURLs(`see (https://a.example/x?y=1) and <http://b.example>, again https://a.example/x?y=1.`),
	)
}
