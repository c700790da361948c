package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/ingest"
	"mailshield/internal/store/memory"
	"mailshield/pkg/mq"
)

func newTestServer(t *testing.T) (*Server, *memory.Store, *mq.Memory) {
	t.Helper()
	st := memory.New()
	transport := mq.NewMemory()
	t.Cleanup(func() { _ = transport.Close() })
	svc := ingest.NewService(st, transport, zap.NewNop())
	return New("0", svc, st, zap.NewNop()), st, transport
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestValidationTokenEcho(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/v1/events?validationToken=abc%20123", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc 123", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestEventsSingleAndBatch(t *testing.T) {
	s, st, transport := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/events", `{"id":"E1","subject":"hi","body":"see https://a.example"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, []string{"E1"}, resp.EmailIDs)

	rec = do(t, h, http.MethodPost, "/v1/events", `[{"id":"E2"},{"id":""},{"id":"E3"}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)

	rec = do(t, h, http.MethodPost, "/v1/events", `{"events":[{"id":"E4"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	for _, id := range []string{"E1", "E2", "E3", "E4"} {
		_, err := st.GetEmail(context.Background(), id)
		assert.NoError(t, err, id)
	}
	assert.Len(t, transport.Messages(mqcontracts.TopicIntentWork), 4)
	assert.Len(t, transport.Messages(mqcontracts.TopicSandboxWork), 4)
}

func TestEventsRejectsGarbage(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/events", "not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/events", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/events", `{"subject":"no id"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/v1/events", "").Code)
}

type brokenIngester struct{}

func (brokenIngester) Ingest(context.Context, ingest.RawEvent) ([]mqcontracts.WorkItem, error) {
	return nil, errors.New("db down")
}

func TestEventsIngestFailureAsksForRetry(t *testing.T) {
	s := New("0", brokenIngester{}, memory.New(), zap.NewNop())
	rec := do(t, s.Handler(), http.MethodPost, "/v1/events", `{"id":"E1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetEmail(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()
	_, err := st.UpsertEmail(ctx, &db.Email{ID: "E1", Subject: "hello"})
	require.NoError(t, err)
	require.NoError(t, st.CompleteEmail(ctx, mqcontracts.FinalVerdict{EmailID: "E1", Score: 85, Tier: mqcontracts.TierThreat}))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/emails/E1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view db.EmailView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "hello", view.Email.Subject)
	assert.Equal(t, db.StatusCompleted, view.Email.Status)
	require.NotNil(t, view.Verdict)
	assert.Equal(t, mqcontracts.TierThreat, view.Verdict.Tier)
	assert.Nil(t, view.Action)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/emails/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.WithCheck("store", func(context.Context) error { return nil }).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	s.WithCheck("redis", func(context.Context) error { return errors.New("refused") })
	rec = do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
