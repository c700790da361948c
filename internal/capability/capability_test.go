package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mqcontracts "mailshield/contracts/mq"
	"mailshield/pkg/circuitbreaker"
	"mailshield/pkg/trace"
)

func TestNormalizeAcceptsLooseShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Classification
	}{
		{"plain", `{"tags":["Phishing"," urgent "],"score":72}`, Classification{Tags: []string{"phishing", "urgent"}, Score: 72}},
		{"risk score and categories", `{"categories":"invoice","risk_score":12.6}`, Classification{Tags: []string{"invoice"}, Score: 13}},
		{"sandbox report", `{"verdict":"no_specific_threat","threat_score":140}`, Classification{Tags: []string{"clean"}, Score: 100}},
		{"unknown verdict", `{"verdict":"weird","score":-4}`, Classification{Tags: []string{"unknown"}, Score: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeRejectsMissingScore(t *testing.T) {
	_, err := Normalize([]byte(`{"tags":["x"]}`))
	assert.ErrorIs(t, err, ErrTransientUnavailable)
	_, err = Normalize([]byte(`not json`))
	assert.ErrorIs(t, err, ErrTransientUnavailable)
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p mqcontracts.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "t-1", r.Header.Get(trace.HeaderKey))
		switch p.Subject {
		case "ok":
			_, _ = w.Write([]byte(`{"tags":["phishing"],"score":88}`))
		case "bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "busy":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, time.Second)
	ctx := trace.WithContext(context.Background(), "t-1")

	got, err := c.Classify(ctx, mqcontracts.Payload{Subject: "ok"})
	require.NoError(t, err)
	assert.Equal(t, 88, got.Score)

	_, err = c.Classify(ctx, mqcontracts.Payload{Subject: "bad"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, IsTransient(err))

	_, err = c.Classify(ctx, mqcontracts.Payload{Subject: "busy"})
	assert.ErrorIs(t, err, ErrTransientUnavailable)

	_, err = c.Classify(ctx, mqcontracts.Payload{Subject: "down"})
	assert.ErrorIs(t, err, ErrTransientUnavailable)
	assert.True(t, IsTransient(err))
}

func TestHTTPClassifierTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClassifier(srv.URL, 50*time.Millisecond)
	_, err := c.Classify(context.Background(), mqcontracts.Payload{})
	assert.ErrorIs(t, err, ErrTransientUnavailable)
}

func TestHTTPClassifierUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewHTTPClassifier(addr, time.Second)
	_, err := c.Classify(context.Background(), mqcontracts.Payload{})
	assert.ErrorIs(t, err, ErrTransientUnavailable)
	assert.True(t, IsTransient(err))
}

func TestHTTPClassifierCancelledCallIsNotTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	c := NewHTTPClassifier(srv.URL, time.Minute)
	_, err := c.Classify(ctx, mqcontracts.Payload{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTransientUnavailable)
	assert.False(t, IsTransient(err))
}

func TestGuardIgnoresCancelledCalls(t *testing.T) {
	var calls atomic.Int32
	cancelled := ClassifierFunc(func(context.Context, mqcontracts.Payload) (Classification, error) {
		calls.Add(1)
		return Classification{}, context.Canceled
	})
	c := GuardClassifier(cancelled, NewGuard("test-cancelled", time.Second, 1, time.Minute))
	for i := 0; i < 3; i++ {
		_, err := c.Classify(context.Background(), mqcontracts.Payload{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPLabelerUsesClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1/messages/E1/labels", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req labelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "MailShield/MALICIOUS", req.Label)
		assert.True(t, req.MoveToSpam)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	l := NewHTTPLabeler(context.Background(), srv.URL, MailboxAuth{
		TokenURL: srv.URL + "/token", ClientID: "id", ClientSecret: "secret",
	}, time.Second)

	require.NoError(t, l.SetLabel(context.Background(), "E1", mqcontracts.LabelMalicious, true))
	require.NoError(t, l.SetLabel(context.Background(), "E1", mqcontracts.LabelMalicious, true))
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestStaticRisk(t *testing.T) {
	cases := []struct {
		name    string
		payload mqcontracts.Payload
		score   int
		tags    []string
	}{
		{"nothing", mqcontracts.Payload{}, 0, []string{"low_static_risk"}},
		{"one url", mqcontracts.Payload{URLs: []string{"a"}}, 10, []string{"urls_present"}},
		{"many urls", mqcontracts.Payload{URLs: []string{"a", "b", "c", "d"}}, 30, []string{"many_urls", "urls_present"}},
		{"zip", mqcontracts.Payload{Attachments: []mqcontracts.Attachment{{Filename: "a.zip", MimeType: "application/zip"}}}, 30, []string{"archive_attachment"}},
		{"exe capped", mqcontracts.Payload{
			Attachments: []mqcontracts.Attachment{{Filename: "a.EXE"}, {Filename: "b.ps1"}},
			URLs:        []string{"a"},
		}, 100, []string{"ext.exe", "ext.ps1", "risky_extension", "urls_present"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Static{}.Classify(context.Background(), tc.payload)
			require.NoError(t, err)
			assert.Equal(t, tc.score, got.Score)
			assert.Equal(t, tc.tags, got.Tags)
		})
	}
}

func TestGuardOpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	failing := ClassifierFunc(func(context.Context, mqcontracts.Payload) (Classification, error) {
		calls.Add(1)
		return Classification{}, ErrTransientUnavailable
	})
	c := GuardClassifier(failing, NewGuard("test-open", time.Second, 2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := c.Classify(context.Background(), mqcontracts.Payload{})
		assert.ErrorIs(t, err, ErrTransientUnavailable)
	}
	_, err := c.Classify(context.Background(), mqcontracts.Payload{})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, ErrTransientUnavailable)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGuardIgnoresInvalidInput(t *testing.T) {
	invalid := ClassifierFunc(func(context.Context, mqcontracts.Payload) (Classification, error) {
		return Classification{}, ErrInvalidInput
	})
	c := GuardClassifier(invalid, NewGuard("test-invalid", time.Second, 1, time.Minute))
	for i := 0; i < 3; i++ {
		_, err := c.Classify(context.Background(), mqcontracts.Payload{})
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestGuardAppliesTimeout(t *testing.T) {
	slow := LabelerFunc(func(ctx context.Context, _ string, _ mqcontracts.Label, _ bool) error {
		<-ctx.Done()
		return ctx.Err()
	})
	l := GuardLabeler(slow, NewGuard("test-timeout", 20*time.Millisecond, 5, time.Minute))
	err := l.SetLabel(context.Background(), "E1", mqcontracts.LabelSafe, false)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsTimeout(err))
}

func TestUnavailableIsTransient(t *testing.T) {
	_, err := Unavailable().Classify(context.Background(), mqcontracts.Payload{})
	assert.True(t, IsTransient(err))
}
