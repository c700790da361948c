package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	mqcontracts "mailshield/contracts/mq"
	"mailshield/pkg/trace"
	"mailshield/pkg/util"
)

// maxResponseBytes caps how much of a capability response is read.
const maxResponseBytes = 1 << 20

// HTTPClassifier posts the payload as JSON to a classifier endpoint.
type HTTPClassifier struct {
	url        string
	httpClient *http.Client
}

// NewHTTPClassifier creates a classifier for endpoint. timeout bounds each call.
func NewHTTPClassifier(endpoint string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		url:        endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, payload mqcontracts.Payload) (Classification, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	raw, err := doJSON(ctx, c.httpClient, http.MethodPost, c.url, body)
	if err != nil {
		return Classification{}, err
	}
	return Normalize(raw)
}

// HTTPLabeler calls the mailbox provider's label endpoint.
type HTTPLabeler struct {
	baseURL    string
	httpClient *http.Client
}

// MailboxAuth is an OAuth2 client-credentials grant for the mailbox API.
type MailboxAuth struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewHTTPLabeler creates a labeler for baseURL. With a token URL set, requests
// carry a client-credentials bearer token that is refreshed as it expires.
func NewHTTPLabeler(ctx context.Context, baseURL string, auth MailboxAuth, timeout time.Duration) *HTTPLabeler {
	client := &http.Client{Timeout: timeout}
	if auth.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		client = creds.Client(ctx)
		client.Timeout = timeout
	}
	return &HTTPLabeler{baseURL: baseURL, httpClient: client}
}

type labelRequest struct {
	Label      string `json:"label"`
	MoveToSpam bool   `json:"move_to_spam"`
}

func (l *HTTPLabeler) SetLabel(ctx context.Context, emailID string, label mqcontracts.Label, moveToSpam bool) error {
	body, err := json.Marshal(labelRequest{Label: label.MailboxName(), MoveToSpam: moveToSpam})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	endpoint := l.baseURL + "/v1/messages/" + url.PathEscape(emailID) + "/labels"
	_, err = doJSON(ctx, l.httpClient, http.MethodPost, endpoint, body)
	return err
}

// doJSON sends body and classifies the outcome: 429 and 5xx are transient,
// other non-2xx statuses are invalid input, retryable transport errors are
// transient and a cancelled call is returned as is.
func doJSON(ctx context.Context, client *http.Client, method, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := trace.FromContext(ctx); id != "" {
		req.Header.Set(trace.HeaderKey, id)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Transport failures are the capability's problem, never the payload's.
		// A caller that gave up is neither.
		retryable, errType := util.IsRetryableError(err)
		if !retryable {
			return nil, fmt.Errorf("%s %s: %s: %w", method, endpoint, errType, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrTransientUnavailable, errType, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransientUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrTransientUnavailable, endpoint, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrInvalidInput, endpoint, resp.StatusCode, bytes.TrimSpace(raw))
	}
	return raw, nil
}
