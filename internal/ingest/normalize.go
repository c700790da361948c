package ingest

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
)

// BodyExcerptRunes is how much of the body is kept on the email record.
const BodyExcerptRunes = 500

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\x60]+`)

// RawEvent is a mailbox notification already reduced to identity plus metadata.
type RawEvent struct {
	ID          string                   `json:"id"`
	Sender      string                   `json:"sender"`
	Recipient   string                   `json:"recipient"`
	Subject     string                   `json:"subject"`
	Body        string                   `json:"body"`
	ReceivedAt  time.Time                `json:"received_at"`
	Attachments []mqcontracts.Attachment `json:"attachments"`
}

func normalize(raw RawEvent, id string, now time.Time) *db.Email {
	received := raw.ReceivedAt
	if received.IsZero() {
		received = now
	}
	return &db.Email{
		ID:          id,
		Sender:      strings.TrimSpace(raw.Sender),
		Recipient:   strings.TrimSpace(raw.Recipient),
		Subject:     strings.TrimSpace(raw.Subject),
		BodyExcerpt: excerpt(raw.Body, BodyExcerptRunes),
		URLs:        ExtractURLs(raw.Subject + "\n" + raw.Body),
		Attachments: raw.Attachments,
		ReceivedAt:  received.UTC(),
		Status:      db.StatusPending,
	}
}

func excerpt(body string, n int) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= n {
		return body
	}
	runes := []rune(body)
	return string(runes[:n])
}

// ExtractURLs returns the distinct http(s) URLs in text, in order of appearance.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?)]}")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// workItems builds the fan-out for email: the text fields go to intent,
// URLs and attachments go to sandbox.
func workItems(email *db.Email, traceID string, now time.Time) []mqcontracts.WorkItem {
	return []mqcontracts.WorkItem{
		{
			EmailID: email.ID,
			Stage:   mqcontracts.StageIntent,
			Attempt: 1,
			Payload: mqcontracts.Payload{
				Sender:      email.Sender,
				Recipient:   email.Recipient,
				Subject:     email.Subject,
				BodyExcerpt: email.BodyExcerpt,
			},
			IssuedAt: now,
			TraceID:  traceID,
		},
		{
			EmailID: email.ID,
			Stage:   mqcontracts.StageSandbox,
			Attempt: 1,
			Payload: mqcontracts.Payload{
				URLs:        email.URLs,
				Attachments: email.Attachments,
			},
			IssuedAt: now,
			TraceID:  traceID,
		},
	}
}
