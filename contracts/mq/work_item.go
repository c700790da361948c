package mq

import "time"

// Stage names.
const (
	StageIntent  = "intent"
	StageSandbox = "sandbox"
)

// WorkItem is published once per email into every analysis stage's work topic.
// Attempt starts at 1; redeliveries of the same item are counted by the
// transport, not by rewriting the item.
type WorkItem struct {
	EmailID  string    `json:"email_id"`
	Stage    string    `json:"stage"`
	Attempt  int       `json:"attempt"`
	Payload  Payload   `json:"payload"`
	IssuedAt time.Time `json:"issued_at"`
	TraceID  string    `json:"trace_id,omitempty"`
}

// Payload is the slice of an email a stage needs. Intent gets the text fields,
// Sandbox gets URLs and attachments.
type Payload struct {
	Sender      string       `json:"sender,omitempty"`
	Recipient   string       `json:"recipient,omitempty"`
	Subject     string       `json:"subject,omitempty"`
	BodyExcerpt string       `json:"body_excerpt,omitempty"`
	URLs        []string     `json:"urls,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is provider attachment metadata. Content is never carried on a stream.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
	Size         int64  `json:"size,omitempty"`
}
