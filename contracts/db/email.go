package db

import (
	"time"

	mqcontracts "mailshield/contracts/mq"
)

// EmailStatus is the processing status of an email record.
type EmailStatus string

const (
	StatusPending    EmailStatus = "PENDING"
	StatusProcessing EmailStatus = "PROCESSING"
	StatusCompleted  EmailStatus = "COMPLETED"
	StatusFailed     EmailStatus = "FAILED"
)

// Terminal reports whether no further pipeline work will touch the status.
func (s EmailStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvanceTo reports whether a record in status s may move to next.
// Status only moves forward and terminal statuses are final.
func (s EmailStatus) CanAdvanceTo(next EmailStatus) bool {
	switch s {
	case StatusPending:
		return next != StatusPending
	case StatusProcessing:
		return next.Terminal()
	default:
		return false
	}
}

// Email is the canonical record of one inbound message, keyed by the
// provider-assigned message identifier.
type Email struct {
	ID           string                   `json:"id"`
	Sender       string                   `json:"sender"`
	Recipient    string                   `json:"recipient"`
	Subject      string                   `json:"subject"`
	BodyExcerpt  string                   `json:"body_excerpt"`
	URLs         []string                 `json:"urls,omitempty"`
	Attachments  []mqcontracts.Attachment `json:"attachments,omitempty"`
	ReceivedAt   time.Time                `json:"received_at"`
	Status       EmailStatus              `json:"status"`
	FailReason   string                   `json:"fail_reason,omitempty"`
	RiskScore    *int                     `json:"risk_score,omitempty"`
	Tier         mqcontracts.Tier         `json:"tier,omitempty"`
	LabelApplied bool                     `json:"label_applied"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// EmailView is the read-only projection handed to downstream consumers.
type EmailView struct {
	Email   *Email                    `json:"email"`
	Verdict *mqcontracts.FinalVerdict `json:"verdict,omitempty"`
	Action  *ActionRecord             `json:"action,omitempty"`
}
