package db

import (
	"time"

	mqcontracts "mailshield/contracts/mq"
)

// ActionState tracks label application for one email.
type ActionState string

const (
	ActionPending ActionState = "PENDING"
	ActionApplied ActionState = "APPLIED"
	ActionFailed  ActionState = "FAILED"
)

// ActionRecord makes label application idempotent across redelivery.
// Applied only ever moves from false to true.
type ActionRecord struct {
	EmailID       string            `json:"email_id"`
	Label         mqcontracts.Label `json:"label"`
	MoveToSpam    bool              `json:"move_to_spam"`
	Applied       bool              `json:"applied"`
	State         ActionState       `json:"state"`
	AttemptCount  int               `json:"attempt_count"`
	LastError     string            `json:"last_error,omitempty"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	AppliedAt     *time.Time        `json:"applied_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Merge returns next with monotonic fields preserved from r: once applied,
// a record stays applied no matter what a later writer sends.
func (r ActionRecord) Merge(next ActionRecord) ActionRecord {
	if r.Applied {
		next.Applied = true
		next.State = ActionApplied
		next.AppliedAt = r.AppliedAt
		next.Label = r.Label
		next.MoveToSpam = r.MoveToSpam
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = r.CreatedAt
	}
	return next
}
