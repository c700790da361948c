// Package store is the durable record of emails, verdicts and label actions.
package store

import (
	"context"
	"errors"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/pkg/outbox"
)

var (
	// ErrNotFound is returned when no record exists for an identity.
	ErrNotFound = errors.New("store: not found")
	// ErrVerdictExists is returned by CompleteEmail when the identity
	// already has a verdict. The stored verdict is left untouched.
	ErrVerdictExists = errors.New("store: verdict already exists")
)

// Store is the single source of truth for Email, FinalVerdict and
// ActionRecord. Each write touches one identity only.
type Store interface {
	// UpsertEmail creates the record on first sight. A duplicate identity
	// is a no-op and reports created=false.
	UpsertEmail(ctx context.Context, email *db.Email) (created bool, err error)
	GetEmail(ctx context.Context, id string) (*db.Email, error)
	// SetEmailStatus moves the status forward. Backward or post-terminal
	// transitions are ignored.
	SetEmailStatus(ctx context.Context, id string, status db.EmailStatus, reason string) error
	// CompleteEmail inserts the verdict once and marks the email COMPLETED
	// in one unit.
	CompleteEmail(ctx context.Context, verdict mqcontracts.FinalVerdict) error
	GetVerdict(ctx context.Context, id string) (*mqcontracts.FinalVerdict, error)
	GetAction(ctx context.Context, id string) (*db.ActionRecord, error)
	// SaveAction upserts the record, keeping Applied monotonic. Saving an
	// applied record also flags the email as labelled.
	SaveAction(ctx context.Context, record *db.ActionRecord) error
	ListFailedActions(ctx context.Context, limit int) ([]*db.ActionRecord, error)
	Close()
}

// OutboxStore is implemented by stores that can commit stream events in
// the same transaction as the email row.
type OutboxStore interface {
	Store
	UpsertEmailWithEvents(ctx context.Context, email *db.Email, events []*outbox.Event) (created bool, err error)
}

// View assembles the read-only projection of one email.
func View(ctx context.Context, s Store, id string) (*db.EmailView, error) {
	email, err := s.GetEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &db.EmailView{Email: email}

	verdict, err := s.GetVerdict(ctx, id)
	switch {
	case err == nil:
		view.Verdict = verdict
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	action, err := s.GetAction(ctx, id)
	switch {
	case err == nil:
		view.Action = action
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return view, nil
}
