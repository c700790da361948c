// Package postgres is the pgx-backed Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/store"
	"mailshield/pkg/otel"
	"mailshield/pkg/outbox"
)

type Store struct {
	pool   *pgxpool.Pool
	outbox *outbox.Repository
}

var _ store.OutboxStore = (*Store)(nil)

// New wraps pool. The pool is closed by Close.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, outbox: outbox.NewRepository(pool)}
}

// Outbox exposes the outbox repository sharing this pool.
func (s *Store) Outbox() *outbox.Repository {
	return s.outbox
}

func (s *Store) Close() {
	s.pool.Close()
}

const upsertEmailSQL = `
	INSERT INTO emails (id, sender, recipient, subject, body_excerpt, urls, attachments, received_at, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING')
	ON CONFLICT (id) DO NOTHING
`

func upsertEmailArgs(e *db.Email) ([]any, error) {
	urls, err := json.Marshal(nonNil(e.URLs))
	if err != nil {
		return nil, err
	}
	attachments, err := json.Marshal(nonNil(e.Attachments))
	if err != nil {
		return nil, err
	}
	received := e.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	return []any{e.ID, e.Sender, e.Recipient, e.Subject, e.BodyExcerpt, urls, attachments, received}, nil
}

func (s *Store) UpsertEmail(ctx context.Context, email *db.Email) (bool, error) {
	args, err := upsertEmailArgs(email)
	if err != nil {
		return false, fmt.Errorf("failed to encode email %s: %w", email.ID, err)
	}
	var created bool
	err = otel.WithDBSpan(ctx, "upsert_email", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, upsertEmailSQL, args...)
		created = tag.RowsAffected() == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert email %s: %w", email.ID, err)
	}
	return created, nil
}

// UpsertEmailWithEvents writes the email and its outbox events in one
// transaction. Events are only enqueued when the email is new.
func (s *Store) UpsertEmailWithEvents(ctx context.Context, email *db.Email, events []*outbox.Event) (bool, error) {
	args, err := upsertEmailArgs(email)
	if err != nil {
		return false, fmt.Errorf("failed to encode email %s: %w", email.ID, err)
	}

	var created bool
	err = otel.WithDBSpan(ctx, "upsert_email_outbox", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, upsertEmailSQL, args...)
			if err != nil {
				return err
			}
			created = tag.RowsAffected() == 1
			if !created {
				return nil
			}
			for _, e := range events {
				if err := s.outbox.InsertEvent(ctx, tx, e); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert email %s with events: %w", email.ID, err)
	}
	return created, nil
}

func (s *Store) GetEmail(ctx context.Context, id string) (*db.Email, error) {
	query := `
		SELECT id, sender, recipient, subject, body_excerpt, urls, attachments, received_at,
		       status, fail_reason, risk_score, tier, label_applied, created_at, updated_at
		FROM emails
		WHERE id = $1
	`
	var (
		e           db.Email
		urls        []byte
		attachments []byte
	)
	err := otel.WithDBSpan(ctx, "get_email", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, id).Scan(
			&e.ID, &e.Sender, &e.Recipient, &e.Subject, &e.BodyExcerpt, &urls, &attachments, &e.ReceivedAt,
			&e.Status, &e.FailReason, &e.RiskScore, &e.Tier, &e.LabelApplied, &e.CreatedAt, &e.UpdatedAt,
		)
	})
	if err != nil {
		return nil, notFound(err, "email", id)
	}
	if err := json.Unmarshal(urls, &e.URLs); err != nil {
		return nil, fmt.Errorf("failed to decode urls of %s: %w", id, err)
	}
	if err := json.Unmarshal(attachments, &e.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments of %s: %w", id, err)
	}
	return &e, nil
}

func (s *Store) SetEmailStatus(ctx context.Context, id string, status db.EmailStatus, reason string) error {
	// Mirrors db.EmailStatus.CanAdvanceTo.
	query := `
		UPDATE emails
		SET status = $2::text,
		    fail_reason = CASE WHEN $2::text = 'FAILED' THEN $3 ELSE fail_reason END,
		    updated_at = NOW()
		WHERE id = $1
		AND (
		    (status = 'PENDING' AND $2::text <> 'PENDING')
		    OR (status = 'PROCESSING' AND $2::text IN ('COMPLETED', 'FAILED'))
		)
	`
	return otel.WithDBSpan(ctx, "set_email_status", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, id, string(status), reason)
		if err != nil {
			return fmt.Errorf("failed to set status of %s: %w", id, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM emails WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check email %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("email %s: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) CompleteEmail(ctx context.Context, v mqcontracts.FinalVerdict) error {
	contributions, err := json.Marshal(nonNil(v.Contributions))
	if err != nil {
		return fmt.Errorf("failed to encode contributions of %s: %w", v.EmailID, err)
	}

	return otel.WithDBSpan(ctx, "complete_email", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				INSERT INTO verdicts (email_id, score, tier, state, incomplete, degraded, contributions, trace_id, decided_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (email_id) DO NOTHING
			`, v.EmailID, v.Score, string(v.Tier), string(v.State), v.Incomplete, v.Degraded, contributions, v.TraceID, v.DecidedAt)
			if err != nil {
				return fmt.Errorf("failed to insert verdict %s: %w", v.EmailID, err)
			}
			if tag.RowsAffected() == 0 {
				return store.ErrVerdictExists
			}

			_, err = tx.Exec(ctx, `
				UPDATE emails
				SET status = 'COMPLETED', fail_reason = '', risk_score = $2, tier = $3, updated_at = NOW()
				WHERE id = $1
			`, v.EmailID, v.Score, string(v.Tier))
			if err != nil {
				return fmt.Errorf("failed to complete email %s: %w", v.EmailID, err)
			}
			return nil
		})
	})
}

func (s *Store) GetVerdict(ctx context.Context, id string) (*mqcontracts.FinalVerdict, error) {
	query := `
		SELECT email_id, score, tier, state, incomplete, degraded, contributions, trace_id, decided_at
		FROM verdicts
		WHERE email_id = $1
	`
	var (
		v             mqcontracts.FinalVerdict
		contributions []byte
	)
	err := otel.WithDBSpan(ctx, "get_verdict", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, id).Scan(
			&v.EmailID, &v.Score, &v.Tier, &v.State, &v.Incomplete, &v.Degraded, &contributions, &v.TraceID, &v.DecidedAt,
		)
	})
	if err != nil {
		return nil, notFound(err, "verdict", id)
	}
	if err := json.Unmarshal(contributions, &v.Contributions); err != nil {
		return nil, fmt.Errorf("failed to decode contributions of %s: %w", id, err)
	}
	return &v, nil
}

const actionColumns = `email_id, label, move_to_spam, applied, state, attempt_count, last_error, last_attempt_at, applied_at, created_at, updated_at`

func scanAction(row pgx.Row) (*db.ActionRecord, error) {
	var r db.ActionRecord
	err := row.Scan(
		&r.EmailID, &r.Label, &r.MoveToSpam, &r.Applied, &r.State, &r.AttemptCount,
		&r.LastError, &r.LastAttemptAt, &r.AppliedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetAction(ctx context.Context, id string) (*db.ActionRecord, error) {
	var r *db.ActionRecord
	err := otel.WithDBSpan(ctx, "get_action", func(ctx context.Context) error {
		var err error
		r, err = scanAction(s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM action_records WHERE email_id = $1`, id))
		return err
	})
	if err != nil {
		return nil, notFound(err, "action record", id)
	}
	return r, nil
}

func (s *Store) SaveAction(ctx context.Context, r *db.ActionRecord) error {
	// applied is sticky: an applied row keeps its label, state and applied_at.
	query := `
		INSERT INTO action_records
		    (email_id, label, move_to_spam, applied, state, attempt_count, last_error, last_attempt_at, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (email_id) DO UPDATE SET
		    label           = CASE WHEN action_records.applied THEN action_records.label ELSE EXCLUDED.label END,
		    move_to_spam    = CASE WHEN action_records.applied THEN action_records.move_to_spam ELSE EXCLUDED.move_to_spam END,
		    applied         = action_records.applied OR EXCLUDED.applied,
		    state           = CASE WHEN action_records.applied THEN 'APPLIED' ELSE EXCLUDED.state END,
		    attempt_count   = EXCLUDED.attempt_count,
		    last_error      = EXCLUDED.last_error,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    applied_at      = COALESCE(action_records.applied_at, EXCLUDED.applied_at),
		    updated_at      = NOW()
	`
	return otel.WithDBSpan(ctx, "save_action", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, query,
				r.EmailID, string(r.Label), r.MoveToSpam, r.Applied, string(r.State),
				r.AttemptCount, r.LastError, r.LastAttemptAt, r.AppliedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to save action record %s: %w", r.EmailID, err)
			}
			if !r.Applied {
				return nil
			}
			_, err = tx.Exec(ctx, `UPDATE emails SET label_applied = TRUE, updated_at = NOW() WHERE id = $1`, r.EmailID)
			if err != nil {
				return fmt.Errorf("failed to flag email %s as labelled: %w", r.EmailID, err)
			}
			return nil
		})
	})
}

func (s *Store) ListFailedActions(ctx context.Context, limit int) ([]*db.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + actionColumns + `
		FROM action_records
		WHERE state = 'FAILED' AND NOT applied
		ORDER BY updated_at DESC
		LIMIT $1
	`
	var out []*db.ActionRecord
	err := otel.WithDBSpan(ctx, "list_failed_actions", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanAction(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list failed actions: %w", err)
	}
	return out, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, store.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s %s: %w", what, id, err)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
