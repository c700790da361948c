package postgres

import (
	"context"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/store"
	"mailshield/pkg/outbox"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

// openTestStore needs MAILSHIELD_TEST_DATABASE_URL pointing at a scratch database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MAILSHIELD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MAILSHIELD_TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(dsn))

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	s := New(pool)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresEmailLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := "it-" + uuid.NewString()

	created, err := s.UpsertEmail(ctx, &db.Email{ID: id, Subject: "hello", URLs: []string{"https://x"}})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.UpsertEmail(ctx, &db.Email{ID: id, Subject: "again"})
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.SetEmailStatus(ctx, id, db.StatusProcessing, ""))
	require.NoError(t, s.SetEmailStatus(ctx, id, db.StatusPending, ""))

	e, err := s.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", e.Subject)
	assert.Equal(t, db.StatusProcessing, e.Status)
	assert.Equal(t, []string{"https://x"}, e.URLs)

	v := mqcontracts.FinalVerdict{
		EmailID: id, Score: 85, Tier: mqcontracts.TierThreat, State: mqcontracts.VerdictDecided,
		Contributions: []mqcontracts.StageResult{{EmailID: id, Stage: "sandbox", Score: 85}},
		DecidedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.CompleteEmail(ctx, v))
	assert.ErrorIs(t, s.CompleteEmail(ctx, v), store.ErrVerdictExists)

	got, err := s.GetVerdict(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 85, got.Score)
	require.Len(t, got.Contributions, 1)

	e, err = s.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, e.Status)

	_, err = s.GetEmail(ctx, "missing-"+id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresActionStaysApplied(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := "it-" + uuid.NewString()
	now := time.Now().UTC()

	require.NoError(t, s.SaveAction(ctx, &db.ActionRecord{
		EmailID: id, Label: mqcontracts.LabelMalicious, Applied: true, State: db.ActionApplied, AppliedAt: &now,
	}))
	require.NoError(t, s.SaveAction(ctx, &db.ActionRecord{
		EmailID: id, Label: mqcontracts.LabelSafe, State: db.ActionFailed,
	}))

	r, err := s.GetAction(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.Applied)
	assert.Equal(t, db.ActionApplied, r.State)
	assert.Equal(t, mqcontracts.LabelMalicious, r.Label)
}

func TestPostgresOutboxOnlyForNewEmails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := "it-" + uuid.NewString()

	ev, err := outbox.NewEvent(ctx, mqcontracts.TopicIntentWork, id, map[string]string{"email_id": id})
	require.NoError(t, err)
	created, err := s.UpsertEmailWithEvents(ctx, &db.Email{ID: id}, []*outbox.Event{ev})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, ev.ID)

	again, err := outbox.NewEvent(ctx, mqcontracts.TopicIntentWork, id, map[string]string{"email_id": id})
	require.NoError(t, err)
	created, err = s.UpsertEmailWithEvents(ctx, &db.Email{ID: id}, []*outbox.Event{again})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, again.ID)
}
