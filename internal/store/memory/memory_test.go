package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailshield/contracts/db"
	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/store"
)

func TestUpsertEmailIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.UpsertEmail(ctx, &db.Email{ID: "E1", Subject: "first"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.UpsertEmail(ctx, &db.Email{ID: "E1", Subject: "second"})
	require.NoError(t, err)
	assert.False(t, created)

	e, err := s.GetEmail(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "first", e.Subject)
	assert.Equal(t, db.StatusPending, e.Status)

	_, err = s.GetEmail(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetEmailStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertEmail(ctx, &db.Email{ID: "E1"})
	require.NoError(t, err)

	require.NoError(t, s.SetEmailStatus(ctx, "E1", db.StatusProcessing, ""))
	require.NoError(t, s.SetEmailStatus(ctx, "E1", db.StatusPending, ""))
	e, _ := s.GetEmail(ctx, "E1")
	assert.Equal(t, db.StatusProcessing, e.Status)

	assert.ErrorIs(t, s.SetEmailStatus(ctx, "missing", db.StatusProcessing, ""), store.ErrNotFound)
}

func TestCompleteEmailInsertsVerdictOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertEmail(ctx, &db.Email{ID: "E1"})
	require.NoError(t, err)

	first := mqcontracts.FinalVerdict{EmailID: "E1", Score: 90, Tier: mqcontracts.TierThreat, State: mqcontracts.VerdictDecided}
	require.NoError(t, s.CompleteEmail(ctx, first))

	second := first
	second.Score = 10
	second.Tier = mqcontracts.TierSafe
	assert.ErrorIs(t, s.CompleteEmail(ctx, second), store.ErrVerdictExists)

	v, err := s.GetVerdict(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, 90, v.Score)

	e, _ := s.GetEmail(ctx, "E1")
	assert.Equal(t, db.StatusCompleted, e.Status)
	require.NotNil(t, e.RiskScore)
	assert.Equal(t, 90, *e.RiskScore)
	assert.Equal(t, mqcontracts.TierThreat, e.Tier)
}

func TestSaveActionKeepsAppliedAndFlagsEmail(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertEmail(ctx, &db.Email{ID: "E1"})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.SaveAction(ctx, &db.ActionRecord{
		EmailID: "E1", Label: mqcontracts.LabelSafe, Applied: true, State: db.ActionApplied, AppliedAt: &now,
	}))
	require.NoError(t, s.SaveAction(ctx, &db.ActionRecord{
		EmailID: "E1", Label: mqcontracts.LabelSafe, State: db.ActionFailed, AttemptCount: 3,
	}))

	r, err := s.GetAction(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, r.Applied)
	assert.Equal(t, db.ActionApplied, r.State)

	e, _ := s.GetEmail(ctx, "E1")
	assert.True(t, e.LabelApplied)

	failed, err := s.ListFailedActions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestListFailedActions(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SaveAction(ctx, &db.ActionRecord{EmailID: "A", State: db.ActionFailed}))
	require.NoError(t, s.SaveAction(ctx, &db.ActionRecord{EmailID: "B", State: db.ActionPending}))
	require.NoError(t, s.SaveAction(ctx, &db.ActionRecord{EmailID: "C", State: db.ActionFailed}))

	failed, err := s.ListFailedActions(ctx, 0)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range failed {
		ids = append(ids, r.EmailID)
	}
	assert.ElementsMatch(t, []string{"A", "C"}, ids)

	limited, err := s.ListFailedActions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestViewCombinesRecords(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertEmail(ctx, &db.Email{ID: "E1"})
	require.NoError(t, err)

	view, err := store.View(ctx, s, "E1")
	require.NoError(t, err)
	assert.Nil(t, view.Verdict)
	assert.Nil(t, view.Action)

	require.NoError(t, s.CompleteEmail(ctx, mqcontracts.FinalVerdict{EmailID: "E1", Score: 5, Tier: mqcontracts.TierSafe}))
	view, err = store.View(ctx, s, "E1")
	require.NoError(t, err)
	require.NotNil(t, view.Verdict)
	assert.Equal(t, 5, view.Verdict.Score)

	_, err = store.View(ctx, s, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertEmail(ctx, &db.Email{ID: "E1", URLs: []string{"https://a"}})
	require.NoError(t, err)

	e, _ := s.GetEmail(ctx, "E1")
	e.URLs[0] = "mutated"

	again, _ := s.GetEmail(ctx, "E1")
	assert.Equal(t, "https://a", again.URLs[0])
}
