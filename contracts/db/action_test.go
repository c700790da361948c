package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	mqcontracts "mailshield/contracts/mq"
)

func TestActionRecordMergeKeepsApplied(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := ActionRecord{
		EmailID:   "E1",
		Label:     mqcontracts.LabelMalicious,
		Applied:   true,
		State:     ActionApplied,
		AppliedAt: &at,
	}

	stale := ActionRecord{EmailID: "E1", Label: mqcontracts.LabelSafe, State: ActionFailed, AttemptCount: 9}
	merged := applied.Merge(stale)

	assert.True(t, merged.Applied)
	assert.Equal(t, ActionApplied, merged.State)
	assert.Equal(t, mqcontracts.LabelMalicious, merged.Label)
	assert.Equal(t, &at, merged.AppliedAt)
	assert.Equal(t, 9, merged.AttemptCount)
}

func TestActionRecordMergeFromPending(t *testing.T) {
	pending := ActionRecord{EmailID: "E2", State: ActionPending, AttemptCount: 1}
	next := ActionRecord{EmailID: "E2", State: ActionFailed, AttemptCount: 2}

	merged := pending.Merge(next)
	assert.False(t, merged.Applied)
	assert.Equal(t, ActionFailed, merged.State)
}

func TestEmailStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestEmailStatusOnlyAdvances(t *testing.T) {
	assert.True(t, StatusPending.CanAdvanceTo(StatusProcessing))
	assert.True(t, StatusPending.CanAdvanceTo(StatusCompleted))
	assert.True(t, StatusProcessing.CanAdvanceTo(StatusFailed))
	assert.False(t, StatusProcessing.CanAdvanceTo(StatusPending))
	assert.False(t, StatusProcessing.CanAdvanceTo(StatusProcessing))
	assert.False(t, StatusCompleted.CanAdvanceTo(StatusFailed))
	assert.False(t, StatusFailed.CanAdvanceTo(StatusProcessing))
}
