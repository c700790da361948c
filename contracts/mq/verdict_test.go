package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierForScoreBoundaries(t *testing.T) {
	cases := []struct {
		score int
		want  Tier
	}{
		{0, TierSafe},
		{29, TierSafe},
		{30, TierCautious},
		{79, TierCautious},
		{80, TierThreat},
		{100, TierThreat},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierForScore(tc.score), "score %d", tc.score)
	}
}

func TestTierLabels(t *testing.T) {
	assert.Equal(t, "MailShield/MALICIOUS", TierThreat.Label().MailboxName())
	assert.Equal(t, "MailShield/CAUTIOUS", TierCautious.Label().MailboxName())
	assert.Equal(t, "MailShield/SAFE", TierSafe.Label().MailboxName())
}

func TestSupersedes(t *testing.T) {
	stored := StageResult{Stage: StageIntent, Attempt: 2, Score: 40}

	assert.True(t, StageResult{Attempt: 3}.Supersedes(stored))
	assert.False(t, StageResult{Attempt: 2, Score: 99}.Supersedes(stored), "equal attempt keeps existing")
	assert.False(t, StageResult{Attempt: 1}.Supersedes(stored))
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"phishing", "urgent"}, NormalizeTags([]string{"urgent", "", "phishing", "urgent"}))
	assert.Nil(t, NormalizeTags(nil))
}

func TestKnown(t *testing.T) {
	assert.True(t, StageResult{Score: 0}.Known())
	assert.False(t, StageResult{Score: UnknownScore, Degraded: true}.Known())
}
