package mq

import "time"

// Tier is the user-facing risk bucket.
type Tier string

const (
	TierSafe     Tier = "SAFE"
	TierCautious Tier = "CAUTIOUS"
	TierThreat   Tier = "THREAT"
)

// Tier boundaries.
const (
	CautiousThreshold = 30
	ThreatThreshold   = 80
)

// TierForScore maps a 0..100 risk score to its tier.
func TierForScore(score int) Tier {
	switch {
	case score >= ThreatThreshold:
		return TierThreat
	case score >= CautiousThreshold:
		return TierCautious
	default:
		return TierSafe
	}
}

// Label is what the mailbox capability understands.
type Label string

const (
	LabelSafe      Label = "SAFE"
	LabelCautious  Label = "CAUTIOUS"
	LabelMalicious Label = "MALICIOUS"
)

// LabelPrefix namespaces labels in the user's mailbox.
const LabelPrefix = "MailShield/"

// Label returns the mailbox label for the tier.
func (t Tier) Label() Label {
	switch t {
	case TierThreat:
		return LabelMalicious
	case TierCautious:
		return LabelCautious
	default:
		return LabelSafe
	}
}

// MailboxName is the label as it appears in the mailbox, e.g. MailShield/MALICIOUS.
func (l Label) MailboxName() string {
	return LabelPrefix + string(l)
}

// VerdictState records how aggregation ended.
type VerdictState string

const (
	VerdictDecided VerdictState = "DECIDED"
	VerdictExpired VerdictState = "EXPIRED"
)

// FinalVerdict is emitted once per email by the aggregator.
type FinalVerdict struct {
	EmailID       string        `json:"email_id"`
	Score         int           `json:"score"`
	Tier          Tier          `json:"tier"`
	State         VerdictState  `json:"state"`
	Incomplete    bool          `json:"incomplete,omitempty"`
	Degraded      bool          `json:"degraded,omitempty"`
	Contributions []StageResult `json:"contributions"`
	DecidedAt     time.Time     `json:"decided_at"`
	TraceID       string        `json:"trace_id,omitempty"`
}
