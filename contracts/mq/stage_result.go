package mq

import (
	"sort"
	"time"
)

// UnknownScore is the sub-score of a degraded result.
const UnknownScore = -1

// Tags attached to degraded results.
const (
	TagUnknown     = "unknown"
	TagTimedOut    = "timed_out"
	TagUnavailable = "unavailable"
	TagInvalid     = "invalid_input"
)

// StageResult is one analysis stage's contribution for one email.
type StageResult struct {
	EmailID    string    `json:"email_id"`
	Stage      string    `json:"stage"`
	Tags       []string  `json:"tags,omitempty"`
	Score      int       `json:"score"`
	Degraded   bool      `json:"degraded,omitempty"`
	Attempt    int       `json:"attempt"`
	ProducedAt time.Time `json:"produced_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// Known reports whether the result carries a real sub-score.
func (r StageResult) Known() bool {
	return !r.Degraded && r.Score >= 0
}

// Supersedes reports whether r should replace prev in aggregation state.
// A higher attempt wins; an equal attempt keeps what is already stored.
func (r StageResult) Supersedes(prev StageResult) bool {
	return r.Attempt > prev.Attempt
}

// NormalizeTags returns tags deduplicated and sorted, so results compare
// equal regardless of classifier output order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ClampScore keeps a classifier score inside 0..100.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
