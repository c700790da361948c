package aggregator

import (
	"fmt"
	"math"
	"sort"

	mqcontracts "mailshield/contracts/mq"
)

// Combiner names accepted by NewPolicy.
const (
	CombinerWeightedMax = "weighted_max"
	CombinerWeightedSum = "weighted_sum"
)

// Verdict is what a Policy derives from a set of stage results.
type Verdict struct {
	Score int
	Tier  mqcontracts.Tier
	// Incomplete is set when a required stage never reported.
	Incomplete bool
	// Degraded is set when a contributing stage reported without a real score.
	Degraded bool
}

// Policy combines sub-scores into one risk score. Implementations must be
// deterministic in the set of inputs, whatever order they arrive in.
type Policy interface {
	Combine(results []mqcontracts.StageResult, required []string) Verdict
}

// NewPolicy returns the named combiner. Missing weights default to 1.
func NewPolicy(name string, weights map[string]float64, neutral int) (Policy, error) {
	w := weighting{weights: weights, neutral: mqcontracts.ClampScore(neutral)}
	switch name {
	case "", CombinerWeightedMax:
		return WeightedMax{w}, nil
	case CombinerWeightedSum:
		return WeightedSum{w}, nil
	default:
		return nil, fmt.Errorf("unknown combiner %q", name)
	}
}

type weighting struct {
	weights map[string]float64
	neutral int
}

func (w weighting) weight(stage string) float64 {
	if v, ok := w.weights[stage]; ok {
		return v
	}
	return 1
}

type contribution struct {
	stage string
	score int
}

// contributions picks one result per stage, fills in the neutral score for
// degraded and missing required stages, and orders everything by stage name.
func (w weighting) contributions(results []mqcontracts.StageResult, required []string) ([]contribution, Verdict) {
	var v Verdict

	latest := make(map[string]mqcontracts.StageResult, len(results))
	for _, r := range results {
		prev, ok := latest[r.Stage]
		if !ok || r.Supersedes(prev) || (r.Attempt == prev.Attempt && r.Score > prev.Score) {
			latest[r.Stage] = r
		}
	}

	stages := make(map[string]struct{}, len(latest)+len(required))
	for s := range latest {
		stages[s] = struct{}{}
	}
	for _, s := range required {
		stages[s] = struct{}{}
	}
	names := make([]string, 0, len(stages))
	for s := range stages {
		names = append(names, s)
	}
	sort.Strings(names)

	out := make([]contribution, 0, len(names))
	for _, s := range names {
		r, ok := latest[s]
		switch {
		case !ok:
			v.Incomplete = true
			out = append(out, contribution{s, w.neutral})
		case !r.Known():
			v.Degraded = true
			out = append(out, contribution{s, w.neutral})
		default:
			out = append(out, contribution{s, r.Score})
		}
	}
	return out, v
}

func finish(v Verdict, score float64) Verdict {
	v.Score = mqcontracts.ClampScore(int(math.Round(score)))
	v.Tier = mqcontracts.TierForScore(v.Score)
	return v
}

// WeightedMax scores an email by its riskiest weighted stage.
type WeightedMax struct{ weighting }

func (p WeightedMax) Combine(results []mqcontracts.StageResult, required []string) Verdict {
	cs, v := p.contributions(results, required)
	best := 0.0
	for _, c := range cs {
		best = math.Max(best, p.weight(c.stage)*float64(c.score))
	}
	return finish(v, best)
}

// WeightedSum adds weighted stage scores, capped at 100.
type WeightedSum struct{ weighting }

func (p WeightedSum) Combine(results []mqcontracts.StageResult, required []string) Verdict {
	cs, v := p.contributions(results, required)
	total := 0.0
	for _, c := range cs {
		total += p.weight(c.stage) * float64(c.score)
	}
	return finish(v, total)
}
