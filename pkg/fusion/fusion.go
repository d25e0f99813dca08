// Package fusion combines weighted agent votes into a single risk score and
// binary verdict.
//
// The weight registry maps known agent roles to canonical weights. For a
// known role the registry weight always wins over the caller-supplied weight,
// so a buggy or malicious caller cannot self-assign outsized influence.
// Output is bit-for-bit reproducible for identical input: no randomness, no
// wall-clock reads.
package fusion

import (
	"github.com/forkshield/settle/pkg/contracts"
)

// CriticalFloor is the minimum fused risk score when any DANGER vote carries
// CRITICAL severity. One high-confidence critical signal dominates a sea of
// low-risk votes.
const CriticalFloor = 0.95

// DefaultThreshold is the risk score at or above which the fused verdict is
// DANGER. Ties resolve to DANGER (fail-safe bias).
const DefaultThreshold = 0.5

// Registry maps agent roles to canonical weights in [0,1].
type Registry map[string]float64

// DefaultRegistry returns the canonical specialist weights.
func DefaultRegistry() Registry {
	return Registry{
		"sentinel":   0.40, // primary chain-fork detector
		"oracle":     0.25, // external verification
		"compliance": 0.20, // regulatory risk
		"zk_prover":  0.15, // privacy and integrity
	}
}

// Result is the fused decision for one vote set.
type Result struct {
	Score            float64            `json:"score"`
	Verdict          contracts.Verdict  `json:"verdict"`
	Breakdown        map[string]float64 `json:"breakdown"`
	CriticalOverride bool               `json:"critical_override"`
}

// Engine fuses vote sets under a fixed registry and threshold.
type Engine struct {
	registry  Registry
	threshold float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry replaces the default weight registry.
func WithRegistry(r Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithThreshold replaces the default DANGER threshold.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// NewEngine builds a fusion engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		registry:  DefaultRegistry(),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the configured DANGER threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// effectiveWeight resolves the weight for a vote: registry weight for known
// roles, caller weight (already validated to [0,1]) otherwise.
func (e *Engine) effectiveWeight(v contracts.AgentVote) float64 {
	if w, ok := e.registry[v.AgentID]; ok {
		return w
	}
	return v.Weight
}

// Fuse computes the weighted risk score and verdict for a vote set.
//
// weighted risk = Σ(w_i · [vote_i == DANGER]) / Σ(w_i). An empty vote list
// fails with NO_VOTES; a vote set whose weights are all zero fails with
// INSUFFICIENT_DATA and no verdict is computed.
func (e *Engine) Fuse(votes []contracts.AgentVote) (*Result, error) {
	if len(votes) == 0 {
		return nil, contracts.Errf(contracts.KindNoVotes, "", "", "empty vote list")
	}

	var (
		dangerMass  float64
		totalWeight float64
		critical    bool
	)
	breakdown := make(map[string]float64, len(votes))

	for _, v := range votes {
		w := e.effectiveWeight(v)
		totalWeight += w
		contribution := 0.0
		if v.Vote == contracts.VerdictDanger {
			contribution = w
			dangerMass += w
			if v.Severity == contracts.SeverityCritical {
				critical = true
			}
		}
		breakdown[v.AgentID] = contribution
	}

	if totalWeight == 0 {
		return nil, contracts.Errf(contracts.KindInsufficientData, "", "",
			"all %d votes carry zero weight", len(votes))
	}

	score := dangerMass / totalWeight
	if critical && score < CriticalFloor {
		score = CriticalFloor
	}

	verdict := contracts.VerdictSafe
	if score >= e.threshold {
		verdict = contracts.VerdictDanger
	}

	return &Result{
		Score:            score,
		Verdict:          verdict,
		Breakdown:        breakdown,
		CriticalOverride: critical,
	}, nil
}
