// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"log/slog"
	"math"
)

// tieEpsilon is the weighted-score band treated as a tie, resolved by
// recency and then locality.
const tieEpsilon = 0.001

// DefaultWeights returns the standard priority weighting.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"SAFETY":       0.7,
		"PERFORMANCE":  0.2,
		"AVAILABILITY": 0.1,
	}
}

// Arbiter resolves policy conflicts with weighted scoring under a
// safety hard override. Safe for concurrent use; it holds no mutable
// state.
type Arbiter struct {
	weights [3]float64
	logger  *slog.Logger
}

// NewArbiter validates the weights and builds an arbiter. Weights are
// keyed by priority name and must sum to 1.0 within 0.001; priorities
// absent from the map weigh zero. Validation failure is fatal by
// design so a misconfigured arbiter never degrades silently.
func NewArbiter(weights map[string]float64, logger *slog.Logger) (*Arbiter, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("policy: weights must not be empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	a := &Arbiter{logger: logger.With("component", "arbiter")}
	sum := 0.0
	for name, w := range weights {
		p, err := ParsePriority(name)
		if err != nil {
			return nil, err
		}
		if w < 0 {
			return nil, fmt.Errorf("policy: weight for %s must not be negative, got %v", name, w)
		}
		a.weights[p] = w
		sum += w
	}
	if math.Abs(sum-1.0) > tieEpsilon {
		return nil, fmt.Errorf("policy: weights must sum to 1.0 (±0.001), got %v", sum)
	}
	return a, nil
}

// Weighted returns the policy's score scaled by its priority weight.
func (a *Arbiter) Weighted(p Policy) float64 {
	return p.Score * a.weights[p.Priority]
}

// Arbitrate picks the winner between a locally-originated policy and a
// consensus-approved global one. A SAFETY policy beats any non-SAFETY
// policy unconditionally regardless of score.
func (a *Arbiter) Arbitrate(local, global Policy) Policy {
	if local.Priority == Safety && global.Priority != Safety {
		a.logger.Warn("safety override blocked conflicting policy",
			"kept", local.Action, "blocked", global.Action, "blocked_agent", global.AgentID.Serial)
		return local
	}
	if global.Priority == Safety && local.Priority != Safety {
		a.logger.Warn("safety override blocked conflicting policy",
			"kept", global.Action, "blocked", local.Action, "blocked_agent", local.AgentID.Serial)
		return global
	}

	lw, gw := a.Weighted(local), a.Weighted(global)
	if math.Abs(lw-gw) > tieEpsilon {
		if lw > gw {
			return local
		}
		return global
	}

	// Tied on weighted score: recency breaks it, locality breaks an
	// exact timestamp tie.
	if global.Timestamp.After(local.Timestamp) {
		return global
	}
	return local
}

// ResolveMultiAgent picks a winner among N simultaneous proposals by
// grouping them by action and summing weighted scores per group. This
// is quorum-weighted consensus without a network round trip.
func (a *Arbiter) ResolveMultiAgent(policies []Policy) (Policy, error) {
	if len(policies) == 0 {
		return Policy{}, fmt.Errorf("policy: no policies to resolve")
	}

	sums := make(map[string]float64, len(policies))
	for _, p := range policies {
		sums[p.Action] += a.Weighted(p)
	}

	best := 0.0
	for _, s := range sums {
		if s > best {
			best = s
		}
	}

	// Scan in input order so ties between groups, and between members
	// of the winning group, resolve deterministically.
	var winner Policy
	found := false
	for _, p := range policies {
		if sums[p.Action] != best {
			continue
		}
		if !found || a.Weighted(p) > a.Weighted(winner) {
			winner = p
			found = true
		}
	}
	return winner, nil
}

// ConflictScore is the fraction of policies not matching the majority
// action, in [0, 1]. An observability signal, never a gate.
func (a *Arbiter) ConflictScore(policies []Policy) float64 {
	if len(policies) == 0 {
		return 0
	}
	counts := make(map[string]int, len(policies))
	majority := 0
	for _, p := range policies {
		counts[p.Action]++
		if counts[p.Action] > majority {
			majority = counts[p.Action]
		}
	}
	return float64(len(policies)-majority) / float64(len(policies))
}
