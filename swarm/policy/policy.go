// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy resolves conflicts between competing swarm policies.
//
// The arbiter is a pure function over in-memory values. It never
// touches the bus, the clock, or any store, which is what makes
// arbitration decisions reproducible in isolation.
package policy

import (
	"fmt"
	"time"

	"github.com/skymesh-foundation/skymesh/swarm/identity"
)

// Priority ranks how a policy competes during arbitration. SAFETY is a
// hard override against the other two.
type Priority int

const (
	Safety Priority = iota
	Performance
	Availability
)

func (p Priority) String() string {
	switch p {
	case Safety:
		return "SAFETY"
	case Performance:
		return "PERFORMANCE"
	case Availability:
		return "AVAILABILITY"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority maps a configuration name to a Priority.
func ParsePriority(name string) (Priority, error) {
	switch name {
	case "SAFETY":
		return Safety, nil
	case "PERFORMANCE":
		return Performance, nil
	case "AVAILABILITY":
		return Availability, nil
	default:
		return 0, fmt.Errorf("policy: unknown priority %q", name)
	}
}

// Scope is the blast radius of a policy's action. LOCAL applies
// without coordination; SWARM and CONSTELLATION require consensus and
// propagation.
type Scope int

const (
	Local Scope = iota
	Swarm
	Constellation
)

func (s Scope) String() string {
	switch s {
	case Local:
		return "LOCAL"
	case Swarm:
		return "SWARM"
	case Constellation:
		return "CONSTELLATION"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Policy is one agent's proposed course of action. Transient; built
// per arbitration call, never persisted.
type Policy struct {
	Action    string
	Params    map[string]any
	Priority  Priority
	Scope     Scope
	// Score is the proposer's confidence in [0, 1].
	Score     float64
	AgentID   identity.AgentID
	Timestamp time.Time
}
