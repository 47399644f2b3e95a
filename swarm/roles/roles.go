// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package roles performs self-healing role failover.
//
// The leader samples every peer's health risk on a fixed interval and
// keeps a six-sample window per peer, roughly five minutes of history.
// Demotion needs three consecutive samples above the risk threshold
// and promotion needs the full window below the recovery threshold, so
// a single bad or good reading never flips a role. Every reassignment
// goes through the consensus engine first and is broadcast through the
// action propagator only on approval; a failed proposal leaves local
// state untouched and the next tick retries it.
package roles

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skymesh-foundation/skymesh/lib/clock"
	"github.com/skymesh-foundation/skymesh/swarm/consensus"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/policy"
	"github.com/skymesh-foundation/skymesh/swarm/propagate"
	"github.com/skymesh-foundation/skymesh/swarm/registry"
)

// Role is an agent's function within the swarm, ordered from most to
// least responsibility.
type Role int

const (
	Primary Role = iota
	Backup
	Standby
	SafeMode
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "PRIMARY"
	case Backup:
		return "BACKUP"
	case Standby:
		return "STANDBY"
	case SafeMode:
		return "SAFE_MODE"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole maps a wire name back to a Role.
func ParseRole(name string) (Role, error) {
	switch name {
	case "PRIMARY":
		return Primary, nil
	case "BACKUP":
		return Backup, nil
	case "STANDBY":
		return Standby, nil
	case "SAFE_MODE":
		return SafeMode, nil
	default:
		return 0, fmt.Errorf("roles: unknown role %q", name)
	}
}

// Demoted is the next step down the escalation ladder.
func (r Role) Demoted() Role {
	if r >= SafeMode {
		return SafeMode
	}
	return r + 1
}

// Promoted is the next step up the recovery ladder.
func (r Role) Promoted() Role {
	if r <= Primary {
		return Primary
	}
	return r - 1
}

// ActionReassignRole is the consensus/propagation action name for a
// role change.
const ActionReassignRole = "reassign_role"

const (
	windowSize        = 6
	consecutiveDemote = 3
)

// Proposer submits a reassignment for quorum approval.
type Proposer interface {
	Propose(ctx context.Context, action string, params map[string]any, timeout time.Duration) (consensus.Outcome, error)
}

// Distributor pushes an approved reassignment to the swarm and exposes
// the compliance escalation set.
type Distributor interface {
	Propagate(ctx context.Context, action string, params map[string]any, targets []identity.AgentID, deadlineSeconds int, priority policy.Priority) (propagate.Result, error)
	Escalated(id identity.AgentID) bool
	ClearEscalated(id identity.AgentID)
}

// Leadership gates the evaluation loop to the lease holder.
type Leadership interface {
	IsLeader() bool
}

// Config holds the reassignment thresholds.
type Config struct {
	// DemoteRisk is the per-sample threshold counting toward demotion
	// (default 0.3).
	DemoteRisk float64

	// PromoteRisk is the ceiling every window sample must stay under
	// for promotion eligibility (default 0.2).
	PromoteRisk float64

	// EvaluationInterval is the leader's sampling period (default 30s).
	EvaluationInterval time.Duration
}

// Reassigner runs the leader-side evaluation loop and holds every
// agent's replicated role table.
type Reassigner struct {
	self   identity.AgentID
	reg    registry.Registry
	voting Proposer
	dist   Distributor
	elect  Leadership
	clk    clock.Clock
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	roles   map[identity.AgentID]Role
	windows map[identity.AgentID]*window
}

// window is a bounded FIFO of recent risk samples, newest last.
type window struct {
	samples []float64
}

func (w *window) add(risk float64) {
	w.samples = append(w.samples, risk)
	if len(w.samples) > windowSize {
		w.samples = w.samples[1:]
	}
}

// consecutiveAbove counts trailing samples strictly above the
// threshold.
func (w *window) consecutiveAbove(threshold float64) int {
	n := 0
	for i := len(w.samples) - 1; i >= 0; i-- {
		if w.samples[i] <= threshold {
			break
		}
		n++
	}
	return n
}

// sustainedBelow reports a full window strictly under the threshold.
func (w *window) sustainedBelow(threshold float64) bool {
	if len(w.samples) < windowSize {
		return false
	}
	for _, s := range w.samples {
		if s >= threshold {
			return false
		}
	}
	return true
}

// New constructs the reassigner. Hysteresis requires the promotion
// threshold strictly below the demotion threshold.
func New(self identity.AgentID, reg registry.Registry, voting Proposer, dist Distributor, elect Leadership, clk clock.Clock, logger *slog.Logger, cfg Config) (*Reassigner, error) {
	if cfg.DemoteRisk <= 0 || cfg.DemoteRisk > 1 {
		return nil, fmt.Errorf("roles: demote risk %v outside (0, 1]", cfg.DemoteRisk)
	}
	if cfg.PromoteRisk <= 0 || cfg.PromoteRisk >= cfg.DemoteRisk {
		return nil, fmt.Errorf("roles: promote risk %v must be in (0, %v)", cfg.PromoteRisk, cfg.DemoteRisk)
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reassigner{
		self:    self,
		reg:     reg,
		voting:  voting,
		dist:    dist,
		elect:   elect,
		clk:     clk,
		logger:  logger.With("component", "roles", "agent", self.Serial),
		cfg:     cfg,
		roles:   make(map[identity.AgentID]Role),
		windows: make(map[identity.AgentID]*window),
	}, nil
}

// SetRole seeds or overwrites an agent's role without consensus. Used
// for initial topology and for applying approved reassignments
// received from the leader.
func (r *Reassigner) SetRole(id identity.AgentID, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[id] = role
	delete(r.windows, id)
}

// RoleOf returns an agent's current role. Untracked agents default to
// STANDBY.
func (r *Reassigner) RoleOf(id identity.AgentID) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok {
		return Standby
	}
	return role
}

// Roles returns a snapshot of the role table.
func (r *Reassigner) Roles() map[identity.AgentID]Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[identity.AgentID]Role, len(r.roles))
	for id, role := range r.roles {
		out[id] = role
	}
	return out
}

// ApplyCommand applies a propagated reassignment on a follower. The
// params come from an approved ActionCommand, so no local vetting
// beyond parsing.
func (r *Reassigner) ApplyCommand(params map[string]any) error {
	rawAgent, ok := params["agent"].(string)
	if !ok {
		return fmt.Errorf("roles: command missing agent")
	}
	agent, err := identity.Parse(rawAgent)
	if err != nil {
		return fmt.Errorf("roles: parsing agent: %w", err)
	}
	rawRole, ok := params["to"].(string)
	if !ok {
		return fmt.Errorf("roles: command missing target role")
	}
	role, err := ParseRole(rawRole)
	if err != nil {
		return err
	}
	r.logger.Info("applying reassignment", "target", agent.Serial, "role", role)
	r.SetRole(agent, role)
	return nil
}

// Run drives the evaluation loop until the context is cancelled.
// Followers tick idly; only the lease holder evaluates.
func (r *Reassigner) Run(ctx context.Context) {
	ticker := r.clk.NewTicker(r.cfg.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.elect.IsLeader() {
				continue
			}
			r.evaluate(ctx)
		}
	}
}

// evaluate is one leader tick: sample every alive peer, then demote,
// replace, and promote per the hysteresis rules.
func (r *Reassigner) evaluate(ctx context.Context) {
	peers := r.reg.AlivePeers()

	r.mu.Lock()
	for _, id := range peers {
		risk, ok := r.reg.PeerHealth(id)
		if !ok {
			continue
		}
		w := r.windows[id]
		if w == nil {
			w = &window{}
			r.windows[id] = w
		}
		w.add(risk)
		if _, tracked := r.roles[id]; !tracked {
			r.roles[id] = Standby
		}
	}
	r.mu.Unlock()

	// Deterministic order keeps retries and logs stable.
	sort.Slice(peers, func(i, j int) bool { return peers[i].Compare(peers[j]) < 0 })

	for _, id := range peers {
		r.mu.Lock()
		role := r.roles[id]
		w := r.windows[id]
		r.mu.Unlock()
		if w == nil {
			continue
		}

		switch {
		case role == Primary && r.dist.Escalated(id):
			// Non-compliance outranks the risk window.
			if r.reassign(ctx, id, role, Standby, "compliance escalation") {
				r.dist.ClearEscalated(id)
				r.fillPrimary(ctx, id)
			}
		case role != SafeMode && w.consecutiveAbove(r.cfg.DemoteRisk) >= consecutiveDemote:
			if r.reassign(ctx, id, role, role.Demoted(), "sustained high risk") && role == Primary {
				r.fillPrimary(ctx, id)
			}
		case (role == Standby || role == SafeMode) && w.sustainedBelow(r.cfg.PromoteRisk):
			r.reassign(ctx, id, role, role.Promoted(), "sustained recovery")
		}
	}
}

// fillPrimary refills a vacated primary slot with the healthiest
// backup, falling back to the healthiest standby when no backup
// exists.
func (r *Reassigner) fillPrimary(ctx context.Context, demoted identity.AgentID) {
	for _, from := range []Role{Backup, Standby} {
		if id, ok := r.healthiest(from, demoted); ok {
			r.reassign(ctx, id, from, Primary, "filling vacated primary")
			return
		}
	}
	r.logger.Warn("no backup or standby available to fill the primary slot", "demoted", demoted.Serial)
}

// healthiest returns the lowest-risk alive peer currently holding the
// given role, excluding one agent.
func (r *Reassigner) healthiest(role Role, exclude identity.AgentID) (identity.AgentID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best identity.AgentID
	bestRisk := 0.0
	found := false
	for _, id := range r.reg.AlivePeers() {
		if id == exclude || r.roles[id] != role {
			continue
		}
		risk, ok := r.reg.PeerHealth(id)
		if !ok {
			continue
		}
		if !found || risk < bestRisk {
			best, bestRisk, found = id, risk, true
		}
	}
	return best, found
}

// reassign runs one role change through consensus and, on approval,
// applies and propagates it. Returns whether the change took effect.
func (r *Reassigner) reassign(ctx context.Context, id identity.AgentID, from, to Role, reason string) bool {
	params := map[string]any{
		"agent": id.String(),
		"from":  from.String(),
		"to":    to.String(),
	}

	outcome, err := r.voting.Propose(ctx, ActionReassignRole, params, 0)
	if err != nil {
		r.logger.Warn("reassignment proposal failed, retrying next tick",
			"target", id.Serial, "from", from, "to", to, "error", err)
		return false
	}
	if !outcome.Binding() {
		r.logger.Warn("reassignment denied by quorum, retrying next tick",
			"target", id.Serial, "from", from, "to", to)
		return false
	}

	r.logger.Info("reassigning role",
		"target", id.Serial, "from", from, "to", to,
		"reason", reason, "outcome", outcome)
	r.SetRole(id, to)

	if _, err := r.dist.Propagate(ctx, ActionReassignRole, params, r.reg.AlivePeers(), 30, policy.Availability); err != nil {
		// Local state already moved; stragglers converge on the next
		// approved change for this agent.
		r.logger.Warn("reassignment propagation failed", "target", id.Serial, "error", err)
	}
	return true
}
