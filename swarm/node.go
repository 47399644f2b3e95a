// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package swarm assembles the coordination stack for one agent.
//
// A Node owns the bus, the election and consensus engines, the
// decision ledger, the action propagator, the policy arbiter, and the
// role reassigner, wired in dependency order with one injected clock,
// logger, and registry. Nothing here runs at import time; a Node is
// explicitly constructed, initialized, and shut down.
//
// The node does not decide what the satellite should do. An external
// Decider supplies policies; the node arbitrates them against the
// current global policy and, for swarm-scoped winners, runs them
// through consensus and propagation so they only take effect once the
// quorum agrees. With the master switch off every entry point is a
// no-op, so the surrounding flight software can carry the stack
// disabled.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skymesh-foundation/skymesh/lib/clock"
	"github.com/skymesh-foundation/skymesh/lib/codec"
	"github.com/skymesh-foundation/skymesh/lib/config"
	"github.com/skymesh-foundation/skymesh/swarm/bus"
	"github.com/skymesh-foundation/skymesh/swarm/consensus"
	"github.com/skymesh-foundation/skymesh/swarm/election"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/ledger"
	"github.com/skymesh-foundation/skymesh/swarm/policy"
	"github.com/skymesh-foundation/skymesh/swarm/propagate"
	"github.com/skymesh-foundation/skymesh/swarm/registry"
	"github.com/skymesh-foundation/skymesh/swarm/roles"
)

// Topics owned by the node itself.
const (
	// TopicHealthSummary carries periodic per-agent risk summaries.
	TopicHealthSummary = "health/summary"
	// TopicIntentPolicy carries planned-action announcements used for
	// conflict scoring before a leader proposes.
	TopicIntentPolicy = "intent/policy"
)

// intentTTL bounds how long an announced intent stays relevant.
const intentTTL = time.Minute

// Telemetry is the per-step snapshot handed to the Decider.
type Telemetry struct {
	Timestamp time.Time
	// Risk is this agent's own health risk score in [0, 1].
	Risk    float64
	Metrics map[string]float64
}

// Decider produces the next policy from local telemetry. The second
// result is false when nothing needs to change this step.
type Decider interface {
	Decide(ctx context.Context, t Telemetry) (policy.Policy, bool)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, t Telemetry) (policy.Policy, bool)

func (f DeciderFunc) Decide(ctx context.Context, t Telemetry) (policy.Policy, bool) {
	return f(ctx, t)
}

// Options configures a Node. Config, Registry, and Decider are
// required when the swarm switch is on; the rest default sensibly.
type Options struct {
	Config   config.Config
	Registry registry.Registry
	Decider  Decider

	// Link is the transport fabric. Defaults to a fresh in-process
	// link, which is only useful when several nodes share one.
	Link bus.Link

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger
}

// StepResult reports what one decision cycle did.
type StepResult struct {
	// Decided is false when the Decider had nothing to propose.
	Decided bool
	// Policy is the arbitration winner this step.
	Policy policy.Policy
	// Applied reports whether the policy became binding.
	Applied bool
	// Deferred reports a swarm-scoped policy announced as intent
	// because this agent is not the leader.
	Deferred bool
	// Outcome is the consensus result for swarm-scoped policies.
	Outcome consensus.Outcome
	// CompliancePercent is filled when the policy was propagated.
	CompliancePercent float64
	// ConflictScore is the fraction of known intents disagreeing with
	// the winning action.
	ConflictScore float64
}

// Node is one agent's coordination stack.
type Node struct {
	id      identity.AgentID
	cfg     config.Config
	enabled bool
	clk     clock.Clock
	logger  *slog.Logger
	reg     registry.Registry
	decider Decider

	transit  *bus.Bus
	elect    *election.Engine
	voting   *consensus.Engine
	store    *ledger.Ledger
	dist     *propagate.Propagator
	arbiter  *policy.Arbiter
	assigner *roles.Reassigner

	mu       sync.Mutex
	global   *policy.Policy
	intents  map[identity.AgentID]policy.Policy
	executor propagate.Executor
	subs     []bus.SubscriptionID
	cancel   context.CancelFunc
	started  bool
}

// New builds the full stack without starting it. Call Init to bring it
// up and Shutdown to tear it down.
func New(opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	cfg := opts.Config
	id := identity.New(cfg.Swarm.Constellation, cfg.Swarm.Serial)
	n := &Node{
		id:      id,
		cfg:     cfg,
		enabled: cfg.Swarm.Enabled,
		clk:     clk,
		logger:  logger.With("component", "node", "agent", id.Serial),
		reg:     opts.Registry,
		decider: opts.Decider,
		intents: make(map[identity.AgentID]policy.Policy),
	}
	if !n.enabled {
		n.logger.Info("swarm mode disabled, coordination stack idle")
		return n, nil
	}

	if opts.Registry == nil {
		return nil, fmt.Errorf("swarm: registry is required")
	}
	if opts.Decider == nil {
		return nil, fmt.Errorf("swarm: decider is required")
	}
	link := opts.Link
	if link == nil {
		link = bus.NewInProcLink()
	}

	store, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		return nil, err
	}
	n.store = store

	transit, err := bus.New(bus.Options{
		Self:            id,
		Link:            link,
		Clock:           clk,
		Logger:          logger,
		MaxPayloadBytes: cfg.Bus.MaxPayloadBytes,
		DedupWindow:     cfg.Bus.DedupWindow,
		AckTimeout:      cfg.Bus.AckTimeout(),
		Latency:         cfg.Bus.Latency(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	n.transit = transit

	elect, err := election.New(id, transit, opts.Registry, clk, logger, election.Config{
		TimeoutMin:        cfg.Election.TimeoutMin(),
		TimeoutMax:        cfg.Election.TimeoutMax(),
		HeartbeatInterval: cfg.Election.HeartbeatInterval(),
		Lease:             cfg.Election.Lease(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	n.elect = elect

	voting, err := consensus.New(id, transit, elect, opts.Registry, store, clk, logger, consensus.Config{
		DefaultFraction: cfg.Consensus.QuorumFraction,
		Overrides:       cfg.Consensus.QuorumOverrides,
		DefaultTimeout:  cfg.Consensus.ProposalTimeout(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	n.voting = voting

	dist, err := propagate.New(id, transit, elect, clk, logger, propagate.Config{
		ComplianceThreshold: cfg.Propagation.ComplianceThreshold,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	n.dist = dist

	arbiter, err := policy.NewArbiter(cfg.Arbiter.Weights, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	n.arbiter = arbiter

	assigner, err := roles.New(id, opts.Registry, voting, dist, elect, clk, logger, roles.Config{
		DemoteRisk:         cfg.Roles.DemoteRisk,
		PromoteRisk:        cfg.Roles.PromoteRisk,
		EvaluationInterval: cfg.Roles.EvaluationInterval(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	n.assigner = assigner

	// Approved role changes arrive as propagated commands; everything
	// else goes to the host-installed executor.
	dist.SetExecutor(func(cmd propagate.ActionCommand) (propagate.Status, string) {
		if cmd.Action == roles.ActionReassignRole {
			if err := assigner.ApplyCommand(cmd.Params); err != nil {
				return propagate.StatusFailed, err.Error()
			}
			return propagate.StatusSuccess, ""
		}
		n.mu.Lock()
		exec := n.executor
		n.mu.Unlock()
		if exec == nil {
			return propagate.StatusSuccess, ""
		}
		return exec(cmd)
	})
	return n, nil
}

// SetActionExecutor installs the host's runner for propagated domain
// actions. Role reassignments are handled internally and never reach
// it.
func (n *Node) SetActionExecutor(exec propagate.Executor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.executor = exec
}

// ID returns this agent's identity.
func (n *Node) ID() identity.AgentID { return n.id }

// Enabled reports whether the coordination stack is live.
func (n *Node) Enabled() bool { return n.enabled }

// IsLeader reports whether this agent holds an unexpired lease.
func (n *Node) IsLeader() bool {
	if !n.enabled {
		return false
	}
	return n.elect.IsLeader()
}

// Bus exposes the message bus for host subscriptions.
func (n *Node) Bus() *bus.Bus { return n.transit }

// Roles exposes the role table.
func (n *Node) Roles() *roles.Reassigner { return n.assigner }

// Ledger exposes the decision ledger for diagnostics.
func (n *Node) Ledger() *ledger.Ledger { return n.store }

// Init starts every component in dependency order: election first so
// leadership exists, then consensus and propagation, then the role
// evaluation loop. Idempotence guard: a second Init is an error.
func (n *Node) Init(ctx context.Context) error {
	if !n.enabled {
		return nil
	}
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("swarm: node already initialized")
	}
	n.started = true
	n.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	if err := n.elect.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("swarm: starting election: %w", err)
	}
	if err := n.voting.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("swarm: starting consensus: %w", err)
	}
	if err := n.dist.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("swarm: starting propagation: %w", err)
	}
	sub, err := n.transit.Subscribe(TopicIntentPolicy, n.onIntent)
	if err != nil {
		cancel()
		return fmt.Errorf("swarm: subscribing intents: %w", err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	go n.assigner.Run(runCtx)

	n.logger.Info("coordination stack started",
		"constellation", n.cfg.Swarm.Constellation,
		"peers", len(n.reg.AlivePeers()))
	return nil
}

// Shutdown stops the stack in reverse dependency order and closes the
// ledger. Safe to call on a disabled or never-initialized node.
func (n *Node) Shutdown() error {
	if !n.enabled {
		return nil
	}
	n.mu.Lock()
	started := n.started
	n.started = false
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	if started {
		n.cancel()
		for _, sub := range subs {
			n.transit.Unsubscribe(sub)
		}
		n.dist.Stop()
		n.voting.Stop()
		n.elect.Stop()
	}

	n.transit.Close()
	err := n.store.Close()
	n.logger.Info("coordination stack stopped")
	return err
}

// Step runs one decision cycle: publish a health summary, consult the
// Decider, arbitrate, and make the winner binding for its scope. The
// caller always gets a definite result; denial and deferral are
// results, not errors.
func (n *Node) Step(ctx context.Context, t Telemetry) (StepResult, error) {
	if !n.enabled {
		return StepResult{}, nil
	}

	n.publishHealth(ctx, t)

	local, ok := n.decider.Decide(ctx, t)
	if !ok {
		return StepResult{}, nil
	}
	local.AgentID = n.id
	if local.Timestamp.IsZero() {
		local.Timestamp = n.clk.Now()
	}

	winner := local
	n.mu.Lock()
	global := n.global
	n.mu.Unlock()
	if global != nil {
		winner = n.arbiter.Arbitrate(local, *global)
		lost := winner.Action != local.Action ||
			winner.AgentID != local.AgentID ||
			!winner.Timestamp.Equal(local.Timestamp)
		if lost {
			// The standing global policy held; nothing new to apply.
			return StepResult{Decided: true, Policy: winner}, nil
		}
	}

	res := StepResult{Decided: true, Policy: winner}
	switch winner.Scope {
	case policy.Local:
		res.Applied = true
		n.logger.Debug("applying local policy", "action", winner.Action)
		return res, nil
	case policy.Swarm, policy.Constellation:
		return n.applySwarm(ctx, winner, res)
	default:
		return res, fmt.Errorf("swarm: unknown policy scope %v", winner.Scope)
	}
}

// applySwarm makes a swarm-scoped policy binding: leaders fold in
// announced intents and run consensus plus propagation, followers
// announce intent and wait for the leader's command.
func (n *Node) applySwarm(ctx context.Context, p policy.Policy, res StepResult) (StepResult, error) {
	if !n.elect.IsLeader() {
		n.announceIntent(ctx, p)
		res.Deferred = true
		return res, nil
	}

	candidates := append(n.recentIntents(), p)
	winner, err := n.arbiter.ResolveMultiAgent(candidates)
	if err != nil {
		winner = p
	}
	res.ConflictScore = n.arbiter.ConflictScore(candidates)
	res.Policy = winner
	if res.ConflictScore > 0 {
		n.logger.Info("resolving conflicting intents",
			"action", winner.Action, "conflict_score", res.ConflictScore,
			"candidates", len(candidates))
	}

	outcome, err := n.voting.Propose(ctx, winner.Action, winner.Params, 0)
	if err != nil {
		return res, err
	}
	res.Outcome = outcome
	if !outcome.Binding() {
		return res, nil
	}

	targets := n.reg.AlivePeers()
	dres, err := n.dist.Propagate(ctx, winner.Action, winner.Params, targets, 30, winner.Priority)
	if err != nil {
		return res, err
	}
	res.Applied = true
	res.CompliancePercent = dres.CompliancePercent

	n.mu.Lock()
	n.global = &winner
	n.mu.Unlock()
	return res, nil
}

// publishHealth broadcasts this agent's risk summary. Best effort.
func (n *Node) publishHealth(ctx context.Context, t Telemetry) {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = n.clk.Now()
	}
	body, err := codec.Marshal(healthMsg{Agent: n.id, Risk: t.Risk, Timestamp: ts})
	if err != nil {
		return
	}
	n.transit.Publish(ctx, TopicHealthSummary, body, bus.FireForget)
}

// announceIntent tells the swarm, leader included, what this follower
// wants to happen.
func (n *Node) announceIntent(ctx context.Context, p policy.Policy) {
	body, err := codec.Marshal(intentMsg{
		Action:    p.Action,
		Params:    p.Params,
		Priority:  int(p.Priority),
		Scope:     int(p.Scope),
		Score:     p.Score,
		Agent:     p.AgentID,
		Timestamp: p.Timestamp,
	})
	if err != nil {
		return
	}
	n.transit.Publish(ctx, TopicIntentPolicy, body, bus.FireForget)
}

// onIntent records a peer's announced policy for conflict scoring.
func (n *Node) onIntent(m bus.Message) {
	var msg intentMsg
	if err := codec.Unmarshal(m.Payload, &msg); err != nil || msg.Action == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intents[msg.Agent] = policy.Policy{
		Action:    msg.Action,
		Params:    msg.Params,
		Priority:  policy.Priority(msg.Priority),
		Scope:     policy.Scope(msg.Scope),
		Score:     msg.Score,
		AgentID:   msg.Agent,
		Timestamp: msg.Timestamp,
	}
}

// recentIntents returns announced intents younger than the TTL,
// pruning the rest.
func (n *Node) recentIntents() []policy.Policy {
	cutoff := n.clk.Now().Add(-intentTTL)
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []policy.Policy
	for agent, p := range n.intents {
		if p.Timestamp.Before(cutoff) {
			delete(n.intents, agent)
			continue
		}
		out = append(out, p)
	}
	return out
}

type healthMsg struct {
	Agent     identity.AgentID `cbor:"agent"`
	Risk      float64          `cbor:"risk"`
	Timestamp time.Time        `cbor:"timestamp"`
}

type intentMsg struct {
	Action    string           `cbor:"action"`
	Params    map[string]any   `cbor:"params,omitempty"`
	Priority  int              `cbor:"priority"`
	Scope     int              `cbor:"scope"`
	Score     float64          `cbor:"score"`
	Agent     identity.AgentID `cbor:"agent"`
	Timestamp time.Time        `cbor:"timestamp"`
}
