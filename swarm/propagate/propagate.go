// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package propagate pushes an approved action to target agents and
// tracks who complied.
//
// The leader broadcasts an ActionCommand at the reliable QoS tier and
// collects completion reports until every target has answered or the
// deadline lapses. Compliance below the configured threshold places
// the silent and explicitly-failed targets in an escalation set. The
// set is advisory: the role reassigner consumes it, nothing here acts
// on it.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skymesh-foundation/skymesh/lib/clock"
	"github.com/skymesh-foundation/skymesh/lib/codec"
	"github.com/skymesh-foundation/skymesh/swarm/bus"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/policy"
)

// ErrNotLeader reports a propagate call on a non-leader. Surfaced to
// the caller, never retried internally.
var ErrNotLeader = errors.New("propagate: not the leader")

// Status is a target's self-reported execution result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Valid reports whether the status is one a target may legally send.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusPartial || s == StatusFailed
}

// Completed reports whether the status counts toward compliance.
// Partial execution still counts; only failure and silence do not.
func (s Status) Completed() bool {
	return s == StatusSuccess || s == StatusPartial
}

// Leadership is the slice of the election engine this package needs.
type Leadership interface {
	IsLeader() bool
}

// Executor runs a propagated action on the local agent and reports how
// it went. The default executor succeeds without doing anything.
type Executor func(cmd ActionCommand) (Status, string)

// Config holds propagation parameters.
type Config struct {
	// ComplianceThreshold is the percentage below which the
	// non-compliant targets are escalated (default 90).
	ComplianceThreshold float64

	// PollInterval is the completion re-check period (default 25ms).
	PollInterval time.Duration
}

// Result is the terminal state of one propagated action.
type Result struct {
	ActionID          uuid.UUID
	Action            string
	CompliancePercent float64
	Completed         []identity.AgentID
	Failed            []identity.AgentID
	Silent            []identity.AgentID
	// Escalated holds the failed and silent targets when compliance
	// fell below the threshold. Empty otherwise.
	Escalated []identity.AgentID
}

// Propagator broadcasts leader actions and tracks compliance.
type Propagator struct {
	self    identity.AgentID
	transit *bus.Bus
	elect   Leadership
	clk     clock.Clock
	logger  *slog.Logger
	cfg     Config

	mu        sync.Mutex
	pending   map[uuid.UUID]*tracking
	results   map[uuid.UUID]Result
	escalated map[identity.AgentID]struct{}
	executor  Executor
	subs      []bus.SubscriptionID
}

type tracking struct {
	targets map[identity.AgentID]struct{}
	reports map[identity.AgentID]Status
}

// New constructs the propagator.
func New(self identity.AgentID, transit *bus.Bus, elect Leadership, clk clock.Clock, logger *slog.Logger, cfg Config) (*Propagator, error) {
	if cfg.ComplianceThreshold < 0 || cfg.ComplianceThreshold > 100 {
		return nil, fmt.Errorf("propagate: compliance threshold %v outside [0, 100]", cfg.ComplianceThreshold)
	}
	if cfg.ComplianceThreshold == 0 {
		cfg.ComplianceThreshold = 90
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Propagator{
		self:      self,
		transit:   transit,
		elect:     elect,
		clk:       clk,
		logger:    logger.With("component", "propagate", "agent", self.Serial),
		cfg:       cfg,
		pending:   make(map[uuid.UUID]*tracking),
		results:   make(map[uuid.UUID]Result),
		escalated: make(map[identity.AgentID]struct{}),
		executor: func(ActionCommand) (Status, string) {
			return StatusSuccess, ""
		},
	}, nil
}

// SetExecutor installs the local action runner invoked when this agent
// is a target of a propagated command.
func (p *Propagator) SetExecutor(exec Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if exec != nil {
		p.executor = exec
	}
}

// Start subscribes to the command and completion topics.
func (p *Propagator) Start(ctx context.Context) error {
	for topic, handler := range map[string]bus.Handler{
		bus.TopicActionCommand:   p.onCommand,
		bus.TopicActionCompleted: p.onReport,
	} {
		id, err := p.transit.Subscribe(topic, handler)
		if err != nil {
			return fmt.Errorf("propagate: subscribing %s: %w", topic, err)
		}
		p.subs = append(p.subs, id)
	}
	return nil
}

// Stop drops the subscriptions.
func (p *Propagator) Stop() {
	for _, id := range p.subs {
		p.transit.Unsubscribe(id)
	}
}

// Propagate broadcasts the action to the targets and waits for
// completion reports until the deadline. Leader-only. The returned
// result is definite: silence past the deadline counts against
// compliance rather than blocking the caller.
func (p *Propagator) Propagate(ctx context.Context, action string, params map[string]any, targets []identity.AgentID, deadlineSeconds int, priority policy.Priority) (Result, error) {
	if !p.elect.IsLeader() {
		return Result{}, ErrNotLeader
	}
	if len(targets) == 0 {
		return Result{}, fmt.Errorf("propagate: no targets for %q", action)
	}
	if deadlineSeconds <= 0 {
		return Result{}, fmt.Errorf("propagate: deadline must be positive, got %d", deadlineSeconds)
	}

	cmd := ActionCommand{
		ActionID:        uuid.New(),
		Action:          action,
		Params:          params,
		Targets:         targets,
		DeadlineSeconds: deadlineSeconds,
		Priority:        priority,
		Issuer:          p.self,
	}

	track := &tracking{
		targets: make(map[identity.AgentID]struct{}, len(targets)),
		reports: make(map[identity.AgentID]Status, len(targets)),
	}
	for _, id := range targets {
		track.targets[id] = struct{}{}
	}
	// The leader may be its own target; it reports locally without a
	// bus round trip.
	if _, ok := track.targets[p.self]; ok {
		status, detail := p.runExecutor(cmd)
		track.reports[p.self] = status
		if status == StatusFailed {
			p.logger.Warn("local execution failed", "action", action, "detail", detail)
		}
	}

	p.mu.Lock()
	p.pending[cmd.ActionID] = track
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, cmd.ActionID)
		p.mu.Unlock()
	}()

	p.logger.Info("propagating action",
		"action_id", cmd.ActionID, "action", action,
		"targets", len(targets), "deadline_seconds", deadlineSeconds)

	body, err := codec.Marshal(cmd.wire())
	if err != nil {
		return Result{}, fmt.Errorf("propagate: marshalling command: %w", err)
	}
	if err := p.transit.Publish(ctx, bus.TopicActionCommand, body, bus.Reliable); err != nil {
		p.logger.Warn("command broadcast failed, deadline will score the silence",
			"action_id", cmd.ActionID, "error", err)
	}

	deadline := p.clk.Now().Add(time.Duration(deadlineSeconds) * time.Second)
	for {
		p.mu.Lock()
		responded := len(track.reports)
		p.mu.Unlock()
		if responded >= len(track.targets) {
			break
		}
		if !p.clk.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-p.clk.After(p.cfg.PollInterval):
		}
	}

	return p.conclude(cmd), nil
}

// conclude scores compliance and fills the escalation set.
func (p *Propagator) conclude(cmd ActionCommand) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	track := p.pending[cmd.ActionID]
	res := Result{ActionID: cmd.ActionID, Action: cmd.Action}
	for _, id := range cmd.Targets {
		status, ok := track.reports[id]
		switch {
		case ok && status.Completed():
			res.Completed = append(res.Completed, id)
		case ok:
			res.Failed = append(res.Failed, id)
		default:
			res.Silent = append(res.Silent, id)
		}
	}
	res.CompliancePercent = float64(len(res.Completed)) / float64(len(cmd.Targets)) * 100

	if res.CompliancePercent < p.cfg.ComplianceThreshold {
		res.Escalated = append(res.Escalated, res.Silent...)
		res.Escalated = append(res.Escalated, res.Failed...)
		for _, id := range res.Escalated {
			p.escalated[id] = struct{}{}
		}
		p.logger.Warn("compliance below threshold",
			"action_id", cmd.ActionID, "action", cmd.Action,
			"compliance_percent", res.CompliancePercent,
			"threshold", p.cfg.ComplianceThreshold,
			"escalated", len(res.Escalated))
	} else {
		p.logger.Info("action propagated",
			"action_id", cmd.ActionID, "action", cmd.Action,
			"compliance_percent", res.CompliancePercent)
	}

	p.results[cmd.ActionID] = res
	return res
}

// Status returns the recorded result of a concluded action.
func (p *Propagator) Status(actionID uuid.UUID) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.results[actionID]
	return res, ok
}

// Escalated reports whether an agent is currently flagged for the role
// reassigner.
func (p *Propagator) Escalated(id identity.AgentID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.escalated[id]
	return ok
}

// ClearEscalated removes an agent from the escalation set once the
// role reassigner has acted on it.
func (p *Propagator) ClearEscalated(id identity.AgentID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.escalated, id)
}

func (p *Propagator) runExecutor(cmd ActionCommand) (Status, string) {
	p.mu.Lock()
	exec := p.executor
	p.mu.Unlock()
	status, detail := exec(cmd)
	if !status.Valid() {
		p.logger.Warn("executor returned invalid status, treating as failed",
			"action", cmd.Action, "status", string(status))
		return StatusFailed, detail
	}
	return status, detail
}

// onCommand is the target side: run the executor and report back to
// the issuer. Non-targets ignore the broadcast.
func (p *Propagator) onCommand(m bus.Message) {
	var w commandWire
	if err := codec.Unmarshal(m.Payload, &w); err != nil || w.ActionID == uuid.Nil {
		return
	}
	cmd := w.command()
	if cmd.Issuer == p.self {
		return
	}
	targeted := false
	for _, id := range cmd.Targets {
		if id == p.self {
			targeted = true
			break
		}
	}
	if !targeted {
		return
	}

	status, detail := p.runExecutor(cmd)
	body, err := codec.Marshal(reportWire{
		ActionID: cmd.ActionID,
		Agent:    p.self,
		Status:   string(status),
		Detail:   detail,
	})
	if err != nil {
		p.logger.Error("marshalling completion report", "action_id", cmd.ActionID, "error", err)
		return
	}
	// Fire-and-forget: a lost report reads as silence and counts
	// against compliance, which is the honest outcome.
	p.transit.Publish(context.Background(), bus.TopicActionCompleted, body, bus.FireForget,
		bus.WithReceiver(cmd.Issuer))
}

// onReport is the issuer side: tally a target's completion report.
func (p *Propagator) onReport(m bus.Message) {
	var w reportWire
	if err := codec.Unmarshal(m.Payload, &w); err != nil || w.ActionID == uuid.Nil {
		return
	}
	status := Status(w.Status)
	if !status.Valid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	track, ok := p.pending[w.ActionID]
	if !ok {
		// Concluded or superseded action; stale reports are dropped.
		return
	}
	if _, targeted := track.targets[w.Agent]; !targeted {
		return
	}
	if _, dup := track.reports[w.Agent]; dup {
		return
	}
	track.reports[w.Agent] = status
}
