// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skymesh-foundation/skymesh/lib/clock"
	"github.com/skymesh-foundation/skymesh/lib/codec"
	"github.com/skymesh-foundation/skymesh/swarm/bus"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/ledger"
	"github.com/skymesh-foundation/skymesh/swarm/registry"
)

// Leadership is the slice of the election engine consensus depends on.
type Leadership interface {
	// IsLeader reports whether this agent holds an unexpired lease.
	IsLeader() bool
	// Term is the current election term.
	Term() uint64
}

// Outcome is the terminal state of a proposal. Denials are valid
// results, not errors.
type Outcome int

const (
	Denied Outcome = iota
	Approved
	// ApprovedByFallback marks a timeout resolved by trusted-leader
	// approval instead of an explicit quorum.
	ApprovedByFallback
)

func (o Outcome) String() string {
	switch o {
	case Denied:
		return "denied"
	case Approved:
		return "approved"
	case ApprovedByFallback:
		return "approved_fallback"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Binding reports whether the outcome authorizes execution.
func (o Outcome) Binding() bool { return o != Denied }

var (
	// ErrNotLeader reports a propose call on a non-leader. Never
	// retried internally; the caller must redirect to the leader.
	ErrNotLeader = errors.New("consensus: not the leader")

	// ErrSuperseded reports a proposal cancelled by a term change or
	// lease loss mid-vote.
	ErrSuperseded = errors.New("consensus: proposal superseded")
)

// Evaluator is the local policy check a peer applies to an incoming
// proposal. Returning false denies with the given reason.
type Evaluator func(action string, params map[string]any) (grant bool, reason string)

// Config holds quorum parameters.
type Config struct {
	// DefaultFraction is the share of alive peers that must grant
	// (default 2/3).
	DefaultFraction float64

	// Overrides maps action names to per-action fractions.
	Overrides map[string]float64

	// DefaultTimeout bounds voting when the caller passes none.
	DefaultTimeout time.Duration

	// PollInterval is the tally re-check period (default 25ms).
	PollInterval time.Duration
}

// Engine runs quorum voting on top of the election engine and the bus.
type Engine struct {
	self    identity.AgentID
	transit *bus.Bus
	elect   Leadership
	reg     registry.Registry
	clk     clock.Clock
	logger  *slog.Logger
	store   *ledger.Ledger
	cfg     Config

	mu        sync.Mutex
	pending   map[uuid.UUID]*tally
	executed  map[uuid.UUID]struct{}
	evaluator Evaluator
	subs      []bus.SubscriptionID
}

// tally is the leader-local vote state for one in-flight proposal.
type tally struct {
	action  string
	term    uint64
	votes   map[identity.AgentID]struct{}
	denials map[identity.AgentID]string
}

// New constructs the engine. The ledger may be nil, in which case the
// executed set is memory-only.
func New(self identity.AgentID, transit *bus.Bus, elect Leadership, reg registry.Registry, store *ledger.Ledger, clk clock.Clock, logger *slog.Logger, cfg Config) (*Engine, error) {
	if cfg.DefaultFraction <= 0 || cfg.DefaultFraction > 1 {
		return nil, fmt.Errorf("consensus: default quorum fraction %v outside (0, 1]", cfg.DefaultFraction)
	}
	for action, f := range cfg.Overrides {
		if f <= 0 || f > 1 {
			return nil, fmt.Errorf("consensus: quorum fraction %v for %q outside (0, 1]", f, action)
		}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		self:     self,
		transit:  transit,
		elect:    elect,
		reg:      reg,
		clk:      clk,
		logger:   logger.With("component", "consensus", "agent", self.Serial),
		store:    store,
		cfg:      cfg,
		pending:  make(map[uuid.UUID]*tally),
		executed: make(map[uuid.UUID]struct{}),
		evaluator: func(string, map[string]any) (bool, string) {
			return true, ""
		},
	}, nil
}

// SetEvaluator installs the local proposal check applied on this
// agent. The default grants everything.
func (e *Engine) SetEvaluator(eval Evaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if eval != nil {
		e.evaluator = eval
	}
}

// Start subscribes to the consensus topics and warms the executed set
// from the ledger.
func (e *Engine) Start(ctx context.Context) error {
	if e.store != nil {
		ids, err := e.store.ExecutedIDs(ctx)
		if err != nil {
			return fmt.Errorf("consensus: warming executed set: %w", err)
		}
		e.mu.Lock()
		for _, id := range ids {
			e.executed[id] = struct{}{}
		}
		e.mu.Unlock()
	}

	for topic, handler := range map[string]bus.Handler{
		bus.TopicProposalRequest: e.onProposal,
		bus.TopicVoteGrant:       e.onVote,
		bus.TopicVoteDeny:        e.onDeny,
		bus.TopicActionApproved:  e.onOutcome,
	} {
		id, err := e.transit.Subscribe(topic, handler)
		if err != nil {
			return fmt.Errorf("consensus: subscribing %s: %w", topic, err)
		}
		e.subs = append(e.subs, id)
	}
	return nil
}

// Stop drops the subscriptions. In-flight Propose calls resolve via
// supersession or timeout.
func (e *Engine) Stop() {
	for _, id := range e.subs {
		e.transit.Unsubscribe(id)
	}
}

// QuorumSize returns the grant threshold for an action over n alive
// peers: max(1, ceil(n x fraction)).
func (e *Engine) QuorumSize(action string, alive int) int {
	fraction := e.cfg.DefaultFraction
	if f, ok := e.cfg.Overrides[action]; ok {
		fraction = f
	}
	q := int(math.Ceil(float64(alive) * fraction))
	if q < 1 {
		q = 1
	}
	return q
}

// Propose submits an action for quorum approval. Leader-only: any
// other caller gets ErrNotLeader with no network traffic. The call
// always returns a definite outcome within the timeout budget.
func (e *Engine) Propose(ctx context.Context, action string, params map[string]any, timeout time.Duration) (Outcome, error) {
	if !e.elect.IsLeader() {
		return Denied, ErrNotLeader
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	id := uuid.New()
	term := e.elect.Term()
	e.mu.Lock()
	e.pending[id] = &tally{
		action: action,
		term:   term,
		// The leader is its own first vote.
		votes:   map[identity.AgentID]struct{}{e.self: {}},
		denials: map[identity.AgentID]string{},
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	e.logger.Info("proposing", "proposal", id, "action", action, "timeout", timeout)

	if err := e.publish(ctx, bus.TopicProposalRequest, proposalMsg{
		ID:             id,
		Action:         action,
		Params:         params,
		Proposer:       e.self,
		Term:           term,
		TimeoutSeconds: int(timeout / time.Second),
	}, bus.Reliable, nil); err != nil {
		e.logger.Warn("proposal broadcast failed, voting on local knowledge only",
			"proposal", id, "error", err)
	}

	outcome, err := e.await(ctx, id, action, term, timeout)
	if err != nil {
		return outcome, err
	}

	e.resolve(ctx, id, action, outcome)
	return outcome, nil
}

// await polls the tally until quorum, provable unreachability, or
// timeout.
func (e *Engine) await(ctx context.Context, id uuid.UUID, action string, term uint64, timeout time.Duration) (Outcome, error) {
	deadline := e.clk.Now().Add(timeout)
	for {
		if !e.elect.IsLeader() || e.elect.Term() != term {
			return Denied, fmt.Errorf("%w: term moved past %d", ErrSuperseded, term)
		}

		alive := len(e.reg.AlivePeers())
		quorum := e.QuorumSize(action, alive)

		e.mu.Lock()
		state, ok := e.pending[id]
		if !ok {
			e.mu.Unlock()
			return Denied, fmt.Errorf("%w: proposal %s cancelled", ErrSuperseded, id)
		}
		votes := len(state.votes)
		denials := len(state.denials)
		e.mu.Unlock()

		switch {
		case votes >= quorum:
			return Approved, nil
		case votes+denials >= alive, votes+(alive-votes-denials) < quorum:
			// Everyone answered, or the undecided remainder cannot
			// close the gap: quorum provably unreachable.
			e.logger.Info("quorum unreachable",
				"proposal", id, "votes", votes, "denials", denials, "quorum", quorum)
			return Denied, nil
		}

		if !e.clk.Now().Before(deadline) {
			// Trusted-leader fallback: liveness over strict safety
			// during partitions. Recorded and logged for audit.
			e.logger.Warn("proposal timed out, applying trusted-leader fallback approval",
				"proposal", id, "action", action, "votes", votes, "quorum", quorum)
			return ApprovedByFallback, nil
		}

		select {
		case <-ctx.Done():
			return Denied, ctx.Err()
		case <-e.clk.After(e.cfg.PollInterval):
		}
	}
}

// resolve records and broadcasts a terminal outcome.
func (e *Engine) resolve(ctx context.Context, id uuid.UUID, action string, outcome Outcome) {
	e.mu.Lock()
	state := e.pending[id]
	votes, denials := 0, 0
	if state != nil {
		votes, denials = len(state.votes), len(state.denials)
	}
	if outcome.Binding() {
		e.executed[id] = struct{}{}
	}
	e.mu.Unlock()

	if e.store != nil {
		decision := ledger.Decision{
			ProposalID: id,
			Action:     action,
			Outcome:    outcome.String(),
			Fallback:   outcome == ApprovedByFallback,
			Votes:      votes,
			Denials:    denials,
			DecidedAt:  e.clk.Now(),
		}
		if err := e.store.Record(ctx, decision); err != nil {
			e.logger.Error("recording decision", "proposal", id, "error", err)
		}
		if outcome.Binding() {
			if err := e.store.MarkExecuted(ctx, id, e.clk.Now()); err != nil {
				e.logger.Error("marking executed", "proposal", id, "error", err)
			}
		}
	}

	// Broadcast so non-voters converge on the same executed set.
	if err := e.publish(ctx, bus.TopicActionApproved, outcomeMsg{
		ID:       id,
		Action:   action,
		Approved: outcome.Binding(),
		Fallback: outcome == ApprovedByFallback,
	}, bus.Reliable, nil); err != nil {
		e.logger.Warn("outcome broadcast failed", "proposal", id, "error", err)
	}
}

// Executed reports whether a proposal ID is in the local executed set.
func (e *Engine) Executed(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.executed[id]
	return ok
}

// onProposal is the peer side: evaluate and reply with a grant or a
// deny-with-reason. Replayed proposal IDs are idempotent no-ops.
func (e *Engine) onProposal(m bus.Message) {
	var p proposalMsg
	if err := codec.Unmarshal(m.Payload, &p); err != nil || p.ID == uuid.Nil {
		return
	}
	if p.Proposer == e.self {
		return
	}

	e.mu.Lock()
	_, done := e.executed[p.ID]
	eval := e.evaluator
	e.mu.Unlock()
	if done {
		return
	}

	grant, reason := eval(p.Action, p.Params)
	ctx := context.Background()
	if grant {
		e.publish(ctx, bus.TopicVoteGrant, proposalVoteMsg{
			ProposalID: p.ID,
			Voter:      e.self,
		}, bus.FireForget, &p.Proposer)
		return
	}
	e.logger.Info("denying proposal", "proposal", p.ID, "action", p.Action, "reason", reason)
	e.publish(ctx, bus.TopicVoteDeny, proposalDenyMsg{
		ProposalID: p.ID,
		Voter:      e.self,
		Reason:     reason,
	}, bus.FireForget, &p.Proposer)
}

// onVote tallies a grant for a pending proposal. The election engine
// shares the coord/vote_grant topic; its payloads carry no proposal
// ID and fall out here.
func (e *Engine) onVote(m bus.Message) {
	var v proposalVoteMsg
	if err := codec.Unmarshal(m.Payload, &v); err != nil || v.ProposalID == uuid.Nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.pending[v.ProposalID]; ok {
		state.votes[v.Voter] = struct{}{}
	}
}

// onDeny tallies a denial.
func (e *Engine) onDeny(m bus.Message) {
	var d proposalDenyMsg
	if err := codec.Unmarshal(m.Payload, &d); err != nil || d.ProposalID == uuid.Nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.pending[d.ProposalID]; ok {
		state.denials[d.Voter] = d.Reason
	}
}

// onOutcome converges the executed set on every agent, voter or not.
func (e *Engine) onOutcome(m bus.Message) {
	var o outcomeMsg
	if err := codec.Unmarshal(m.Payload, &o); err != nil || o.ID == uuid.Nil {
		return
	}
	if !o.Approved {
		return
	}
	e.mu.Lock()
	_, known := e.executed[o.ID]
	if !known {
		e.executed[o.ID] = struct{}{}
	}
	e.mu.Unlock()
	if known {
		return
	}
	if e.store != nil {
		if err := e.store.MarkExecuted(context.Background(), o.ID, e.clk.Now()); err != nil {
			e.logger.Error("marking executed from broadcast", "proposal", o.ID, "error", err)
		}
	}
}

func (e *Engine) publish(ctx context.Context, topic string, payload any, qos bus.QoS, receiver *identity.AgentID) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("consensus: marshalling %s: %w", topic, err)
	}
	var opts []bus.PublishOption
	if receiver != nil {
		opts = append(opts, bus.WithReceiver(*receiver))
	}
	return e.transit.Publish(ctx, topic, body, qos, opts...)
}

// Wire payloads.

type proposalMsg struct {
	ID             uuid.UUID        `cbor:"proposal_id"`
	Action         string           `cbor:"action"`
	Params         map[string]any   `cbor:"params,omitempty"`
	Proposer       identity.AgentID `cbor:"proposer"`
	Term           uint64           `cbor:"term"`
	TimeoutSeconds int              `cbor:"timeout_seconds"`
}

type proposalVoteMsg struct {
	ProposalID uuid.UUID        `cbor:"proposal_id"`
	Voter      identity.AgentID `cbor:"voter"`
}

type proposalDenyMsg struct {
	ProposalID uuid.UUID        `cbor:"proposal_id"`
	Voter      identity.AgentID `cbor:"voter"`
	Reason     string           `cbor:"reason"`
}

type outcomeMsg struct {
	ID       uuid.UUID `cbor:"proposal_id"`
	Action   string    `cbor:"action"`
	Approved bool      `cbor:"approved"`
	Fallback bool      `cbor:"fallback"`
}
