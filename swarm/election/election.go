// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package election

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/skymesh-foundation/skymesh/lib/clock"
	"github.com/skymesh-foundation/skymesh/lib/codec"
	"github.com/skymesh-foundation/skymesh/swarm/bus"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/registry"
)

// State is the election role of the local agent.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TopicHeartbeatAck carries follower acknowledgments of leader
// heartbeats, keyed by round, so the leader can count majority contact
// before renewing its lease.
const TopicHeartbeatAck = "coord/heartbeat_ack"

// Config holds the election timing parameters.
type Config struct {
	// TimeoutMin/TimeoutMax bound the randomized candidacy stagger.
	TimeoutMin time.Duration
	TimeoutMax time.Duration

	// HeartbeatInterval is the leader announcement period.
	HeartbeatInterval time.Duration

	// Lease is how long leadership stays valid past its last renewal.
	Lease time.Duration
}

// Engine runs the election state machine for one agent.
type Engine struct {
	self     identity.AgentID
	transit  *bus.Bus
	registry registry.Registry
	clk      clock.Clock
	logger   *slog.Logger
	cfg      Config
	rng      *rand.Rand

	events chan any
	stop   chan struct{}
	done   chan struct{}
	subs   []bus.SubscriptionID

	mu          sync.Mutex
	started     bool
	state       State
	term        uint64
	votedFor    *identity.AgentID
	votedUptime time.Duration
	leader      *identity.AgentID
	leaseExpiry time.Time
	votes       map[identity.AgentID]struct{}
	hbRound     uint64
	hbAcks      map[identity.AgentID]struct{}
	startedAt   time.Time
}

// eventBuffer sizes the handler-to-loop channel. Bus handlers drop
// events when the loop falls this far behind; the protocol tolerates
// loss the same way it tolerates a lossy link.
const eventBuffer = 256

// New constructs an Engine. Start must be called before it
// participates.
func New(self identity.AgentID, transit *bus.Bus, reg registry.Registry, clk clock.Clock, logger *slog.Logger, cfg Config) (*Engine, error) {
	if cfg.TimeoutMin <= 0 || cfg.TimeoutMax <= cfg.TimeoutMin {
		return nil, fmt.Errorf("election: timeout bounds [%v, %v] invalid", cfg.TimeoutMin, cfg.TimeoutMax)
	}
	if cfg.HeartbeatInterval <= 0 || cfg.Lease <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("election: lease %v must exceed heartbeat interval %v", cfg.Lease, cfg.HeartbeatInterval)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		self:     self,
		transit:  transit,
		registry: reg,
		clk:      clk,
		logger:   logger.With("component", "election", "agent", self.Serial),
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(int64(seedFrom(self)))),
		events:   make(chan any, eventBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		votes:    make(map[identity.AgentID]struct{}),
		hbAcks:   make(map[identity.AgentID]struct{}),
	}, nil
}

// seedFrom derives a per-agent RNG seed so parallel agents in one
// process draw different timeouts.
func seedFrom(id identity.AgentID) uint64 {
	var seed uint64 = 14695981039346656037
	for _, b := range []byte(id.String()) {
		seed = (seed ^ uint64(b)) * 1099511628211
	}
	return seed
}

// Start subscribes to the coordination topics and launches the state
// machine goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("election: already started")
	}
	e.started = true
	e.startedAt = e.clk.Now()
	e.mu.Unlock()

	for topic, decode := range map[string]func(bus.Message) (any, bool){
		bus.TopicHeartbeat:   decodeEvent[heartbeatMsg],
		TopicHeartbeatAck:    decodeEvent[heartbeatAckMsg],
		bus.TopicVoteRequest: decodeEvent[voteRequestMsg],
		bus.TopicVoteGrant:   decodeEvent[voteGrantMsg],
	} {
		decode := decode
		id, err := e.transit.Subscribe(topic, func(m bus.Message) {
			if m.Sender == e.self {
				return
			}
			ev, ok := decode(m)
			if !ok {
				return
			}
			select {
			case e.events <- ev:
			default:
				e.logger.Warn("election event dropped, loop behind", "topic", m.Topic)
			}
		})
		if err != nil {
			return fmt.Errorf("election: subscribing %s: %w", topic, err)
		}
		e.subs = append(e.subs, id)
	}

	go e.run(ctx)
	return nil
}

// Stop halts the state machine and drops the subscriptions.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
	for _, id := range e.subs {
		e.transit.Unsubscribe(id)
	}
}

// IsLeader reports whether the local agent holds an unexpired lease as
// LEADER. This is the only leadership predicate other components may
// trust.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Leader && e.clk.Now().Before(e.leaseExpiry)
}

// Leader returns the agent currently believed to lead, if any.
func (e *Engine) Leader() (identity.AgentID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader == nil {
		return identity.AgentID{}, false
	}
	return *e.leader, true
}

// Term returns the current election term.
func (e *Engine) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// State returns the current election state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LeaseExpiry returns when the current leadership lease lapses.
func (e *Engine) LeaseExpiry() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaseExpiry
}

// randomTimeout draws the candidacy stagger from [TimeoutMin,
// TimeoutMax].
func (e *Engine) randomTimeout() time.Duration {
	spread := e.cfg.TimeoutMax - e.cfg.TimeoutMin
	return e.cfg.TimeoutMin + time.Duration(e.rng.Int63n(int64(spread)+1))
}

// followerTimeout is how long a follower waits before candidacy: the
// remaining lease of the known leader plus the randomized stagger. A
// follower with no leader waits only the stagger.
func (e *Engine) followerTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	wait := e.randomTimeout()
	if e.leader != nil {
		if remaining := e.leaseExpiry.Sub(e.clk.Now()); remaining > 0 {
			wait += remaining
		}
	}
	return wait
}

// run is the single state-machine goroutine. All mutations of the
// election state happen here.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	electionTimer := e.clk.After(e.followerTimeout())
	heartbeat := e.clk.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		// The candidacy timer is irrelevant while leading; the
		// heartbeat ticker is irrelevant while not.
		var electionC <-chan time.Time
		var heartbeatC <-chan time.Time
		if e.State() == Leader {
			heartbeatC = heartbeat.C
		} else {
			electionC = electionTimer
		}

		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case ev := <-e.events:
			if reset := e.handleEvent(ctx, ev); reset {
				electionTimer = e.clk.After(e.followerTimeout())
			}
		case <-electionC:
			e.startElection(ctx)
			electionTimer = e.clk.After(e.randomTimeout())
		case <-heartbeatC:
			e.leaderTick(ctx)
			if e.State() != Leader {
				// Lease lapsed; rejoin the electorate.
				electionTimer = e.clk.After(e.followerTimeout())
			}
		}
	}
}

// handleEvent dispatches one protocol event. Returns true when the
// candidacy timer must be re-armed (a valid heartbeat arrived or we
// stepped down).
func (e *Engine) handleEvent(ctx context.Context, ev any) bool {
	switch ev := ev.(type) {
	case heartbeatMsg:
		return e.onHeartbeat(ctx, ev)
	case heartbeatAckMsg:
		e.onHeartbeatAck(ev)
		return false
	case voteRequestMsg:
		return e.onVoteRequest(ctx, ev)
	case voteGrantMsg:
		e.onVoteGrant(ev)
		return false
	default:
		return false
	}
}

// startElection transitions to CANDIDATE for a fresh term and
// solicits votes.
func (e *Engine) startElection(ctx context.Context) {
	e.mu.Lock()
	if e.state == Leader {
		e.mu.Unlock()
		return
	}
	e.term++
	e.state = Candidate
	e.leader = nil
	e.votedFor = &e.self
	e.votedUptime = e.clk.Now().Sub(e.startedAt)
	e.votes = map[identity.AgentID]struct{}{e.self: {}}
	term := e.term
	uptime := e.votedUptime
	e.mu.Unlock()

	e.logger.Info("starting election", "term", term)

	e.publish(ctx, bus.TopicVoteRequest, voteRequestMsg{
		Term:      term,
		Candidate: e.self,
		UptimeMs:  uptime.Milliseconds(),
	}, bus.FireForget, nil)

	// A lone agent needs no correspondence to reach quorum.
	e.mu.Lock()
	e.tryWinLocked(ctx)
	e.mu.Unlock()
}

// majority returns the vote threshold over the currently alive peers:
// floor(N/2) + 1.
func (e *Engine) majority() int {
	alive := len(e.registry.AlivePeers())
	if alive < 1 {
		alive = 1
	}
	return alive/2 + 1
}

// tryWinLocked promotes a candidate holding a majority. Caller holds
// e.mu; ctx is used for the inaugural heartbeat.
func (e *Engine) tryWinLocked(ctx context.Context) {
	if e.state != Candidate || len(e.votes) < e.majority() {
		return
	}
	e.state = Leader
	e.leader = &e.self
	e.leaseExpiry = e.clk.Now().Add(e.cfg.Lease)
	e.hbRound = 0
	e.hbAcks = map[identity.AgentID]struct{}{}
	term := e.term
	votes := len(e.votes)
	e.mu.Unlock()

	e.logger.Info("won election", "term", term, "votes", votes)
	e.leaderTick(ctx)

	e.mu.Lock()
}

// leaderTick sends one heartbeat round and retires leadership if the
// lease lapsed without majority contact.
func (e *Engine) leaderTick(ctx context.Context) {
	e.mu.Lock()
	if e.state != Leader {
		e.mu.Unlock()
		return
	}
	if !e.clk.Now().Before(e.leaseExpiry) {
		e.logger.Warn("lease expired without majority contact, stepping down", "term", e.term)
		e.becomeFollowerLocked(e.term, nil)
		e.mu.Unlock()
		return
	}
	e.hbRound++
	e.hbAcks = map[identity.AgentID]struct{}{}
	msg := heartbeatMsg{Term: e.term, Leader: e.self, Round: e.hbRound}
	e.mu.Unlock()

	e.publish(ctx, bus.TopicHeartbeat, msg, bus.FireForget, nil)
}

// onHeartbeat processes a leader announcement.
func (e *Engine) onHeartbeat(ctx context.Context, hb heartbeatMsg) bool {
	e.mu.Lock()
	if hb.Term < e.term {
		e.mu.Unlock()
		return false
	}
	if hb.Term == e.term && e.state == Leader {
		// Dual leaders in one term can appear when a voter re-grants
		// to a lexicographically greater candidate. The smaller
		// leader yields; the greater one ignores the pretender.
		if hb.Leader.Compare(e.self) <= 0 {
			e.mu.Unlock()
			return false
		}
		e.logger.Warn("yielding to greater leader", "term", e.term, "leader", hb.Leader.Serial)
	}
	if hb.Term > e.term || e.state != Follower || e.leader == nil || *e.leader != hb.Leader {
		e.becomeFollowerLocked(hb.Term, &hb.Leader)
	}
	// A follower renews the leader's lease on every heartbeat it
	// receives.
	e.leader = &hb.Leader
	e.leaseExpiry = e.clk.Now().Add(e.cfg.Lease)
	e.mu.Unlock()

	e.publish(ctx, TopicHeartbeatAck, heartbeatAckMsg{
		Term:  hb.Term,
		Round: hb.Round,
		From:  e.self,
	}, bus.FireForget, &hb.Leader)
	return true
}

// onHeartbeatAck counts follower contact; majority contact renews the
// leader's own lease.
func (e *Engine) onHeartbeatAck(ack heartbeatAckMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Leader || ack.Term != e.term || ack.Round != e.hbRound {
		return
	}
	e.hbAcks[ack.From] = struct{}{}
	// The leader itself counts toward the majority.
	if len(e.hbAcks)+1 >= e.majority() {
		e.leaseExpiry = e.clk.Now().Add(e.cfg.Lease)
	}
}

// onVoteRequest applies the grant rule: the requester's term must be
// at least ours, and we grant when we have not yet voted this term,
// when the requester outranks our previous vote lexicographically, or
// when it is a longer-lived instance of the same satellite.
func (e *Engine) onVoteRequest(ctx context.Context, req voteRequestMsg) bool {
	e.mu.Lock()
	if req.Term < e.term {
		e.mu.Unlock()
		return false
	}
	stepped := false
	if req.Term > e.term {
		e.becomeFollowerLocked(req.Term, nil)
		stepped = true
	}

	grant := false
	switch {
	case e.votedFor == nil:
		grant = true
	case *e.votedFor == req.Candidate:
		// Duplicate request (the first grant may have been lost).
		grant = true
	case req.Candidate.Compare(*e.votedFor) > 0:
		grant = true
	case req.Candidate.SameSatellite(*e.votedFor) && time.Duration(req.UptimeMs)*time.Millisecond > e.votedUptime:
		grant = true
	}
	var reply *voteGrantMsg
	if grant {
		e.votedFor = &req.Candidate
		e.votedUptime = time.Duration(req.UptimeMs) * time.Millisecond
		reply = &voteGrantMsg{Term: e.term, Voter: e.self}
	}
	e.mu.Unlock()

	if reply != nil {
		e.publish(ctx, bus.TopicVoteGrant, *reply, bus.FireForget, &req.Candidate)
	}
	return stepped
}

// onVoteGrant tallies a vote for our current candidacy. Grants from
// other terms are stale and dropped.
func (e *Engine) onVoteGrant(grant voteGrantMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Candidate || grant.Term != e.term {
		return
	}
	e.votes[grant.Voter] = struct{}{}
	e.tryWinLocked(context.Background())
}

// becomeFollowerLocked resets to FOLLOWER for term. A nil leader
// means the leader for the term is not yet known. Caller holds e.mu.
func (e *Engine) becomeFollowerLocked(term uint64, leader *identity.AgentID) {
	if e.state == Leader {
		e.logger.Info("stepping down", "term", e.term, "new_term", term)
	}
	if term > e.term {
		e.term = term
		e.votedFor = nil
		e.votedUptime = 0
	}
	e.state = Follower
	e.leader = leader
	e.votes = map[identity.AgentID]struct{}{}
}

// publish marshals and sends one protocol message. Election traffic is
// fire-forget: the protocol's own retry structure (re-election,
// heartbeat cadence) covers loss.
func (e *Engine) publish(ctx context.Context, topic string, payload any, qos bus.QoS, receiver *identity.AgentID) {
	body, err := codec.Marshal(payload)
	if err != nil {
		e.logger.Error("marshalling protocol message", "topic", topic, "error", err)
		return
	}
	var opts []bus.PublishOption
	if receiver != nil {
		opts = append(opts, bus.WithReceiver(*receiver))
	}
	if err := e.transit.Publish(ctx, topic, body, qos, opts...); err != nil {
		e.logger.Debug("protocol publish failed", "topic", topic, "error", err)
	}
}

// decodeEvent decodes a message payload into the typed event T.
func decodeEvent[T any](m bus.Message) (any, bool) {
	var ev T
	if err := codec.Unmarshal(m.Payload, &ev); err != nil {
		return nil, false
	}
	return ev, true
}

// Wire payloads for coord/ election topics.

type heartbeatMsg struct {
	Term   uint64           `cbor:"term"`
	Leader identity.AgentID `cbor:"leader"`
	Round  uint64           `cbor:"round"`
}

type heartbeatAckMsg struct {
	Term  uint64           `cbor:"term"`
	Round uint64           `cbor:"round"`
	From  identity.AgentID `cbor:"from"`
}

type voteRequestMsg struct {
	Term      uint64           `cbor:"term"`
	Candidate identity.AgentID `cbor:"candidate"`
	UptimeMs  int64            `cbor:"uptime_ms"`
}

type voteGrantMsg struct {
	Term  uint64           `cbor:"term"`
	Voter identity.AgentID `cbor:"voter"`
}
