// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package election

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skymesh-foundation/skymesh/lib/clock"
	"github.com/skymesh-foundation/skymesh/swarm/bus"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/registry"
)

var testConfig = Config{
	TimeoutMin:        150 * time.Millisecond,
	TimeoutMax:        300 * time.Millisecond,
	HeartbeatInterval: time.Second,
	Lease:             10 * time.Second,
}

type cluster struct {
	t       *testing.T
	fake    *clock.FakeClock
	link    *bus.InProcLink
	reg     *registry.Static
	ids     []identity.AgentID
	engines []*Engine
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{
		t:    t,
		fake: clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		link: bus.NewInProcLink(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for i := 0; i < n; i++ {
		c.ids = append(c.ids, identity.New("aurora", fmt.Sprintf("SAT-%03d", i+1)))
	}
	c.reg = registry.NewStatic(c.ids...)

	for _, id := range c.ids {
		b, err := bus.New(bus.Options{Self: id, Link: c.link, Clock: c.fake, Logger: logger})
		if err != nil {
			t.Fatalf("bus.New: %v", err)
		}
		engine, err := New(id, b, c.reg, c.fake, logger, testConfig)
		if err != nil {
			t.Fatalf("election.New: %v", err)
		}
		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(engine.Stop)
		c.engines = append(c.engines, engine)
	}
	return c
}

// step advances fake time in 50ms increments, yielding real time
// between increments so the engine goroutines can drain their events.
func (c *cluster) step(total time.Duration) {
	const slice = 50 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < total; elapsed += slice {
		c.fake.Advance(slice)
		time.Sleep(time.Millisecond)
	}
}

// leaders returns the engines currently holding an unexpired lease.
func (c *cluster) leaders() []*Engine {
	var out []*Engine
	for _, e := range c.engines {
		if e.IsLeader() {
			out = append(out, e)
		}
	}
	return out
}

// waitForLeader steps time until exactly one leader exists, or fails.
func (c *cluster) waitForLeader() *Engine {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.step(100 * time.Millisecond)
		if ls := c.leaders(); len(ls) == 1 {
			return ls[0]
		}
	}
	c.t.Fatal("no single leader emerged")
	return nil
}

func TestSingleAgentElectsItself(t *testing.T) {
	c := newCluster(t, 1)

	c.step(400 * time.Millisecond)

	e := c.engines[0]
	if !e.IsLeader() {
		t.Fatal("lone agent did not become leader after its election timeout")
	}
	if e.Term() != 1 {
		t.Errorf("term = %d, want 1", e.Term())
	}
	if got, ok := e.Leader(); !ok || got != c.ids[0] {
		t.Errorf("Leader() = %v, %v; want self", got, ok)
	}
}

func TestFiveAgentsConvergeOnOneLeader(t *testing.T) {
	c := newCluster(t, 5)

	leader := c.waitForLeader()

	// Let several heartbeat rounds pass; leadership must be stable
	// and exclusive at every sampled instant.
	for i := 0; i < 40; i++ {
		c.step(100 * time.Millisecond)
		ls := c.leaders()
		if len(ls) > 1 {
			t.Fatalf("observed %d simultaneous unexpired-lease leaders", len(ls))
		}
	}
	if !leader.IsLeader() {
		t.Error("leader lost its lease in a healthy cluster")
	}

	// Followers agree on who leads.
	for _, e := range c.engines {
		if got, ok := e.Leader(); !ok || got.Compare(leaderID(t, leader)) != 0 {
			t.Errorf("agent %s sees leader %v (ok=%v)", e.self.Serial, got, ok)
		}
	}
}

func leaderID(t *testing.T, e *Engine) identity.AgentID {
	t.Helper()
	id, ok := e.Leader()
	if !ok {
		t.Fatal("engine has no leader")
	}
	return id
}

func TestPartitionedLeaderLosesLeaseAndMajorityReelects(t *testing.T) {
	c := newCluster(t, 3)
	old := c.waitForLeader()

	// Isolate the leader from both followers.
	var majority []identity.AgentID
	for _, id := range c.ids {
		if id != old.self {
			majority = append(majority, id)
		}
	}
	c.link.Partition([]identity.AgentID{old.self}, majority)

	// Walk through the lease window. The invariant must hold at
	// every sampled instant: never two unexpired-lease leaders.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c.step(100 * time.Millisecond)
		ls := c.leaders()
		if len(ls) > 1 {
			t.Fatalf("split brain: %d simultaneous leaders during partition", len(ls))
		}
		if len(ls) == 1 && ls[0] != old {
			break // majority side re-elected
		}
	}

	if old.IsLeader() {
		t.Error("partitioned leader still reports an unexpired lease")
	}
	ls := c.leaders()
	if len(ls) != 1 || ls[0] == old {
		t.Fatal("majority partition failed to elect a replacement leader")
	}
	if ls[0].Term() <= old.Term()-1 {
		t.Errorf("replacement term %d not beyond old term %d", ls[0].Term(), old.Term())
	}
}

func TestStaleTermHeartbeatIgnored(t *testing.T) {
	c := newCluster(t, 1)
	c.step(400 * time.Millisecond)
	e := c.engines[0]
	if !e.IsLeader() {
		t.Fatal("setup: no leader")
	}

	intruder := identity.New("aurora", "SAT-999")
	e.onHeartbeat(context.Background(), heartbeatMsg{Term: 0, Leader: intruder, Round: 1})

	if !e.IsLeader() {
		t.Error("leader stepped down for a stale-term heartbeat")
	}
	if got, _ := e.Leader(); got != e.self {
		t.Errorf("leader = %v, want self", got)
	}
}

func TestHigherTermHeartbeatDemotesLeader(t *testing.T) {
	c := newCluster(t, 1)
	c.step(400 * time.Millisecond)
	e := c.engines[0]
	if !e.IsLeader() {
		t.Fatal("setup: no leader")
	}

	boss := identity.New("aurora", "SAT-999")
	e.onHeartbeat(context.Background(), heartbeatMsg{Term: e.Term() + 5, Leader: boss, Round: 1})

	if e.IsLeader() {
		t.Error("leader survived a higher-term heartbeat")
	}
	if e.State() != Follower {
		t.Errorf("state = %v, want FOLLOWER", e.State())
	}
	if got, ok := e.Leader(); !ok || got != boss {
		t.Errorf("leader = %v (ok=%v), want the higher-term leader", got, ok)
	}
}

func TestVoteGrantRules(t *testing.T) {
	c := newCluster(t, 2)
	e := c.engines[0]
	ctx := context.Background()

	alpha := identity.New("aurora", "SAT-500")
	beta := identity.New("aurora", "SAT-600")

	// First request this term: granted.
	e.onVoteRequest(ctx, voteRequestMsg{Term: 3, Candidate: alpha, UptimeMs: 100})
	e.mu.Lock()
	voted := e.votedFor
	e.mu.Unlock()
	if voted == nil || *voted != alpha {
		t.Fatalf("votedFor = %v, want %v", voted, alpha)
	}

	// Lexicographically smaller requester, same term: denied.
	smaller := identity.New("aurora", "SAT-400")
	e.onVoteRequest(ctx, voteRequestMsg{Term: 3, Candidate: smaller, UptimeMs: 999})
	e.mu.Lock()
	voted = e.votedFor
	e.mu.Unlock()
	if *voted != alpha {
		t.Errorf("vote switched to smaller candidate %v", voted)
	}

	// Lexicographically greater requester, same term: re-granted.
	e.onVoteRequest(ctx, voteRequestMsg{Term: 3, Candidate: beta, UptimeMs: 50})
	e.mu.Lock()
	voted = e.votedFor
	e.mu.Unlock()
	if *voted != beta {
		t.Errorf("vote not re-granted to greater candidate, votedFor=%v", voted)
	}

	// Another instance of the voted satellite with longer uptime:
	// re-granted.
	twin := identity.New("aurora", "SAT-600")
	e.onVoteRequest(ctx, voteRequestMsg{Term: 3, Candidate: twin, UptimeMs: 5000})
	e.mu.Lock()
	voted = e.votedFor
	e.mu.Unlock()
	if *voted != twin {
		t.Errorf("vote not re-granted to longer-lived twin, votedFor=%v", voted)
	}

	// Stale term: ignored entirely.
	e.onVoteRequest(ctx, voteRequestMsg{Term: 2, Candidate: alpha, UptimeMs: 9999})
	e.mu.Lock()
	voted = e.votedFor
	term := e.term
	e.mu.Unlock()
	if *voted != twin || term != 3 {
		t.Errorf("stale-term request mutated state: votedFor=%v term=%d", voted, term)
	}
}

func TestConfigValidation(t *testing.T) {
	id := identity.New("aurora", "SAT-001")
	b, err := bus.New(bus.Options{Self: id, Link: bus.NewInProcLink()})
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	reg := registry.NewStatic(id)

	bad := testConfig
	bad.TimeoutMax = bad.TimeoutMin
	if _, err := New(id, b, reg, clock.Real(), nil, bad); err == nil {
		t.Error("equal timeout bounds accepted")
	}

	bad = testConfig
	bad.Lease = 500 * time.Millisecond // below heartbeat interval
	if _, err := New(id, b, reg, clock.Real(), nil, bad); err == nil {
		t.Error("lease below heartbeat interval accepted")
	}
}
