// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package propagate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skymesh-foundation/skymesh/lib/clock"
	"github.com/skymesh-foundation/skymesh/swarm/bus"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/policy"
)

type fakeLeadership struct{ leader bool }

func (f *fakeLeadership) IsLeader() bool { return f.leader }

type harness struct {
	t     *testing.T
	fake  *clock.FakeClock
	link  *bus.InProcLink
	ids   []identity.AgentID
	props []*Propagator
}

// newHarness builds n agents on one link. Agent 0 is the leader.
func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		fake: clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		link: bus.NewInProcLink(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for i := 0; i < n; i++ {
		h.ids = append(h.ids, identity.New("aurora", fmt.Sprintf("SAT-%03d", i+1)))
	}
	for i, id := range h.ids {
		b, err := bus.New(bus.Options{Self: id, Link: h.link, Clock: h.fake, Logger: logger})
		if err != nil {
			t.Fatalf("bus.New: %v", err)
		}
		p, err := New(id, b, &fakeLeadership{leader: i == 0}, h.fake, logger, Config{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(p.Stop)
		h.props = append(h.props, p)
	}
	return h
}

// propagate runs agent 0's Propagate concurrently while driving the
// fake clock through the deadline.
func (h *harness) propagate(targets []identity.AgentID, deadlineSeconds int) Result {
	h.t.Helper()
	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := h.props[0].Propagate(context.Background(), "enter_safe_mode", nil, targets, deadlineSeconds, policy.Safety)
		ch <- outcome{res, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case o := <-ch:
			if o.err != nil {
				h.t.Fatalf("Propagate: %v", o.err)
			}
			return o.res
		default:
		}
		h.fake.Advance(50 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	h.t.Fatal("Propagate did not resolve")
	return Result{}
}

func TestFullComplianceResolvesBeforeDeadline(t *testing.T) {
	h := newHarness(t, 11)
	targets := h.ids[1:]

	start := time.Now()
	res := h.propagate(targets, 3600)

	if res.CompliancePercent != 100 {
		t.Errorf("compliance = %v, want 100", res.CompliancePercent)
	}
	if len(res.Completed) != 10 || len(res.Silent) != 0 || len(res.Failed) != 0 {
		t.Errorf("completed/silent/failed = %d/%d/%d, want 10/0/0",
			len(res.Completed), len(res.Silent), len(res.Failed))
	}
	if len(res.Escalated) != 0 {
		t.Errorf("escalated %d agents on full compliance", len(res.Escalated))
	}
	if time.Since(start) > 2*time.Second {
		t.Error("full compliance waited for the deadline instead of resolving on response")
	}
}

func TestNinetyPercentComplianceDoesNotEscalate(t *testing.T) {
	h := newHarness(t, 11)
	targets := h.ids[1:]

	// One target goes silent: 9 of 10 succeed.
	h.props[10].Stop()

	res := h.propagate(targets, 1)
	if res.CompliancePercent != 90.0 {
		t.Errorf("compliance = %v, want 90.0", res.CompliancePercent)
	}
	if len(res.Escalated) != 0 {
		t.Errorf("escalated %v at exactly the threshold", res.Escalated)
	}
	if len(res.Silent) != 1 || res.Silent[0] != h.ids[10] {
		t.Errorf("silent = %v, want [%v]", res.Silent, h.ids[10])
	}
}

func TestBelowThresholdEscalatesNonResponders(t *testing.T) {
	h := newHarness(t, 11)
	targets := h.ids[1:]

	// Two targets go silent: 8 of 10 succeed.
	h.props[9].Stop()
	h.props[10].Stop()

	res := h.propagate(targets, 1)
	if res.CompliancePercent != 80.0 {
		t.Errorf("compliance = %v, want 80.0", res.CompliancePercent)
	}
	want := map[identity.AgentID]bool{h.ids[9]: true, h.ids[10]: true}
	if len(res.Escalated) != 2 || !want[res.Escalated[0]] || !want[res.Escalated[1]] {
		t.Errorf("escalated = %v, want the two non-responders", res.Escalated)
	}

	// The escalation set persists for the role reassigner, then clears
	// once consumed.
	if !h.props[0].Escalated(h.ids[9]) || !h.props[0].Escalated(h.ids[10]) {
		t.Error("escalation set not retained after conclusion")
	}
	h.props[0].ClearEscalated(h.ids[9])
	if h.props[0].Escalated(h.ids[9]) {
		t.Error("ClearEscalated did not remove the agent")
	}
}

func TestExplicitFailureEscalatesAlongsideSilence(t *testing.T) {
	h := newHarness(t, 11)
	targets := h.ids[1:]

	h.props[9].SetExecutor(func(ActionCommand) (Status, string) {
		return StatusFailed, "thruster valve stuck"
	})
	h.props[10].Stop()

	res := h.propagate(targets, 1)
	if res.CompliancePercent != 80.0 {
		t.Errorf("compliance = %v, want 80.0", res.CompliancePercent)
	}
	if len(res.Failed) != 1 || res.Failed[0] != h.ids[9] {
		t.Errorf("failed = %v, want [%v]", res.Failed, h.ids[9])
	}
	want := map[identity.AgentID]bool{h.ids[9]: true, h.ids[10]: true}
	if len(res.Escalated) != 2 || !want[res.Escalated[0]] || !want[res.Escalated[1]] {
		t.Errorf("escalated = %v, want the failed and silent targets", res.Escalated)
	}
}

func TestPartialCountsTowardCompliance(t *testing.T) {
	h := newHarness(t, 3)
	h.props[1].SetExecutor(func(ActionCommand) (Status, string) {
		return StatusPartial, "two of three panels adjusted"
	})

	res := h.propagate(h.ids[1:], 1)
	if res.CompliancePercent != 100 {
		t.Errorf("compliance = %v, want 100 with a partial report", res.CompliancePercent)
	}
}

func TestLeaderAsTargetExecutesLocally(t *testing.T) {
	h := newHarness(t, 3)

	res := h.propagate(h.ids, 1) // all three, leader included
	if res.CompliancePercent != 100 {
		t.Errorf("compliance = %v, want 100", res.CompliancePercent)
	}
	if len(res.Completed) != 3 {
		t.Errorf("completed = %d, want 3", len(res.Completed))
	}
}

func TestPropagateOnFollowerFails(t *testing.T) {
	h := newHarness(t, 3)

	_, err := h.props[1].Propagate(context.Background(), "enter_safe_mode", nil, h.ids, 1, policy.Safety)
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("err = %v, want ErrNotLeader", err)
	}
}

func TestPropagateValidation(t *testing.T) {
	h := newHarness(t, 2)

	if _, err := h.props[0].Propagate(context.Background(), "x", nil, nil, 1, policy.Safety); err == nil {
		t.Error("empty target list accepted")
	}
	if _, err := h.props[0].Propagate(context.Background(), "x", nil, h.ids, 0, policy.Safety); err == nil {
		t.Error("zero deadline accepted")
	}

	if _, err := New(h.ids[0], nil, &fakeLeadership{}, h.fake, nil, Config{ComplianceThreshold: 101}); err == nil {
		t.Error("compliance threshold above 100 accepted")
	}
}

func TestStatusLookup(t *testing.T) {
	h := newHarness(t, 3)

	res := h.propagate(h.ids[1:], 1)
	got, ok := h.props[0].Status(res.ActionID)
	if !ok {
		t.Fatal("concluded action not found by id")
	}
	if got.CompliancePercent != res.CompliancePercent {
		t.Errorf("stored compliance %v != returned %v", got.CompliancePercent, res.CompliancePercent)
	}
	if _, ok := h.props[0].Status(uuid.New()); ok {
		t.Error("unknown action id reported a result")
	}
}

func TestCommandMapRoundTrip(t *testing.T) {
	issuer := identity.New("aurora", "SAT-001")
	for _, n := range []int{1, 2, 5} {
		targets := make([]identity.AgentID, n)
		for i := range targets {
			targets[i] = identity.New("aurora", fmt.Sprintf("SAT-%03d", i+10))
		}
		cmd := ActionCommand{
			ActionID:        uuid.New(),
			Action:          "adjust_attitude",
			Params:          map[string]any{"roll_deg": 1.5},
			Targets:         targets,
			DeadlineSeconds: 30,
			Priority:        policy.Performance,
			Issuer:          issuer,
		}

		back, err := FromMap(cmd.ToMap())
		if err != nil {
			t.Fatalf("FromMap (%d targets): %v", n, err)
		}
		if !reflect.DeepEqual(back, cmd) {
			t.Errorf("round trip with %d targets:\n got %+v\nwant %+v", n, back, cmd)
		}
	}

	if _, err := FromMap(map[string]any{"action": "x"}); err == nil {
		t.Error("map without action_id accepted")
	}
}

func TestCommandMapAcceptsUnsignedDeadline(t *testing.T) {
	cmd := ActionCommand{
		ActionID:        uuid.New(),
		Action:          "adjust_attitude",
		Targets:         []identity.AgentID{identity.New("aurora", "SAT-010")},
		DeadlineSeconds: 45,
		Priority:        policy.Performance,
		Issuer:          identity.New("aurora", "SAT-001"),
	}
	// Maps that crossed a CBOR boundary may carry the deadline as a
	// non-negative integer type.
	m := cmd.ToMap()
	m["deadline_seconds"] = uint64(45)

	back, err := FromMap(m)
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if back.DeadlineSeconds != 45 {
		t.Errorf("DeadlineSeconds = %d, want 45", back.DeadlineSeconds)
	}
}
