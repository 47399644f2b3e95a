// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"sync"

	"github.com/skymesh-foundation/skymesh/swarm/identity"
)

// Link carries opaque frames between agents. The physical transport
// behind it (radio, inter-satellite link) is outside this layer; the
// bus only requires that Send either hands the frame to the link or
// returns an error.
type Link interface {
	// Send transmits a frame from sender. A nil receiver broadcasts
	// to every reachable agent; otherwise the frame goes only to the
	// named agent.
	Send(sender identity.AgentID, receiver *identity.AgentID, frame []byte) error
}

// InProcLink connects a set of buses in one process. It delivers
// frames synchronously on the caller's goroutine and supports
// partition injection, which is how the split-brain tests isolate a
// minority leader.
type InProcLink struct {
	mu        sync.Mutex
	endpoints map[identity.AgentID]func([]byte)
	// group maps an agent to its partition group. Empty map means no
	// partition: everyone reaches everyone. Agents missing from a
	// non-empty map are unreachable.
	group map[identity.AgentID]int
}

// NewInProcLink returns an empty link. Attach each bus before use.
func NewInProcLink() *InProcLink {
	return &InProcLink{endpoints: make(map[identity.AgentID]func([]byte))}
}

// Attach registers an agent's delivery function. Typically called via
// Bus.AttachTo rather than directly.
func (l *InProcLink) Attach(id identity.AgentID, deliver func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints[id] = deliver
}

// Detach removes an agent from the link, simulating loss of contact.
func (l *InProcLink) Detach(id identity.AgentID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.endpoints, id)
}

// Partition splits the link into isolated groups. Frames flow only
// between agents in the same group. Agents not named in any group
// lose all connectivity.
func (l *InProcLink) Partition(groups ...[]identity.AgentID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.group = make(map[identity.AgentID]int)
	for i, members := range groups {
		for _, id := range members {
			l.group[id] = i
		}
	}
}

// Heal removes all partitions.
func (l *InProcLink) Heal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.group = nil
}

// Send implements Link.
func (l *InProcLink) Send(sender identity.AgentID, receiver *identity.AgentID, frame []byte) error {
	l.mu.Lock()
	var targets []func([]byte)
	if receiver != nil {
		if l.reachableLocked(sender, *receiver) {
			if deliver, ok := l.endpoints[*receiver]; ok {
				targets = append(targets, deliver)
			}
		}
	} else {
		for id, deliver := range l.endpoints {
			if id == sender || !l.reachableLocked(sender, id) {
				continue
			}
			targets = append(targets, deliver)
		}
	}
	l.mu.Unlock()

	if receiver != nil && len(targets) == 0 {
		return fmt.Errorf("bus: agent %s unreachable", receiver)
	}

	// Delivery happens outside the link lock: handlers may publish.
	for _, deliver := range targets {
		deliver(frame)
	}
	return nil
}

// reachableLocked reports whether frames flow from a to b under the
// current partition map. Caller holds l.mu.
func (l *InProcLink) reachableLocked(a, b identity.AgentID) bool {
	if len(l.group) == 0 {
		return true
	}
	ga, okA := l.group[a]
	gb, okB := l.group[b]
	return okA && okB && ga == gb
}
