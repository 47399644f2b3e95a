// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry defines the peer registry consumed by the
// coordination stack.
//
// The registry itself is an external collaborator: discovery,
// telemetry ingestion, and health scoring live outside this module.
// Coordination components only read the live peer set and per-peer
// health risk scores through the Registry interface. Static is an
// in-memory implementation for tests and simulation.
package registry

import (
	"sort"
	"sync"

	"github.com/skymesh-foundation/skymesh/swarm/identity"
)

// Registry supplies the live peer set and per-peer health.
type Registry interface {
	// AlivePeers returns every agent currently considered alive,
	// including the local agent. Quorum arithmetic is computed over
	// this set.
	AlivePeers() []identity.AgentID

	// PeerHealth returns the health risk score for a peer in [0, 1],
	// 0 healthy, 1 failing. The second result is false for unknown
	// peers.
	PeerHealth(id identity.AgentID) (float64, bool)
}

// Static is a mutable in-memory Registry. Safe for concurrent use.
type Static struct {
	mu    sync.Mutex
	peers map[identity.AgentID]float64
}

// NewStatic returns a registry containing the given peers, all at
// risk score 0.
func NewStatic(peers ...identity.AgentID) *Static {
	s := &Static{peers: make(map[identity.AgentID]float64, len(peers))}
	for _, id := range peers {
		s.peers[id] = 0
	}
	return s
}

// Add marks a peer alive with risk score 0. Adding an existing peer
// resets its score.
func (s *Static) Add(id identity.AgentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[id] = 0
}

// Remove marks a peer dead.
func (s *Static) Remove(id identity.AgentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// SetHealth sets a peer's risk score, adding the peer if unknown.
func (s *Static) SetHealth(id identity.AgentID, risk float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[id] = risk
}

// AlivePeers implements Registry. The result is sorted by AgentID so
// iteration order is deterministic.
func (s *Static) AlivePeers() []identity.AgentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]identity.AgentID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// PeerHealth implements Registry.
func (s *Static) PeerHealth(id identity.AgentID) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	risk, ok := s.peers[id]
	return risk, ok
}
