// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package election maintains a single swarm leader with a time-bounded
// lease.
//
// The protocol is Raft-shaped: agents are followers until silence from
// the leader outlasts the lease, then a randomized timeout staggers
// candidacies, candidates solicit votes for an incremented term, and a
// candidate holding votes from a majority of alive peers becomes
// leader. Two departures from textbook Raft fit the swarm setting:
//
//   - Votes carry an uptime tiebreaker so that of two instances of the
//     same satellite (a reboot race) the longer-lived one wins.
//   - Leadership is a lease, not a permanent grant. The leader
//     broadcasts heartbeats every second; followers acknowledge, and
//     the leader renews its lease only when a majority of alive peers
//     acknowledged a round. A partitioned leader therefore loses its
//     own lease within lease-duration seconds, while the majority side
//     elects a successor. IsLeader is true only while the state is
//     LEADER and the lease is unexpired, which is the split-brain
//     guard.
//
// All state transitions happen on one goroutine fed by bus
// subscriptions and clock timers; the rest of the stack reads
// snapshots through IsLeader, Leader, Term, and State.
package election
