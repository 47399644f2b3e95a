// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package consensus turns a leader's proposal into a binding,
// quorum-approved decision.
//
// Only the unexpired-lease leader may propose; everyone else gets
// ErrNotLeader without a single message hitting the wire. The leader
// broadcasts the proposal, counts itself as the first vote, and polls
// until one of three things happens: grants reach the quorum
// (approved), every alive peer has answered and the quorum is provably
// out of reach (denied), or the timeout lapses. A timeout resolves as
// a trusted-leader fallback approval — the swarm prefers a possibly
// unilateral decision over deadlock during a partition. Fallback
// approvals are logged at Warn and recorded in the ledger with a
// fallback mark so operators can audit them afterwards.
//
// Every proposal is keyed by a fresh UUID. Peers ignore proposals
// whose ID is already in their executed set, and resolved outcomes
// are broadcast so non-voters converge on the same executed set. The
// executed set is persisted in the decision ledger and reloaded on
// restart.
package consensus
