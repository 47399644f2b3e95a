// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Skymesh-sim runs a constellation of in-process agents on one shared
// link.
//
// Each simulated satellite gets a full coordination stack; risk scores
// follow a random walk with one agent deliberately degrading, so the
// run exercises election, consensus voting, action propagation, and
// role reassignment end to end. The --partition flag isolates the
// sitting leader halfway through and heals the link 15 seconds later
// to demonstrate lease expiry and re-election. A summary of leadership,
// roles, ledger decisions, and bus traffic prints at the end.
package main
