// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Skymesh-agent runs one satellite's coordination stack.
//
// It loads configuration from --config or $SKYMESH_CONFIG, brings up
// the full node (bus, election, consensus, ledger, propagation, role
// reassignment), and runs a decision cycle on a fixed interval until
// SIGINT or SIGTERM. With SWARM_MODE_ENABLED=false the process starts,
// idles, and exits cleanly without any coordination activity, so the
// kill switch can be flipped without changing the deployment.
package main
