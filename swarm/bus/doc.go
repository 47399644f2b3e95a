// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the topic-based message transport for the swarm.
//
// Every coordination component publishes and subscribes through a Bus.
// Topics live under four namespaces: health/ (periodic summaries),
// intent/ (planned-action announcements), coord/ (election and
// consensus control), and control/ (action commands and completions).
//
// Three quality-of-service tiers model the inter-satellite link:
//
//   - QoS 0 (fire-forget): best effort, may be silently lost.
//   - QoS 1 (ack): the publisher blocks, bounded by the ack timeout,
//     until a receiving bus acknowledges. Timeout is reported to the
//     caller; this tier never retries.
//   - QoS 2 (reliable): transport errors are retried up to three
//     times with linear backoff, and receivers deduplicate on
//     (sender, message ID) against a bounded FIFO window, so a
//     subscriber handler runs at most once per message.
//
// The payload ceiling (10 KiB by default) is validated eagerly and is
// the bus's only backpressure signal. An optional latency hook delays
// each delivery to model real link characteristics during testing.
//
// The physical link is abstract: a Link carries opaque frames between
// agents. InProcLink wires a set of buses together in one process for
// tests and simulation, including partition injection.
package bus
