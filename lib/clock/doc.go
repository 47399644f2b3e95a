// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Every component with timer-driven behavior (election timeouts,
// heartbeat senders, lease expiry, evaluation tickers) accepts a Clock
// instead of calling the time package directly. Production code injects
// Real(); tests inject Fake() and drive time with Advance, which makes
// the protocol state machines fully deterministic under test.
//
// A goroutine that calls After, AfterFunc, NewTicker, or Sleep on a
// FakeClock registers a pending waiter. Tests use WaitForWaiters to
// block until the goroutine under test has armed its timer before
// advancing the clock, which removes the registration/advance race
// without resorting to real sleeps.
package clock
