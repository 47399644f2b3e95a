// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds shared test helpers: bounded channel
// operations that fail the test instead of hanging it, and unique ID
// generation for test fixtures.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// RequireReceive reads one value from ch within timeout or fails the
// test. Use this instead of a bare channel receive so a protocol bug
// surfaces as a test failure, not a suite hang.
func RequireReceive[T any](t testing.TB, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", msg)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
	panic("unreachable")
}

// RequireSend sends v on ch within timeout or fails the test.
func RequireSend[T any](t testing.TB, ch chan<- T, v T, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v sending: %s", timeout, msg)
	}
}

// RequireClosed waits for ch to close (or deliver) within timeout or
// fails the test. Use for done/ready channels that signal by closing.
func RequireClosed(t testing.TB, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, msg)
	}
}

// RequireNoReceive asserts that ch stays silent for the whole window.
// Keep the window short; this necessarily costs real time.
func RequireNoReceive[T any](t testing.TB, ch <-chan T, window time.Duration, msg string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, msg)
	case <-time.After(window):
	}
}

var counter atomic.Uint64

// UniqueID returns "prefix-N" with a process-unique N. Use for action
// names, serials, and payload bodies that must be distinguishable.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, counter.Add(1))
}
