// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only through
// Advance. Safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.armed = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Timers, tickers, and
// sleeps block until Advance moves the clock past their deadline;
// expired waiters fire in deadline order.
//
// AfterFunc callbacks run synchronously inside Advance. Calling
// Advance or Sleep from inside such a callback deadlocks.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	queue []*waiter
	armed *sync.Cond
}

// waiter is one pending timer, ticker, sleep, or callback.
type waiter struct {
	due time.Time

	// ch receives the fire time for After/Sleep/Ticker waiters;
	// nil for AfterFunc.
	ch chan time.Time

	// fn runs synchronously during Advance; nil except for AfterFunc.
	fn func()

	// period is non-zero for tickers; the waiter is re-queued at
	// due+period after each fire.
	period time.Duration

	cancelled bool
	done      bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past
// the deadline. Non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.enqueue(&waiter{due: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f for when the clock advances past the deadline.
// Non-positive d runs f synchronously before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	entry := &waiter{due: c.now.Add(d), fn: f}
	c.enqueue(entry)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.cancelled || entry.done {
				return false
			}
			entry.cancelled = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !entry.cancelled && !entry.done
			entry.due = c.now.Add(d)
			entry.cancelled = false
			if entry.done {
				entry.done = false
				c.enqueue(entry)
			}
			return active
		},
	}
}

// NewTicker returns a ticker firing every d fake-time units. Panics if
// d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker interval must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	entry := &waiter{due: c.now.Add(d), ch: ch, period: d}
	c.enqueue(entry)

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.cancelled = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.period = d
			entry.due = c.now.Add(d)
			entry.cancelled = false
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time. Channel sends are non-blocking
// (a full ticker channel drops the tick, matching time.Ticker);
// callbacks run synchronously in deadline order. Tickers spanning
// multiple periods fire once per period.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })

		for _, fire := range due {
			if fire.fn != nil {
				fire.fn()
				continue
			}
			select {
			case fire.ch <- target:
			default:
			}
		}
	}
}

// firing is a waiter snapshot taken at collection time, so ticker
// rescheduling cannot perturb the fire order.
type firing struct {
	at time.Time
	ch chan time.Time
	fn func()
}

// WaitForWaiters blocks until at least n waiters are pending. Use this
// to let a goroutine under test arm its timer before advancing.
func (c *FakeClock) WaitForWaiters(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.armed.Wait()
	}
}

// pendingLocked counts live waiters. Caller holds c.mu.
func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, entry := range c.queue {
		if !entry.cancelled && !entry.done {
			count++
		}
	}
	return count
}

// enqueue registers a waiter and wakes WaitForWaiters callers. Caller
// holds c.mu.
func (c *FakeClock) enqueue(entry *waiter) {
	c.queue = append(c.queue, entry)
	c.armed.Broadcast()
}

// takeDue removes waiters due at or before target, re-queuing tickers
// for their next period.
func (c *FakeClock) takeDue(target time.Time) []firing {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []firing
	var keep []*waiter
	for _, entry := range c.queue {
		switch {
		case entry.cancelled:
			// drop
		case !entry.due.After(target):
			due = append(due, firing{at: entry.due, ch: entry.ch, fn: entry.fn})
			if entry.period > 0 {
				entry.due = entry.due.Add(entry.period)
				keep = append(keep, entry)
			} else {
				entry.done = true
			}
		default:
			keep = append(keep, entry)
		}
	}
	c.queue = keep
	return due
}
