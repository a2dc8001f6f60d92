// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Timers, tickers,
// and After channels fire only when Advance moves the clock past their
// deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a deterministic Clock for tests. Use WaitForTimers to
// synchronize with goroutines that register timers, then Advance to
// fire them. AfterFunc callbacks run synchronously inside Advance, in
// deadline order; a callback must not call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time // nil for AfterFunc waiters
	callback func()         // nil for channel waiters
	interval time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.add(&waiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stop: func() bool { return false }}
	}

	pending := &waiter{deadline: c.current.Add(d), callback: f}
	c.add(pending)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		wasPending := !pending.stopped && !pending.fired
		pending.stopped = true
		return wasPending
	}}
}

// NewTicker returns a Ticker that fires on every Advance step crossing
// a multiple of d. Panics if d <= 0, matching time.NewTicker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	pending := &waiter{deadline: c.current.Add(d), channel: channel, interval: d}
	c.add(pending)

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			pending.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the interval, in deadline order. Tickers
// reschedule themselves and can fire multiple times in one Advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextDeadline(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.fired = true
		}
		if next.callback != nil {
			callback := next.callback
			c.mu.Unlock()
			callback()
			c.mu.Lock()
		} else {
			// Capacity-1 channel: drop the tick if the consumer
			// has not drained the previous one.
			select {
			case next.channel <- c.current:
			default:
			}
		}
	}

	c.current = target
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n timers, tickers, or After
// channels are registered and pending. Use this before Advance to
// avoid racing a goroutine that is about to register its timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingCount() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) add(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

func (c *FakeClock) pendingCount() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}
	return count
}

// nextDeadline returns the earliest live waiter with deadline <= target,
// or nil when none remain. Called with mu held.
func (c *FakeClock) nextDeadline(target time.Time) *waiter {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	c.waiters = live

	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil
	}
	return c.waiters[0]
}
