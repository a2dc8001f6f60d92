// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, time.AfterFunc, or time.NewTicker directly. Real() provides
// the standard library behavior; Fake() provides a deterministic clock
// that advances only when Advance is called, so heartbeat intervals,
// cache TTLs, and reconnect backoffs can be tested without sleeping.
package clock

import "time"

// Clock abstracts time operations. Every production function that
// schedules work or reads the current time should take a Clock (or be
// a method on a struct holding one) rather than using the time package
// directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real clock) or synchronously during Advance (fake
	// clock). The returned Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. Call Stop to release it. C has
// capacity 1, matching time.Ticker: a slow consumer drops ticks rather
// than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }

// Timer is a scheduled AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. Returns true if the call was still
// pending, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
