// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clock provides the elapsed-time source owned by a command runner.
package clock

import (
	"sync"
	"time"
)

// A Clock reports how much time has passed since it was created. It is
// monotonic: Elapsed never decreases.
type Clock interface {
	Elapsed() time.Duration
}

type realClock struct {
	start time.Time
}

// New returns a Clock backed by the real monotonic time, starting now.
func New() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) Elapsed() time.Duration {
	return time.Since(c.start)
}

// FakeClock provides support for mocking the elapsed time in tests. It only
// moves when Advance or Set is called.
type FakeClock struct {
	mu      sync.Mutex
	elapsed time.Duration
}

func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

func (c *FakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *FakeClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.elapsed += d
	c.mu.Unlock()
}

// Set moves the clock to the given elapsed time. Since the clock is
// monotonic, attempts to move it backwards are ignored.
func (c *FakeClock) Set(elapsed time.Duration) {
	c.mu.Lock()
	if elapsed > c.elapsed {
		c.elapsed = elapsed
	}
	c.mu.Unlock()
}
