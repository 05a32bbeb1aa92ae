// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package clock

import (
	"testing"
	"time"
)

func TestRealClockIsMonotonic(t *testing.T) {
	c := New()
	first := c.Elapsed()
	if first < 0 {
		t.Fatalf("negative elapsed time: %s", first)
	}
	time.Sleep(time.Millisecond)
	if second := c.Elapsed(); second < first {
		t.Fatalf("clock went backwards: %s < %s", second, first)
	}
}

func TestFakeClock(t *testing.T) {
	c := NewFakeClock()
	if got := c.Elapsed(); got != 0 {
		t.Fatalf("new fake clock should start at 0, got %s", got)
	}

	c.Advance(5 * time.Second)
	if got := c.Elapsed(); got != 5*time.Second {
		t.Errorf("after Advance(5s): got %s", got)
	}

	c.Advance(-time.Second)
	if got := c.Elapsed(); got != 5*time.Second {
		t.Errorf("negative Advance moved the clock: got %s", got)
	}

	c.Set(3 * time.Second)
	if got := c.Elapsed(); got != 5*time.Second {
		t.Errorf("Set moved the clock backwards: got %s", got)
	}

	c.Set(11 * time.Second)
	if got := c.Elapsed(); got != 11*time.Second {
		t.Errorf("after Set(11s): got %s", got)
	}
}
