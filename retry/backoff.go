// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package retry repeats operations that fail transiently, such as reaching a
// device that is still booting.
package retry

import (
	"context"
	"time"
)

// Stop indicates that no more retries should be made.
const Stop time.Duration = -1

type Backoff interface {
	// Next gets the duration to wait before retrying the operation or Stop
	// to indicate that no retries should be made.
	Next() time.Duration

	// Reset resets to initial state.
	Reset()
}

// ConstantBackoff always waits the same interval.
type ConstantBackoff struct {
	interval time.Duration
}

func NewConstantBackoff(d time.Duration) *ConstantBackoff {
	return &ConstantBackoff{interval: d}
}

func (b *ConstantBackoff) Reset() {}

func (b *ConstantBackoff) Next() time.Duration { return b.interval }

// ExponentialBackoff multiplies its interval after each retry, up to a
// maximum.
type ExponentialBackoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	next       time.Duration
}

func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{initial: initial, max: max, multiplier: multiplier, next: initial}
}

func (b *ExponentialBackoff) Reset() {
	b.next = b.initial
}

func (b *ExponentialBackoff) Next() time.Duration {
	d := b.next
	b.next = time.Duration(float64(b.next) * b.multiplier)
	if b.max > 0 && b.next > b.max {
		b.next = b.max
	}
	return d
}

type maxTriesBackoff struct {
	backoff  Backoff
	maxTries uint64
	numTries uint64
}

func (b *maxTriesBackoff) Next() time.Duration {
	if b.maxTries <= b.numTries {
		return Stop
	}
	b.numTries++
	return b.backoff.Next()
}

func (b *maxTriesBackoff) Reset() {
	b.numTries = 0
	b.backoff.Reset()
}

// WithMaxRetries wraps a backoff which stops after max retries.
func WithMaxRetries(b Backoff, max uint64) Backoff {
	return &maxTriesBackoff{backoff: b, maxTries: max}
}

// Retry calls fn until it succeeds, returns an error for which retryable is
// false, the backoff stops, or ctx is done. It returns the last error from fn.
func Retry(ctx context.Context, b Backoff, fn func() error, retryable func(error) bool) error {
	b.Reset()
	for {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		wait := b.Next()
		if wait == Stop {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
