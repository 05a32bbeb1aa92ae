// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package device

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

type cacheState int

const (
	cacheInvalid cacheState = iota
	cacheValid
)

// snapshot is the parsed result of one process listing.
type snapshot struct {
	pids    map[FuzzerKey]int
	skipped []*ParseError
}

func (s *snapshot) copyPids() map[FuzzerKey]int {
	pids := make(map[FuzzerKey]int, len(s.pids))
	for k, v := range s.pids {
		pids[k] = v
	}
	return pids
}

// pidCache memoizes the process listing of a device. It moves from invalid to
// valid only when a query completes, and back to invalid only on an explicit
// invalidate. Every invalidation starts a new generation; a query started in
// an older generation may still be returned to the callers that were waiting
// on it, but never repopulates the cache.
type pidCache struct {
	mu    sync.Mutex
	state cacheState
	snap  *snapshot
	gen   uint64

	// Concurrent misses within one generation share a single query.
	group singleflight.Group
}

func (c *pidCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = cacheInvalid
	c.snap = nil
	c.gen++
}

// get returns the cached snapshot, calling query to populate it if needed.
func (c *pidCache) get(ctx context.Context, query func(context.Context) (*snapshot, error)) (*snapshot, error) {
	c.mu.Lock()
	if c.state == cacheValid {
		snap := c.snap
		c.mu.Unlock()
		return snap, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		// A query for this generation may have finished between the check
		// above and joining the group.
		c.mu.Lock()
		if c.state == cacheValid && c.gen == gen {
			snap := c.snap
			c.mu.Unlock()
			return snap, nil
		}
		c.mu.Unlock()

		snap, err := query(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.state = cacheValid
			c.snap = snap
		}
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}
