// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package process

import (
	"sync"
)

// Registry records the processes created by a runner, keyed by command line.
// It is embedded by Runner implementations to provide Lookup and History.
type Registry struct {
	mu      sync.Mutex
	procs   map[string]Process
	history []string
}

// Add records a newly started process.
func (r *Registry) Add(p Process) {
	cmdline := Cmdline(p.Args())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.procs == nil {
		r.procs = make(map[string]Process)
	}
	r.procs[cmdline] = p
	r.history = append(r.history, cmdline)
}

func (r *Registry) Lookup(cmdline string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[cmdline]
	return p, ok
}

func (r *Registry) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history...)
}

// Count returns how many times the given command line has been started.
func (r *Registry) Count(cmdline string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.history {
		if c == cmdline {
			n++
		}
	}
	return n
}
