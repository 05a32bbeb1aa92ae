// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package device models a remote Fuchsia target reachable over ssh and scp.
package device

import (
	"context"
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/golang/glog"

	"go.fuchsia.dev/fuzzctl/process"
)

// A Device represents one remote target. It builds ssh and scp command lines,
// runs them through a process.Runner, and keeps a snapshot of the fuzz
// targets running on the device until it is invalidated.
//
// A Device may be shared by goroutines operating on independent fuzzers.
type Device struct {
	runner process.Runner
	addr   string
	opts   []string

	cache pidCache
}

// New returns a Device at the given address. The options are passed to every
// ssh and scp invocation, before any other arguments.
func New(runner process.Runner, addr string, opts []string) *Device {
	return &Device{
		runner: runner,
		addr:   addr,
		opts:   append([]string(nil), opts...),
	}
}

// Addr returns the network address of the device.
func (d *Device) Addr() string {
	return d.addr
}

// SSHOpts returns the options passed to ssh and scp.
func (d *Device) SSHOpts() []string {
	return append([]string(nil), d.opts...)
}

// Runner returns the runner used to execute commands.
func (d *Device) Runner() process.Runner {
	return d.runner
}

// SSHArgs returns the command line that runs args on the device.
func (d *Device) SSHArgs(args ...string) []string {
	cmd := append([]string{"ssh"}, d.opts...)
	cmd = append(cmd, d.addr)
	return append(cmd, args...)
}

// SCPArgs returns an scp command line with the device's options. Remote paths
// in args must already have been converted with RemotePath.
func (d *Device) SCPArgs(args ...string) []string {
	cmd := append([]string{"scp"}, d.opts...)
	return append(cmd, args...)
}

// ResolvePath returns the absolute path on the device for p. Bare names are
// taken to be relative to the root.
func ResolvePath(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join("/", p)
}

// RemotePath returns the scp form of a path on the device,
// i.e. <address>:<absolute path>. IPv6 literals are bracketed.
func (d *Device) RemotePath(p string) string {
	host := d.addr
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		if ip := net.ParseIP(strings.SplitN(host, "%", 2)[0]); ip != nil {
			host = "[" + host + "]"
		}
	}
	return fmt.Sprintf("%s:%s", host, ResolvePath(p))
}

// TransportError is returned when a remote shell command cannot be started.
type TransportError struct {
	Addr string
	Args []string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to run %q on %s: %s", process.Cmdline(e.Args), e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TransferError is returned when a copy to or from the device exits with a
// non-zero status.
type TransferError struct {
	Args       []string
	ExitStatus int
	Stderr     string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("'%s' exited with error: %d (%s)", process.Cmdline(e.Args), e.ExitStatus, strings.TrimSpace(e.Stderr))
}

// CommandError is returned when a remote command run to completion exits with
// a non-zero status.
type CommandError struct {
	Args       []string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("'%s' exited with error: %d (%s)", process.Cmdline(e.Args), e.ExitStatus, strings.TrimSpace(e.Stderr))
}

// RemoteExec starts args on the device and returns the local process that
// drives it. It returns a *TransportError if the process cannot be launched.
//
// Since an arbitrary command may change the set of running processes, the
// process cache is invalidated.
func (d *Device) RemoteExec(ctx context.Context, args ...string) (process.Process, error) {
	p, err := d.start(ctx, args...)
	d.InvalidateProcessCache()
	return p, err
}

func (d *Device) start(ctx context.Context, args ...string) (process.Process, error) {
	cmd := d.SSHArgs(args...)
	glog.Infof("Running remote command on %s: %q", d.addr, process.Cmdline(args))
	p, err := d.runner.Start(ctx, cmd...)
	if err != nil {
		return nil, &TransportError{Addr: d.addr, Args: args, Err: err}
	}
	return p, nil
}

// SSH runs args on the device to completion. It returns a *CommandError if
// the command exits with a non-zero status.
func (d *Device) SSH(ctx context.Context, args ...string) (*process.Result, error) {
	p, err := d.RemoteExec(ctx, args...)
	if err != nil {
		return nil, err
	}
	return d.collect(ctx, p)
}

func (d *Device) collect(ctx context.Context, p process.Process) (*process.Result, error) {
	if err := p.CloseInput(); err != nil {
		return nil, err
	}
	res, err := process.Collect(ctx, p)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return res, &CommandError{Args: res.Args, ExitStatus: res.ExitStatus, Stderr: res.Stderr}
	}
	return res, nil
}

// CopyTo copies local paths to a path on the device.
func (d *Device) CopyTo(ctx context.Context, remotePath string, localPaths ...string) (*process.Result, error) {
	args := append(append([]string(nil), localPaths...), d.RemotePath(remotePath))
	return d.scp(ctx, args)
}

// CopyFrom copies paths on the device to a local path.
func (d *Device) CopyFrom(ctx context.Context, localPath string, remotePaths ...string) (*process.Result, error) {
	var args []string
	for _, p := range remotePaths {
		args = append(args, d.RemotePath(p))
	}
	args = append(args, localPath)
	return d.scp(ctx, args)
}

func (d *Device) scp(ctx context.Context, args []string) (*process.Result, error) {
	cmd := d.SCPArgs(args...)
	p, err := d.runner.Start(ctx, cmd...)
	if err != nil {
		return nil, &TransportError{Addr: d.addr, Args: cmd, Err: err}
	}
	if err := p.CloseInput(); err != nil {
		return nil, err
	}
	// Once launched, failures are the copy's own and are not transport errors.
	res, err := process.Collect(ctx, p)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return res, &TransferError{Args: cmd, ExitStatus: res.ExitStatus, Stderr: res.Stderr}
	}
	return res, nil
}

// RunningFuzzers returns the fuzz targets running on the device and their
// PIDs. The listing is queried at most once between invalidations; until
// InvalidateProcessCache is called, the same snapshot is returned. The caller
// owns the returned map.
func (d *Device) RunningFuzzers(ctx context.Context) (map[FuzzerKey]int, error) {
	snap, err := d.cache.get(ctx, d.queryListing)
	if err != nil {
		return nil, err
	}
	return snap.copyPids(), nil
}

// RunningFuzzersStrict is like RunningFuzzers, but fails if the listing had
// lines that looked like components and none of them could be parsed.
func (d *Device) RunningFuzzersStrict(ctx context.Context) (map[FuzzerKey]int, error) {
	snap, err := d.cache.get(ctx, d.queryListing)
	if err != nil {
		return nil, err
	}
	if err := strictError(snap.pids, snap.skipped); err != nil {
		return nil, fmt.Errorf("unable to parse process listing from %s: %w", d.addr, err)
	}
	return snap.copyPids(), nil
}

// Pid returns the PID of the given fuzz target, and whether it is running.
func (d *Device) Pid(ctx context.Context, pkg, executable string) (int, bool, error) {
	pids, err := d.RunningFuzzers(ctx)
	if err != nil {
		return 0, false, err
	}
	pid, ok := pids[FuzzerKey{Package: pkg, Executable: executable}]
	return pid, ok, nil
}

// InvalidateProcessCache forces the next call to RunningFuzzers to query the
// device again.
func (d *Device) InvalidateProcessCache() {
	glog.V(2).Infof("Invalidating process cache for %s", d.addr)
	d.cache.invalidate()
}

func (d *Device) queryListing(ctx context.Context) (*snapshot, error) {
	p, err := d.start(ctx, ListingCommand...)
	if err != nil {
		return nil, err
	}
	res, err := d.collect(ctx, p)
	if err != nil {
		return nil, err
	}
	pids, skipped := ParseListing(res.Stdout)
	for _, e := range skipped {
		glog.V(2).Infof("Skipping %s", e)
	}
	glog.Infof("Found %d running fuzzer(s) on %s", len(pids), d.addr)
	return &snapshot{pids: pids, skipped: skipped}, nil
}
