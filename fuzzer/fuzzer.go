// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fuzzer controls individual fuzz targets on a device.
package fuzzer

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"go.fuchsia.dev/fuzzctl/device"
	"go.fuchsia.dev/fuzzctl/process"
)

// DefaultArtifactPrefix is where a fuzzer writes its artifacts unless told
// otherwise.
const DefaultArtifactPrefix = "data/"

// Exit statuses a fuzzer may return without the run being considered broken:
// success, a crash that was found, and a timeout or OOM reported by libFuzzer.
var expectedExitStatuses = [...]int{0, 1, 77}

// A Fuzzer controls one packaged fuzz target executable on a device. Fuzzers
// hold no state of their own; whether a fuzzer is running is always answered
// by the device's process listing. Many Fuzzers may share a Device.
type Fuzzer struct {
	dev *device.Device
	pkg string
	exe string
}

// New returns a Fuzzer for the executable in pkg on the given device.
func New(dev *device.Device, pkg, exe string) *Fuzzer {
	return &Fuzzer{dev: dev, pkg: pkg, exe: exe}
}

// ParseName splits a `package/executable` name.
func ParseName(name string) (pkg, exe string, err error) {
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid fuzzer name %q: expected package/executable", name)
	}
	return parts[0], parts[1], nil
}

// Name is `package/executable`.
func (f *Fuzzer) Name() string {
	return fmt.Sprintf("%s/%s", f.pkg, f.exe)
}

func (f *Fuzzer) Package() string {
	return f.pkg
}

func (f *Fuzzer) Executable() string {
	return f.exe
}

// URL returns the component URL used to launch the fuzzer.
func (f *Fuzzer) URL() string {
	return fmt.Sprintf("fuchsia-pkg://fuchsia.com/%s#meta/%s.cmx", f.pkg, f.exe)
}

// AbsPath returns the absolute target path for a given relative path in a
// fuzzer package. The path may differ depending on whether it is identified as
// a resource, data, or neither.
func (f *Fuzzer) AbsPath(relpath string) string {
	switch {
	case strings.HasPrefix(relpath, "/"):
		return relpath
	case strings.HasPrefix(relpath, "pkg/"):
		return fmt.Sprintf("/pkgfs/packages/%s/0/%s", f.pkg, relpath[4:])
	case strings.HasPrefix(relpath, "data/"):
		return fmt.Sprintf("/data/r/sys/fuchsia.com:%s:0#meta:%s.cmx/%s", f.pkg, f.exe, relpath[5:])
	default:
		return "/" + relpath
	}
}

// IsRunning reports whether the fuzzer appears in the device's process
// listing. It may populate the device's process cache, but never invalidates
// it.
func (f *Fuzzer) IsRunning(ctx context.Context) (bool, error) {
	_, ok, err := f.Pid(ctx)
	return ok, err
}

// Pid returns the PID of the running fuzzer, and whether it was found.
func (f *Fuzzer) Pid(ctx context.Context) (int, bool, error) {
	return f.dev.Pid(ctx, f.pkg, f.exe)
}

// Start launches the fuzzer in the background with the given libFuzzer
// arguments and returns its PID. It returns an *AlreadyRunningError if the
// fuzzer was running before the call.
//
// The remote process is left running; the returned PID comes from a fresh
// process listing taken after the launch.
func (f *Fuzzer) Start(ctx context.Context, args ...string) (int, error) {
	if pid, running, err := f.Pid(ctx); err != nil {
		return 0, err
	} else if running {
		return 0, &AlreadyRunningError{Name: f.Name(), Pid: pid}
	}

	opts, err := Parse(args)
	if err != nil {
		return 0, err
	}
	cmd := append([]string{"run", f.URL()}, opts.Args()...)
	glog.Infof("Starting %s", f.Name())
	p, err := f.dev.RemoteExec(ctx, cmd...)
	if err != nil {
		return 0, err
	}
	if err := p.CloseInput(); err != nil {
		glog.Warningf("unable to close input of %s: %s", f.Name(), err)
	}
	f.dev.InvalidateProcessCache()

	pids, err := f.dev.RunningFuzzersStrict(ctx)
	if err != nil {
		return 0, err
	}
	pid, ok := pids[device.FuzzerKey{Package: f.pkg, Executable: f.exe}]
	if !ok {
		err := &NotListedError{Name: f.Name()}
		if status, exited := p.ExitStatus(); exited {
			err.Exited = true
			err.ExitStatus = status
			err.Stderr = strings.TrimSpace(p.Stderr())
		}
		return 0, err
	}
	glog.Infof("Started %s with PID %d", f.Name(), pid)
	return pid, nil
}

// Stop terminates the running fuzzer. It returns a *NotRunningError, without
// issuing any remote command, if the fuzzer is not in the process listing.
func (f *Fuzzer) Stop(ctx context.Context) error {
	pid, running, err := f.Pid(ctx)
	if err != nil {
		return err
	}
	if !running {
		return &NotRunningError{Name: f.Name()}
	}
	glog.Infof("Stopping %s (PID %d)", f.Name(), pid)
	_, err = f.dev.SSH(ctx, "kill", strconv.Itoa(pid))
	f.dev.InvalidateProcessCache()
	return err
}

// unitPrefixes are the name prefixes of the test units libFuzzer writes.
var unitPrefixes = [...]string{"crash-", "leak-", "oom-", "timeout-"}

// Units returns the test units the fuzzer has written to its data directory,
// as paths in the fuzzer's namespace.
func (f *Fuzzer) Units(ctx context.Context) ([]string, error) {
	res, err := f.dev.SSH(ctx, "ls", f.AbsPath(DefaultArtifactPrefix))
	if err != nil {
		return nil, err
	}
	var units []string
	for _, name := range strings.Fields(res.Stdout) {
		name = path.Base(name)
		for _, prefix := range unitPrefixes {
			if strings.HasPrefix(name, prefix) {
				units = append(units, path.Join("data", name))
				break
			}
		}
	}
	sort.Strings(units)
	return units, nil
}

// Repro runs the fuzzer in the foreground on test units present on the
// device, and returns its exit status. With no units, it runs on all of the
// fuzzer's current units. Statuses that libFuzzer uses to report findings are
// not errors.
func (f *Fuzzer) Repro(ctx context.Context, units ...string) (*process.Result, error) {
	if len(units) == 0 {
		found, err := f.Units(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to list test units of %s: %w", f.Name(), err)
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no test units found for %s", f.Name())
		}
		glog.Infof("Found %d test unit(s) for %s", len(found), f.Name())
		units = found
	}
	opts, err := Parse(units)
	if err != nil {
		return nil, err
	}
	cmd := append([]string{"run", f.URL()}, opts.Args()...)
	res, err := f.dev.SSH(ctx, cmd...)
	if err == nil {
		return res, nil
	}
	if res != nil {
		for _, status := range expectedExitStatuses {
			if res.ExitStatus == status {
				return res, nil
			}
		}
	}
	return res, err
}

// FetchArtifacts copies files matching remoteGlob, a path in the fuzzer's
// namespace, into localDir.
func (f *Fuzzer) FetchArtifacts(ctx context.Context, remoteGlob, localDir string) (*process.Result, error) {
	return f.dev.CopyFrom(ctx, localDir, f.AbsPath(remoteGlob))
}

// PushCorpus copies local files into remoteDir, a path in the fuzzer's
// namespace.
func (f *Fuzzer) PushCorpus(ctx context.Context, remoteDir string, localFiles ...string) (*process.Result, error) {
	if len(localFiles) == 0 {
		return nil, fmt.Errorf("no files to push to %s", f.Name())
	}
	return f.dev.CopyTo(ctx, f.AbsPath(remoteDir), localFiles...)
}

// Options holds parsed fuzzer arguments: libFuzzer `-key=value` options and
// positional arguments such as corpus directories or test units.
type Options struct {
	Flags      map[string]string
	Positional []string
}

var optionRegex = regexp.MustCompile(`^-([^-=\s]+)=([^\s]*)$`)

// Parse command line arguments for the fuzzer. For '-key=val' style options,
// the last 'val' for a given 'key' is used. The artifact prefix defaults to
// "data/" and must stay under it.
func Parse(args []string) (*Options, error) {
	opts := &Options{Flags: map[string]string{"artifact_prefix": DefaultArtifactPrefix}}
	for _, arg := range args {
		if m := optionRegex.FindStringSubmatch(arg); m != nil {
			opts.Flags[m[1]] = m[2]
		} else {
			opts.Positional = append(opts.Positional, arg)
		}
	}
	prefix := opts.Flags["artifact_prefix"]
	if clean := path.Clean(prefix); clean != "data" && !strings.HasPrefix(clean, "data/") {
		return nil, fmt.Errorf("artifact prefix %q is outside of data/", prefix)
	}
	return opts, nil
}

// Args returns the options in a stable order followed by the positional
// arguments.
func (o *Options) Args() []string {
	keys := make([]string, 0, len(o.Flags))
	for k := range o.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys)+len(o.Positional))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("-%s=%s", k, o.Flags[k]))
	}
	return append(args, o.Positional...)
}

// AlreadyRunningError is returned when starting a fuzzer that is running.
type AlreadyRunningError struct {
	Name string
	Pid  int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s is already running (PID %d)", e.Name, e.Pid)
}

// NotRunningError is returned when stopping a fuzzer that is not running.
type NotRunningError struct {
	Name string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("%s is not running", e.Name)
}

// NotListedError is returned when a fuzzer that was just launched is missing
// from the process listing taken after the launch. Unless it exited, it may
// still be starting.
type NotListedError struct {
	Name       string
	Exited     bool
	ExitStatus int
	Stderr     string
}

func (e *NotListedError) Error() string {
	if e.Exited {
		return fmt.Sprintf("%s exited with status %d before it was listed: %s", e.Name, e.ExitStatus, e.Stderr)
	}
	return fmt.Sprintf("%s was launched but is not listed as running yet; it may still be starting, check again or retry", e.Name)
}
