// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/google/subcommands"
	"go.uber.org/multierr"

	"go.fuchsia.dev/fuzzctl/config"
	"go.fuchsia.dev/fuzzctl/device"
	"go.fuchsia.dev/fuzzctl/fuzzer"
	"go.fuchsia.dev/fuzzctl/process"
	"go.fuchsia.dev/fuzzctl/retry"
	"go.fuchsia.dev/fuzzctl/sshconn"
)

// Exit statuses beyond those defined by subcommands.
const (
	exitStateError     subcommands.ExitStatus = 3
	exitTimeout        subcommands.ExitStatus = 4
	exitTransportError subcommands.ExitStatus = 5
	exitNotListed      subcommands.ExitStatus = 6
)

// newBackoff returns the delays between retries of commands that could not be
// launched.
var newBackoff = func() retry.Backoff {
	return retry.NewExponentialBackoff(time.Second, 10*time.Second, 2)
}

// app holds what the subcommands share: the configuration, the output
// streams, and the device, which is connected on first use.
type app struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer

	dev     *device.Device
	closers []io.Closer
}

func newApp(cfg *config.Config, stdout, stderr io.Writer) *app {
	return &app{cfg: cfg, stdout: stdout, stderr: stderr}
}

// usageError reports a bad command line.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func (a *app) device(ctx context.Context) (*device.Device, error) {
	if a.dev != nil {
		return a.dev, nil
	}
	if a.cfg.Device == "" {
		return nil, usagef("no device given; use -device or the config file")
	}
	opts, err := a.cfg.SSHArgs()
	if err != nil {
		return nil, err
	}

	local := process.NewExecRunner()
	addr, err := device.Resolve(ctx, local, a.cfg.Device)
	if err != nil {
		return nil, err
	}
	glog.Infof("Using device %s at %s", a.cfg.Device, addr)

	var runner process.Runner = local
	if a.cfg.Transport == config.TransportNative {
		native := sshconn.NewRunner(local)
		a.closers = append(a.closers, native)
		runner = native
	}
	a.dev = device.New(runner, addr, opts)
	return a.dev, nil
}

func (a *app) fuzzer(d *device.Device, name string) (*fuzzer.Fuzzer, error) {
	pkg, exe, err := fuzzer.ParseName(name)
	if err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	return fuzzer.New(d, pkg, exe), nil
}

// run connects to the device and calls fn under the configured timeout, then
// reports any error.
func (a *app) run(ctx context.Context, fn func(context.Context, *device.Device) error) subcommands.ExitStatus {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	d, err := a.device(ctx)
	if err == nil {
		backoff := retry.WithMaxRetries(newBackoff(), uint64(a.cfg.Retries))
		err = retry.Retry(ctx, backoff, func() error { return fn(ctx, d) }, isLaunchFailure)
	}
	return a.report(err)
}

// isLaunchFailure reports whether err means a command never started on the
// device, so that trying again cannot repeat its effects.
func isLaunchFailure(err error) bool {
	var transportErr *device.TransportError
	return errors.As(err, &transportErr)
}

func (a *app) report(err error) subcommands.ExitStatus {
	if err == nil {
		return subcommands.ExitSuccess
	}
	fmt.Fprintf(a.stderr, "Error: %s\n", err)
	return exitStatus(err)
}

func (a *app) close() error {
	var err error
	for _, c := range a.closers {
		err = multierr.Append(err, c.Close())
	}
	a.closers = nil
	return err
}

// exitStatus maps errors to the status the tool exits with.
func exitStatus(err error) subcommands.ExitStatus {
	var (
		usageErr       *usageError
		alreadyRunning *fuzzer.AlreadyRunningError
		notRunning     *fuzzer.NotRunningError
		notListed      *fuzzer.NotListedError
		timeoutErr     *process.TimeoutError
		transportErr   *device.TransportError
		transferErr    *device.TransferError
	)
	switch {
	case err == nil:
		return subcommands.ExitSuccess
	case errors.As(err, &usageErr):
		return subcommands.ExitUsageError
	case errors.As(err, &alreadyRunning), errors.As(err, &notRunning):
		return exitStateError
	case errors.As(err, &notListed):
		return exitNotListed
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return exitTimeout
	case errors.As(err, &transportErr), errors.As(err, &transferErr):
		return exitTransportError
	default:
		return subcommands.ExitFailure
	}
}
