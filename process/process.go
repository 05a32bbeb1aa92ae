// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package process models every external command invocation, local or remote,
// as a uniform Process created by a Runner.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// A Process represents a single external command. It has no knowledge of
// whether the command is local or remote; the command line already encodes
// the transport.
type Process interface {
	// Args returns the command line used to create the process.
	Args() []string

	// Write feeds bytes to the command's standard input. It returns a
	// *ClosedInputError if the input has been closed or the command has
	// terminated.
	Write(b []byte) (int, error)

	// CloseInput closes the command's standard input. It is safe to call more
	// than once.
	CloseInput() error

	// ReadOutput returns the next chunk of standard output, blocking until
	// one is available. It returns io.EOF once the command has terminated and
	// all chunks have been read. Chunks are delivered in order and are
	// discarded once returned, so output cannot be re-read.
	ReadOutput() (string, error)

	// Wait blocks until the command terminates and returns its exit status.
	// A non-zero status is not an error at this level; callers decide what
	// it means.
	//
	// If ctx expires first, a best-effort termination signal is sent and a
	// *TimeoutError is returned. The command is left to exit on its own.
	Wait(ctx context.Context) (int, error)

	// ExitStatus returns the exit status and true if the command has
	// terminated, or false if it is still running. Once set, the status never
	// changes.
	ExitStatus() (int, bool)

	// Kill forcefully terminates the command.
	Kill() error

	// Stderr returns whatever the command has written to standard error so
	// far.
	Stderr() string
}

// A Runner creates processes. It owns the state shared by every process it
// creates for the lifetime of one tool invocation: an elapsed-time clock and
// a registry of the processes it has started.
type Runner interface {
	// Start launches a command. It returns a *LaunchError if the command
	// could not be spawned.
	Start(ctx context.Context, args ...string) (Process, error)

	// Elapsed returns the time since the runner was created, according to
	// the runner's clock.
	Elapsed() time.Duration

	// Lookup returns the most recent process started with the given command
	// line, as produced by Cmdline.
	Lookup(cmdline string) (Process, bool)

	// History returns the command lines of all processes started so far, in
	// order.
	History() []string
}

// Cmdline returns the canonical string form of a command line, used as the
// key of a runner's process registry.
func Cmdline(args []string) string {
	return strings.Join(args, " ")
}

// LaunchError is returned when a command cannot be spawned, e.g. because the
// executable is missing or not executable.
type LaunchError struct {
	Args []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %s", Cmdline(e.Args), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ClosedInputError is returned when writing to a process whose input has
// been closed, or which has already terminated.
type ClosedInputError struct {
	Args []string
	Err  error
}

func (e *ClosedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("input to %q is closed: %s", Cmdline(e.Args), e.Err)
	}
	return fmt.Sprintf("input to %q is closed", Cmdline(e.Args))
}

func (e *ClosedInputError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a caller-supplied deadline expires before a
// command completes.
type TimeoutError struct {
	Args []string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %q: %s", Cmdline(e.Args), e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// WaitError converts the error of an expired context into the error returned
// by Wait.
func WaitError(args []string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Args: args, Err: err}
	}
	return fmt.Errorf("stopped waiting for %q: %w", Cmdline(args), err)
}

// Result is the outcome of a command run to completion.
type Result struct {
	Args       []string
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Succeeded returns true if the command exited with status 0.
func (r *Result) Succeeded() bool {
	return r.ExitStatus == 0
}

// Run starts a command with the given runner, waits for it to complete and
// collects all of its output. A non-zero exit status is reported in the
// Result and is not an error.
func Run(ctx context.Context, r Runner, args ...string) (*Result, error) {
	p, err := r.Start(ctx, args...)
	if err != nil {
		return nil, err
	}
	if err := p.CloseInput(); err != nil {
		return nil, err
	}
	return Collect(ctx, p)
}

// Collect waits for a started process and collects its output.
func Collect(ctx context.Context, p Process) (*Result, error) {
	status, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var out strings.Builder
	for {
		chunk, err := p.ReadOutput()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading output of %q: %w", Cmdline(p.Args()), err)
		}
		out.WriteString(chunk)
	}
	return &Result{
		Args:       p.Args(),
		Stdout:     out.String(),
		Stderr:     p.Stderr(),
		ExitStatus: status,
	}, nil
}
