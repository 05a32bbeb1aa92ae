// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"go.fuchsia.dev/fuzzctl/clock"
)

// ExecCommand is the function used by ExecRunner to create Cmd objects. Test
// code can replace the default to mock process creation.
var ExecCommand = exec.Command

// ExecRunner is a Runner that runs commands as local subprocesses. Remote
// commands are run by launching the local ssh and scp tools.
type ExecRunner struct {
	Registry

	// Dir is the working directory of the subprocesses; if unspecified, that
	// of the current process will be used.
	Dir string

	// Env is the environment of the subprocess, following the usual
	// convention of a list of strings of the form "<name>=<value>". If empty,
	// the current environment is inherited.
	Env []string

	clock clock.Clock
}

// NewExecRunner returns an ExecRunner whose clock starts now.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{clock: clock.New()}
}

func (r *ExecRunner) Elapsed() time.Duration {
	if r.clock == nil {
		return 0
	}
	return r.clock.Elapsed()
}

// Start launches the command in its own process group, so that a timeout can
// terminate it along with any children it spawned.
func (r *ExecRunner) Start(ctx context.Context, args ...string) (Process, error) {
	if len(args) == 0 {
		return nil, &LaunchError{Args: args, Err: errors.New("empty command line")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Args: args, Err: err}
	}

	cmd := ExecCommand(args[0], args[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &execProcess{
		args:   append([]string(nil), args...),
		cmd:    cmd,
		stdout: NewStream(),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Args: args, Err: err}
	}
	p.stdin = stdin
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Args: args, Err: err}
	}

	glog.Infof("Running local command: %q", Cmdline(args))
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Args: args, Err: err}
	}
	r.Add(p)

	go func() {
		// All reads from the pipe must complete before calling Wait.
		p.stdout.Pump(stdout)
		p.finish(cmd.Wait())
	}()

	return p, nil
}

type execProcess struct {
	args   []string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *Stream
	stderr LockedBuffer
	done   chan struct{}

	mu          sync.Mutex
	inputClosed bool
	exited      bool
	status      int
	waitErr     error
}

func (p *execProcess) Args() []string {
	return p.args
}

func (p *execProcess) finish(err error) {
	status := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status = 128 + int(ws.Signal())
		}
		err = nil
	} else if err != nil {
		status = -1
	}

	p.mu.Lock()
	p.exited = true
	p.status = status
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.inputClosed || p.exited
	p.mu.Unlock()
	if closed {
		return 0, &ClosedInputError{Args: p.args}
	}

	n, err := p.stdin.Write(b)
	if err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			return n, &ClosedInputError{Args: p.args, Err: err}
		}
		return n, fmt.Errorf("error writing to %q: %w", Cmdline(p.args), err)
	}
	return n, nil
}

func (p *execProcess) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func (p *execProcess) ReadOutput() (string, error) {
	return p.stdout.Next()
}

func (p *execProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.signal(unix.SIGTERM)
		return -1, WaitError(p.args, ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr != nil {
		return p.status, fmt.Errorf("error waiting for %q: %w", Cmdline(p.args), p.waitErr)
	}
	return p.status, nil
}

func (p *execProcess) ExitStatus() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.exited
}

func (p *execProcess) Kill() error {
	return p.signal(unix.SIGKILL)
}

// signal delivers sig to the process group. Negating the process ID means
// interpret it as a process group ID.
func (p *execProcess) signal(sig unix.Signal) error {
	if _, exited := p.ExitStatus(); exited {
		return nil
	}
	pid := p.cmd.Process.Pid
	glog.Infof("Sending %s to PID %d", sig, pid)
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		glog.Warningf("failed to signal process group %d: %s", pid, err)
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

func (p *execProcess) Stderr() string {
	return p.stderr.String()
}
