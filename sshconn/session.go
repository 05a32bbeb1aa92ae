// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/crypto/ssh"

	"go.fuchsia.dev/fuzzctl/process"
)

// exitStatusUnknown is reported, as by the ssh tool, when the remote side did
// not send an exit status.
const exitStatusUnknown = 255

// exit records the termination of a process. Its status is set once.
type exit struct {
	once   sync.Once
	done   chan struct{}
	status int
}

func newExit() *exit {
	return &exit{done: make(chan struct{})}
}

func (e *exit) set(status int) {
	e.once.Do(func() {
		e.status = status
		close(e.done)
	})
}

func (e *exit) get() (int, bool) {
	select {
	case <-e.done:
		return e.status, true
	default:
		return 0, false
	}
}

// session is a Process running in an SSH session.
type session struct {
	args    []string
	session *ssh.Session
	stdout  *process.Stream
	stderr  process.LockedBuffer
	exit    *exit

	mu          sync.Mutex
	stdin       io.WriteCloser
	inputClosed bool
}

func startSession(client *ssh.Client, args []string, cmdline string) (*session, error) {
	s, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("error starting ssh session: %w", err)
	}
	p := &session{
		args:    append([]string(nil), args...),
		session: s,
		stdout:  process.NewStream(),
		exit:    newExit(),
	}
	s.Stderr = &p.stderr
	if p.stdin, err = s.StdinPipe(); err != nil {
		s.Close()
		return nil, err
	}
	stdout, err := s.StdoutPipe()
	if err != nil {
		s.Close()
		return nil, err
	}

	glog.Infof("Running ssh command: %s", cmdline)
	if err := s.Start(cmdline); err != nil {
		s.Close()
		return nil, err
	}
	go func() {
		p.stdout.Pump(stdout)
		p.finish(s.Wait())
	}()
	return p, nil
}

func (p *session) finish(err error) {
	defer p.session.Close()

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
		p.exit.set(0)
	case errors.As(err, &exitErr):
		p.exit.set(exitErr.ExitStatus())
	case errors.As(err, &missingErr):
		p.exit.set(exitStatusUnknown)
	default:
		glog.Warningf("ssh session for %q failed: %s", process.Cmdline(p.args), err)
		p.exit.set(exitStatusUnknown)
	}
}

func (p *session) Args() []string {
	return p.args
}

func (p *session) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exited := p.exit.get(); exited || p.inputClosed {
		return 0, &process.ClosedInputError{Args: p.args}
	}
	n, err := p.stdin.Write(b)
	if err != nil {
		return n, &process.ClosedInputError{Args: p.args, Err: err}
	}
	return n, nil
}

func (p *session) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	// The channel is already gone if the remote command exited.
	if err := p.stdin.Close(); err != nil {
		glog.V(1).Infof("closing input of %q: %s", process.Cmdline(p.args), err)
	}
	return nil
}

func (p *session) ReadOutput() (string, error) {
	return p.stdout.Next()
}

// Wait waits for the remote command to exit. If ctx expires first, the remote
// command is asked to terminate.
func (p *session) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exit.done:
		return p.exit.status, nil
	case <-ctx.Done():
		if err := p.session.Signal(ssh.SIGTERM); err != nil {
			glog.Warningf("failed to signal %q: %s", process.Cmdline(p.args), err)
		}
		return -1, process.WaitError(p.args, ctx.Err())
	}
}

func (p *session) ExitStatus() (int, bool) {
	return p.exit.get()
}

// Kill sends a KILL signal to the remote process.
func (p *session) Kill() error {
	if _, exited := p.exit.get(); exited {
		return nil
	}
	return p.session.Signal(ssh.SIGKILL)
}

func (p *session) Stderr() string {
	return p.stderr.String()
}
