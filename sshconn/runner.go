// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sshconn implements a process.Runner that speaks SSH and SFTP
// directly, instead of launching the host ssh and scp tools. It understands
// the ssh and scp command lines built by a device.Device, so the two kinds of
// runners are interchangeable.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/sftp"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"

	"go.fuchsia.dev/fuzzctl/clock"
	"go.fuchsia.dev/fuzzctl/process"
)

// DefaultUser is the user to log in as when the options do not name one.
const DefaultUser = "fuchsia"

// Runner runs ssh and scp command lines over native SSH connections. Any
// other command line is passed to Fallback.
//
// One connection is kept per user and address, and is reused by every
// command to it until Close is called. Runner is safe for concurrent use.
type Runner struct {
	process.Registry

	// Fallback runs commands that are neither ssh nor scp.
	Fallback process.Runner

	// Auth, if set, is used instead of the identity file named by the
	// options.
	Auth []ssh.AuthMethod

	// DialTimeout bounds the time taken to establish a connection.
	DialTimeout time.Duration

	clock clock.Clock

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	client *ssh.Client

	sftpOnce sync.Once
	sftp     *sftp.Client
	sftpErr  error
}

// NewRunner returns a Runner that passes local commands to fallback.
func NewRunner(fallback process.Runner) *Runner {
	return &Runner{
		Fallback:    fallback,
		DialTimeout: 30 * time.Second,
		clock:       clock.New(),
	}
}

func (r *Runner) Elapsed() time.Duration {
	if r.clock == nil {
		return 0
	}
	return r.clock.Elapsed()
}

// Start runs the command. ssh command lines become SSH sessions; scp command
// lines become SFTP transfers.
func (r *Runner) Start(ctx context.Context, args ...string) (process.Process, error) {
	if len(args) == 0 {
		return nil, &process.LaunchError{Args: args, Err: errors.New("empty command line")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &process.LaunchError{Args: args, Err: err}
	}

	var (
		p   process.Process
		err error
	)
	switch args[0] {
	case "ssh":
		p, err = r.startSession(ctx, args)
	case "scp":
		p, err = r.startCopy(ctx, args)
	default:
		if r.Fallback == nil {
			return nil, &process.LaunchError{Args: args, Err: fmt.Errorf("no runner for %q", args[0])}
		}
		p, err = r.Fallback.Start(ctx, args...)
	}
	if err != nil {
		var launchErr *process.LaunchError
		if !errors.As(err, &launchErr) {
			err = &process.LaunchError{Args: args, Err: err}
		}
		return nil, err
	}
	r.Add(p)
	return p, nil
}

func (r *Runner) startSession(ctx context.Context, args []string) (process.Process, error) {
	opts, rest, err := parseOptions(args[1:], sshDialect)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		return nil, errors.New("no destination")
	}
	user, host := splitUserHost(rest[0])
	t, err := opts.resolve(user, host)
	if err != nil {
		return nil, err
	}
	c, err := r.connect(ctx, t)
	if err != nil {
		return nil, err
	}
	return startSession(c.client, args, strings.Join(rest[1:], " "))
}

func (r *Runner) startCopy(ctx context.Context, args []string) (process.Process, error) {
	opts, operands, err := parseOptions(args[1:], scpDialect)
	if err != nil {
		return nil, err
	}
	plan, err := planCopy(operands)
	if err != nil {
		return nil, err
	}
	t, err := opts.resolve(plan.user, plan.host)
	if err != nil {
		return nil, err
	}
	c, err := r.connect(ctx, t)
	if err != nil {
		return nil, err
	}
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	return startCopy(client, args, plan), nil
}

// connect returns the connection for t, dialing it if necessary.
func (r *Runner) connect(ctx context.Context, t target) (*conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[t.key()]; ok {
		return c, nil
	}

	config, err := r.clientConfig(t)
	if err != nil {
		return nil, err
	}
	glog.Infof("SSH: connecting to %s...", t.addr())
	dialer := net.Dialer{Timeout: r.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, fmt.Errorf("error connecting ssh: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, t.addr(), config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("error connecting ssh: %w", err)
	}
	glog.Infof("SSH: connected to %s", t.addr())

	c := &conn{client: ssh.NewClient(sshConn, chans, reqs)}
	if r.conns == nil {
		r.conns = make(map[string]*conn)
	}
	r.conns[t.key()] = c
	return c, nil
}

func (r *Runner) clientConfig(t target) (*ssh.ClientConfig, error) {
	auth := r.Auth
	if auth == nil {
		if t.identity == "" {
			return nil, fmt.Errorf("no identity file for %s", t.addr())
		}
		key, err := ioutil.ReadFile(t.identity)
		if err != nil {
			return nil, fmt.Errorf("error reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("error parsing ssh key: %w", err)
		}
		auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	}
	return &ssh.ClientConfig{
		User: t.user,
		Auth: auth,
		// Devices generate their host keys at boot.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.DialTimeout,
	}, nil
}

func (c *conn) sftpClient() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		c.sftp, c.sftpErr = sftp.NewClient(c.client)
		if c.sftpErr != nil {
			c.sftpErr = fmt.Errorf("error connecting sftp: %w", c.sftpErr)
		}
	})
	return c.sftp, c.sftpErr
}

// Close closes all open connections.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	glog.Info("Closing SSH/SFTP")

	var err error
	for key, c := range r.conns {
		if c.sftp != nil {
			err = multierr.Append(err, c.sftp.Close())
		}
		err = multierr.Append(err, c.client.Close())
		delete(r.conns, key)
	}
	return err
}
