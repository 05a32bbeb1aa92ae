// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/kr/fs"
	"github.com/pkg/sftp"
	"go.uber.org/multierr"

	"go.fuchsia.dev/fuzzctl/process"
)

// copyPlan is a parsed scp command line. Exactly one side is remote.
type copyPlan struct {
	user, host string
	put        bool
	sources    []string
	dest       string
}

func planCopy(operands []string) (*copyPlan, error) {
	if len(operands) < 2 {
		return nil, errors.New("scp needs a source and a destination")
	}
	srcs, dst := operands[:len(operands)-1], operands[len(operands)-1]
	plan := &copyPlan{}

	if user, host, p, ok := splitRemote(dst); ok {
		plan.user, plan.host, plan.dest, plan.put = user, host, p, true
		for _, src := range srcs {
			if _, _, _, remote := splitRemote(src); remote {
				return nil, fmt.Errorf("remote to remote copies are not supported: %s", src)
			}
			plan.sources = append(plan.sources, src)
		}
		return plan, nil
	}

	plan.dest = dst
	for _, src := range srcs {
		user, host, p, ok := splitRemote(src)
		if !ok {
			return nil, fmt.Errorf("local to local copies are not supported: %s", src)
		}
		if plan.host != "" && (host != plan.host || user != plan.user) {
			return nil, fmt.Errorf("copies from multiple hosts are not supported: %s", src)
		}
		plan.user, plan.host = user, host
		plan.sources = append(plan.sources, p)
	}
	return plan, nil
}

// transfer is a Process that copies files over SFTP. It takes no input and
// produces no output; failures are reported on stderr with exit status 1,
// as scp does.
type transfer struct {
	args   []string
	stdout *process.Stream
	stderr process.LockedBuffer
	exit   *exit
	cancel context.CancelFunc
}

func startCopy(client *sftp.Client, args []string, plan *copyPlan) *transfer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &transfer{
		args:   append([]string(nil), args...),
		stdout: process.NewStream(),
		exit:   newExit(),
		cancel: cancel,
	}
	go func() {
		defer cancel()
		var err error
		for _, src := range plan.sources {
			if plan.put {
				err = multierr.Append(err, put(ctx, client, src, plan.dest))
			} else {
				err = multierr.Append(err, get(ctx, client, src, plan.dest))
			}
		}
		p.stdout.Close(nil)
		if err != nil {
			for _, e := range multierr.Errors(err) {
				fmt.Fprintf(&p.stderr, "scp: %s\n", e)
			}
			p.exit.set(1)
			return
		}
		p.exit.set(0)
	}()
	return p
}

func (p *transfer) Args() []string {
	return p.args
}

func (p *transfer) Write(b []byte) (int, error) {
	return 0, &process.ClosedInputError{Args: p.args}
}

func (p *transfer) CloseInput() error {
	return nil
}

func (p *transfer) ReadOutput() (string, error) {
	return p.stdout.Next()
}

// Wait waits for the copy to complete. If ctx expires first, the copy is
// abandoned after the file in progress.
func (p *transfer) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exit.done:
		return p.exit.status, nil
	case <-ctx.Done():
		p.cancel()
		return -1, process.WaitError(p.args, ctx.Err())
	}
}

func (p *transfer) ExitStatus() (int, bool) {
	return p.exit.get()
}

func (p *transfer) Kill() error {
	p.cancel()
	return nil
}

func (p *transfer) Stderr() string {
	return p.stderr.String()
}

// isDir reports whether p is an existing directory, according to stat.
func isDir(stat func(string) (os.FileInfo, error), p string) bool {
	info, err := stat(p)
	return err == nil && info.IsDir()
}

// get copies targetSrc (may include globs) to hostDst. Directories are copied
// recursively. If hostDst is not a directory, the source must be a single
// file.
func get(ctx context.Context, client *sftp.Client, targetSrc, hostDst string) error {
	srcList, err := client.Glob(targetSrc)
	if err != nil {
		return fmt.Errorf("error during glob expansion: %w", err)
	}
	if len(srcList) == 0 {
		return fmt.Errorf("no files matching glob: '%s'", targetSrc)
	}
	intoDir := isDir(os.Stat, hostDst)

	for _, root := range srcList {
		walker := client.Walk(root)
		for walker.Step() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := walker.Err(); err != nil {
				return fmt.Errorf("error while walking %q: %w", root, err)
			}

			src := walker.Path()
			dst := hostDst
			if intoDir {
				relPath, err := filepath.Rel(path.Dir(root), src)
				if err != nil {
					return fmt.Errorf("error taking relpath for %q: %w", src, err)
				}
				dst = filepath.Join(hostDst, relPath)
			} else if walker.Stat().IsDir() {
				return fmt.Errorf("%s: not a directory", hostDst)
			}

			if walker.Stat().IsDir() {
				if err := os.MkdirAll(dst, 0755); err != nil {
					return fmt.Errorf("error creating local directory %q: %w", dst, err)
				}
				continue
			}

			glog.Infof("Copying [remote]:%s to %s", src, dst)
			fin, err := client.Open(src)
			if err != nil {
				return fmt.Errorf("error opening remote file: %w", err)
			}
			err = copyFile(fin, func() (io.WriteCloser, error) { return os.Create(dst) })
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// put copies hostSrc (may include globs) to targetDst. Directories are copied
// recursively. If targetDst is not a directory, the source must be a single
// file.
func put(ctx context.Context, client *sftp.Client, hostSrc, targetDst string) error {
	srcList, err := filepath.Glob(hostSrc)
	if err != nil {
		return fmt.Errorf("error during glob expansion: %w", err)
	}
	if len(srcList) == 0 {
		return fmt.Errorf("no files matching glob: '%s'", hostSrc)
	}
	intoDir := isDir(client.Stat, targetDst)

	for _, root := range srcList {
		walker := fs.Walk(root)
		for walker.Step() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := walker.Err(); err != nil {
				return fmt.Errorf("error while walking %q: %w", root, err)
			}

			src := walker.Path()
			dst := targetDst
			if intoDir {
				relPath, err := filepath.Rel(filepath.Dir(root), src)
				if err != nil {
					return fmt.Errorf("error taking relpath for %q: %w", src, err)
				}
				// filepath.Rel converts to host OS separators, while remote is always /
				dst = path.Join(targetDst, filepath.ToSlash(relPath))
			} else if walker.Stat().IsDir() {
				return fmt.Errorf("%s: not a directory", targetDst)
			}

			if walker.Stat().IsDir() {
				if err := client.MkdirAll(dst); err != nil {
					return fmt.Errorf("error creating remote directory %q: %w", dst, err)
				}
				continue
			}

			glog.Infof("Copying %s to [remote]:%s", src, dst)
			fin, err := os.Open(src)
			if err != nil {
				return fmt.Errorf("error opening local file: %w", err)
			}
			err = copyFile(fin, func() (io.WriteCloser, error) { return client.Create(dst) })
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// copyFile copies in to the file returned by create, closing both.
func copyFile(in io.ReadCloser, create func() (io.WriteCloser, error)) (err error) {
	defer in.Close()
	out, err := create()
	if err != nil {
		return fmt.Errorf("error creating file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, out.Close())
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("error copying file: %w", err)
	}
	return nil
}
