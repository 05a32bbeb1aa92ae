// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.fuchsia.dev/fuzzctl/device"
	"go.fuchsia.dev/fuzzctl/process"
)

func fakeShell(cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
	args := strings.Fields(cmd)
	switch args[0] {
	case "echo":
		fmt.Fprintln(stdout, strings.Join(args[1:], " "))
	case "cat":
		io.Copy(stdout, stdin)
	case "cs":
		fmt.Fprintln(stdout, "  bar.cmx[1234]: fuchsia-pkg://fuchsia.com/foo#meta/bar.cmx")
	default:
		fmt.Fprintf(stderr, "%s: command not found", args[0])
		return 127
	}
	return 0
}

// newTestRunner returns a Runner and a device that reaches the test server
// through it.
func newTestRunner(t *testing.T, s *sshServer) (*Runner, *device.Device, *process.FakeRunner) {
	fallback := process.NewFakeRunner()
	r := NewRunner(fallback)
	r.Auth = s.clientConfig.Auth
	t.Cleanup(func() { r.Close() })
	opts := []string{"-o", fmt.Sprintf("Port=%d", s.addr.Port), "-o", "User=" + testServerUser}
	return r, device.New(r, "127.0.0.1", opts), fallback
}

func TestRunnerSSH(t *testing.T) {
	ctx := context.Background()
	s := startSSHServer(t, fakeShell)
	_, d, _ := newTestRunner(t, s)

	res, err := d.SSH(ctx, "echo", "hello", "world")
	if err != nil {
		t.Fatalf("SSH failed: %s", err)
	}
	if res.Stdout != "hello world\n" {
		t.Errorf("unexpected output %q", res.Stdout)
	}

	var cmdErr *device.CommandError
	if _, err := d.SSH(ctx, "missing"); !errors.As(err, &cmdErr) {
		t.Fatalf("got %v, want CommandError", err)
	}
	if cmdErr.ExitStatus != 127 || cmdErr.Stderr != "missing: command not found" {
		t.Errorf("unexpected error details: %+v", cmdErr)
	}

	pid, running, err := d.Pid(ctx, "foo", "bar")
	if err != nil || !running || pid != 1234 {
		t.Errorf("Pid() = %d, %t, %v; want 1234, true, nil", pid, running, err)
	}

	if n := s.connections(); n != 1 {
		t.Errorf("got %d connections, want 1", n)
	}
}

func TestRunnerStdin(t *testing.T) {
	ctx := context.Background()
	s := startSSHServer(t, fakeShell)
	r, d, _ := newTestRunner(t, s)

	p, err := r.Start(ctx, d.SSHArgs("cat")...)
	if err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	if _, err := p.Write([]byte("foo\n")); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	chunk, err := p.ReadOutput()
	if err != nil || chunk != "foo\n" {
		t.Errorf("ReadOutput() = %q, %v", chunk, err)
	}
	if err := p.CloseInput(); err != nil {
		t.Fatalf("CloseInput failed: %s", err)
	}
	if status, err := p.Wait(ctx); err != nil || status != 0 {
		t.Errorf("Wait() = %d, %v", status, err)
	}
	if _, err := p.ReadOutput(); err != io.EOF {
		t.Errorf("got %v after exit, want EOF", err)
	}

	var closedErr *process.ClosedInputError
	if _, err := p.Write([]byte("bar\n")); !errors.As(err, &closedErr) {
		t.Errorf("got %v, want ClosedInputError", err)
	}
	if diff := cmp.Diff([]string{process.Cmdline(d.SSHArgs("cat"))}, r.History()); diff != "" {
		t.Errorf("unexpected history (-want +got):\n%s", diff)
	}
}

func TestRunnerTimeout(t *testing.T) {
	s := startSSHServer(t, fakeShell)
	r, d, _ := newTestRunner(t, s)

	p, err := r.Start(context.Background(), d.SSHArgs("cat")...)
	if err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	defer p.CloseInput()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var timeoutErr *process.TimeoutError
	if _, err := p.Wait(ctx); !errors.As(err, &timeoutErr) {
		t.Errorf("got %v, want TimeoutError", err)
	}
	if _, exited := p.ExitStatus(); exited {
		t.Errorf("process exited before its input was closed")
	}
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := ioutil.ReadFile(p)
	if err != nil {
		t.Fatalf("error reading %s: %s", p, err)
	}
	return string(b)
}

func TestRunnerCopy(t *testing.T) {
	ctx := context.Background()
	s := startSSHServer(t, fakeShell)
	_, d, _ := newTestRunner(t, s)

	local := t.TempDir()
	remote := t.TempDir()
	out := t.TempDir()
	writeFile(t, filepath.Join(local, "a.txt"), "a")
	writeFile(t, filepath.Join(local, "corpus", "b.txt"), "b")
	writeFile(t, filepath.Join(local, "corpus", "nested", "c.txt"), "c")

	if _, err := d.CopyTo(ctx, remote, filepath.Join(local, "a.txt"), filepath.Join(local, "corpus")); err != nil {
		t.Fatalf("CopyTo failed: %s", err)
	}
	if got := readFile(t, filepath.Join(remote, "a.txt")); got != "a" {
		t.Errorf("unexpected content %q", got)
	}
	if got := readFile(t, filepath.Join(remote, "corpus", "nested", "c.txt")); got != "c" {
		t.Errorf("unexpected content %q", got)
	}

	if _, err := d.CopyFrom(ctx, out, filepath.Join(remote, "*.txt"), filepath.Join(remote, "corpus")); err != nil {
		t.Fatalf("CopyFrom failed: %s", err)
	}
	if got := readFile(t, filepath.Join(out, "a.txt")); got != "a" {
		t.Errorf("unexpected content %q", got)
	}
	if got := readFile(t, filepath.Join(out, "corpus", "b.txt")); got != "b" {
		t.Errorf("unexpected content %q", got)
	}

	// A single file may be copied to a new name.
	if _, err := d.CopyFrom(ctx, filepath.Join(out, "renamed"), filepath.Join(remote, "a.txt")); err != nil {
		t.Fatalf("CopyFrom failed: %s", err)
	}
	if got := readFile(t, filepath.Join(out, "renamed")); got != "a" {
		t.Errorf("unexpected content %q", got)
	}

	var transferErr *device.TransferError
	if _, err := d.CopyFrom(ctx, out, filepath.Join(remote, "crash-*")); !errors.As(err, &transferErr) {
		t.Fatalf("got %v, want TransferError", err)
	}
	if transferErr.ExitStatus != 1 || !strings.Contains(transferErr.Stderr, "no files matching glob") {
		t.Errorf("unexpected error details: %+v", transferErr)
	}
}

func TestRunnerFallback(t *testing.T) {
	ctx := context.Background()
	s := startSSHServer(t, fakeShell)
	r, _, fallback := newTestRunner(t, s)
	fallback.Command("device-finder", "list").SetOutput("fuchsia-5254-0063-5e7a")

	res, err := process.Run(ctx, r, "device-finder", "list")
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if res.Stdout != "fuchsia-5254-0063-5e7a\n" {
		t.Errorf("unexpected output %q", res.Stdout)
	}
	if n := fallback.Count("device-finder", "list"); n != 1 {
		t.Errorf("fallback ran %d times", n)
	}
	if _, ok := r.Lookup("device-finder list"); !ok {
		t.Errorf("fallback process missing from registry")
	}
	if n := s.connections(); n != 0 {
		t.Errorf("local command opened %d connections", n)
	}
}

func TestRunnerLaunchErrors(t *testing.T) {
	ctx := context.Background()

	// Find a port with nothing listening on it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	r := NewRunner(nil)
	r.DialTimeout = time.Second
	t.Cleanup(func() { r.Close() })

	key := filepath.Join(t.TempDir(), "missing_key")
	cases := [][]string{
		{"ssh", "-p", fmt.Sprint(port), "-i", key, "127.0.0.1", "ls"},
		{"ssh", "-p", fmt.Sprint(port)},
		{"scp", "-P", fmt.Sprint(port), "-i", key, "a", "b"},
		{"ls"},
		{},
	}
	for _, args := range cases {
		var launchErr *process.LaunchError
		if _, err := r.Start(ctx, args...); !errors.As(err, &launchErr) {
			t.Errorf("Start(%q) = %v, want LaunchError", args, err)
		}
	}

	d := device.New(r, "127.0.0.1", []string{"-p", fmt.Sprint(port), "-i", key})
	var transportErr *device.TransportError
	if _, err := d.RemoteExec(ctx, "ls"); !errors.As(err, &transportErr) {
		t.Errorf("got %v, want TransportError", err)
	}
}
