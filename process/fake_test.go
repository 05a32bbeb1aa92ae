// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package process

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func readAll(t *testing.T, p Process) []string {
	t.Helper()
	var chunks []string
	for {
		chunk, err := p.ReadOutput()
		if err == io.EOF {
			return chunks
		}
		if err != nil {
			t.Fatalf("error reading output: %s", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestVisible(t *testing.T) {
	w := Window{Start: 5 * time.Second, End: 10 * time.Second}
	cases := []struct {
		elapsed time.Duration
		want    string
	}{
		{3 * time.Second, ""},
		{5 * time.Second, "out"},
		{7 * time.Second, "out"},
		{10 * time.Second, ""},
		{11 * time.Second, ""},
	}
	for _, c := range cases {
		if got := Visible(c.elapsed, w, "out"); got != c.want {
			t.Errorf("Visible(%s, [5s, 10s)) = %q, want %q", c.elapsed, got, c.want)
		}
	}

	if got := Visible(time.Hour, Always, "out"); got != "out" {
		t.Errorf("Visible with no window = %q, want %q", got, "out")
	}
}

func TestFakeOutputWindow(t *testing.T) {
	ctx := context.Background()
	r := NewFakeRunner()
	r.Command("cs").Schedule(Window{Start: 5 * time.Second, End: 10 * time.Second}, "output")

	r.Clock.Set(3 * time.Second)
	p, err := r.Start(ctx, "cs")
	if err != nil {
		t.Fatalf("failed to start: %s", err)
	}
	if got := readAll(t, p); len(got) != 0 {
		t.Errorf("at 3s: got output %q, want none", got)
	}

	r.Clock.Set(7 * time.Second)
	p, err = r.Start(ctx, "cs")
	if err != nil {
		t.Fatalf("failed to start: %s", err)
	}
	if diff := cmp.Diff([]string{"output\n"}, readAll(t, p)); diff != "" {
		t.Errorf("at 7s: unexpected output (-want +got):\n%s", diff)
	}

	r.Clock.Set(11 * time.Second)
	p, err = r.Start(ctx, "cs")
	if err != nil {
		t.Fatalf("failed to start: %s", err)
	}
	if got := readAll(t, p); len(got) != 0 {
		t.Errorf("at 11s: got output %q, want none", got)
	}
	if status, err := p.Wait(ctx); err != nil || status != 0 {
		t.Errorf("Wait() = %d, %v; want 0, nil", status, err)
	}
}

func TestFakeOutputAccumulates(t *testing.T) {
	r := NewFakeRunner()
	c := r.Command("cs")
	c.Schedule(Always, "a", "b")
	c.Schedule(Window{End: time.Second}, "c")

	res, err := Run(context.Background(), r, "cs")
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if res.Stdout != "a\nb\nc\n" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}

	r.Clock.Advance(time.Second)
	res, err = Run(context.Background(), r, "cs")
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if res.Stdout != "a\nb\n" {
		t.Errorf("unexpected stdout after window closed: %q", res.Stdout)
	}

	c.SetOutput("d")
	res, err = Run(context.Background(), r, "cs")
	if err != nil {
		t.Fatalf("Run failed: %s", err)
	}
	if res.Stdout != "d\n" {
		t.Errorf("unexpected stdout after reset: %q", res.Stdout)
	}
}

func TestFakeInputs(t *testing.T) {
	ctx := context.Background()
	r := NewFakeRunner()
	p, err := r.Start(ctx, "cat")
	if err != nil {
		t.Fatalf("failed to start: %s", err)
	}
	if _, err := p.Write([]byte("hello")); err != nil {
		t.Fatalf("failed to write: %s", err)
	}
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("failed to wait: %s", err)
	}

	var closedErr *ClosedInputError
	if _, err := p.Write([]byte("world")); !errors.As(err, &closedErr) {
		t.Errorf("write after exit: got %v, want ClosedInputError", err)
	}
	if diff := cmp.Diff([]string{"hello"}, r.Command("cat").Inputs()); diff != "" {
		t.Errorf("unexpected inputs (-want +got):\n%s", diff)
	}
}

func TestFakeLaunchFailure(t *testing.T) {
	r := NewFakeRunner()
	r.Command("missing").FailLaunch(errors.New("executable file not found"))

	_, err := r.Start(context.Background(), "missing")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("got %v, want LaunchError", err)
	}
	if len(r.History()) != 0 {
		t.Errorf("failed launch recorded in history: %v", r.History())
	}
	if n := r.Command("missing").Launches(); n != 1 {
		t.Errorf("got %d launches, want 1", n)
	}
}

func TestFakeExitStatusIsSetOnce(t *testing.T) {
	ctx := context.Background()
	r := NewFakeRunner()
	c := r.Command("false").SetExitStatus(1)

	p, err := r.Start(ctx, "false")
	if err != nil {
		t.Fatalf("failed to start: %s", err)
	}
	if _, done := p.ExitStatus(); done {
		t.Fatalf("process reported as terminated before Wait")
	}
	if status, err := p.Wait(ctx); err != nil || status != 1 {
		t.Fatalf("Wait() = %d, %v; want 1, nil", status, err)
	}

	c.SetExitStatus(2)
	p.Kill()
	if status, done := p.ExitStatus(); !done || status != 1 {
		t.Errorf("ExitStatus() = %d, %t; want 1, true", status, done)
	}
}

func TestFakeHangTimesOut(t *testing.T) {
	r := NewFakeRunner()
	r.Command("sleep", "inf").Hang()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, r, "sleep", "inf")

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %v, want TimeoutError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("TimeoutError should unwrap to DeadlineExceeded: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewFakeRunner()
	for _, args := range [][]string{{"echo", "a"}, {"echo", "b"}, {"echo", "a"}} {
		if _, err := r.Start(ctx, args...); err != nil {
			t.Fatalf("failed to start: %s", err)
		}
	}

	want := []string{"echo a", "echo b", "echo a"}
	if diff := cmp.Diff(want, r.History()); diff != "" {
		t.Errorf("unexpected history (-want +got):\n%s", diff)
	}
	if n := r.Count("echo", "a"); n != 2 {
		t.Errorf("Count(echo a) = %d, want 2", n)
	}
	p, ok := r.Lookup("echo b")
	if !ok {
		t.Fatalf("echo b not found in registry")
	}
	if diff := cmp.Diff([]string{"echo", "b"}, p.Args()); diff != "" {
		t.Errorf("unexpected args (-want +got):\n%s", diff)
	}
	if _, ok := r.Lookup("echo c"); ok {
		t.Errorf("found a process that was never started")
	}
}

func TestFakeDuration(t *testing.T) {
	ctx := context.Background()
	r := NewFakeRunner()
	r.Command("sleep").SetDuration(3 * time.Second)
	r.Command("ls").Schedule(Window{Start: 3 * time.Second}, "late")

	if _, err := r.Start(ctx, "sleep"); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	if got := r.Elapsed(); got != 3*time.Second {
		t.Errorf("Elapsed() = %s, want 3s", got)
	}
	p, err := r.Start(ctx, "ls")
	if err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	if diff := cmp.Diff([]string{"late\n"}, readAll(t, p)); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}
