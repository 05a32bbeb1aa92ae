// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package process

import (
	"context"
	"io"
	"sync"
	"time"

	"go.fuchsia.dev/fuzzctl/clock"
)

// A Window restricts when scheduled output is visible, relative to a runner's
// elapsed clock. Output is visible from Start (inclusive) until End
// (exclusive). An End of zero or less means the output never disappears.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// Always is a Window in which output is visible at all times.
var Always = Window{}

// Contains reports whether the given elapsed time falls inside the window.
func (w Window) Contains(elapsed time.Duration) bool {
	if elapsed < w.Start {
		return false
	}
	return w.End <= 0 || elapsed < w.End
}

// Visible returns content if it is visible at the given elapsed time, or the
// empty string if it has not appeared yet or has already disappeared.
func Visible(elapsed time.Duration, w Window, content string) string {
	if !w.Contains(elapsed) {
		return ""
	}
	return content
}

// FakeRunner is a Runner that never spawns anything. Each command line has a
// FakeCommand describing what processes started with it will do. The runner's
// clock only moves when told to, which makes time-dependent behavior such as
// processes appearing and disappearing from a listing deterministic.
//
// FakeRunner is safe for concurrent use.
type FakeRunner struct {
	Registry

	Clock *clock.FakeClock

	mu       sync.Mutex
	commands map[string]*FakeCommand
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Clock: clock.NewFakeClock()}
}

func (r *FakeRunner) Elapsed() time.Duration {
	return r.Clock.Elapsed()
}

// Command returns the FakeCommand for the given command line, creating it
// if necessary. Commands that were never configured produce no output and
// exit with status 0.
func (r *FakeRunner) Command(args ...string) *FakeCommand {
	cmdline := Cmdline(args)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands == nil {
		r.commands = make(map[string]*FakeCommand)
	}
	c, ok := r.commands[cmdline]
	if !ok {
		c = &FakeCommand{}
		r.commands[cmdline] = c
	}
	return c
}

// Start creates a fake process. Its output is the set of lines scheduled on
// the command that are visible at the runner's current elapsed time.
func (r *FakeRunner) Start(ctx context.Context, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Args: args, Err: err}
	}
	c := r.Command(args...)
	chunks, duration, err := c.start(r.Elapsed())
	if err != nil {
		return nil, &LaunchError{Args: args, Err: err}
	}
	r.Clock.Advance(duration)
	p := &fakeProcess{
		command: c,
		args:    append([]string(nil), args...),
		chunks:  chunks,
	}
	r.Add(p)
	return p, nil
}

// Count returns how many processes have been started with the given command
// line.
func (r *FakeRunner) Count(args ...string) int {
	return r.Registry.Count(Cmdline(args))
}

type scheduledOutput struct {
	window Window
	lines  []string
}

// FakeCommand configures the behavior of fake processes started with a
// particular command line.
type FakeCommand struct {
	mu        sync.Mutex
	outputs   []scheduledOutput
	status    int
	stderr    string
	launchErr error
	hang      bool
	duration  time.Duration
	inputs    []string
	launches  int
}

// Schedule adds lines of output that are visible while the runner's clock is
// within the window. Scheduled outputs accumulate until Clear is called.
func (c *FakeCommand) Schedule(w Window, lines ...string) *FakeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = append(c.outputs, scheduledOutput{
		window: w,
		lines:  append([]string(nil), lines...),
	})
	return c
}

// SetOutput replaces any scheduled output with lines that are always visible.
func (c *FakeCommand) SetOutput(lines ...string) *FakeCommand {
	c.Clear()
	return c.Schedule(Always, lines...)
}

// Clear removes all scheduled output.
func (c *FakeCommand) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = nil
}

// SetExitStatus sets the status returned by Wait.
func (c *FakeCommand) SetExitStatus(status int) *FakeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	return c
}

// SetStderr sets the text returned by Stderr.
func (c *FakeCommand) SetStderr(stderr string) *FakeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderr = stderr
	return c
}

// FailLaunch makes subsequent starts of the command fail with err.
func (c *FakeCommand) FailLaunch(err error) *FakeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launchErr = err
	return c
}

// Hang makes Wait block until its context expires, simulating a command that
// never terminates.
func (c *FakeCommand) Hang() *FakeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang = true
	return c
}

// SetDuration makes each start of the command advance the runner's clock by
// d, after its output has been determined.
func (c *FakeCommand) SetDuration(d time.Duration) *FakeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duration = d
	return c
}

// Inputs returns everything written to processes started with the command.
func (c *FakeCommand) Inputs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.inputs...)
}

// Launches returns how many times the command was started, including
// failed launches.
func (c *FakeCommand) Launches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launches
}

func (c *FakeCommand) start(elapsed time.Duration) ([]string, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launches++
	if c.launchErr != nil {
		return nil, 0, c.launchErr
	}
	var chunks []string
	for _, out := range c.outputs {
		if !out.window.Contains(elapsed) {
			continue
		}
		for _, line := range out.lines {
			chunks = append(chunks, line+"\n")
		}
	}
	return chunks, c.duration, nil
}

type fakeProcess struct {
	command *FakeCommand
	args    []string

	mu          sync.Mutex
	chunks      []string
	inputClosed bool
	exited      bool
	status      int
}

func (p *fakeProcess) Args() []string {
	return p.args
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputClosed || p.exited {
		return 0, &ClosedInputError{Args: p.args}
	}
	p.command.mu.Lock()
	p.command.inputs = append(p.command.inputs, string(b))
	p.command.mu.Unlock()
	return len(b), nil
}

func (p *fakeProcess) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputClosed = true
	return nil
}

func (p *fakeProcess) ReadOutput() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return "", io.EOF
	}
	chunk := p.chunks[0]
	p.chunks = p.chunks[1:]
	return chunk, nil
}

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	p.command.mu.Lock()
	hang, status := p.command.hang, p.command.status
	p.command.mu.Unlock()

	if hang {
		<-ctx.Done()
		return -1, WaitError(p.args, ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		p.status = status
	}
	return p.status, nil
}

func (p *fakeProcess) ExitStatus() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.exited
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		p.status = 128 + 9
	}
	return nil
}

func (p *fakeProcess) Stderr() string {
	p.command.mu.Lock()
	defer p.command.mu.Unlock()
	return p.command.stderr
}
