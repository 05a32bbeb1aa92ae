// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"

	"go.fuchsia.dev/fuzzctl/device"
)

type listCmd struct{}

func (*listCmd) Name() string { return "list" }
func (*listCmd) Synopsis() string { return "lists the fuzzers running on the device" }
func (*listCmd) Usage() string {
	return "list [name]\n\nLists running fuzzers, optionally only those whose name contains NAME.\n"
}
func (*listCmd) SetFlags(*flag.FlagSet) {}

func (cmd *listCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := args[0].(*app)
	if f.NArg() > 1 {
		return a.report(usagef("list takes at most one name"))
	}
	filter := f.Arg(0)
	return a.run(ctx, func(ctx context.Context, d *device.Device) error {
		pids, err := d.RunningFuzzers(ctx)
		if err != nil {
			return err
		}
		var keys []device.FuzzerKey
		for k := range pids {
			if strings.Contains(k.String(), filter) {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		if len(keys) == 0 {
			fmt.Fprintln(a.stdout, "No matching fuzzers are running.")
			return nil
		}
		for _, k := range keys {
			fmt.Fprintf(a.stdout, "%s: running (PID %d)\n", k, pids[k])
		}
		return nil
	})
}

type startCmd struct{}

func (*startCmd) Name() string { return "start" }
func (*startCmd) Synopsis() string { return "starts a fuzzer in the background" }
func (*startCmd) Usage() string {
	return "start <package/executable> [libFuzzer options and args...]\n"
}
func (*startCmd) SetFlags(*flag.FlagSet) {}

func (cmd *startCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := args[0].(*app)
	if f.NArg() < 1 {
		return a.report(usagef("missing fuzzer name"))
	}
	return a.run(ctx, func(ctx context.Context, d *device.Device) error {
		fz, err := a.fuzzer(d, f.Arg(0))
		if err != nil {
			return err
		}
		pid, err := fz.Start(ctx, f.Args()[1:]...)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Started %s (PID %d).\n", fz.Name(), pid)
		return nil
	})
}

type stopCmd struct{}

func (*stopCmd) Name() string { return "stop" }
func (*stopCmd) Synopsis() string { return "stops a running fuzzer" }
func (*stopCmd) Usage() string { return "stop <package/executable>\n" }
func (*stopCmd) SetFlags(*flag.FlagSet) {}

func (cmd *stopCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := args[0].(*app)
	if f.NArg() != 1 {
		return a.report(usagef("expected exactly one fuzzer name"))
	}
	return a.run(ctx, func(ctx context.Context, d *device.Device) error {
		fz, err := a.fuzzer(d, f.Arg(0))
		if err != nil {
			return err
		}
		if err := fz.Stop(ctx); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Stopped %s.\n", fz.Name())
		return nil
	})
}

type reproCmd struct{}

func (*reproCmd) Name() string { return "repro" }
func (*reproCmd) Synopsis() string { return "runs a fuzzer on test units" }
func (*reproCmd) Usage() string {
	return "repro <package/executable> [test units...]\n\n" +
		"Copies the local units to the device and runs the fuzzer on them.\n" +
		"With no units, runs the fuzzer on all of its current units on the device.\n"
}
func (*reproCmd) SetFlags(*flag.FlagSet) {}

func (cmd *reproCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := args[0].(*app)
	if f.NArg() < 1 {
		return a.report(usagef("missing fuzzer name"))
	}
	return a.run(ctx, func(ctx context.Context, d *device.Device) error {
		fz, err := a.fuzzer(d, f.Arg(0))
		if err != nil {
			return err
		}
		units := f.Args()[1:]
		var remote []string
		if len(units) != 0 {
			if _, err := fz.PushCorpus(ctx, "data/", units...); err != nil {
				return err
			}
			for _, u := range units {
				remote = append(remote, path.Join("data", filepath.Base(u)))
			}
		}
		res, err := fz.Repro(ctx, remote...)
		if res != nil {
			fmt.Fprint(a.stdout, res.Stdout)
			fmt.Fprint(a.stdout, res.Stderr)
		}
		return err
	})
}

type fetchCmd struct{}

func (*fetchCmd) Name() string { return "fetch" }
func (*fetchCmd) Synopsis() string { return "copies artifacts from the device" }
func (*fetchCmd) Usage() string {
	return "fetch <package/executable> <remote glob> [local dir]\n\n" +
		"Remote paths under data/ and pkg/ are in the fuzzer's namespace.\n"
}
func (*fetchCmd) SetFlags(*flag.FlagSet) {}

func (cmd *fetchCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := args[0].(*app)
	if f.NArg() < 2 || f.NArg() > 3 {
		return a.report(usagef("expected a fuzzer name, a remote glob and an optional local directory"))
	}
	return a.run(ctx, func(ctx context.Context, d *device.Device) error {
		fz, err := a.fuzzer(d, f.Arg(0))
		if err != nil {
			return err
		}
		dir := f.Arg(2)
		if dir == "" {
			dir = a.cfg.ArtifactDir(fz.Name())
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		if _, err := fz.FetchArtifacts(ctx, f.Arg(1), dir); err != nil {
			return err
		}
		size, err := diskUsage(dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Fetched artifacts into %s (%s total).\n", dir, humanize.Bytes(size))
		return nil
	})
}

type pushCmd struct{}

func (*pushCmd) Name() string { return "push" }
func (*pushCmd) Synopsis() string { return "copies corpus files to the device" }
func (*pushCmd) Usage() string {
	return "push <package/executable> <remote dir> <local files...>\n"
}
func (*pushCmd) SetFlags(*flag.FlagSet) {}

func (cmd *pushCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := args[0].(*app)
	if f.NArg() < 3 {
		return a.report(usagef("expected a fuzzer name, a remote directory and local files"))
	}
	files := f.Args()[2:]
	var size uint64
	for _, file := range files {
		n, err := diskUsage(file)
		if err != nil {
			return a.report(err)
		}
		size += n
	}
	return a.run(ctx, func(ctx context.Context, d *device.Device) error {
		fz, err := a.fuzzer(d, f.Arg(0))
		if err != nil {
			return err
		}
		if _, err := fz.PushCorpus(ctx, f.Arg(1), files...); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Pushed %d file(s) (%s) to %s.\n", len(files), humanize.Bytes(size), fz.AbsPath(f.Arg(1)))
		return nil
	})
}

type versionCmd struct{}

func (*versionCmd) Name() string { return "version" }
func (*versionCmd) Synopsis() string { return "prints the version" }
func (*versionCmd) Usage() string { return "version\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}

func (cmd *versionCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a := args[0].(*app)
	fmt.Fprintf(a.stdout, "fuzzctl version %s\n", version)
	return subcommands.ExitSuccess
}

// diskUsage returns the total size of the regular files under p.
func diskUsage(p string) (uint64, error) {
	var size uint64
	err := filepath.Walk(p, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			size += uint64(info.Size())
		}
		return nil
	})
	return size, err
}
