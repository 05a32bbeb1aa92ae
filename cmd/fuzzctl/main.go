// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// fuzzctl lists, starts and stops fuzzers on a Fuchsia device, and moves
// their corpora and artifacts to and from it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/google/subcommands"
	"github.com/kr/pretty"

	"go.fuchsia.dev/fuzzctl/command"
	"go.fuchsia.dev/fuzzctl/config"
)

// version is set at link time.
var version = "devel"

// configPath finds the -config flag before the flags are parsed, so that the
// file can supply defaults that the other flags override.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(name, "config=") {
			return strings.TrimPrefix(name, "config=")
		}
	}
	return ""
}

func main() {
	cfg := config.Default()
	if path := configPath(os.Args[1:]); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(int(subcommands.ExitUsageError))
		}
		cfg = loaded
	}
	flag.String("config", "", "YAML file with default settings")
	cfg.SetFlags(flag.CommandLine)

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&listCmd{}, "")
	subcommands.Register(&startCmd{}, "")
	subcommands.Register(&stopCmd{}, "")
	subcommands.Register(&reproCmd{}, "")
	subcommands.Register(&fetchCmd{}, "")
	subcommands.Register(&pushCmd{}, "")
	subcommands.Register(&versionCmd{}, "")

	// Log to stderr unless told otherwise, to help with debugging.
	flag.Lookup("logtostderr").Value.Set("true")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	glog.V(1).Infof("Configuration: %# v", pretty.Formatter(cfg))

	ctx, cancel := command.CancelOnSignals(context.Background())
	a := newApp(cfg, os.Stdout, os.Stderr)
	status := subcommands.Execute(ctx, a)
	if err := a.close(); err != nil {
		glog.Warningf("Error while closing connections: %s", err)
	}
	cancel()
	glog.Flush()
	os.Exit(int(status))
}
