// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command holds helpers shared by command line entry points.
package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
)

// CancelOnSignals returns a Context that is cancelled when any of the given
// signals is received, or SIGINT or SIGTERM if none are given. The returned
// CancelFunc stops listening for the signals and must be called once the
// context is no longer needed.
func CancelOnSignals(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, sigs...)
	go func() {
		defer signal.Stop(signals)
		select {
		case s := <-signals:
			glog.Warningf("Received %s, cancelling", s)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
