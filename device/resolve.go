// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package device

import (
	"context"
	"fmt"
	"net"
	"strings"

	"go.fuchsia.dev/fuzzctl/process"
)

// DeviceFinder is the host tool used to resolve device names.
var DeviceFinder = "device-finder"

// Resolve returns the address of the named device, as reported by the
// device-finder tool. Names that are already IP addresses are returned as is.
func Resolve(ctx context.Context, runner process.Runner, name string) (string, error) {
	if ip := net.ParseIP(strings.Trim(name, "[]")); ip != nil {
		return strings.Trim(name, "[]"), nil
	}

	cmd := []string{DeviceFinder, "resolve", "-device-limit", "1", "-ipv4=false", name}
	res, err := process.Run(ctx, runner, cmd...)
	if err != nil {
		return "", err
	}
	if !res.Succeeded() {
		return "", fmt.Errorf("unable to resolve device %q: %s", name, strings.TrimSpace(res.Stderr))
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if addr := strings.TrimSpace(line); addr != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("unable to resolve device %q: no address found", name)
}
