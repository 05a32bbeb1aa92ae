// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshconn

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/kevinburke/ssh_config"
)

// DefaultPort is used when neither the options nor the config name a port.
const DefaultPort = 22

// target describes how to reach a device, as given by ssh or scp options.
type target struct {
	host     string
	port     int
	user     string
	identity string
}

func (t target) addr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

func (t target) key() string {
	return t.user + "@" + t.addr()
}

// dialect captures the differences between ssh and scp option letters.
type dialect struct {
	portFlag string
	userFlag string
	// Flags that consume a value.
	withArg string
}

var (
	sshDialect = dialect{portFlag: "p", userFlag: "l", withArg: "BbcDEeFIiJLlmOopQRSWw"}
	scpDialect = dialect{portFlag: "P", withArg: "cDFiJloPS"}
)

// options holds what the parsed flags said, before defaults are applied.
type options struct {
	target
	config string
}

// parseOptions consumes leading flags from args and returns the remaining
// positional arguments. Flags that do not affect how to connect are ignored.
func parseOptions(args []string, d dialect) (*options, []string, error) {
	opts := &options{}
	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			i++
			break
		}
		if len(arg) < 2 || arg[0] != '-' {
			break
		}
		flag := arg[1:2]
		if !strings.Contains(d.withArg, flag) {
			glog.V(1).Infof("ignoring option %s", arg)
			continue
		}
		value := arg[2:]
		if value == "" {
			i++
			if i >= len(args) {
				return nil, nil, fmt.Errorf("option %s requires a value", arg)
			}
			value = args[i]
		}
		if err := opts.set(flag, value, d); err != nil {
			return nil, nil, err
		}
	}
	return opts, args[i:], nil
}

// set applies a flag. As with ssh, the first value given for a setting wins.
func (o *options) set(flag, value string, d dialect) error {
	switch flag {
	case d.portFlag:
		return o.apply("Port", value, "command line")
	case d.userFlag:
		return o.apply("User", value, "command line")
	case "i":
		return o.apply("IdentityFile", value, "command line")
	case "F":
		o.config = value
	case "o":
		return o.setOption(value)
	default:
		glog.V(1).Infof("ignoring option -%s %s", flag, value)
	}
	return nil
}

// setOption applies a `-o Key=Value` option. Options given on the command line
// are applied before the config file is read, so they take precedence.
func (o *options) setOption(kv string) error {
	key, value, ok := splitKeyValue(kv)
	if !ok {
		return fmt.Errorf("invalid option %q", kv)
	}
	return o.apply(key, value, "command line")
}

func (o *options) apply(key, value, source string) error {
	switch strings.ToLower(key) {
	case "user":
		if o.user == "" {
			o.user = value
		}
	case "port":
		if o.port == 0 {
			port, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid port %q in %s: %w", value, source, err)
			}
			o.port = port
		}
	case "identityfile":
		if o.identity == "" {
			o.identity = expandHome(value)
		}
	default:
		glog.V(1).Infof("ignoring %s option %s=%s", source, key, value)
	}
	return nil
}

func splitKeyValue(s string) (string, string, bool) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, "= \t")
	if i <= 0 {
		return "", "", false
	}
	return s[:i], strings.Trim(strings.TrimSpace(s[i+1:]), `"`), true
}

// loadConfig fills unset fields from the Host sections of an ssh_config file
// that match the target host. Settings already given on the command line are
// kept.
func (o *options) loadConfig() error {
	if o.config == "" {
		return nil
	}
	f, err := os.Open(o.config)
	if err != nil {
		return fmt.Errorf("error reading ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return fmt.Errorf("error parsing ssh config %s: %w", o.config, err)
	}
	for _, key := range []string{"User", "Port", "IdentityFile"} {
		value, err := cfg.Get(o.host, key)
		if err != nil {
			return fmt.Errorf("error reading %s for %s from %s: %w", key, o.host, o.config, err)
		}
		if value == "" {
			continue
		}
		if err := o.apply(key, value, o.config); err != nil {
			return err
		}
	}
	return nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}

// splitUserHost splits `user@host`.
func splitUserHost(s string) (string, string) {
	if i := strings.LastIndex(s, "@"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

// splitRemote splits an scp operand of the form `[user@]host:path`, where an
// IPv6 host is bracketed. It reports false for local paths.
func splitRemote(s string) (user, host, p string, ok bool) {
	user, rest := splitUserHost(s)
	if strings.HasPrefix(rest, "[") {
		i := strings.Index(rest, "]:")
		if i < 0 {
			return "", "", "", false
		}
		return user, rest[1:i], rest[i+2:], true
	}
	i := strings.Index(rest, ":")
	if i <= 0 || strings.Contains(rest[:i], "/") {
		return "", "", "", false
	}
	return user, rest[:i], rest[i+1:], true
}

// resolve applies the user and host of the destination, the config file
// and defaults.
func (o *options) resolve(user, host string) (target, error) {
	r := *o
	if r.user == "" {
		r.user = user
	}
	r.host = strings.Trim(host, "[]")
	if err := r.loadConfig(); err != nil {
		return target{}, err
	}
	if r.port == 0 {
		r.port = DefaultPort
	}
	if r.user == "" {
		r.user = DefaultUser
	}
	return r.target, nil
}
