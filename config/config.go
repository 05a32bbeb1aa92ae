// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds the settings used to reach a device and run fuzzers
// on it.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v2"
)

const (
	// TransportExec runs the host ssh and scp tools.
	TransportExec = "exec"
	// TransportNative speaks SSH and SFTP directly.
	TransportNative = "native"

	DefaultTimeout = 60 * time.Second
)

// Config is the validated configuration of one tool invocation.
type Config struct {
	// Device is the name or address of the target device.
	Device string `yaml:"device"`

	// SSHOptions are passed to every ssh and scp invocation. Each entry is
	// split into words as a shell would.
	SSHOptions []string `yaml:"ssh_options"`

	// SSHConfig is an ssh_config file. If no options are given, it defaults to
	// the one generated in the build directory.
	SSHConfig string `yaml:"ssh_config"`

	BuildDir  string `yaml:"build_dir"`
	OutputDir string `yaml:"output_dir"`

	// Timeout bounds every remote command; zero means no limit.
	Timeout time.Duration `yaml:"timeout"`

	// Transport is TransportExec or TransportNative.
	Transport string `yaml:"transport"`

	// Retries is how many times a command is retried when it cannot be
	// launched on the device.
	Retries int `yaml:"retries"`
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		BuildDir:  os.Getenv("FUCHSIA_BUILD_DIR"),
		Timeout:   DefaultTimeout,
		Transport: TransportExec,
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	c, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return c, nil
}

// Decode reads a YAML configuration over the defaults.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	d := yaml.NewDecoder(r)
	d.SetStrict(true)
	if err := d.Decode(c); err != nil && err != io.EOF {
		return nil, err
	}
	return c, nil
}

// SetFlags registers flags that override the configuration.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.Device, "device", c.Device, "name or address of the target device")
	f.Var(&stringsFlag{values: &c.SSHOptions}, "ssh-option", "option to pass to ssh and scp; may be repeated, and replaces the configured options")
	f.StringVar(&c.SSHConfig, "ssh-config", c.SSHConfig, "ssh_config file to use")
	f.StringVar(&c.BuildDir, "build-dir", c.BuildDir, "Fuchsia build directory")
	f.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "local directory for fetched artifacts")
	f.DurationVar(&c.Timeout, "timeout", c.Timeout, "timeout for each remote command; 0 means none")
	f.StringVar(&c.Transport, "transport", c.Transport, "how to reach the device: exec or native")
	f.IntVar(&c.Retries, "retries", c.Retries, "times to retry commands that fail to reach the device")
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportExec, TransportNative:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", c.Timeout)
	}
	if c.Retries < 0 {
		return fmt.Errorf("negative retry count %d", c.Retries)
	}
	if _, err := c.SSHArgs(); err != nil {
		return err
	}
	return nil
}

// SSHArgs returns the options to pass to ssh and scp. If none were given, the
// ssh_config file is used.
func (c *Config) SSHArgs() ([]string, error) {
	var args []string
	for _, opt := range c.SSHOptions {
		words, err := shlex.Split(opt)
		if err != nil {
			return nil, fmt.Errorf("invalid ssh option %q: %w", opt, err)
		}
		args = append(args, words...)
	}
	if len(args) > 0 {
		return args, nil
	}
	if cfg := c.sshConfig(); cfg != "" {
		return []string{"-F", cfg}, nil
	}
	return nil, nil
}

func (c *Config) sshConfig() string {
	if c.SSHConfig != "" {
		return c.SSHConfig
	}
	if c.BuildDir != "" {
		return filepath.Join(c.BuildDir, "ssh-keys", "ssh_config")
	}
	return ""
}

// ArtifactDir returns the local directory for artifacts fetched from the
// named fuzzer.
func (c *Config) ArtifactDir(fuzzer string) string {
	dir := c.OutputDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, filepath.FromSlash(fuzzer))
}

// stringsFlag is a repeatable string flag. The first value given replaces
// the configured values; later ones are appended.
type stringsFlag struct {
	values *[]string
	set    bool
}

func (s *stringsFlag) String() string {
	if s.values == nil {
		return ""
	}
	return fmt.Sprint(*s.values)
}

func (s *stringsFlag) Set(v string) error {
	if !s.set {
		*s.values = nil
		s.set = true
	}
	*s.values = append(*s.values, v)
	return nil
}
