// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config holds netcostd's CLI-tunable configuration, separate from
// flag parsing itself so the daemon's wiring logic can be exercised without
// going through os.Args.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config carries every value cmd/netcostd's flags can set. Zero values mean
// "use the default" and are backfilled by ApplyDefaults.
type Config struct {
	FrequencyHz   uint64
	Address       string
	Port          uint
	UserPeriod    time.Duration
	LogFile       string
	Prometheus    bool
	BPFObjectPath string
	Verbose       bool

	// HostProcPath and HostSysPath let the daemon run against a bind-mounted
	// host /proc and /sys when containerized (see ApplyHostEnvOverrides).
	HostProcPath string
	HostSysPath  string
}

// DefaultConfig returns netcostd's default configuration.
func DefaultConfig() Config {
	return Config{
		FrequencyHz:   1000,
		Address:       "0.0.0.0",
		Port:          8080,
		UserPeriod:    500 * time.Millisecond,
		BPFObjectPath: "/usr/lib/netcostd/netcost.bpf.o",
		HostProcPath:  "/proc",
		HostSysPath:   "/sys",
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.FrequencyHz == 0 {
		c.FrequencyHz = defaults.FrequencyHz
	}
	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.UserPeriod == 0 {
		c.UserPeriod = defaults.UserPeriod
	}
	if c.BPFObjectPath == "" {
		c.BPFObjectPath = defaults.BPFObjectPath
	}
	if c.HostProcPath == "" {
		c.HostProcPath = defaults.HostProcPath
	}
	if c.HostSysPath == "" {
		c.HostSysPath = defaults.HostSysPath
	}
}

// ApplyHostEnvOverrides overrides HostProcPath/HostSysPath for containerized
// environments, the same HOST_PROC/HOST_SYS convention performance.Manager
// uses when a host /proc or /sys is bind-mounted somewhere other than the
// container's own.
func (c *Config) ApplyHostEnvOverrides() {
	if v := os.Getenv("HOST_PROC"); v != "" {
		c.HostProcPath = v
	}
	if v := os.Getenv("HOST_SYS"); v != "" {
		c.HostSysPath = v
	}
}

// KallsymsPath is where the kernel symbol table lives under HostProcPath.
func (c *Config) KallsymsPath() string {
	return filepath.Join(c.HostProcPath, "kallsyms")
}

// ProcStatPath is where /proc/stat lives under HostProcPath.
func (c *Config) ProcStatPath() string {
	return filepath.Join(c.HostProcPath, "stat")
}

// RAPLPath is where the intel-rapl powercap tree lives under HostSysPath.
func (c *Config) RAPLPath() string {
	return filepath.Join(c.HostSysPath, "class/powercap/intel-rapl")
}
