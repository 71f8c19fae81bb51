// Copyright 2026 The Android Open Source Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the Config struct bound through viper from flags
// and environment variables, modeled on the teacher's cfg package; no config
// file is read. A Rationalize pass enforces the block-size bounds and the
// per-source required fields as a configuration error, before the
// mountpoint is touched. The block-count bound depends on the file size and
// is checked when the provider is constructed, not here.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/omnirom/sideloadfs/internal/provider"
)

// SourceKind selects which DataProvider backs the virtual file.
type SourceKind string

const (
	SourceFile     SourceKind = "file"
	SourceBlockMap SourceKind = "blockmap"
	SourceAdb      SourceKind = "adb"
)

// DefaultBlockSize is the conventional fuse block size (spec §4.7, §6).
const DefaultBlockSize = 65536

// Config is the full set of knobs the orchestrator and FUSE server need.
type Config struct {
	Mountpoint string `mapstructure:"mountpoint" yaml:"mountpoint"`
	BlockSize  uint32 `mapstructure:"block-size" yaml:"block-size"`

	Source     SourceKind `mapstructure:"source" yaml:"source"`
	SourcePath string     `mapstructure:"source-path" yaml:"source-path"`

	// ReadyTimeout bounds how long the orchestrator waits for
	// <mountpoint>/package.zip to appear (spec §4.7: 10s local, 300s adb).
	ReadyTimeout time.Duration `mapstructure:"ready-timeout" yaml:"ready-timeout"`

	LogFile     string `mapstructure:"log-file" yaml:"log-file"`
	LogLevel    string `mapstructure:"log-level" yaml:"log-level"`
	MetricsAddr string `mapstructure:"metrics-addr" yaml:"metrics-addr"`

	// AdbFd and AdbFileSize are only meaningful when Source == SourceAdb: the
	// caller (e.g. minadbd) has already negotiated the package size with the
	// host and handed this process a connected socket at this fd (spec
	// §4.4, §4.7).
	AdbFd       int    `mapstructure:"adb-fd" yaml:"adb-fd"`
	AdbFileSize uint64 `mapstructure:"adb-file-size" yaml:"adb-file-size"`

	// DetachSourceMount, if set, is best-effort unmounted before the
	// provider opens SourcePath underneath it (spec supplement: original's
	// defensive umount2 of the removable media root in fuse_install.cpp).
	DetachSourceMount string `mapstructure:"detach-source-mount" yaml:"detach-source-mount"`
}

// BindFlags registers the cobra/pflag flags for Config and wires them to
// viper, matching the teacher's cfg.BindFlags pattern.
func BindFlags(fs *pflag.FlagSet) error {
	fs.String("mountpoint", "/sideload", "directory to mount the sideload filesystem at")
	fs.Uint32("block-size", DefaultBlockSize, "fuse block size in bytes (1KiB-4MiB)")
	fs.String("source", string(SourceFile), "data source kind: file, blockmap, or adb")
	fs.String("source-path", "", "path to the package file, or \"@<blockmap>\" already resolved by the caller")
	fs.Duration("ready-timeout", 10*time.Second, "how long to wait for the mounted file to become visible")
	fs.String("log-file", "", "rotate logs to this file instead of stderr")
	fs.String("log-level", "INFO", "TRACE, DEBUG, INFO, WARNING, ERROR, or OFF")
	fs.String("metrics-addr", "", "if set, expose prometheus metrics on this address")
	fs.Int("adb-fd", -1, "inherited, already-connected socket fd (source=adb only)")
	fs.Uint64("adb-file-size", 0, "package size in bytes, pre-negotiated with the adb host (source=adb only)")
	fs.String("detach-source-mount", "", "best-effort unmount this path before opening source-path underneath it")

	for _, name := range []string{
		"mountpoint", "block-size", "source", "source-path",
		"ready-timeout", "log-file", "log-level", "metrics-addr",
		"adb-fd", "adb-file-size", "detach-source-mount",
	} {
		if err := viper.BindPFlag(name, fs.Lookup(name)); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load decodes the bound viper state into a Config and rationalizes it.
func Load() (*Config, error) {
	c := &Config{
		Mountpoint:   viper.GetString("mountpoint"),
		BlockSize:    viper.GetUint32("block-size"),
		Source:       SourceKind(viper.GetString("source")),
		SourcePath:   viper.GetString("source-path"),
		ReadyTimeout: viper.GetDuration("ready-timeout"),
		LogFile:      viper.GetString("log-file"),
		LogLevel:     viper.GetString("log-level"),
		MetricsAddr:  viper.GetString("metrics-addr"),
		AdbFd:             viper.GetInt("adb-fd"),
		AdbFileSize:       viper.GetUint64("adb-file-size"),
		DetachSourceMount: viper.GetString("detach-source-mount"),
	}
	if err := Rationalize(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Rationalize validates cross-field and bound constraints, failing fast
// before the mountpoint or /dev/fuse is touched (spec §7 "Configuration
// error").
func Rationalize(c *Config) error {
	if c.Mountpoint == "" {
		return fmt.Errorf("config: mountpoint must not be empty")
	}
	if c.BlockSize < provider.MinBlockSize || c.BlockSize > provider.MaxBlockSize {
		return fmt.Errorf("config: block-size %d out of range [%d, %d]", c.BlockSize, provider.MinBlockSize, provider.MaxBlockSize)
	}
	switch c.Source {
	case SourceFile, SourceBlockMap, SourceAdb:
	default:
		return fmt.Errorf("config: unknown source kind %q", c.Source)
	}
	if c.Source != SourceAdb && c.SourcePath == "" {
		return fmt.Errorf("config: source-path is required for source kind %q", c.Source)
	}
	if c.Source == SourceAdb {
		if c.AdbFd < 0 {
			return fmt.Errorf("config: adb-fd is required for source kind %q", c.Source)
		}
		if c.AdbFileSize == 0 {
			return fmt.Errorf("config: adb-file-size is required for source kind %q", c.Source)
		}
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("config: ready-timeout must be positive")
	}
	return nil
}
