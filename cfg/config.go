// Copyright 2024 The ipfs-mfs-fuse Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg defines the mount's configuration surface and binds it to
// command-line flags, environment variables, and an optional YAML config
// file.
package cfg

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for a single mount.
type Config struct {
	RemoteURL string `yaml:"remote-url" mapstructure:"remote-url"`

	FileSystem FileSystemConfig `yaml:"file-system" mapstructure:"file-system"`

	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	MetricsAddr string `yaml:"metrics-addr" mapstructure:"metrics-addr"`

	RequestTimeout time.Duration `yaml:"request-timeout" mapstructure:"request-timeout"`

	Foreground bool `yaml:"foreground" mapstructure:"foreground"`
}

// FileSystemConfig groups the local-presentation knobs: permission bits,
// ownership, mount behavior.
type FileSystemConfig struct {
	DirMode Octal `yaml:"dir-mode" mapstructure:"dir-mode"`

	FileMode Octal `yaml:"file-mode" mapstructure:"file-mode"`

	Uid int64 `yaml:"uid" mapstructure:"uid"`

	Gid int64 `yaml:"gid" mapstructure:"gid"`

	MountOptions []string `yaml:"mount-options" mapstructure:"mount-options"`

	AutoUnmount bool `yaml:"auto-unmount" mapstructure:"auto-unmount"`

	AllowRoot bool `yaml:"allow-root" mapstructure:"allow-root"`
}

// LoggingConfig controls severity, format, and destination of log output.
type LoggingConfig struct {
	Severity string `yaml:"severity" mapstructure:"severity"`

	Format string `yaml:"format" mapstructure:"format"`

	FilePath string `yaml:"file-path" mapstructure:"file-path"`
}

// Octal is an int that parses from and formats to octal text, used for
// permission-bit flags (e.g. "0755").
type Octal int

var _ pflag.Value = (*Octal)(nil)

func (o *Octal) Set(value string) error {
	v, err := strconv.ParseInt(value, 8, 32)
	if err != nil {
		return fmt.Errorf("parsing as octal: %w", err)
	}
	*o = Octal(v)
	return nil
}

func (o Octal) String() string {
	return fmt.Sprintf("%o", int(o))
}

func (o Octal) Type() string {
	return "octal"
}

// BindFlags registers every command-line flag this mount recognizes and
// binds each one to its viper configuration key.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("ipfs-url", "", "http://127.0.0.1:5001", "Base URL of the Kubo node's API.")
	if err = viper.BindPFlag("remote-url", flagSet.Lookup("ipfs-url")); err != nil {
		return err
	}

	dirMode := Octal(0755)
	flagSet.VarP(&dirMode, "dir-mode", "", "Permission bits for directories, in octal.")
	if err = viper.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode")); err != nil {
		return err
	}

	fileMode := Octal(0644)
	flagSet.VarP(&fileMode, "file-mode", "", "Permission bits for files, in octal.")
	if err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode")); err != nil {
		return err
	}

	flagSet.Int64P("uid", "", -1, "UID owner of all inodes (default: the invoking user).")
	if err = viper.BindPFlag("file-system.uid", flagSet.Lookup("uid")); err != nil {
		return err
	}

	flagSet.Int64P("gid", "", -1, "GID owner of all inodes (default: the invoking user's group).")
	if err = viper.BindPFlag("file-system.gid", flagSet.Lookup("gid")); err != nil {
		return err
	}

	flagSet.StringSliceP("o", "o", nil, "Additional mount options, comma-separated (e.g. --o ro,noatime).")
	if err = viper.BindPFlag("file-system.mount-options", flagSet.Lookup("o")); err != nil {
		return err
	}

	flagSet.BoolP("auto-unmount", "", true, "Attempt to unmount the filesystem when this process dies.")
	if err = viper.BindPFlag("file-system.auto-unmount", flagSet.Lookup("auto-unmount")); err != nil {
		return err
	}

	flagSet.BoolP("allow-root", "", false, "Allow root to access this mount in addition to the invoking user.")
	if err = viper.BindPFlag("file-system.allow-root", flagSet.Lookup("allow-root")); err != nil {
		return err
	}

	flagSet.DurationP("request-timeout", "", 30*time.Second, "Timeout applied to every call made to the Kubo node.")
	if err = viper.BindPFlag("request-timeout", flagSet.Lookup("request-timeout")); err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", false, "Stay in the foreground after mounting.")
	if err = viper.BindPFlag("foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "info", "Minimum log severity: trace, debug, info, warning, error, off.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "File to log to, rotated automatically. Defaults to stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("metrics-addr", "", "", "Address to serve Prometheus metrics on (e.g. :9090). Disabled if empty.")
	if err = viper.BindPFlag("metrics-addr", flagSet.Lookup("metrics-addr")); err != nil {
		return err
	}

	return nil
}

// DefaultUidGid reports whether the uid/gid flag was left at its sentinel
// "use the invoking user" value.
func DefaultUidGid(v int64) bool {
	return v < 0
}
