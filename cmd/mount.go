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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/cfg"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/logger"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/metrics"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/mfsclient"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/mfsfs"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/mount"
	"github.com/ipfs-mfs-fuse/ipfs-mfs-fuse/internal/perms"
)

const fsName = "IPFS Mutable File System"

// SuccessfulMountMessage is printed (and, in daemon mode, relayed through
// the daemonize pipe) once the mount has been established.
const SuccessfulMountMessage = "File system has been successfully mounted."

// doMount resolves a mountpoint against a configuration, daemonizing first
// unless the caller asked to stay in the foreground.
func doMount(ctx context.Context, mountPoint string, c *cfg.Config) error {
	logger.Configure(logger.ParseSeverity(c.Logging.Severity), c.Logging.Format, c.Logging.FilePath)

	if !c.Foreground {
		return daemonizeMount(mountPoint)
	}

	return mountForeground(ctx, mountPoint, c)
}

// daemonizeMount relaunches the current executable in the foreground and
// waits for it to signal success or failure, so that a caller such as
// mount(8) gets a prompt exit once the mount is actually established.
func daemonizeMount(mountPoint string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("os.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}

	if err := daemonize.Run(exe, args, env, os.Stdout, nil); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}

	logger.Infof(SuccessfulMountMessage)
	return nil
}

func mountForeground(ctx context.Context, mountPoint string, c *cfg.Config) (err error) {
	callDaemonizeSignalOutcome := func(err error) {
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logger.Errorf("failed to signal outcome to parent process: %v", err2)
		}
	}
	defer func() {
		if err != nil {
			callDaemonizeSignalOutcome(err)
		}
	}()

	uid, gid, err := perms.MyUserAndGroup()
	if err != nil {
		return fmt.Errorf("MyUserAndGroup: %w", err)
	}
	if cfg.DefaultUidGid(c.FileSystem.Uid) {
		if uid == 0 {
			fmt.Fprintln(os.Stdout, `
WARNING: ipfs-mfs-fuse invoked as root. This will cause all files to be
owned by root. If this is not what you intended, invoke it as the user
that will be interacting with the mount, or pass --uid/--gid.`)
		}
	} else {
		uid = uint32(c.FileSystem.Uid)
	}
	if !cfg.DefaultUidGid(c.FileSystem.Gid) {
		gid = uint32(c.FileSystem.Gid)
	}

	metricsHandle := metrics.New()
	if c.MetricsAddr != "" {
		go serveMetrics(c.MetricsAddr, metricsHandle)
	}

	client := mfsclient.New(c.RemoteURL, &http.Client{Timeout: c.RequestTimeout})
	client.Observe = metricsHandle.ObserveRemoteLatency

	fsys := mfsfs.New(mfsfs.Config{
		Client:   client,
		Clock:    timeutil.RealClock(),
		Metrics:  metricsHandle,
		Uid:      uid,
		Gid:      gid,
		FilePerm: os.FileMode(c.FileSystem.FileMode),
		DirPerm:  os.FileMode(c.FileSystem.DirMode),
	})

	mountCfg := getFuseMountConfig(c)

	logger.Infof("Mounting %q at %q...", fsName, mountPoint)
	mfs, err := fuse.Mount(mountPoint, fuseutil.NewFileSystemServer(fsys), mountCfg)
	if err != nil {
		return fmt.Errorf("fuse.Mount: %w", err)
	}

	logger.Infof(SuccessfulMountMessage)
	callDaemonizeSignalOutcome(nil)

	registerSIGINTHandler(mountPoint)

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}
	return nil
}

func serveMetrics(addr string, h *metrics.Handle) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h.Handler())
	logger.Infof("Serving metrics on %q", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("metrics server exited: %v", err)
	}
}

// getFuseMountConfig assembles the jacobsa/fuse mount configuration:
// filesystem identity, the flattened "-o" option set plus the
// auto-unmount/allow-root/debug affordances, and loggers adapted from
// this project's own structured logger.
func getFuseMountConfig(c *cfg.Config) *fuse.MountConfig {
	opts := map[string]string{
		"rw":      "",
		"exec":    "",
		"noatime": "",
	}
	for _, o := range c.FileSystem.MountOptions {
		mount.ParseOptions(opts, o)
	}
	if c.FileSystem.AutoUnmount {
		opts["auto_unmount"] = ""
	}
	if c.FileSystem.AllowRoot {
		opts["allow_root"] = ""
	}
	if logger.Enabled(logger.LevelDebug) {
		opts["debug"] = ""
	}

	mountCfg := &fuse.MountConfig{
		FSName:  fsName,
		Subtype: "ipfs-mfs-fuse",
		Options: opts,

		// File handles carry no state, so the kernel need not bother
		// issuing Open/OpenDir at all. Writeback caching stays on.
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	}

	mountCfg.ErrorLogger = logger.NewFuseLogger(logger.LevelError, "fuse: ")
	if logger.Enabled(logger.LevelTrace) {
		mountCfg.DebugLogger = logger.NewFuseLogger(logger.LevelTrace, "fuse_debug: ")
	}
	return mountCfg
}

// registerSIGINTHandler lets the user Ctrl-C out of a foreground mount.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("Received SIGINT, attempting to unmount %q...", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("failed to unmount in response to SIGINT: %v", err)
				continue
			}
			logger.Infof("Successfully unmounted in response to SIGINT.")
			return
		}
	}()
}
