// Copyright (C) 2014 The Android Open Source Project
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

// Package orchestrator drives the lifecycle around the FUSE server (spec
// C7): backgrounding the mount, waiting for it to become visible, and later
// telling it to shut down. The original forks a child process directly;
// Go's runtime cannot safely fork() while goroutines and background OS
// threads are alive, so this instead follows the teacher's own answer to
// the same problem (cmd/legacy_main.go): re-exec the binary with the same
// arguments, marked by InBackgroundModeEnv, via jacobsa/daemonize, which
// owns the fork/exec and hands back a single pass/fail outcome over a pipe.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/timeutil"

	"golang.org/x/sys/unix"
)

// InBackgroundModeEnv marks the re-exec'd child process, mirroring the
// teacher's logger.GCSFuseInBackgroundMode marker.
const InBackgroundModeEnv = "SIDELOADFS_IN_BACKGROUND_MODE"

// Options configure a single sideload session.
type Options struct {
	Mountpoint   string
	ReadyTimeout time.Duration

	// ReexecArgs are the arguments that, appended to os.Args[0], re-invoke
	// this same binary as the FUSE-server child (spec C7); the child runs the
	// same command with the same flags and tells itself apart by
	// InBackgroundModeEnv.
	ReexecArgs []string
	Env        []string
}

// Orchestrator backgrounds the FUSE server and tracks its two externally
// visible lifecycle events: the package becoming readable, and the exit
// sentinel being noticed by the child (spec §4.7).
type Orchestrator struct {
	opts  Options
	clock timeutil.Clock
}

// New constructs an Orchestrator. clock is injectable so tests can use
// timeutil.SimulatedClock instead of wall-clock time.
func New(opts Options, clock timeutil.Clock) *Orchestrator {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &Orchestrator{opts: opts, clock: clock}
}

// IsBackgroundChild reports whether this process is the re-exec'd FUSE
// server child rather than the original foreground invocation.
func IsBackgroundChild() bool {
	return os.Getenv(InBackgroundModeEnv) == "true"
}

// Start backgrounds the FUSE server and blocks until it has signaled that
// its mount(2) call succeeded (or failed), then polls the mountpoint until
// package.zip is actually readable through the kernel channel (spec §4.7
// "Orchestrator" / testable property P5).
//
// Start must only be called from the foreground (non-background) process;
// the background child instead calls RunChild.
func (o *Orchestrator) Start(ctx context.Context) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("orchestrator: resolve executable: %w", err)
	}

	env := append(append([]string{}, o.opts.Env...), fmt.Sprintf("%s=true", InBackgroundModeEnv))

	if err := daemonize.Run(path, o.opts.ReexecArgs, env, os.Stdout); err != nil {
		return fmt.Errorf("orchestrator: background mount failed: %w", err)
	}

	return o.waitForPath(ctx, packagePath(o.opts.Mountpoint))
}

// RunChild is called by the re-exec'd background process once it has tried
// to build its server and mount the filesystem. outcome is nil on a
// successful mount, or the construction or mount error; it is relayed to the waiting foreground process exactly
// once, matching the teacher's callDaemonizeSignalOutcome pattern.
func RunChild(outcome error) {
	if err := daemonize.SignalOutcome(outcome); err != nil {
		// There is no one left to log to that the foreground process would
		// see; stderr is the best remaining option.
		fmt.Fprintf(os.Stderr, "orchestrator: signal outcome: %v\n", err)
	}
}

// TriggerShutdown stats the exit sentinel, which the FUSE server interprets
// as a request to unmount and terminate (spec §4.7 "post-install shutdown").
// It does not wait for the child to actually exit: once daemonized, the
// child is reparented and reaped by init like any other daemon, so there is
// nothing left for this process to wait on.
func (o *Orchestrator) TriggerShutdown() error {
	var st unix.Stat_t
	if err := unix.Stat(exitPath(o.opts.Mountpoint), &st); err != nil {
		return fmt.Errorf("orchestrator: stat exit sentinel: %w", err)
	}
	return nil
}

func (o *Orchestrator) waitForPath(ctx context.Context, path string) error {
	deadline := o.clock.Now().Add(o.opts.ReadyTimeout)

	for {
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err == nil {
			return nil
		}

		if o.clock.Now().After(deadline) {
			return fmt.Errorf("orchestrator: %s did not become ready within %s", path, o.opts.ReadyTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func packagePath(mountpoint string) string { return mountpoint + "/package.zip" }
func exitPath(mountpoint string) string    { return mountpoint + "/exit" }
