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

// Package cmd is the sideloadfs CLI, built with cobra/viper the way the
// teacher's cmd package is. There is a single user-facing command; the
// process re-execs itself into the FUSE-server child via
// internal/orchestrator rather than exposing that as a separate
// subcommand, so the same flag set applies to both halves of the run.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omnirom/sideloadfs/internal/config"
	"github.com/omnirom/sideloadfs/internal/logger"
	"github.com/omnirom/sideloadfs/internal/metrics"
	"github.com/omnirom/sideloadfs/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "sideloadfs",
	Short: "Serve a recovery package over a minimal read-only FUSE filesystem",
	Long: `sideloadfs mounts a single package (a local file, a block-mapped
device, or an ADB byte stream) as package.zip under a mountpoint, so that
an installer can read it as an ordinary file without first copying it onto
the recovery partition.`,
	SilenceUsage: true,
	RunE:         run,
}

// sessionIDEnv carries the foreground process's session id across the
// re-exec boundary so parent and child log lines can be correlated even
// though they are two separate OS processes.
const sessionIDEnv = "SIDELOADFS_SESSION_ID"

func init() {
	if err := config.BindFlags(rootCmd.Flags()); err != nil {
		panic(fmt.Sprintf("cmd: bind flags: %v", err))
	}
	viper.AutomaticEnv()
}

// Execute is main's sole entry point.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("%v", err)
		return err
	}

	logger.SetLevel(logger.ParseSeverity(cfg.LogLevel))
	if cfg.LogFile != "" {
		logger.SetLogFile(cfg.LogFile, 10, 5, 28)
		defer logger.Close()
	}

	if cfg.MetricsAddr != "" {
		errCh := make(chan error, 1)
		metrics.Serve(cfg.MetricsAddr, errCh)
		go func() {
			if err := <-errCh; err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	if orchestrator.IsBackgroundChild() {
		logger.SetSessionID(os.Getenv(sessionIDEnv))
		return runChild(cfg)
	}

	sessionID := uuid.New().String()
	logger.SetSessionID(sessionID)
	return runParent(cfg, args, sessionID)
}

func runParent(cfg *config.Config, args []string, sessionID string) error {
	opts := orchestrator.Options{
		Mountpoint:   cfg.Mountpoint,
		ReadyTimeout: cfg.ReadyTimeout,
		ReexecArgs:   os.Args[1:],
		Env:          []string{fmt.Sprintf("%s=%s", sessionIDEnv, sessionID)},
	}
	orch := orchestrator.New(opts, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger.Infof("backgrounding fuse server for %s", cfg.Mountpoint)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("cmd: %w", err)
	}
	logger.Infof("%s/package.zip is ready", cfg.Mountpoint)

	<-ctx.Done()
	logger.Infof("received interrupt, triggering shutdown")
	// Give the child a moment to notice the interrupt cascading from its own
	// process group before we also nudge it through the exit sentinel.
	time.Sleep(100 * time.Millisecond)
	return orch.TriggerShutdown()
}
