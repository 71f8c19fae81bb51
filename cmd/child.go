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

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/omnirom/sideloadfs/internal/config"
	"github.com/omnirom/sideloadfs/internal/fuseserver"
	"github.com/omnirom/sideloadfs/internal/logger"
	"github.com/omnirom/sideloadfs/internal/orchestrator"
	"github.com/omnirom/sideloadfs/internal/provider"
)

// runChild is the re-exec'd FUSE-server process: it builds the configured
// DataProvider, mounts, reports the outcome back to the foreground process,
// and then serves requests until the exit sentinel is looked up (spec C6,
// C7).
func runChild(cfg *config.Config) error {
	srv, err := buildServer(cfg)
	if err != nil {
		orchestrator.RunChild(err)
		return err
	}

	if err := srv.Mount(); err != nil {
		orchestrator.RunChild(fmt.Errorf("mount: %w", err))
		return err
	}

	orchestrator.RunChild(nil)

	logger.Infof("serving %s", cfg.Mountpoint)
	return srv.Serve(context.Background())
}

func buildServer(cfg *config.Config) (*fuseserver.Server, error) {
	src, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	return fuseserver.New(cfg.Mountpoint, src)
}

func buildProvider(cfg *config.Config) (provider.DataProvider, error) {
	if err := provider.DetachSourceMount(cfg.DetachSourceMount); err != nil {
		logger.Warnf("%v", err)
	}

	switch cfg.Source {
	case config.SourceFile:
		return provider.NewFileProvider(cfg.SourcePath, cfg.BlockSize)

	case config.SourceBlockMap:
		return provider.NewBlockMapProvider(cfg.SourcePath, cfg.BlockSize)

	case config.SourceAdb:
		// The caller (e.g. minadbd) has already accepted the connection and
		// negotiated the package size with the host; it hands this process
		// the live socket as an inherited fd (spec §4.4, §4.7).
		conn := os.NewFile(uintptr(cfg.AdbFd), "adb-sideload-socket")
		return provider.NewAdbProvider(conn, cfg.AdbFileSize, cfg.BlockSize)

	default:
		return nil, fmt.Errorf("cmd: unknown source kind %q", cfg.Source)
	}
}
