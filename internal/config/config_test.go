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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/omnirom/sideloadfs/internal/provider"
)

func validConfig() *Config {
	return &Config{
		Mountpoint:   "/sideload",
		BlockSize:    DefaultBlockSize,
		Source:       SourceFile,
		SourcePath:   "/cache/package.zip",
		ReadyTimeout: 10 * time.Second,
	}
}

func TestRationalize_Valid(t *testing.T) {
	assert.NoError(t, Rationalize(validConfig()))
}

func TestRationalize_EmptyMountpoint(t *testing.T) {
	c := validConfig()
	c.Mountpoint = ""
	assert.Error(t, Rationalize(c))
}

func TestRationalize_BlockSizeOutOfRange(t *testing.T) {
	c := validConfig()
	c.BlockSize = provider.MinBlockSize - 1
	assert.Error(t, Rationalize(c))

	c = validConfig()
	c.BlockSize = provider.MaxBlockSize + 1
	assert.Error(t, Rationalize(c))
}

func TestRationalize_UnknownSource(t *testing.T) {
	c := validConfig()
	c.Source = SourceKind("bogus")
	assert.Error(t, Rationalize(c))
}

func TestRationalize_SourcePathRequiredUnlessAdb(t *testing.T) {
	c := validConfig()
	c.SourcePath = ""
	assert.Error(t, Rationalize(c))

	c = validConfig()
	c.Source = SourceAdb
	c.SourcePath = ""
	c.AdbFd = 3
	c.AdbFileSize = 4096
	assert.NoError(t, Rationalize(c))
}

func TestRationalize_AdbRequiresFdAndFileSize(t *testing.T) {
	c := validConfig()
	c.Source = SourceAdb
	c.AdbFd = -1
	c.AdbFileSize = 4096
	assert.Error(t, Rationalize(c))

	c = validConfig()
	c.Source = SourceAdb
	c.AdbFd = 3
	c.AdbFileSize = 0
	assert.Error(t, Rationalize(c))
}

func TestRationalize_NonPositiveReadyTimeout(t *testing.T) {
	c := validConfig()
	c.ReadyTimeout = 0
	assert.Error(t, Rationalize(c))
}
