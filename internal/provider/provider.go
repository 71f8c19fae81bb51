// Copyright (C) 2019 The Android Open Source Project
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

// Package provider implements the DataProvider abstraction (spec C1-C4): a
// block-aligned byte source that the block cache pulls from on demand. The
// cache is the only consumer, and providers are single-consumer by design.
package provider

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// DataProvider is the capability set the block cache needs from whatever is
// backing the virtual file: a regular file, a block-mapped device, or an ADB
// socket.
type DataProvider interface {
	// ReadBlockAligned fills dest[0:fetchSize] with bytes starting at file
	// offset startBlock*FuseBlockSize(). fetchSize must be <= FuseBlockSize().
	// A short read is always an error; callers never request a span that
	// crosses FileSize().
	ReadBlockAligned(ctx context.Context, dest []byte, fetchSize uint32, startBlock uint32) error

	// Close releases the underlying resource. Idempotent.
	Close() error

	// FileSize is the logical size in bytes of the virtual file.
	FileSize() uint64

	// FuseBlockSize is the block size this provider was constructed with.
	FuseBlockSize() uint32

	// Valid reports whether construction succeeded.
	Valid() bool
}

// MaxBlocks is the hard cap on the number of blocks a provider may expose
// (spec §3: N <= 2^18).
const MaxBlocks = 1 << 18

// MinBlockSize and MaxBlockSize bound the fuse block size (spec §3:
// 1024 <= B <= 4 MiB).
const (
	MinBlockSize = 1024
	MaxBlockSize = 4 << 20
)

// NumBlocks computes ceil(fileSize/blockSize), treating a zero file size as
// zero blocks (spec §3).
func NumBlocks(fileSize uint64, blockSize uint32) uint32 {
	if fileSize == 0 {
		return 0
	}
	return uint32((fileSize-1)/uint64(blockSize)) + 1
}

// ValidateBlockSize rejects block sizes and block counts outside the bounds
// in spec §3/§4.5, at provider-construction time (a configuration error, not
// a runtime one).
func ValidateBlockSize(fileSize uint64, blockSize uint32) error {
	if blockSize < MinBlockSize {
		return errBlockSizeTooSmall(blockSize)
	}
	if blockSize > MaxBlockSize {
		return errBlockSizeTooLarge(blockSize)
	}
	if n := NumBlocks(fileSize, blockSize); n > MaxBlocks {
		return errTooManyBlocks(n)
	}
	return nil
}

// DetachSourceMount best-effort unmounts whatever filesystem is mounted at
// root before a FileProvider or BlockMapProvider opens a path underneath it.
// This mirrors the original installer's defensive umount2 of the removable
// media mount ahead of serving a package from it (install/fuse_install.cpp):
// a stale or foreign-owned mount at the same path as the package source can
// otherwise shadow the bytes the provider is about to read. Failure to
// unmount is not fatal -- root may simply not be a mountpoint.
func DetachSourceMount(root string) error {
	if root == "" {
		return nil
	}
	if err := unix.Unmount(root, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("provider: detach %s: %w", root, err)
	}
	return nil
}
