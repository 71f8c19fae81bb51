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

// Package blockcache implements the tamper-evident, block-granular read
// cache at the heart of the sideload filesystem (spec C5). It pages the
// virtual file through a DataProvider one block at a time, pins the first
// SHA-256 it sees for each block, and fails any later read of that block
// that disagrees — closing the verify-then-install TOCTOU hole an
// adversarial remote producer could otherwise exploit.
//
// The cache keeps no locks: spec §5 makes it single-threaded by
// construction (the FUSE request loop runs one request to completion before
// reading the next), so there is never a second goroutine to race against.
package blockcache

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/omnirom/sideloadfs/internal/metrics"
	"github.com/omnirom/sideloadfs/internal/provider"
)

// TamperError is returned when a provider returns bytes for a block whose
// hash disagrees with the hash pinned on a previous fetch (spec §4.5 step 6,
// §7). The pinned hash is never overwritten, so retries keep failing the
// same way until the provider returns the original bytes.
type TamperError struct {
	Block uint32
}

func (e TamperError) Error() string {
	return fmt.Sprintf("blockcache: block %d hash mismatch: provider returned different bytes than the first fetch", e.Block)
}

// Cache is the BlockCache of spec §3/§4.5. It owns the DataProvider and is
// not safe for concurrent use.
type Cache struct {
	fileSize  uint64
	blockSize uint32
	numBlocks uint32

	src provider.DataProvider

	// currentBlock is the index of the block currently staged in blockBuf,
	// or -1 ("no current block"; spec §9 prefers this explicit optional over
	// the C source's uint32(-1) sentinel, so we use a signed type and -1
	// directly rather than reinventing the wrap-around).
	currentBlock int64
	blockBuf     []byte
	extraBuf     []byte

	// hashes holds the pinned SHA-256 for each block; a zero value means
	// "not yet pinned" (spec §3 invariant 2).
	hashes [][sha256.Size]byte
}

// New constructs a Cache over src, taking the file size and block size from
// the provider itself; the provider's constructor is responsible for
// enforcing the bounds in spec §3 (block size, block count) before this is
// called.
func New(src provider.DataProvider) (*Cache, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("blockcache: provider is not valid")
	}

	fileSize := src.FileSize()
	blockSize := src.FuseBlockSize()
	numBlocks := provider.NumBlocks(fileSize, blockSize)

	if uint64(numBlocks)*uint64(blockSize) < fileSize {
		// Defensive assertion per spec §9 open question: the relation holds
		// by construction, but a malformed provider could in principle
		// violate it.
		return nil, fmt.Errorf("blockcache: file_size %d exceeds n_blocks(%d)*block_size(%d)", fileSize, numBlocks, blockSize)
	}

	return &Cache{
		fileSize:     fileSize,
		blockSize:    blockSize,
		numBlocks:    numBlocks,
		src:          src,
		currentBlock: -1,
		blockBuf:     make([]byte, blockSize),
		extraBuf:     make([]byte, blockSize),
		hashes:       make([][sha256.Size]byte, numBlocks),
	}, nil
}

// FileSize is the logical size of the virtual file.
func (c *Cache) FileSize() uint64 { return c.fileSize }

// BlockSize is the fuse block size the cache was built with.
func (c *Cache) BlockSize() uint32 { return c.blockSize }

// NumBlocks is the number of blocks the file is divided into.
func (c *Cache) NumBlocks() uint32 { return c.numBlocks }

// Read fills out[0:size] with file bytes starting at offset, zero-padding
// past end-of-file, upholding the read-stability invariant (spec §4.5).
// Because the FUSE server mounts with max_read == BlockSize(), size is
// guaranteed to be small enough that the read spans at most two consecutive
// blocks; Read panics if that invariant is violated by a caller.
func (c *Cache) Read(ctx context.Context, offset uint64, size uint32, out []byte) error {
	if uint64(len(out)) < uint64(size) {
		return fmt.Errorf("blockcache: out buffer (%d bytes) smaller than requested size %d", len(out), size)
	}
	if size == 0 {
		return nil
	}

	first := uint32(offset / uint64(c.blockSize))
	offInFirst := uint32(offset % uint64(c.blockSize))

	if uint64(offInFirst)+uint64(size) > 2*uint64(c.blockSize) {
		panic(fmt.Sprintf("blockcache: read of %d bytes at block-offset %d spans more than two blocks (block size %d)", size, offInFirst, c.blockSize))
	}

	if err := c.fetchBlock(ctx, first); err != nil {
		return err
	}

	if offInFirst+size <= c.blockSize {
		// Single-block read: entirely within the freshly staged block.
		copy(out[:size], c.blockBuf[offInFirst:offInFirst+size])
		return nil
	}

	// Two-block read: stage the tail of the first block before the second
	// fetch overwrites blockBuf.
	tailLen := c.blockSize - offInFirst
	copy(c.extraBuf[:tailLen], c.blockBuf[offInFirst:c.blockSize])

	if err := c.fetchBlock(ctx, first+1); err != nil {
		return err
	}

	copy(out[:tailLen], c.extraBuf[:tailLen])
	copy(out[tailLen:size], c.blockBuf[:size-tailLen])
	return nil
}

// fetchBlock ensures blockBuf holds block i's bytes, hashing and pinning (or
// verifying) as it goes (spec §4.5 "fetch_block").
func (c *Cache) fetchBlock(ctx context.Context, i uint32) error {
	if c.currentBlock == int64(i) {
		return nil
	}

	if i >= c.numBlocks {
		zero(c.blockBuf)
		c.currentBlock = int64(i)
		return nil
	}

	validLen := uint64(c.blockSize)
	if rem := c.fileSize - uint64(i)*uint64(c.blockSize); rem < validLen {
		validLen = rem
	}
	zero(c.blockBuf[validLen:])

	if err := c.src.ReadBlockAligned(ctx, c.blockBuf[:validLen], uint32(validLen), i); err != nil {
		c.currentBlock = -1
		return fmt.Errorf("blockcache: fetch block %d: %w", i, err)
	}
	metrics.BlocksFetched.Inc()

	h := sha256.Sum256(c.blockBuf[:validLen])
	pinned := &c.hashes[i]

	if h == *pinned {
		c.currentBlock = int64(i)
		return nil
	}
	if isZero(pinned) {
		*pinned = h
		c.currentBlock = int64(i)
		return nil
	}

	c.currentBlock = -1
	return TamperError{Block: i}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(h *[sha256.Size]byte) bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}
