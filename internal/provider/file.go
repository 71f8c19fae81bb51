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

package provider

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileProvider backs the virtual file with pread(2) against a regular file
// (spec C2).
type FileProvider struct {
	f             *os.File
	fileSize      uint64
	fuseBlockSize uint32
	valid         bool
}

// NewFileProvider opens path read-only and stats it to discover the file
// size. block is the fuse block size chosen by the orchestrator.
func NewFileProvider(path string, block uint32) (*FileProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("provider: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("provider: stat %s: %w", path, err)
	}

	fileSize := uint64(info.Size())
	if err := ValidateBlockSize(fileSize, block); err != nil {
		f.Close()
		return nil, err
	}

	return &FileProvider{
		f:             f,
		fileSize:      fileSize,
		fuseBlockSize: block,
		valid:         true,
	}, nil
}

func (p *FileProvider) FileSize() uint64      { return p.fileSize }
func (p *FileProvider) FuseBlockSize() uint32 { return p.fuseBlockSize }
func (p *FileProvider) Valid() bool           { return p.valid }

// ReadBlockAligned issues a positional pread at startBlock*FuseBlockSize,
// looping over short reads since the underlying syscall is allowed to return
// fewer bytes than requested even though the provider contract isn't.
func (p *FileProvider) ReadBlockAligned(_ context.Context, dest []byte, fetchSize uint32, startBlock uint32) error {
	offset := uint64(startBlock) * uint64(p.fuseBlockSize)
	if uint64(fetchSize) > p.fileSize || offset > p.fileSize-uint64(fetchSize) {
		return ErrOutOfRange{Offset: offset, FetchSize: uint64(fetchSize), FileSize: p.fileSize}
	}

	buf := dest[:fetchSize]
	var done uint32
	for done < fetchSize {
		n, err := unix.Pread(int(p.f.Fd()), buf[done:], int64(offset+uint64(done)))
		if err != nil {
			return fmt.Errorf("provider: pread at offset %d: %w", offset+uint64(done), err)
		}
		if n == 0 {
			return fmt.Errorf("provider: short read at offset %d: got %d of %d bytes", offset, done, fetchSize)
		}
		done += uint32(n)
	}
	return nil
}

func (p *FileProvider) Close() error {
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}
