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
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// BlockMapData is the parsed form of a block-map file (spec §4.3).
type BlockMapData struct {
	DevicePath     string
	FileSize       uint64
	SourceBlock    uint32
	Ranges         RangeSet
}

// ParseBlockMapFile reads the textual block-map format:
//
//	<absolute path to block device>
//	<file_size> <source_block_size>
//	<range_count>
//	<start0> <end0>
//	<start1> <end1>
//	...
func ParseBlockMapFile(path string) (BlockMapData, error) {
	var out BlockMapData

	f, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("provider: open block map %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lines := make([]string, 0, 4)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("provider: read block map %s: %w", path, err)
	}
	if len(lines) < 3 {
		return out, fmt.Errorf("provider: block map %s is too short", path)
	}

	out.DevicePath = strings.TrimSpace(lines[0])
	if out.DevicePath == "" {
		return out, fmt.Errorf("provider: block map %s: empty device path", path)
	}

	fields := strings.Fields(lines[1])
	if len(fields) != 2 {
		return out, fmt.Errorf("provider: block map %s: malformed size line %q", path, lines[1])
	}
	fileSize, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return out, fmt.Errorf("provider: block map %s: bad file_size: %w", path, err)
	}
	sourceBlock, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return out, fmt.Errorf("provider: block map %s: bad source_block_size: %w", path, err)
	}
	out.FileSize = fileSize
	out.SourceBlock = uint32(sourceBlock)

	rangeCount, err := strconv.ParseUint(strings.TrimSpace(lines[2]), 10, 32)
	if err != nil {
		return out, fmt.Errorf("provider: block map %s: bad range_count: %w", path, err)
	}
	if uint64(len(lines)-3) < rangeCount {
		return out, fmt.Errorf("provider: block map %s: expected %d range lines, got %d", path, rangeCount, len(lines)-3)
	}

	ranges := make([]Range, 0, rangeCount)
	for i := uint64(0); i < rangeCount; i++ {
		fields := strings.Fields(lines[3+i])
		if len(fields) != 2 {
			return out, fmt.Errorf("provider: block map %s: malformed range line %q", path, lines[3+i])
		}
		start, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return out, fmt.Errorf("provider: block map %s: bad range start: %w", path, err)
		}
		end, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return out, fmt.Errorf("provider: block map %s: bad range end: %w", path, err)
		}
		if end < start {
			return out, fmt.Errorf("provider: block map %s: range end %d < start %d", path, end, start)
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	out.Ranges = NewRangeSet(ranges)

	return out, nil
}

// BlockMapProvider backs the virtual file with a set of ranges on a block
// device (spec C3).
type BlockMapProvider struct {
	f               *os.File
	fileSize        uint64
	fuseBlockSize   uint32
	sourceBlockSize uint32
	ranges          RangeSet
	valid           bool
}

// NewBlockMapProvider parses blockMapPath and opens the referenced block
// device. fuseBlockSize must be an exact multiple of the map's source block
// size.
func NewBlockMapProvider(blockMapPath string, fuseBlockSize uint32) (*BlockMapProvider, error) {
	data, err := ParseBlockMapFile(blockMapPath)
	if err != nil {
		return nil, err
	}

	if data.SourceBlock == 0 || fuseBlockSize%data.SourceBlock != 0 {
		return nil, fmt.Errorf("provider: fuse block size %d is not a multiple of source block size %d",
			fuseBlockSize, data.SourceBlock)
	}
	if err := ValidateBlockSize(data.FileSize, fuseBlockSize); err != nil {
		return nil, err
	}

	f, err := os.Open(data.DevicePath)
	if err != nil {
		return nil, fmt.Errorf("provider: open block device %s: %w", data.DevicePath, err)
	}

	return &BlockMapProvider{
		f:               f,
		fileSize:        data.FileSize,
		fuseBlockSize:   fuseBlockSize,
		sourceBlockSize: data.SourceBlock,
		ranges:          data.Ranges,
		valid:           true,
	}, nil
}

func (p *BlockMapProvider) FileSize() uint64      { return p.fileSize }
func (p *BlockMapProvider) FuseBlockSize() uint32 { return p.fuseBlockSize }
func (p *BlockMapProvider) Valid() bool           { return p.valid }

// ReadBlockAligned converts the fuse-block-aligned request into whole source
// blocks walked through the rangeset (in order), plus any trailing partial
// source block, and issues positional reads at the mapped device offsets.
func (p *BlockMapProvider) ReadBlockAligned(_ context.Context, dest []byte, fetchSize uint32, startBlock uint32) error {
	offset := uint64(startBlock) * uint64(p.fuseBlockSize)
	if uint64(fetchSize) > p.fileSize || offset > p.fileSize-uint64(fetchSize) {
		return ErrOutOfRange{Offset: offset, FetchSize: uint64(fetchSize), FileSize: p.fileSize}
	}

	sbs := uint64(p.sourceBlockSize)
	virtualStartBlock := offset / sbs
	wholeBlocks := uint64(fetchSize) / sbs
	tailBytes := uint64(fetchSize) % sbs

	next := dest[:fetchSize]

	if wholeBlocks > 0 {
		segs, err := p.ranges.SubRanges(virtualStartBlock, wholeBlocks)
		if err != nil {
			return fmt.Errorf("provider: %w", err)
		}
		for _, seg := range segs {
			byteStart := seg.Start * sbs
			byteLen := (seg.End - seg.Start) * sbs
			if err := p.preadFull(next[:byteLen], int64(byteStart)); err != nil {
				return err
			}
			next = next[byteLen:]
		}
	}

	if tailBytes != 0 {
		tailVirtualBlock := virtualStartBlock + wholeBlocks
		segs, err := p.ranges.SubRanges(tailVirtualBlock, 1)
		if err != nil {
			return fmt.Errorf("provider: %w", err)
		}
		byteStart := segs[0].Start * sbs
		if err := p.preadFull(next[:tailBytes], int64(byteStart)); err != nil {
			return err
		}
	}

	return nil
}

func (p *BlockMapProvider) preadFull(buf []byte, offset int64) error {
	var done int
	for done < len(buf) {
		n, err := unix.Pread(int(p.f.Fd()), buf[done:], offset+int64(done))
		if err != nil {
			return fmt.Errorf("provider: pread at offset %d: %w", offset+int64(done), err)
		}
		if n == 0 {
			return fmt.Errorf("provider: short read at offset %d", offset)
		}
		done += n
	}
	return nil
}

func (p *BlockMapProvider) Close() error {
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}
