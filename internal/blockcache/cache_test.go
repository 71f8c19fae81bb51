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

package blockcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider serves bytes out of an in-memory buffer, optionally swapping
// in different content for a given block on a later fetch to exercise the
// tamper-detection path.
type fakeProvider struct {
	fileSize  uint64
	blockSize uint32
	data      []byte

	fetches     map[uint32]int
	tamperBlock uint32
	tamperAfter int
	tamperBytes []byte
}

func (p *fakeProvider) FileSize() uint64      { return p.fileSize }
func (p *fakeProvider) FuseBlockSize() uint32 { return p.blockSize }
func (p *fakeProvider) Valid() bool           { return true }
func (p *fakeProvider) Close() error          { return nil }

func (p *fakeProvider) ReadBlockAligned(_ context.Context, dest []byte, fetchSize uint32, startBlock uint32) error {
	if p.fetches == nil {
		p.fetches = make(map[uint32]int)
	}
	p.fetches[startBlock]++

	if startBlock == p.tamperBlock && p.fetches[startBlock] > p.tamperAfter {
		copy(dest, p.tamperBytes[:fetchSize])
		return nil
	}

	offset := uint64(startBlock) * uint64(p.blockSize)
	copy(dest, p.data[offset:offset+uint64(fetchSize)])
	return nil
}

func TestCache_Read_SingleBlock(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	src := &fakeProvider{fileSize: 4096, blockSize: 1024, data: data}

	c, err := New(src)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), c.NumBlocks())

	out := make([]byte, 100)
	require.NoError(t, c.Read(context.Background(), 1024+50, 100, out))
	assert.Equal(t, data[1074:1174], out)
}

func TestCache_Read_SpansTwoBlocks(t *testing.T) {
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i)
	}
	src := &fakeProvider{fileSize: 2048, blockSize: 1024, data: data}

	c, err := New(src)
	require.NoError(t, err)

	out := make([]byte, 20)
	require.NoError(t, c.Read(context.Background(), 1014, 20, out))
	assert.Equal(t, data[1014:1034], out)
}

func TestCache_Read_ShortFinalBlockIsZeroPadded(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	src := &fakeProvider{fileSize: 5, blockSize: 8, data: append(append([]byte{}, data...), make([]byte, 3)...)}

	c, err := New(src)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.NumBlocks())

	out := make([]byte, 8)
	require.NoError(t, c.Read(context.Background(), 0, 8, out))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 0, 0, 0}, out)
}

func TestCache_Read_PastEndOfFileIsAllZero(t *testing.T) {
	src := &fakeProvider{fileSize: 8, blockSize: 8, data: make([]byte, 8)}
	c, err := New(src)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.NumBlocks())

	out := make([]byte, 8)
	require.NoError(t, c.Read(context.Background(), 8, 8, out))
	assert.Equal(t, make([]byte, 8), out)
}

func TestCache_FetchBlock_PinsHashOnFirstRead(t *testing.T) {
	data := make([]byte, 1024)
	src := &fakeProvider{fileSize: 1024, blockSize: 1024, data: data}
	c, err := New(src)
	require.NoError(t, err)

	out := make([]byte, 1024)
	require.NoError(t, c.Read(context.Background(), 0, 1024, out))
	assert.False(t, isZero(&c.hashes[0]), "first fetch must pin block 0's hash")
	// A repeat read of the same block should hit the one-block cache
	// without re-fetching from the provider.
	require.NoError(t, c.Read(context.Background(), 0, 1024, out))
	assert.Equal(t, 1, src.fetches[0])
}

func TestCache_Read_TamperDetected(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	tampered := make([]byte, 1024)
	for i := range tampered {
		tampered[i] = byte(255 - i)
	}

	src := &fakeProvider{
		fileSize:    1024,
		blockSize:   1024,
		data:        data,
		tamperBlock: 0,
		tamperAfter: 1,
		tamperBytes: tampered,
	}
	c, err := New(src)
	require.NoError(t, err)

	out := make([]byte, 1024)
	require.NoError(t, c.Read(context.Background(), 0, 1024, out))

	// Force eviction of block 0 from the one-block cache so the next read
	// re-fetches it, then hits the now-swapped, tampered bytes.
	out2 := make([]byte, 8)
	_ = c.Read(context.Background(), 1024, 8, out2)

	err = c.Read(context.Background(), 0, 1024, out)
	var tamperErr TamperError
	require.ErrorAs(t, err, &tamperErr)
	assert.Equal(t, uint32(0), tamperErr.Block)
}

func TestNew_RejectsInvalidProvider(t *testing.T) {
	_, err := New(&invalidProvider{})
	assert.Error(t, err)
}

type invalidProvider struct{}

func (invalidProvider) FileSize() uint64      { return 0 }
func (invalidProvider) FuseBlockSize() uint32 { return 0 }
func (invalidProvider) Valid() bool           { return false }
func (invalidProvider) Close() error          { return nil }
func (invalidProvider) ReadBlockAligned(context.Context, []byte, uint32, uint32) error {
	return nil
}
