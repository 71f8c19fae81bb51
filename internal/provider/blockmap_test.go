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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlockMapFile(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "dev")
	require.NoError(t, os.WriteFile(devPath, make([]byte, 4096), 0o644))

	mapPath := filepath.Join(dir, "map")
	contents := fmt.Sprintf("%s\n3000 1024\n2\n0 2\n5 6\n", devPath)
	require.NoError(t, os.WriteFile(mapPath, []byte(contents), 0o644))

	data, err := ParseBlockMapFile(mapPath)
	require.NoError(t, err)

	assert.Equal(t, devPath, data.DevicePath)
	assert.Equal(t, uint64(3000), data.FileSize)
	assert.Equal(t, uint32(1024), data.SourceBlock)
	assert.Equal(t, uint64(3), data.Ranges.TotalBlocks())
}

func TestParseBlockMapFile_TooShort(t *testing.T) {
	mapPath := filepath.Join(t.TempDir(), "map")
	require.NoError(t, os.WriteFile(mapPath, []byte("/dev/block/foo\n"), 0o644))

	_, err := ParseBlockMapFile(mapPath)
	assert.Error(t, err)
}

func TestBlockMapProvider_ReadBlockAligned(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "dev")

	// Source block size 512. Two device-side ranges: blocks [0,4) and
	// [10,12), holding 3072 bytes total -- enough to cover a 3000-byte file.
	dev := make([]byte, 12*512)
	for i := range dev {
		dev[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(devPath, dev, 0o644))

	mapPath := filepath.Join(dir, "map")
	contents := fmt.Sprintf("%s\n3000 512\n2\n0 4\n10 12\n", devPath)
	require.NoError(t, os.WriteFile(mapPath, []byte(contents), 0o644))

	p, err := NewBlockMapProvider(mapPath, 1024)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, uint64(3000), p.FileSize())

	// fuse block 0 spans source blocks 0-1 (within the first device range).
	out := make([]byte, 1024)
	require.NoError(t, p.ReadBlockAligned(context.Background(), out, 1024, 0))
	assert.Equal(t, dev[0:1024], out)

	// fuse block 2 is the short final block: it holds the last
	// 3000-2048 = 952 bytes, i.e. source block 4 plus 440 bytes of source
	// block 5. The first range covers source blocks 0-3, so both live in the
	// second range (starting at device block 10).
	out2 := make([]byte, 952)
	require.NoError(t, p.ReadBlockAligned(context.Background(), out2, 952, 2))
	assert.Equal(t, dev[10*512:10*512+952], out2)
}

func TestBlockMapProvider_RejectsMismatchedBlockSize(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "dev")
	require.NoError(t, os.WriteFile(devPath, make([]byte, 4096), 0o644))

	mapPath := filepath.Join(dir, "map")
	contents := fmt.Sprintf("%s\n3000 1000\n1\n0 3\n", devPath)
	require.NoError(t, os.WriteFile(mapPath, []byte(contents), 0o644))

	// 1024 is not a multiple of 1000.
	_, err := NewBlockMapProvider(mapPath, 1024)
	assert.Error(t, err)
}
