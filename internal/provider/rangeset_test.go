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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSet_TotalBlocks(t *testing.T) {
	rs := NewRangeSet([]Range{{Start: 0, End: 10}, {Start: 20, End: 25}})
	assert.Equal(t, uint64(15), rs.TotalBlocks())
}

func TestRangeSet_SubRanges_WithinSingleRange(t *testing.T) {
	rs := NewRangeSet([]Range{{Start: 100, End: 110}})

	got, err := rs.SubRanges(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 102, End: 105}}, got)
}

func TestRangeSet_SubRanges_SpansRangeBoundary(t *testing.T) {
	rs := NewRangeSet([]Range{{Start: 0, End: 5}, {Start: 100, End: 110}})

	// Virtual blocks 3,4 come from the first range; 5,6 from the second.
	got, err := rs.SubRanges(3, 4)
	require.NoError(t, err)
	assert.Equal(t, []Range{
		{Start: 3, End: 5},
		{Start: 100, End: 102},
	}, got)
}

func TestRangeSet_SubRanges_SpansThreeRanges(t *testing.T) {
	rs := NewRangeSet([]Range{
		{Start: 0, End: 2},
		{Start: 10, End: 12},
		{Start: 20, End: 25},
	})

	got, err := rs.SubRanges(1, 5)
	require.NoError(t, err)
	assert.Equal(t, []Range{
		{Start: 1, End: 2},
		{Start: 10, End: 12},
		{Start: 20, End: 22},
	}, got)
}

func TestRangeSet_SubRanges_ExactlyCoversOneRange(t *testing.T) {
	rs := NewRangeSet([]Range{{Start: 0, End: 5}, {Start: 5, End: 10}})

	got, err := rs.SubRanges(0, 5)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 0, End: 5}}, got)
}

func TestRangeSet_SubRanges_OutOfBounds(t *testing.T) {
	rs := NewRangeSet([]Range{{Start: 0, End: 5}})

	_, err := rs.SubRanges(3, 10)
	assert.Error(t, err)
}

func TestRangeSet_SubRanges_ZeroCount(t *testing.T) {
	rs := NewRangeSet([]Range{{Start: 0, End: 5}})

	got, err := rs.SubRanges(2, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}
