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

import "fmt"

// Range is a half-open interval [Start, End) of source blocks.
type Range struct {
	Start, End uint64
}

// RangeSet is an ordered list of block ranges, as parsed from a block-map
// file (spec §4.3). The i-th source block of the virtual file is the i-th
// block walked through the ranges in order.
type RangeSet struct {
	ranges []Range
	// total is the number of source blocks covered by the ranges.
	total uint64
}

// NewRangeSet builds a RangeSet from an ordered slice of ranges.
func NewRangeSet(ranges []Range) RangeSet {
	var total uint64
	for _, r := range ranges {
		total += r.End - r.Start
	}
	return RangeSet{ranges: ranges, total: total}
}

// TotalBlocks is the number of source blocks covered by the set.
func (rs RangeSet) TotalBlocks() uint64 { return rs.total }

// SubRanges walks the virtual-file block index space [virtualStart,
// virtualStart+count) and returns the corresponding device-block ranges, in
// order, splitting across range boundaries as needed. It fails if the
// requested span isn't fully covered by the set.
func (rs RangeSet) SubRanges(virtualStart, count uint64) ([]Range, error) {
	if count == 0 {
		return nil, nil
	}
	if virtualStart+count > rs.total {
		return nil, fmt.Errorf("rangeset: span [%d,%d) exceeds covered blocks %d",
			virtualStart, virtualStart+count, rs.total)
	}

	virtualEnd := virtualStart + count
	var out []Range
	var pos uint64 // cumulative virtual block index consumed so far

	for _, r := range rs.ranges {
		rLen := r.End - r.Start
		segFrom := max64(pos, virtualStart)
		segTo := min64(pos+rLen, virtualEnd)
		if segTo > segFrom {
			delta := segFrom - pos
			out = append(out, Range{Start: r.Start + delta, End: r.Start + delta + (segTo - segFrom)})
		}
		pos += rLen
		if pos >= virtualEnd {
			break
		}
	}

	var covered uint64
	for _, r := range out {
		covered += r.End - r.Start
	}
	if covered != count {
		return nil, fmt.Errorf("rangeset: span [%d,%d) not fully covered", virtualStart, virtualEnd)
	}
	return out, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
