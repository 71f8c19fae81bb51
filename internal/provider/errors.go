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

func errBlockSizeTooSmall(b uint32) error {
	return fmt.Errorf("provider: block size (%d) is too small, minimum %d", b, MinBlockSize)
}

func errBlockSizeTooLarge(b uint32) error {
	return fmt.Errorf("provider: block size (%d) is too large, maximum %d", b, MaxBlockSize)
}

func errTooManyBlocks(n uint32) error {
	return fmt.Errorf("provider: file has too many blocks (%d), maximum %d", n, MaxBlocks)
}

// ErrOutOfRange is returned when a caller requests a read that extends past
// FileSize(); no provider implementation serves these itself, the cache
// filters them out before calling ReadBlockAligned.
type ErrOutOfRange struct {
	Offset, FetchSize, FileSize uint64
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("provider: out of bound read, offset %d, fetch size %d, file size %d",
		e.Offset, e.FetchSize, e.FileSize)
}
