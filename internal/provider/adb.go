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

package provider

import (
	"context"
	"fmt"
	"io"
)

// doneSentinel is written to the socket on Close to tell the host side to
// exit (spec §4.4, §6).
const doneSentinel = "DONEDONE"

// AdbProvider backs the virtual file with a byte-stream socket speaking the
// trivial request/response protocol described in spec §4.4: an 8-digit
// decimal block index out, exactly fetch_size bytes of payload back, no
// framing (spec C4).
type AdbProvider struct {
	conn          io.ReadWriteCloser
	fileSize      uint64
	fuseBlockSize uint32
	valid         bool
}

// NewAdbProvider wraps an already-connected socket. fileSize and block are
// negotiated out-of-band with the host before this is called (spec §4.7).
func NewAdbProvider(conn io.ReadWriteCloser, fileSize uint64, block uint32) (*AdbProvider, error) {
	if err := ValidateBlockSize(fileSize, block); err != nil {
		return nil, err
	}
	return &AdbProvider{
		conn:          conn,
		fileSize:      fileSize,
		fuseBlockSize: block,
		valid:         true,
	}, nil
}

func (p *AdbProvider) FileSize() uint64      { return p.fileSize }
func (p *AdbProvider) FuseBlockSize() uint32 { return p.fuseBlockSize }
func (p *AdbProvider) Valid() bool           { return p.valid }

// ReadBlockAligned sends the 8-ASCII-digit block request and reads back
// exactly fetchSize bytes. It does not validate payload contents; hash
// pinning is the cache's job (spec §4.4).
func (p *AdbProvider) ReadBlockAligned(ctx context.Context, dest []byte, fetchSize uint32, startBlock uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fmt.Sprintf("%08d", startBlock)
	if len(req) != 8 {
		return fmt.Errorf("provider: block index %d does not fit in 8 decimal digits", startBlock)
	}
	if _, err := io.WriteString(p.conn, req); err != nil {
		return fmt.Errorf("provider: failed to write to adb host: %w", err)
	}

	if _, err := io.ReadFull(p.conn, dest[:fetchSize]); err != nil {
		return fmt.Errorf("provider: failed to read from adb host: %w", err)
	}
	return nil
}

// Close sends the teardown sentinel and closes the underlying socket.
// Idempotent.
func (p *AdbProvider) Close() error {
	if p.conn == nil {
		return nil
	}
	_, werr := io.WriteString(p.conn, doneSentinel)
	cerr := p.conn.Close()
	p.conn = nil
	if werr != nil {
		return fmt.Errorf("provider: failed to signal adb host shutdown: %w", werr)
	}
	return cerr
}
