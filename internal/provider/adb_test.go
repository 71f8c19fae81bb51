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
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdbConn is a non-blocking stand-in for the adb socket: writes
// accumulate in outgoing, reads are served from a pre-loaded buffer.
type fakeAdbConn struct {
	outgoing bytes.Buffer
	incoming *bytes.Reader
	closed   bool
}

func (c *fakeAdbConn) Write(p []byte) (int, error) { return c.outgoing.Write(p) }
func (c *fakeAdbConn) Read(p []byte) (int, error)  { return c.incoming.Read(p) }
func (c *fakeAdbConn) Close() error                { c.closed = true; return nil }

func TestAdbProvider_ReadBlockAligned(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1024)
	conn := &fakeAdbConn{incoming: bytes.NewReader(payload)}

	p, err := NewAdbProvider(conn, 1<<20, 1024)
	require.NoError(t, err)

	out := make([]byte, 1024)
	require.NoError(t, p.ReadBlockAligned(context.Background(), out, 1024, 42))

	assert.Equal(t, "00000042", conn.outgoing.String())
	assert.Equal(t, payload, out)
}

func TestAdbProvider_Close_SendsSentinel(t *testing.T) {
	conn := &fakeAdbConn{incoming: bytes.NewReader(nil)}
	p, err := NewAdbProvider(conn, 1<<20, 1024)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, "DONEDONE", conn.outgoing.String())
	assert.True(t, conn.closed)

	// Idempotent: the second Close must not attempt to write again.
	require.NoError(t, p.Close())
}

func TestAdbProvider_ReadBlockAligned_ContextCanceled(t *testing.T) {
	conn := &fakeAdbConn{incoming: bytes.NewReader(nil)}
	p, err := NewAdbProvider(conn, 1<<20, 1024)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make([]byte, 1024)
	err = p.ReadBlockAligned(ctx, out, 1024, 0)
	assert.Error(t, err)
}
