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

// Package fusekernel defines the fixed-layout little-endian records used by
// the subset of the Linux kernel FUSE wire protocol that the sideload
// filesystem speaks. It intentionally covers only the opcodes the server
// dispatches (INIT, LOOKUP, GETATTR, OPEN, READ, FLUSH, RELEASE); it is not a
// general FUSE protocol library.
package fusekernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kernel protocol version this server speaks. The kernel requires Major to
// match exactly; Minor just needs to be at least MinMinorSupported.
const (
	KernelVersion      = 7
	KernelMinorVersion = 31
	MinMinorSupported  = 6

	// RootID is the fixed nodeid of the mount root ("/").
	RootID = 1
)

// Opcode identifies a FUSE request type.
type Opcode uint32

const (
	OpLookup  Opcode = 1
	OpGetattr Opcode = 3
	OpOpen    Opcode = 14
	OpRead    Opcode = 15
	OpRelease Opcode = 18
	OpFlush   Opcode = 25
	OpInit    Opcode = 26
)

func (o Opcode) String() string {
	switch o {
	case OpLookup:
		return "LOOKUP"
	case OpGetattr:
		return "GETATTR"
	case OpOpen:
		return "OPEN"
	case OpRead:
		return "READ"
	case OpRelease:
		return "RELEASE"
	case OpFlush:
		return "FLUSH"
	case OpInit:
		return "INIT"
	default:
		return fmt.Sprintf("OPCODE(%d)", uint32(o))
	}
}

// Mode bits for the two regular-file nodes and the root directory.
const (
	ModeDir uint32 = 0040000
	ModeReg uint32 = 0100000
)

// InHeaderSize is sizeof(struct fuse_in_header).
const InHeaderSize = 40

// InHeader is the header prefixing every request the kernel sends.
type InHeader struct {
	Len     uint32
	Opcode  Opcode
	Unique  uint64
	Nodeid  uint64
	Uid     uint32
	Gid     uint32
	Pid     uint32
	Padding uint32
}

// OutHeaderSize is sizeof(struct fuse_out_header).
const OutHeaderSize = 16

// OutHeader prefixes every reply.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

// InitIn is the body of a FUSE_INIT request.
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

// InitOut is the body of a FUSE_INIT reply, full (post-7.23) layout.
type InitOut struct {
	Major                uint32
	Minor                uint32
	MaxReadahead         uint32
	Flags                uint32
	MaxBackground        uint16
	CongestionThreshold  uint16
	MaxWrite             uint32
	TimeGran             uint32
	MaxPages             uint16
	MapAlignment         uint16
	Flags2               uint32
	Unused               [7]uint32
}

// CompatInitOutSize is FUSE_COMPAT_22_INIT_OUT_SIZE: the reply size expected
// by kernels whose minor protocol version is <= 22.
const CompatInitOutSize = 24

// Attr mirrors struct fuse_attr.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

// EntryOut is the body of a FUSE_LOOKUP reply.
type EntryOut struct {
	Nodeid         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

// AttrOut is the body of a FUSE_GETATTR reply.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

// OpenOut is the body of a FUSE_OPEN reply.
type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

// ReadIn is the body of a FUSE_READ request.
type ReadIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	ReadFlags  uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

// DecodeInHeader parses the fixed-layout request header from the front of a
// kernel read buffer. Callers must ensure len(buf) >= InHeaderSize.
func DecodeInHeader(buf []byte) (InHeader, error) {
	var h InHeader
	if len(buf) < InHeaderSize {
		return h, fmt.Errorf("fusekernel: short header: %d bytes", len(buf))
	}
	r := bytes.NewReader(buf[:InHeaderSize])
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("fusekernel: decode header: %w", err)
	}
	return h, nil
}

// DecodeInitIn parses a FUSE_INIT request body.
func DecodeInitIn(buf []byte) (InitIn, error) {
	var in InitIn
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &in); err != nil {
		return in, fmt.Errorf("fusekernel: decode init_in: %w", err)
	}
	return in, nil
}

// DecodeReadIn parses a FUSE_READ request body.
func DecodeReadIn(buf []byte) (ReadIn, error) {
	var in ReadIn
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &in); err != nil {
		return in, fmt.Errorf("fusekernel: decode read_in: %w", err)
	}
	return in, nil
}

// Encode serializes a fixed-layout struct (any of the *Out types above) to
// its little-endian wire representation.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("fusekernel: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}
