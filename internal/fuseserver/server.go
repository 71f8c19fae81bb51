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

// Package fuseserver mounts /dev/fuse directly and speaks the subset of the
// kernel FUSE wire protocol needed to serve the two sideload nodes (spec
// C6). It does not use libfuse or any existing FUSE library: the request
// loop, opcode dispatch, and reply framing are all implemented here, in the
// style taught by the jacobsa/fuse and hanwen/go-fuse reference sources
// (fixed-layout structs, direct syscalls against the kernel channel fd).
package fuseserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/omnirom/sideloadfs/internal/blockcache"
	"github.com/omnirom/sideloadfs/internal/fusekernel"
	"github.com/omnirom/sideloadfs/internal/logger"
	"github.com/omnirom/sideloadfs/internal/metrics"
	"github.com/omnirom/sideloadfs/internal/provider"
)

// Node IDs for the fixed three-node tree (spec §3).
const (
	rootID    = fusekernel.RootID
	packageID = fusekernel.RootID + 1
	exitID    = fusekernel.RootID + 2

	// packageHandle is the single, arbitrary file handle handed out for
	// every OPEN of the package node (spec §3).
	packageHandle = 10

	packageName = "package.zip"
	exitName    = "exit"

	// linuxPathMax bounds the request buffer size (spec §4.6: sizeof header
	// + 8*PATH_MAX).
	linuxPathMax = 4096
)

// Server is the FUSE request loop plus dispatcher (spec C6). It owns the
// BlockCache and the kernel channel fd and is single-threaded: one request
// runs to completion before the next is read (spec §5).
type Server struct {
	Mountpoint string

	cache    *blockcache.Cache
	provider provider.DataProvider

	ffd *os.File
	uid uint32
	gid uint32
}

// New constructs a Server over a provider that has already been validated.
func New(mountpoint string, src provider.DataProvider) (*Server, error) {
	cache, err := blockcache.New(src)
	if err != nil {
		return nil, err
	}
	return &Server{
		Mountpoint: mountpoint,
		cache:      cache,
		provider:   src,
		uid:        uint32(os.Getuid()),
		gid:        uint32(os.Getgid()),
	}, nil
}

// Mount opens /dev/fuse and performs the mount(2) syscall described in spec
// §4.6. It best-effort unmounts whatever was already at the mountpoint
// first, mirroring the original's defensive umount2 ahead of a fresh mount.
func (s *Server) Mount() error {
	_ = unix.Unmount(s.Mountpoint, unix.MNT_FORCE)

	f, err := os.OpenFile("/dev/fuse", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("fuseserver: open /dev/fuse: %w", err)
	}
	s.ffd = f

	opts := fmt.Sprintf("fd=%d,user_id=%d,group_id=%d,max_read=%d,allow_other,rootmode=040000",
		int(f.Fd()), s.uid, s.gid, s.cache.BlockSize())

	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV | unix.MS_RDONLY | unix.MS_NOEXEC)
	if err := unix.Mount("/dev/fuse", s.Mountpoint, "fuse", flags, opts); err != nil {
		f.Close()
		s.ffd = nil
		return fmt.Errorf("fuseserver: mount: %w", err)
	}
	return nil
}

// Serve drives the kernel request loop until the channel is unmounted out
// from under us (ENODEV on read) or a handler requests shutdown (a
// LOOKUP/GETATTR on the exit node). It always tears down cleanly before
// returning (spec §4.6 "Shutdown").
func (s *Server) Serve(ctx context.Context) error {
	defer s.teardown()

	buf := make([]byte, fusekernel.InHeaderSize+8*linuxPathMax)

	for {
		n, err := s.ffd.Read(buf)
		if err != nil {
			if errors.Is(err, unix.ENODEV) {
				logger.Infof("fuseserver: channel unmounted (ENODEV), exiting request loop")
				return nil
			}
			logger.Errorf("fuseserver: read request: %v", err)
			continue
		}

		if n < fusekernel.InHeaderSize {
			logger.Warnf("fuseserver: request too short: %d bytes", n)
			continue
		}

		hdr, err := fusekernel.DecodeInHeader(buf[:n])
		if err != nil {
			logger.Errorf("fuseserver: %v", err)
			continue
		}
		body := buf[fusekernel.InHeaderSize:n]

		shutdown, err := s.dispatch(ctx, hdr, body)
		if err != nil {
			logger.Debugf("fuseserver: %s request %d failed: %v", hdr.Opcode, hdr.Unique, err)
		}
		if shutdown {
			var abort errAbortLoop
			if errors.As(err, &abort) {
				logger.Errorf("fuseserver: aborting request loop: %v", err)
				return err
			}
			logger.Infof("fuseserver: shutdown requested, unmounting")
			return nil
		}
	}
}

// errnoError lets handlers communicate a specific errno back to dispatch
// without the dispatcher needing to know each handler's internals.
type errnoError struct {
	errno int32
}

func (e errnoError) Error() string { return fmt.Sprintf("errno %d", e.errno) }

func eno(n int32) error { return errnoError{errno: n} }

// errAbortLoop signals dispatch/Serve to tear down without sending any
// reply at all (spec §9: INIT version mismatch aborts the loop rather than
// answering with a malformed INIT reply).
type errAbortLoop struct {
	reason error
}

func (e errAbortLoop) Error() string { return e.reason.Error() }
func (e errAbortLoop) Unwrap() error { return e.reason }

func (s *Server) dispatch(ctx context.Context, hdr fusekernel.InHeader, body []byte) (shutdown bool, err error) {
	var replied bool

	switch hdr.Opcode {
	case fusekernel.OpInit:
		err = s.handleInit(hdr, body)
		replied = err == nil
		var abort errAbortLoop
		if errors.As(err, &abort) {
			shutdown = true
			replied = true
		}

	case fusekernel.OpLookup:
		shutdown, err = s.handleLookup(hdr, body)
		replied = err == nil

	case fusekernel.OpGetattr:
		shutdown, err = s.handleGetattr(hdr)
		replied = err == nil

	case fusekernel.OpOpen:
		err = s.handleOpen(hdr)
		replied = err == nil

	case fusekernel.OpRead:
		err = s.handleRead(ctx, hdr, body)
		replied = err == nil

	case fusekernel.OpFlush, fusekernel.OpRelease:
		s.replyEmpty(hdr.Unique)
		replied = true

	default:
		logger.Warnf("fuseserver: unknown opcode %d", uint32(hdr.Opcode))
		err = eno(int32(unix.ENOSYS))
	}

	if !replied {
		var ee errnoError
		if errors.As(err, &ee) {
			s.replyErrno(hdr.Unique, ee.errno)
		} else {
			s.replyErrno(hdr.Unique, int32(unix.EIO))
		}
	}
	return shutdown, err
}

// handleInit validates the kernel's protocol version and replies with our
// own (spec §4.6 FUSE_INIT row). A version mismatch aborts the whole loop
// rather than replying at all: it returns errAbortLoop, which dispatch
// recognizes before it would otherwise fall into the generic errno-reply
// path (spec §9: "abort the loop ... do not reply with a malformed INIT
// answer").
func (s *Server) handleInit(hdr fusekernel.InHeader, body []byte) error {
	in, err := fusekernel.DecodeInitIn(body)
	if err != nil {
		return err
	}
	if in.Major != fusekernel.KernelVersion || in.Minor < fusekernel.MinMinorSupported {
		return errAbortLoop{reason: fmt.Errorf("fuseserver: kernel fuse version mismatch: got %d.%d, want >= %d.%d",
			in.Major, in.Minor, fusekernel.KernelVersion, fusekernel.MinMinorSupported)}
	}

	minor := in.Minor
	if minor > fusekernel.KernelMinorVersion {
		minor = fusekernel.KernelMinorVersion
	}

	out := fusekernel.InitOut{
		Major:               fusekernel.KernelVersion,
		Minor:               minor,
		MaxReadahead:        in.MaxReadahead,
		Flags:               0,
		MaxBackground:       32,
		CongestionThreshold: 32,
		MaxWrite:            4096,
	}

	payload, err := fusekernel.Encode(out)
	if err != nil {
		return err
	}
	if in.Minor <= 22 {
		payload = payload[:fusekernel.CompatInitOutSize]
	}
	return s.reply(hdr.Unique, payload)
}

func fillAttr(nodeid uint64, size uint64, mode uint32, uid, gid uint32) fusekernel.Attr {
	a := fusekernel.Attr{
		Ino:     nodeid,
		Size:    size,
		Nlink:   1,
		Uid:     uid,
		Gid:     gid,
		Blksize: 4096,
		Mode:    mode,
	}
	if size > 0 {
		a.Blocks = (size-1)/4096 + 1
	}
	return a
}

func (s *Server) handleLookup(hdr fusekernel.InHeader, body []byte) (bool, error) {
	if hdr.Nodeid != rootID {
		return false, eno(int32(unix.ENOENT))
	}

	name := cString(body)

	var nodeid uint64
	var size uint64
	var mode uint32
	switch name {
	case packageName:
		nodeid, size, mode = packageID, s.cache.FileSize(), fusekernel.ModeReg|0444
	case exitName:
		nodeid, size, mode = exitID, 0, fusekernel.ModeReg|0000
	default:
		return false, eno(int32(unix.ENOENT))
	}

	out := fusekernel.EntryOut{
		Nodeid:     nodeid,
		Generation: nodeid,
		EntryValid: 10,
		AttrValid:  10,
		Attr:       fillAttr(nodeid, size, mode, s.uid, s.gid),
	}
	payload, err := fusekernel.Encode(out)
	if err != nil {
		return false, err
	}
	if err := s.reply(hdr.Unique, payload); err != nil {
		return false, err
	}
	return nodeid == exitID, nil
}

func (s *Server) handleGetattr(hdr fusekernel.InHeader) (bool, error) {
	var size uint64
	var mode uint32
	switch hdr.Nodeid {
	case rootID:
		size, mode = 4096, fusekernel.ModeDir|0555
	case packageID:
		size, mode = s.cache.FileSize(), fusekernel.ModeReg|0444
	case exitID:
		size, mode = 0, fusekernel.ModeReg|0000
	default:
		return false, eno(int32(unix.ENOENT))
	}

	out := fusekernel.AttrOut{
		AttrValid: 10,
		Attr:      fillAttr(hdr.Nodeid, size, mode, s.uid, s.gid),
	}
	payload, err := fusekernel.Encode(out)
	if err != nil {
		return false, err
	}
	if err := s.reply(hdr.Unique, payload); err != nil {
		return false, err
	}
	return hdr.Nodeid == exitID, nil
}

func (s *Server) handleOpen(hdr fusekernel.InHeader) error {
	switch hdr.Nodeid {
	case exitID:
		return eno(int32(unix.EPERM))
	case packageID:
		out := fusekernel.OpenOut{Fh: packageHandle}
		payload, err := fusekernel.Encode(out)
		if err != nil {
			return err
		}
		return s.reply(hdr.Unique, payload)
	default:
		return eno(int32(unix.ENOENT))
	}
}

func (s *Server) handleRead(ctx context.Context, hdr fusekernel.InHeader, body []byte) error {
	if hdr.Nodeid != packageID {
		return eno(int32(unix.ENOENT))
	}

	in, err := fusekernel.DecodeReadIn(body)
	if err != nil {
		return err
	}

	out := make([]byte, in.Size)
	if err := s.cache.Read(ctx, in.Offset, in.Size, out); err != nil {
		var tamper blockcache.TamperError
		if errors.As(err, &tamper) {
			metrics.TamperRejections.Inc()
			return eno(int32(unix.EIO))
		}
		metrics.ReadErrors.Inc()
		return eno(int32(unix.EIO))
	}

	metrics.BytesServed.Add(float64(len(out)))
	return s.reply(hdr.Unique, out)
}

// reply writes a fuse_out_header followed by payload as a single writev,
// so the kernel observes it atomically (spec §4.6 "Reply framing").
func (s *Server) reply(unique uint64, payload []byte) error {
	hdr := fusekernel.OutHeader{
		Len:    uint32(fusekernel.OutHeaderSize + len(payload)),
		Error:  0,
		Unique: unique,
	}
	hb, err := fusekernel.Encode(hdr)
	if err != nil {
		return err
	}
	iovs := [][]byte{hb, payload}
	if _, err := unix.Writev(int(s.ffd.Fd()), iovs); err != nil {
		return fmt.Errorf("fuseserver: reply writev: %w", err)
	}
	return nil
}

func (s *Server) replyEmpty(unique uint64) {
	if err := s.reply(unique, nil); err != nil {
		logger.Errorf("fuseserver: %v", err)
	}
}

// replyErrno writes the bare error reply (spec §4.6 step 4, "Error code").
func (s *Server) replyErrno(unique uint64, errno int32) {
	hdr := fusekernel.OutHeader{
		Len:    fusekernel.OutHeaderSize,
		Error:  -errno,
		Unique: unique,
	}
	hb, err := fusekernel.Encode(hdr)
	if err != nil {
		logger.Errorf("fuseserver: encode error reply: %v", err)
		return
	}
	if _, err := s.ffd.Write(hb); err != nil {
		logger.Errorf("fuseserver: write error reply: %v", err)
	}
}

func (s *Server) teardown() {
	if err := s.provider.Close(); err != nil {
		logger.Warnf("fuseserver: provider close: %v", err)
	}
	if err := unix.Unmount(s.Mountpoint, unix.MNT_DETACH); err != nil {
		logger.Warnf("fuseserver: unmount %s: %v", s.Mountpoint, err)
	}
	if s.ffd != nil {
		s.ffd.Close()
		s.ffd = nil
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
