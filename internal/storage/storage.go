// Package storage provides reference-counted device memory and the caching pool
// that backs it.
//
// A Storage is released exactly once, when its last reference is dropped, through
// the release strategy it was created with: blocks from a Pool go back to the pool,
// external memory is left alone.
package storage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/pkg/errors"
)

// ReleaseFunc returns the memory of a Storage to its owner.
type ReleaseFunc func(s *Storage)

// Storage is a handle to a block of device memory.
//
// Storages are shared by reference only. Retain adds a reference and Release drops
// one; the block is handed back to its owner when the count reaches zero.
type Storage struct {
	device  device.Device
	api     device.API
	addr    uintptr
	nbytes  int64
	release ReleaseFunc
	refs    atomic.Int32
}

// New wraps a block with a release strategy. The result holds one reference.
func New(api device.API, addr uintptr, nbytes int64, release ReleaseFunc) *Storage {
	s := &Storage{
		device:  api.Device(),
		api:     api,
		addr:    addr,
		nbytes:  nbytes,
		release: release,
	}
	s.refs.Store(1)
	return s
}

// External wraps memory owned by someone else; releasing it does nothing.
func External(api device.API, addr uintptr, nbytes int64) *Storage {
	return New(api, addr, nbytes, nil)
}

// Device returns the device the memory lives on.
func (s *Storage) Device() device.Device { return s.device }

// API returns the device API that owns the memory.
func (s *Storage) API() device.API { return s.api }

// Addr returns the base address. It is 0 for zero-byte storages.
func (s *Storage) Addr() uintptr { return s.addr }

// NumBytes returns the size of the block, which may exceed what was requested.
func (s *Storage) NumBytes() int64 { return s.nbytes }

// Refs returns the current reference count.
func (s *Storage) Refs() int { return int(s.refs.Load()) }

// Retain adds a reference and returns s.
func (s *Storage) Retain() *Storage {
	if s.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("storage: retain of released storage %s", s))
	}
	return s
}

// Release drops a reference and releases the block when none are left.
func (s *Storage) Release() {
	n := s.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("storage: release of released storage %s", s))
	}
	if s.release != nil {
		s.release(s)
	}
}

// Bytes returns the host view of the memory. Only host-addressable devices
// support it.
func (s *Storage) Bytes() ([]byte, error) {
	if s.nbytes == 0 {
		return nil, nil
	}
	mem, ok := s.api.(device.HostMemory)
	if !ok {
		return nil, errors.Errorf("storage on %s is not host addressable", s.device)
	}
	return mem.Bytes(s.addr, s.nbytes)
}

// Write copies src into the storage starting at offset.
func (s *Storage) Write(offset int64, src []byte) error {
	if offset < 0 || offset+int64(len(src)) > s.nbytes {
		return errors.Errorf("storage: write of %d bytes at offset %d exceeds %d byte block", len(src), offset, s.nbytes)
	}
	if len(src) == 0 {
		return nil
	}
	switch api := s.api.(type) {
	case device.HostMemory:
		buf, err := api.Bytes(s.addr, s.nbytes)
		if err != nil {
			return err
		}
		copy(buf[offset:], src)
		return nil
	case device.Transfer:
		return api.Upload(s.addr, offset, src)
	default:
		return errors.Errorf("storage: device %s supports neither host access nor transfers", s.device)
	}
}

// Read copies len(dst) bytes starting at offset into dst.
func (s *Storage) Read(offset int64, dst []byte) error {
	if offset < 0 || offset+int64(len(dst)) > s.nbytes {
		return errors.Errorf("storage: read of %d bytes at offset %d exceeds %d byte block", len(dst), offset, s.nbytes)
	}
	if len(dst) == 0 {
		return nil
	}
	switch api := s.api.(type) {
	case device.HostMemory:
		buf, err := api.Bytes(s.addr, s.nbytes)
		if err != nil {
			return err
		}
		copy(dst, buf[offset:])
		return nil
	case device.Transfer:
		return api.Download(dst, s.addr, offset)
	default:
		return errors.Errorf("storage: device %s supports neither host access nor transfers", s.device)
	}
}

// CopyTo allocates nbytes on dst from the active pool and copies the first nbytes
// of s into it. Copies between devices are staged through host memory and block
// until complete.
func (s *Storage) CopyTo(ctx context.Context, dst device.Device, nbytes int64) (*Storage, error) {
	if nbytes > s.nbytes {
		return nil, errors.Errorf("storage: copy of %d bytes from %d byte block", nbytes, s.nbytes)
	}
	out, err := Allocate(ctx, dst, nbytes)
	if err != nil {
		return nil, err
	}
	if nbytes == 0 {
		return out, nil
	}
	staging := make([]byte, nbytes)
	if err := s.Read(0, staging); err != nil {
		out.Release()
		return nil, errors.Wrapf(err, "copy %s -> %s", s.device, dst)
	}
	if err := out.Write(0, staging); err != nil {
		out.Release()
		return nil, errors.Wrapf(err, "copy %s -> %s", s.device, dst)
	}
	return out, nil
}

func (s *Storage) String() string {
	return fmt.Sprintf("Storage(%s, addr=%#x, %d bytes)", s.device, s.addr, s.nbytes)
}
