// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package flash defines the remote interface to a NOR flash device.
//
// A tile may Lock the device to make a sequence of operations exclusive.
// While it is locked, operations from other tiles fail with ErrLocked.
package flash

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/handler"
	"github.com/creachadair/tilerpc/packet"
	"github.com/creachadair/tilerpc/rpc"
)

// Kind is the driver type name used in the registry.
const Kind = "flash"

const (
	// SectorSize is the erase granularity in bytes.
	SectorSize = 4096

	// ReadChunk is the largest read sent in one call. Client reads larger
	// than this are split.
	ReadChunk = 24 * 1024

	// MaxWrite is the largest write accepted in one call.
	MaxWrite = ReadChunk
)

var (
	// ErrOutOfRange is reported for an access outside the device.
	ErrOutOfRange = errors.New("address out of range")

	// ErrLocked is reported when the device is locked by another tile.
	ErrLocked = errors.New("device locked")

	// ErrDeviceBusy is reported when the device is asked to start an
	// operation before the previous one has finished.
	ErrDeviceBusy = errors.New("device busy")

	// ErrWriteSize is reported by a client for a write larger than MaxWrite.
	// It is not sent over the link.
	ErrWriteSize = errors.New("write too large")
)

// Operation codes.
const (
	OpLock   = 1
	OpUnlock = 2
	OpRead   = 3
	OpWrite  = 4
	OpErase  = 5
)

// Schema is the operation table shared by flash hosts and clients.
var Schema = rpc.NewSchema(Kind,
	rpc.Op{Code: OpLock, Name: "lock"},
	rpc.Op{Code: OpUnlock, Name: "unlock"},
	rpc.Op{Code: OpRead, Name: "read", Args: rpc.Layout{Fixed: 8}, Result: rpc.Layout{Fixed: 4, Var: true}},
	rpc.Op{Code: OpWrite, Name: "write", Args: rpc.Layout{Fixed: 8, Var: true}},
	rpc.Op{Code: OpErase, Name: "erase", Args: rpc.Layout{Fixed: 8}},
).WithErrors(map[uint16]error{
	1: ErrOutOfRange,
	2: ErrLocked,
	3: ErrDeviceBusy,
})

// Driver is the interface to a flash device.
type Driver interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error

	// Read returns n bytes starting at addr.
	Read(ctx context.Context, addr uint32, n int) ([]byte, error)

	// Write programs data starting at addr. Programming can only clear bits;
	// a region must be erased before it can be rewritten with arbitrary data.
	Write(ctx context.Context, addr uint32, data []byte) error

	// Erase sets every byte of each sector overlapping [addr, addr+n) to 0xff.
	Erase(ctx context.Context, addr uint32, n int) error
}

// span is the argument packet for a read or erase.
type span struct {
	Addr, N uint32
}

func (s span) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(8)
	b.Uint32(s.Addr)
	b.Uint32(s.N)
	return b.Bytes(), nil
}

func (s *span) UnmarshalBinary(data []byte) (err error) {
	sc := packet.NewScanner(data)
	if s.Addr, err = sc.Uint32(); err != nil {
		return err
	} else if s.N, err = sc.Uint32(); err != nil {
		return err
	}
	return sc.Done()
}

// program is the argument packet for a write.
type program struct {
	Addr uint32
	Data []byte
}

func (p program) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(8 + len(p.Data))
	b.Uint32(p.Addr)
	b.Buffer(p.Data)
	return b.Bytes(), nil
}

func (p *program) UnmarshalBinary(data []byte) (err error) {
	sc := packet.NewScanner(data)
	if p.Addr, err = sc.Uint32(); err != nil {
		return err
	} else if p.Data, err = sc.Buffer(); err != nil {
		return err
	}
	return sc.Done()
}

type sized []byte

func (s sized) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(4 + len(s))
	b.Buffer(s)
	return b.Bytes(), nil
}

// binding tracks which tile holds the device lock. Its handlers run serially
// on the host executor.
type binding struct {
	d     Driver
	owner tilerpc.TileID
	depth int
}

// check reports ErrLocked if the device is locked by a tile other than the
// caller.
func (b *binding) check(ctx context.Context) error {
	tile, _ := rpc.ContextClient(ctx)
	if b.depth > 0 && tile != b.owner {
		return fmt.Errorf("held by tile %v: %w", b.owner, ErrLocked)
	}
	return nil
}

func (b *binding) lock(ctx context.Context) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if b.depth == 0 {
		if err := b.d.Lock(ctx); err != nil {
			return err
		}
		b.owner, _ = rpc.ContextClient(ctx)
	}
	b.depth++
	return nil
}

func (b *binding) unlock(ctx context.Context) error {
	if err := b.check(ctx); err != nil {
		return err
	} else if b.depth == 0 {
		return nil
	}
	b.depth--
	if b.depth == 0 {
		return b.d.Unlock(ctx)
	}
	return nil
}

// Bind registers handlers on h for each flash operation, delegating to d.
// A tile may lock the device more than once; it is released when each lock
// has been matched by an unlock. It returns h to permit chaining.
func Bind(h *rpc.Host, d Driver) *rpc.Host {
	b := &binding{d: d}
	return h.
		Handle(OpLock, handler.Action(b.lock)).
		Handle(OpUnlock, handler.Action(b.unlock)).
		Handle(OpRead, handler.ParamResultError(func(ctx context.Context, s span) (sized, error) {
			if err := b.check(ctx); err != nil {
				return nil, err
			} else if s.N > ReadChunk {
				return nil, fmt.Errorf("read %d bytes: %w", s.N, ErrOutOfRange)
			}
			data, err := d.Read(ctx, s.Addr, int(s.N))
			return sized(data), err
		})).
		Handle(OpWrite, handler.ParamError(func(ctx context.Context, p program) error {
			if err := b.check(ctx); err != nil {
				return err
			} else if len(p.Data) > MaxWrite {
				return fmt.Errorf("write %d bytes: %w", len(p.Data), ErrWriteSize)
			}
			return d.Write(ctx, p.Addr, p.Data)
		})).
		Handle(OpErase, handler.ParamError(func(ctx context.Context, s span) error {
			if err := b.check(ctx); err != nil {
				return err
			}
			return d.Erase(ctx, s.Addr, int(s.N))
		}))
}
