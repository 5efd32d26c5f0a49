// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package mic defines the remote interface to a microphone array.
package mic

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/tilerpc/handler"
	"github.com/creachadair/tilerpc/packet"
	"github.com/creachadair/tilerpc/rpc"
)

// Kind is the driver type name used in the registry.
const Kind = "mic"

const (
	// Channels is the number of microphones, hence samples per frame.
	Channels = 2

	// MaxFrames is the largest number of frames fetched by one call.
	MaxFrames = 256
)

// ErrFrameCount is reported for a request outside 1..MaxFrames frames.
var ErrFrameCount = errors.New("invalid frame count")

// OpGetFrames is the only operation.
const OpGetFrames = 1

// Schema is the operation table shared by mic hosts and clients.
var Schema = rpc.NewSchema(Kind,
	rpc.Op{Code: OpGetFrames, Name: "get_frames", Args: rpc.Layout{Fixed: 4}, Result: rpc.Layout{Fixed: 4, Var: true}},
).WithErrors(map[uint16]error{
	1: ErrFrameCount,
})

// Driver is the interface to a microphone array.
type Driver interface {
	// GetFrames blocks until n frames are available and returns them. Each
	// frame holds one sample per channel.
	GetFrames(ctx context.Context, n int) ([][]int32, error)
}

func checkCount(n int) error {
	if n < 1 || n > MaxFrames {
		return fmt.Errorf("%d frames: %w", n, ErrFrameCount)
	}
	return nil
}

// frames packs samples as a length-prefixed run of big-endian int32 values,
// frame by frame.
type frames [][]int32

func (f frames) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(4 + 4*Channels*len(f))
	b.Uint32(uint32(4 * Channels * len(f)))
	for i, fr := range f {
		if len(fr) != Channels {
			return nil, fmt.Errorf("frame %d has %d samples, want %d", i, len(fr), Channels)
		}
		for _, v := range fr {
			b.Int32(v)
		}
	}
	return b.Bytes(), nil
}

func (f *frames) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	n, err := s.Uint32()
	if err != nil {
		return err
	} else if n%(4*Channels) != 0 {
		return fmt.Errorf("sample data is %d bytes, not a whole number of frames", n)
	}
	out := make([][]int32, n/(4*Channels))
	for i := range out {
		out[i] = make([]int32, Channels)
		for j := range out[i] {
			if out[i][j], err = s.Int32(); err != nil {
				return err
			}
		}
	}
	*f = out
	return s.Done()
}

// Bind registers a handler on h for the mic operation, delegating to d.
// It returns h to permit chaining.
func Bind(h *rpc.Host, d Driver) *rpc.Host {
	return h.Handle(OpGetFrames, handler.ParamResultError(func(ctx context.Context, n uint32) (frames, error) {
		if err := checkCount(int(n)); err != nil {
			return nil, err
		}
		fs, err := d.GetFrames(ctx, int(n))
		return frames(fs), err
	}))
}
