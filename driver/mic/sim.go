// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package mic

import (
	"context"
	"sync"
	"time"
)

// A Source produces the sample for one channel of one frame. Frames are
// numbered from zero in capture order.
type Source func(frame uint64, ch int) int32

// Sim is an in-memory Driver that captures frames from a Source at a fixed
// frame period.
type Sim struct {
	src    Source
	period time.Duration

	μ    sync.Mutex
	next uint64
}

var _ Driver = (*Sim)(nil)

// NewSim returns a simulator that reads src and takes period to capture
// each frame. If src == nil, each sample is its frame number times Channels
// plus its channel index.
func NewSim(src Source, period time.Duration) *Sim {
	if src == nil {
		src = func(frame uint64, ch int) int32 { return int32(frame*Channels) + int32(ch) }
	}
	return &Sim{src: src, period: period}
}

// GetFrames implements the Driver interface. If ctx ends before n frames
// have been captured, GetFrames reports the context error and no frames are
// consumed.
func (s *Sim) GetFrames(ctx context.Context, n int) ([][]int32, error) {
	if err := checkCount(n); err != nil {
		return nil, err
	}
	if s.period > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(n) * s.period):
		}
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([][]int32, n)
	for i := range out {
		out[i] = make([]int32, Channels)
		for ch := range out[i] {
			out[i][ch] = s.src(s.next, ch)
		}
		s.next++
	}
	return out, nil
}
