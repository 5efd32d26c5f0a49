// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package flash

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"
)

// Sim is an in-memory NOR flash device. A fresh device is fully erased.
//
// Programming takes a configurable time, during which the device is busy and
// refuses to start another write with ErrDeviceBusy.
type Sim struct {
	program time.Duration

	μ      sync.Mutex
	mem    []byte
	busy   bool
	locked bool
	writes int
}

var _ Driver = (*Sim)(nil)

// NewSim returns an erased device of the given size in bytes, rounded up to
// a whole number of sectors. Each write takes at least program to complete.
func NewSim(size int, program time.Duration) *Sim {
	size = (size + SectorSize - 1) / SectorSize * SectorSize
	return &Sim{program: program, mem: bytes.Repeat([]byte{0xff}, size)}
}

// Size reports the capacity of the device in bytes.
func (s *Sim) Size() int { return len(s.mem) }

// Locked reports whether the device is currently locked.
func (s *Sim) Locked() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.locked
}

// Writes reports the number of writes that have completed.
func (s *Sim) Writes() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.writes
}

func (s *Sim) checkRange(addr uint32, n int) error {
	if end := uint64(addr) + uint64(n); end > uint64(len(s.mem)) {
		return fmt.Errorf("[%#x, %#x) exceeds %#x: %w", addr, end, len(s.mem), ErrOutOfRange)
	}
	return nil
}

// Lock implements part of the Driver interface.
func (s *Sim) Lock(context.Context) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.locked = true
	return nil
}

// Unlock implements part of the Driver interface.
func (s *Sim) Unlock(context.Context) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.locked = false
	return nil
}

// Read implements part of the Driver interface.
func (s *Sim) Read(_ context.Context, addr uint32, n int) ([]byte, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if err := s.checkRange(addr, n); err != nil {
		return nil, err
	} else if s.busy {
		return nil, ErrDeviceBusy
	}
	return bytes.Clone(s.mem[addr : int(addr)+n]), nil
}

// Write implements part of the Driver interface.
func (s *Sim) Write(ctx context.Context, addr uint32, data []byte) error {
	s.μ.Lock()
	if err := s.checkRange(addr, len(data)); err != nil {
		s.μ.Unlock()
		return err
	} else if s.busy {
		s.μ.Unlock()
		return ErrDeviceBusy
	}
	s.busy = true
	s.μ.Unlock()

	// Keep the device busy for the program time even if ctx ends, so the
	// write is not torn.
	time.Sleep(s.program)

	s.μ.Lock()
	defer s.μ.Unlock()
	for i, b := range data {
		s.mem[int(addr)+i] &= b
	}
	s.busy = false
	s.writes++
	return nil
}

// Erase implements part of the Driver interface.
func (s *Sim) Erase(_ context.Context, addr uint32, n int) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if err := s.checkRange(addr, n); err != nil {
		return err
	} else if s.busy {
		return ErrDeviceBusy
	} else if n == 0 {
		return nil
	}
	lo := int(addr) / SectorSize * SectorSize
	hi := (int(addr) + n + SectorSize - 1) / SectorSize * SectorSize
	for i := lo; i < hi; i++ {
		s.mem[i] = 0xff
	}
	return nil
}
