// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package i2c

import (
	"context"
	"fmt"
	"sync"
)

// Sim is an in-memory bus of register-file devices. Each device has 256
// one-byte registers and a register pointer. The first byte of a write sets
// the pointer, and each byte moved after that advances it.
type Sim struct {
	μ       sync.Mutex
	devices map[uint8]*simDevice
	stops   int
}

type simDevice struct {
	regs [256]byte
	ptr  uint8
}

var _ Driver = (*Sim)(nil)

// NewSim returns a bus with devices attached at the given addresses.
func NewSim(addrs ...uint8) *Sim {
	s := &Sim{devices: make(map[uint8]*simDevice)}
	for _, a := range addrs {
		s.devices[a] = new(simDevice)
	}
	return s
}

// Register reports the contents of register reg of the device at addr.
// It reports 0 if no device is attached at addr.
func (s *Sim) Register(addr, reg uint8) uint8 {
	s.μ.Lock()
	defer s.μ.Unlock()
	if d, ok := s.devices[addr]; ok {
		return d.regs[reg]
	}
	return 0
}

// Stops reports how many stop bits have been sent on the bus.
func (s *Sim) Stops() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.stops
}

func (s *Sim) deviceLocked(addr uint8) (*simDevice, error) {
	d, ok := s.devices[addr]
	if !ok {
		return nil, fmt.Errorf("device %#02x: %w", addr, ErrNack)
	}
	return d, nil
}

// Write implements part of the Driver interface.
func (s *Sim) Write(_ context.Context, addr uint8, buf []byte, stop bool) (int, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	d, err := s.deviceLocked(addr)
	if err != nil {
		return 0, err
	}
	if len(buf) != 0 {
		d.ptr = buf[0]
		for _, b := range buf[1:] {
			d.regs[d.ptr] = b
			d.ptr++
		}
	}
	if stop {
		s.stops++
	}
	return len(buf), nil
}

// Read implements part of the Driver interface.
func (s *Sim) Read(_ context.Context, addr uint8, n int, stop bool) ([]byte, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	d, err := s.deviceLocked(addr)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = d.regs[d.ptr]
		d.ptr++
	}
	if stop {
		s.stops++
	}
	return out, nil
}

// StopBitSend implements part of the Driver interface.
func (s *Sim) StopBitSend(context.Context) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.stops++
	return nil
}

// RegWrite implements part of the Driver interface.
func (s *Sim) RegWrite(ctx context.Context, addr, reg, v uint8) error {
	_, err := s.Write(ctx, addr, []byte{reg, v}, true)
	return err
}

// RegRead implements part of the Driver interface.
func (s *Sim) RegRead(ctx context.Context, addr, reg uint8) (uint8, error) {
	if _, err := s.Write(ctx, addr, []byte{reg}, false); err != nil {
		return 0, err
	}
	out, err := s.Read(ctx, addr, 1, true)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}
