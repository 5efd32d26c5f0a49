// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package gpio

import (
	"context"
	"fmt"
	"sync"
)

// Sim is an in-memory Driver. Input levels are set with SetInput; values
// written to a port are reported by Output.
type Sim struct {
	μ       sync.Mutex
	enabled [NumPorts]bool
	intr    [NumPorts]bool
	in      [NumPorts]uint32
	out     [NumPorts]uint32
	ctrl    [NumPorts]uint32
}

var _ Driver = (*Sim)(nil)

// NewSim returns a simulator with all ports disabled and all levels zero.
func NewSim() *Sim { return new(Sim) }

// SetInput sets the level reported by ReadPort for p.
func (s *Sim) SetInput(p PortID, v uint32) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.in[p%NumPorts] = v
}

// Output reports the last value written to p.
func (s *Sim) Output(p PortID) uint32 {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.out[p%NumPorts]
}

// Control reports the last control word written to p.
func (s *Sim) Control(p PortID) uint32 {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.ctrl[p%NumPorts]
}

// Interrupts reports whether interrupts are enabled for p.
func (s *Sim) Interrupts(p PortID) bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.intr[p%NumPorts]
}

// EnablePort implements part of the Driver interface.
func (s *Sim) EnablePort(_ context.Context, p PortID) error {
	if err := checkPort(p); err != nil {
		return err
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.enabled[p] = true
	return nil
}

// ReadPort implements part of the Driver interface.
func (s *Sim) ReadPort(_ context.Context, p PortID) (uint32, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if err := s.checkEnabledLocked(p); err != nil {
		return 0, err
	}
	return s.in[p], nil
}

// WritePort implements part of the Driver interface.
func (s *Sim) WritePort(_ context.Context, p PortID, v uint32) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if err := s.checkEnabledLocked(p); err != nil {
		return err
	}
	s.out[p] = v
	return nil
}

// WriteControlWord implements part of the Driver interface.
func (s *Sim) WriteControlWord(_ context.Context, p PortID, v uint32) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if err := s.checkEnabledLocked(p); err != nil {
		return err
	}
	s.ctrl[p] = v
	return nil
}

// InterruptEnable implements part of the Driver interface.
func (s *Sim) InterruptEnable(_ context.Context, p PortID) error {
	return s.setIntr(p, true)
}

// InterruptDisable implements part of the Driver interface.
func (s *Sim) InterruptDisable(_ context.Context, p PortID) error {
	return s.setIntr(p, false)
}

func (s *Sim) setIntr(p PortID, on bool) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if err := s.checkEnabledLocked(p); err != nil {
		return err
	}
	s.intr[p] = on
	return nil
}

func (s *Sim) checkEnabledLocked(p PortID) error {
	if err := checkPort(p); err != nil {
		return err
	} else if !s.enabled[p] {
		return fmt.Errorf("port %d: %w", p, ErrPortDisabled)
	}
	return nil
}
