// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package spi

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// A Responder computes the bytes a simulated device clocks in for tx.
type Responder func(cs uint8, tx []byte) []byte

// Sim is an in-memory Driver. Each transfer is answered by a Responder; by
// default the bus is a loopback and rx equals tx.
type Sim struct {
	respond Responder

	μ      sync.Mutex
	active bool
	cs     uint8
	delay  time.Duration
	sent   [][]byte
}

var _ Driver = (*Sim)(nil)

// NewSim returns a simulator that answers transfers with respond.
// If respond == nil, the simulator echoes each transfer.
func NewSim(respond Responder) *Sim {
	if respond == nil {
		respond = func(_ uint8, tx []byte) []byte { return bytes.Clone(tx) }
	}
	return &Sim{respond: respond}
}

// Sent reports the contents of each transfer in order.
func (s *Sim) Sent() [][]byte {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.sent
}

// TransactionStart implements part of the Driver interface.
func (s *Sim) TransactionStart(_ context.Context, cs uint8) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.active {
		return ErrTransactionActive
	}
	s.active, s.cs = true, cs
	return nil
}

// Transfer implements part of the Driver interface.
func (s *Sim) Transfer(ctx context.Context, tx []byte) ([]byte, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if !s.active {
		return nil, ErrNoTransaction
	}
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
		s.delay = 0
	}
	s.sent = append(s.sent, bytes.Clone(tx))
	rx := s.respond(s.cs, tx)
	if len(rx) != len(tx) {
		fit := make([]byte, len(tx))
		copy(fit, rx)
		rx = fit
	}
	return rx, nil
}

// DelayBeforeNextTransfer implements part of the Driver interface.
func (s *Sim) DelayBeforeNextTransfer(_ context.Context, d time.Duration) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if !s.active {
		return ErrNoTransaction
	}
	s.delay = d
	return nil
}

// TransactionEnd implements part of the Driver interface.
func (s *Sim) TransactionEnd(context.Context) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if !s.active {
		return ErrNoTransaction
	}
	s.active, s.delay = false, 0
	return nil
}
