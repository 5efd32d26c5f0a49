// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package gpio defines the remote interface to a general-purpose I/O port
// driver.
//
// A Driver is implemented by the hardware (or a Sim) on the tile that owns
// the ports, and by a Client on any other tile. Bind exposes a Driver through
// an rpc.Host so that clients reach it over a link.
package gpio

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/tilerpc/handler"
	"github.com/creachadair/tilerpc/packet"
	"github.com/creachadair/tilerpc/rpc"
)

// Kind is the driver type name used in the registry.
const Kind = "gpio"

// NumPorts is the number of ports addressable on a tile.
const NumPorts = 32

// PortID identifies a port.
type PortID uint8

var (
	// ErrPortDisabled is reported for an operation on a port that has not
	// been enabled.
	ErrPortDisabled = errors.New("port not enabled")

	// ErrInvalidPort is reported for a port ID outside the valid range.
	ErrInvalidPort = errors.New("invalid port")
)

// Operation codes.
const (
	OpEnable      = 1
	OpRead        = 2
	OpWrite       = 3
	OpControl     = 4
	OpIntrEnable  = 5
	OpIntrDisable = 6
)

// Schema is the operation table shared by gpio hosts and clients.
var Schema = rpc.NewSchema(Kind,
	rpc.Op{Code: OpEnable, Name: "enable_port", Args: rpc.Layout{Fixed: 1}},
	rpc.Op{Code: OpRead, Name: "read_port", Args: rpc.Layout{Fixed: 1}, Result: rpc.Layout{Fixed: 4}},
	rpc.Op{Code: OpWrite, Name: "write_port", Args: rpc.Layout{Fixed: 5}},
	rpc.Op{Code: OpControl, Name: "write_control_word", Args: rpc.Layout{Fixed: 5}},
	rpc.Op{Code: OpIntrEnable, Name: "interrupt_enable", Args: rpc.Layout{Fixed: 1}},
	rpc.Op{Code: OpIntrDisable, Name: "interrupt_disable", Args: rpc.Layout{Fixed: 1}},
).WithErrors(map[uint16]error{
	1: ErrPortDisabled,
	2: ErrInvalidPort,
})

// Driver is the interface to a set of GPIO ports.
type Driver interface {
	EnablePort(ctx context.Context, p PortID) error
	ReadPort(ctx context.Context, p PortID) (uint32, error)
	WritePort(ctx context.Context, p PortID, v uint32) error
	WriteControlWord(ctx context.Context, p PortID, v uint32) error
	InterruptEnable(ctx context.Context, p PortID) error
	InterruptDisable(ctx context.Context, p PortID) error
}

// portValue is the argument packet for an operation that writes a word.
type portValue struct {
	Port  PortID
	Value uint32
}

func (pv portValue) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(5)
	b.Uint8(uint8(pv.Port))
	b.Uint32(pv.Value)
	return b.Bytes(), nil
}

func (pv *portValue) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	p, err := s.Uint8()
	if err != nil {
		return err
	}
	v, err := s.Uint32()
	if err != nil {
		return err
	}
	pv.Port, pv.Value = PortID(p), v
	return s.Done()
}

func checkPort(p PortID) error {
	if p >= NumPorts {
		return fmt.Errorf("port %d: %w", p, ErrInvalidPort)
	}
	return nil
}

// Bind registers handlers on h for each gpio operation, delegating to d.
// It returns h to permit chaining.
func Bind(h *rpc.Host, d Driver) *rpc.Host {
	port := func(f func(context.Context, PortID) error) rpc.Handler {
		return handler.ParamError(func(ctx context.Context, p uint8) error {
			return f(ctx, PortID(p))
		})
	}
	return h.
		Handle(OpEnable, port(d.EnablePort)).
		Handle(OpRead, handler.ParamResultError(func(ctx context.Context, p uint8) (uint32, error) {
			return d.ReadPort(ctx, PortID(p))
		})).
		Handle(OpWrite, handler.ParamError(func(ctx context.Context, pv portValue) error {
			return d.WritePort(ctx, pv.Port, pv.Value)
		})).
		Handle(OpControl, handler.ParamError(func(ctx context.Context, pv portValue) error {
			return d.WriteControlWord(ctx, pv.Port, pv.Value)
		})).
		Handle(OpIntrEnable, port(d.InterruptEnable)).
		Handle(OpIntrDisable, port(d.InterruptDisable))
}
