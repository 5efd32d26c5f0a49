// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package spi defines the remote interface to an SPI bus master.
//
// A transaction selects one device and may carry any number of transfers.
// While a transaction is open, only the tile that opened it may use the bus;
// other tiles are refused with ErrTransactionActive rather than blocked, so
// that a slow client cannot stall the host.
package spi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/handler"
	"github.com/creachadair/tilerpc/packet"
	"github.com/creachadair/tilerpc/rpc"
)

// Kind is the driver type name used in the registry.
const Kind = "spi"

// MaxTransfer is the largest number of bytes moved by a single Transfer.
const MaxTransfer = 1024

var (
	// ErrNoTransaction is reported for a transfer outside a transaction held
	// by the caller.
	ErrNoTransaction = errors.New("no transaction in progress")

	// ErrTransactionActive is reported when a transaction is already open.
	ErrTransactionActive = errors.New("transaction already active")

	// ErrTransferSize is reported by a client for a transfer larger than
	// MaxTransfer. It is not sent over the link.
	ErrTransferSize = errors.New("transfer too large")
)

// Operation codes.
const (
	OpStart    = 1
	OpTransfer = 2
	OpDelay    = 3
	OpEnd      = 4
)

// Schema is the operation table shared by spi hosts and clients.
var Schema = rpc.NewSchema(Kind,
	rpc.Op{Code: OpStart, Name: "transaction_start", Args: rpc.Layout{Fixed: 1}},
	rpc.Op{Code: OpTransfer, Name: "transfer", Args: rpc.Layout{Fixed: 4, Var: true}, Result: rpc.Layout{Fixed: 4, Var: true}},
	rpc.Op{Code: OpDelay, Name: "delay_before_next_transfer", Args: rpc.Layout{Fixed: 4}},
	rpc.Op{Code: OpEnd, Name: "transaction_end"},
).WithErrors(map[uint16]error{
	1: ErrNoTransaction,
	2: ErrTransactionActive,
})

// Driver is the interface to an SPI bus master.
type Driver interface {
	// TransactionStart asserts the chip select for device cs.
	TransactionStart(ctx context.Context, cs uint8) error

	// Transfer clocks tx out to the device and returns the bytes clocked in,
	// which are the same length as tx.
	Transfer(ctx context.Context, tx []byte) ([]byte, error)

	// DelayBeforeNextTransfer sets a minimum idle time before the next
	// transfer in the current transaction.
	DelayBeforeNextTransfer(ctx context.Context, d time.Duration) error

	// TransactionEnd releases the chip select.
	TransactionEnd(ctx context.Context) error
}

// sized packs a byte buffer with its length prefix.
type sized []byte

func (s sized) MarshalBinary() ([]byte, error) {
	b := packet.NewBuilder(4 + len(s))
	b.Buffer(s)
	return b.Bytes(), nil
}

func (s *sized) UnmarshalBinary(data []byte) error {
	buf, err := packet.NewScanner(data).Buffer()
	if err != nil {
		return err
	}
	*s = buf
	return nil
}

// binding tracks which tile holds the open transaction. Its handlers run
// serially on the host executor.
type binding struct {
	d      Driver
	active bool
	owner  tilerpc.TileID
}

func (b *binding) checkOwner(ctx context.Context) error {
	tile, _ := rpc.ContextClient(ctx)
	if !b.active || tile != b.owner {
		return fmt.Errorf("tile %v: %w", tile, ErrNoTransaction)
	}
	return nil
}

// Bind registers handlers on h for each spi operation, delegating to d.
// It returns h to permit chaining.
func Bind(h *rpc.Host, d Driver) *rpc.Host {
	b := &binding{d: d}
	return h.
		Handle(OpStart, handler.ParamError(func(ctx context.Context, cs uint8) error {
			if b.active {
				return fmt.Errorf("held by tile %v: %w", b.owner, ErrTransactionActive)
			}
			if err := d.TransactionStart(ctx, cs); err != nil {
				return err
			}
			b.owner, _ = rpc.ContextClient(ctx)
			b.active = true
			return nil
		})).
		Handle(OpTransfer, handler.ParamResultError(func(ctx context.Context, tx sized) (sized, error) {
			if err := b.checkOwner(ctx); err != nil {
				return nil, err
			} else if len(tx) > MaxTransfer {
				return nil, fmt.Errorf("transfer %d bytes: %w", len(tx), ErrTransferSize)
			}
			rx, err := d.Transfer(ctx, tx)
			return sized(rx), err
		})).
		Handle(OpDelay, handler.ParamError(func(ctx context.Context, us uint32) error {
			if err := b.checkOwner(ctx); err != nil {
				return err
			}
			return d.DelayBeforeNextTransfer(ctx, time.Duration(us)*time.Microsecond)
		})).
		Handle(OpEnd, handler.Action(func(ctx context.Context) error {
			if err := b.checkOwner(ctx); err != nil {
				return err
			}
			b.active = false
			return d.TransactionEnd(ctx)
		}))
}
