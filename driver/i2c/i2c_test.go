// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package i2c_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/tilerpc/driver/i2c"
	"github.com/creachadair/tilerpc/driver/internal/drvtest"
	"github.com/creachadair/tilerpc/rpc"
	"github.com/google/go-cmp/cmp"
)

const devAddr = 0x48

func setup(t *testing.T) (*i2c.Sim, *i2c.Client) {
	t.Helper()
	sim := i2c.NewSim(devAddr)
	cfg, eps := drvtest.Start(t, 2, i2c.Kind, i2c.Schema, func(h *rpc.Host) { i2c.Bind(h, sim) })
	c, err := i2c.NewClient(cfg, eps[0], nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return sim, c
}

func TestWriteRead(t *testing.T) {
	sim, c := setup(t)
	ctx := context.Background()

	n, err := c.Write(ctx, devAddr, []byte{0x10, 'a', 'b', 'c'}, true)
	if err != nil {
		t.Fatalf("Write: %v", err)
	} else if n != 4 {
		t.Errorf("Write: got n=%d, want 4", n)
	}
	if got := sim.Register(devAddr, 0x11); got != 'b' {
		t.Errorf("Register 0x11: got %q, want 'b'", got)
	}

	// Reset the pointer without a stop bit, then read back.
	if _, err := c.Write(ctx, devAddr, []byte{0x10}, false); err != nil {
		t.Fatalf("Write pointer: %v", err)
	}
	got, err := c.Read(ctx, devAddr, 3, true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff([]byte("abc"), got); diff != "" {
		t.Errorf("Read (-want, +got):\n%s", diff)
	}
	if err := c.StopBitSend(ctx); err != nil {
		t.Errorf("StopBitSend: %v", err)
	}
	if got := sim.Stops(); got != 3 {
		t.Errorf("Stops: got %d, want 3", got)
	}
}

func TestRegisters(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	if err := c.RegWrite(ctx, devAddr, 0x20, 0x5a); err != nil {
		t.Fatalf("RegWrite: %v", err)
	}
	v, err := c.RegRead(ctx, devAddr, 0x20)
	if err != nil {
		t.Fatalf("RegRead: %v", err)
	} else if v != 0x5a {
		t.Errorf("RegRead: got %#x, want 0x5a", v)
	}
}

func TestNack(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	if n, err := c.Write(ctx, 0x10, []byte{1, 2}, true); !errors.Is(err, i2c.ErrNack) {
		t.Errorf("Write absent device: got (%d, %v), want %v", n, err, i2c.ErrNack)
	}
	if _, err := c.Read(ctx, 0x10, 1, true); !errors.Is(err, i2c.ErrNack) {
		t.Errorf("Read absent device: got %v, want %v", err, i2c.ErrNack)
	}
	if _, err := c.RegRead(ctx, 0x10, 0); !errors.Is(err, i2c.ErrNack) {
		t.Errorf("RegRead absent device: got %v, want %v", err, i2c.ErrNack)
	}
	if _, err := c.Write(ctx, devAddr, make([]byte, i2c.MaxTransfer+1), true); !errors.Is(err, i2c.ErrTransferSize) {
		t.Errorf("Write oversize: got %v, want %v", err, i2c.ErrTransferSize)
	}
}
