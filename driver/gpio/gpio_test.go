// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package gpio_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tilerpc/driver/gpio"
	"github.com/creachadair/tilerpc/driver/internal/drvtest"
	"github.com/creachadair/tilerpc/rpc"
)

func setup(t *testing.T, n int) (*gpio.Sim, []*gpio.Client) {
	t.Helper()
	sim := gpio.NewSim()
	cfg, eps := drvtest.Start(t, n, gpio.Kind, gpio.Schema, func(h *rpc.Host) { gpio.Bind(h, sim) })

	var clients []*gpio.Client
	for _, ep := range eps {
		c, err := gpio.NewClient(cfg, ep, nil)
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		clients = append(clients, c)
	}
	return sim, clients
}

func TestReadPort(t *testing.T) {
	sim, cs := setup(t, 2)
	c := cs[0]
	ctx := context.Background()

	sim.SetInput(3, 0x0f)
	if _, err := c.ReadPort(ctx, 3); !errors.Is(err, gpio.ErrPortDisabled) {
		t.Errorf("ReadPort before enable: got %v, want %v", err, gpio.ErrPortDisabled)
	}
	if err := c.EnablePort(ctx, 3); err != nil {
		t.Fatalf("EnablePort: %v", err)
	}
	got, err := c.ReadPort(ctx, 3)
	if err != nil {
		t.Fatalf("ReadPort: %v", err)
	}
	if got != 0x0f {
		t.Errorf("ReadPort(3): got %#x, want 0x0f", got)
	}

	if err := c.EnablePort(ctx, gpio.NumPorts); !errors.Is(err, gpio.ErrInvalidPort) {
		t.Errorf("EnablePort(%d): got %v, want %v", gpio.NumPorts, err, gpio.ErrInvalidPort)
	}
}

func TestWrite(t *testing.T) {
	sim, cs := setup(t, 2)
	c := cs[0]
	ctx := context.Background()

	if err := c.WritePort(ctx, 1, 5); !errors.Is(err, gpio.ErrPortDisabled) {
		t.Errorf("WritePort before enable: got %v, want %v", err, gpio.ErrPortDisabled)
	}
	if err := c.EnablePort(ctx, 1); err != nil {
		t.Fatalf("EnablePort: %v", err)
	}
	if err := c.WritePort(ctx, 1, 0xdeadbeef); err != nil {
		t.Errorf("WritePort: %v", err)
	}
	if err := c.WriteControlWord(ctx, 1, 0x7); err != nil {
		t.Errorf("WriteControlWord: %v", err)
	}
	if err := c.InterruptEnable(ctx, 1); err != nil {
		t.Errorf("InterruptEnable: %v", err)
	}
	if got := sim.Output(1); got != 0xdeadbeef {
		t.Errorf("Output: got %#x, want 0xdeadbeef", got)
	}
	if got := sim.Control(1); got != 0x7 {
		t.Errorf("Control: got %#x, want 0x7", got)
	}
	if !sim.Interrupts(1) {
		t.Error("Interrupts: got false, want true")
	}
	if err := c.InterruptDisable(ctx, 1); err != nil {
		t.Errorf("InterruptDisable: %v", err)
	}
	if sim.Interrupts(1) {
		t.Error("Interrupts: got true, want false")
	}
}

func TestManyClients(t *testing.T) {
	const numTiles = 6
	sim, cs := setup(t, numTiles)
	ctx := context.Background()

	g := taskgroup.New(nil)
	for i, c := range cs {
		p := gpio.PortID(i)
		g.Go(func() error {
			if err := c.EnablePort(ctx, p); err != nil {
				return err
			}
			for v := range uint32(50) {
				if err := c.WritePort(ctx, p, v); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Clients: %v", err)
	}
	for i := range cs {
		if got := sim.Output(gpio.PortID(i)); got != 49 {
			t.Errorf("Output(%d): got %d, want 49", i, got)
		}
	}
}
