// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package i2c

import (
	"bytes"
	"context"
	"fmt"

	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/packet"
	"github.com/creachadair/tilerpc/registry"
	"github.com/creachadair/tilerpc/rpc"
)

// Client is a Driver that forwards each operation to a remote host.
type Client struct {
	rc *rpc.Client
}

var _ Driver = (*Client)(nil)

// NewClient constructs a client for the i2c driver described by cfg,
// communicating over ep.
func NewClient(cfg *registry.Config, ep *tilerpc.Endpoint, opts *rpc.ClientOptions) (*Client, error) {
	if cfg.Kind() != Kind {
		return nil, fmt.Errorf("driver %q is a %s, not %s", cfg.Name(), cfg.Kind(), Kind)
	}
	rc, err := rpc.NewClient(cfg, Schema, ep, opts)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc}, nil
}

// Close closes the client endpoint.
func (c *Client) Close() error { return c.rc.Close() }

// Write implements part of the Driver interface.
func (c *Client) Write(ctx context.Context, addr uint8, buf []byte, stop bool) (int, error) {
	if len(buf) > MaxTransfer {
		return 0, fmt.Errorf("write %d bytes: %w", len(buf), ErrTransferSize)
	}
	args, _ := writeArgs{Addr: addr, Stop: stop, Data: buf}.MarshalBinary()
	rsp, err := c.rc.Call(ctx, OpWrite, args)
	if err != nil {
		return 0, err
	}
	var res writeResult
	if err := res.UnmarshalBinary(rsp); err != nil {
		return 0, err
	} else if res.Nack {
		return int(res.N), fmt.Errorf("write to %#02x: %w", addr, ErrNack)
	}
	return int(res.N), nil
}

// Read implements part of the Driver interface.
func (c *Client) Read(ctx context.Context, addr uint8, n int, stop bool) ([]byte, error) {
	if n < 0 || n > MaxTransfer {
		return nil, fmt.Errorf("read %d bytes: %w", n, ErrTransferSize)
	}
	args, _ := readArgs{Addr: addr, Stop: stop, N: uint32(n)}.MarshalBinary()
	rsp, err := c.rc.Call(ctx, OpRead, args)
	if err != nil {
		return nil, err
	}
	data, err := packet.NewScanner(rsp).Buffer()
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

// StopBitSend implements part of the Driver interface.
func (c *Client) StopBitSend(ctx context.Context) error {
	_, err := c.rc.Call(ctx, OpStop, nil)
	return err
}

// RegWrite implements part of the Driver interface.
func (c *Client) RegWrite(ctx context.Context, addr, reg, v uint8) error {
	_, err := c.rc.Call(ctx, OpRegWrite, []byte{addr, reg, v})
	return err
}

// RegRead implements part of the Driver interface.
func (c *Client) RegRead(ctx context.Context, addr, reg uint8) (uint8, error) {
	rsp, err := c.rc.Call(ctx, OpRegRead, []byte{addr, reg})
	if err != nil {
		return 0, err
	}
	return rsp[0], nil
}
