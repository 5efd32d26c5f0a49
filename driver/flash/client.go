// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package flash

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/packet"
	"github.com/creachadair/tilerpc/registry"
	"github.com/creachadair/tilerpc/rpc"
)

// Client is a Driver that forwards each operation to a remote host.
//
// A Client may be shared by several goroutines. The chunks of a large Read
// are not interleaved with other calls from the same client.
type Client struct {
	μ  sync.Mutex
	rc *rpc.Client
}

var _ Driver = (*Client)(nil)

// NewClient constructs a client for the flash driver described by cfg,
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

func (c *Client) call(ctx context.Context, op uint16, args []byte) ([]byte, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.rc.Call(ctx, op, args)
}

// Lock implements part of the Driver interface.
func (c *Client) Lock(ctx context.Context) error {
	_, err := c.call(ctx, OpLock, nil)
	return err
}

// Unlock implements part of the Driver interface.
func (c *Client) Unlock(ctx context.Context) error {
	_, err := c.call(ctx, OpUnlock, nil)
	return err
}

// Read implements part of the Driver interface. Reads longer than ReadChunk
// are issued as a sequence of calls.
func (c *Client) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("read %d bytes: %w", n, ErrOutOfRange)
	}
	c.μ.Lock()
	defer c.μ.Unlock()

	out := make([]byte, 0, n)
	for len(out) < n {
		want := min(n-len(out), ReadChunk)
		args, _ := span{Addr: addr + uint32(len(out)), N: uint32(want)}.MarshalBinary()
		rsp, err := c.rc.Call(ctx, OpRead, args)
		if err != nil {
			return nil, err
		}
		data, err := packet.NewScanner(rsp).Buffer()
		if err != nil {
			return nil, err
		}
		if len(data) != want {
			return nil, fmt.Errorf("read %d bytes at %#x: got %d: %w",
				want, addr+uint32(len(out)), len(data), tilerpc.ErrMalformedMessage)
		}
		out = append(out, data...)
	}
	return out, nil
}

// Write implements part of the Driver interface.
func (c *Client) Write(ctx context.Context, addr uint32, data []byte) error {
	if len(data) > MaxWrite {
		return fmt.Errorf("write %d bytes: %w", len(data), ErrWriteSize)
	}
	args, _ := program{Addr: addr, Data: data}.MarshalBinary()
	_, err := c.call(ctx, OpWrite, args)
	return err
}

// Erase implements part of the Driver interface.
func (c *Client) Erase(ctx context.Context, addr uint32, n int) error {
	if n < 0 {
		return fmt.Errorf("erase %d bytes: %w", n, ErrOutOfRange)
	}
	args, _ := span{Addr: addr, N: uint32(n)}.MarshalBinary()
	_, err := c.call(ctx, OpErase, args)
	return err
}
