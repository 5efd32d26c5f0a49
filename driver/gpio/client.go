// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package gpio

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/registry"
	"github.com/creachadair/tilerpc/rpc"
)

// Client is a Driver that forwards each operation to a remote host.
type Client struct {
	rc *rpc.Client
}

var _ Driver = (*Client)(nil)

// NewClient constructs a client for the gpio driver described by cfg,
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

// EnablePort implements part of the Driver interface.
func (c *Client) EnablePort(ctx context.Context, p PortID) error {
	_, err := c.rc.Call(ctx, OpEnable, []byte{byte(p)})
	return err
}

// ReadPort implements part of the Driver interface.
func (c *Client) ReadPort(ctx context.Context, p PortID) (uint32, error) {
	rsp, err := c.rc.Call(ctx, OpRead, []byte{byte(p)})
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(rsp), nil
}

// WritePort implements part of the Driver interface.
func (c *Client) WritePort(ctx context.Context, p PortID, v uint32) error {
	return c.callWord(ctx, OpWrite, p, v)
}

// WriteControlWord implements part of the Driver interface.
func (c *Client) WriteControlWord(ctx context.Context, p PortID, v uint32) error {
	return c.callWord(ctx, OpControl, p, v)
}

// InterruptEnable implements part of the Driver interface.
func (c *Client) InterruptEnable(ctx context.Context, p PortID) error {
	_, err := c.rc.Call(ctx, OpIntrEnable, []byte{byte(p)})
	return err
}

// InterruptDisable implements part of the Driver interface.
func (c *Client) InterruptDisable(ctx context.Context, p PortID) error {
	_, err := c.rc.Call(ctx, OpIntrDisable, []byte{byte(p)})
	return err
}

func (c *Client) callWord(ctx context.Context, op uint16, p PortID, v uint32) error {
	args, _ := portValue{Port: p, Value: v}.MarshalBinary()
	_, err := c.rc.Call(ctx, op, args)
	return err
}
