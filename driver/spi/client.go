// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package spi

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/registry"
	"github.com/creachadair/tilerpc/rpc"
)

// Client is a Driver that forwards each operation to a remote host.
type Client struct {
	rc *rpc.Client
}

var _ Driver = (*Client)(nil)

// NewClient constructs a client for the spi driver described by cfg,
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

// TransactionStart implements part of the Driver interface.
func (c *Client) TransactionStart(ctx context.Context, cs uint8) error {
	_, err := c.rc.Call(ctx, OpStart, []byte{cs})
	return err
}

// Transfer implements part of the Driver interface.
func (c *Client) Transfer(ctx context.Context, tx []byte) ([]byte, error) {
	if len(tx) > MaxTransfer {
		return nil, fmt.Errorf("transfer %d bytes: %w", len(tx), ErrTransferSize)
	}
	args, _ := sized(tx).MarshalBinary()
	rsp, err := c.rc.Call(ctx, OpTransfer, args)
	if err != nil {
		return nil, err
	}
	var rx sized
	if err := rx.UnmarshalBinary(rsp); err != nil {
		return nil, err
	}
	return bytes.Clone(rx), nil
}

// DelayBeforeNextTransfer implements part of the Driver interface.
// The delay is sent with microsecond resolution.
func (c *Client) DelayBeforeNextTransfer(ctx context.Context, d time.Duration) error {
	us := binary.BigEndian.AppendUint32(nil, uint32(d/time.Microsecond))
	_, err := c.rc.Call(ctx, OpDelay, us)
	return err
}

// TransactionEnd implements part of the Driver interface.
func (c *Client) TransactionEnd(ctx context.Context) error {
	_, err := c.rc.Call(ctx, OpEnd, nil)
	return err
}
