// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package mic

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

// NewClient constructs a client for the mic driver described by cfg,
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

// GetFrames implements the Driver interface.
func (c *Client) GetFrames(ctx context.Context, n int) ([][]int32, error) {
	if err := checkCount(n); err != nil {
		return nil, err
	}
	rsp, err := c.rc.Call(ctx, OpGetFrames, binary.BigEndian.AppendUint32(nil, uint32(n)))
	if err != nil {
		return nil, err
	}
	var fs frames
	if err := fs.UnmarshalBinary(rsp); err != nil {
		return nil, err
	} else if len(fs) != n {
		return nil, fmt.Errorf("got %d frames, want %d", len(fs), n)
	}
	return fs, nil
}
