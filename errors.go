// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tilerpc

import (
	"errors"
	"fmt"
)

// Errors reported by the link, RPC and pipe layers. Callers should use
// errors.Is to test for these, since they are usually wrapped with detail.
var (
	// ErrMalformedMessage means a message did not have the layout required
	// by its operation code.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrTimeout means no response arrived before the caller's deadline.
	ErrTimeout = errors.New("rpc timeout")

	// ErrChannelClosed means the endpoint or the link beneath it closed.
	ErrChannelClosed = errors.New("rpc channel closed")

	// ErrNotReady means a call was issued before the host announced itself.
	ErrNotReady = errors.New("rpc host not ready")

	// ErrSchemaMismatch means the host and the client were built with
	// different operation tables.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrPipeDisconnected means the link carrying a pipe has dropped.
	ErrPipeDisconnected = errors.New("pipe disconnected")

	// ErrPipeLimit means the fixed pipe or descriptor budget is exhausted.
	ErrPipeLimit = errors.New("pipe limit exceeded")

	// ErrEmpty means no buffer or credit is currently available.
	ErrEmpty = errors.New("empty")

	// ErrNotOwner means a buffer handle is stale or held by someone else.
	ErrNotOwner = errors.New("buffer not owned by caller")
)

// TileID identifies one of the small, fixed set of tiles in a system.
type TileID uint8

func (t TileID) String() string { return fmt.Sprintf("tile[%d]", uint8(t)) }
