// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package tilerpc connects tiles: independent execution domains with private
// memory that communicate only over ordered, reliable point-to-point channels.
//
// On top of those channels, the subpackages provide two services. Package rpc
// lets a tile call a peripheral driver owned by another tile as if the driver
// were local, and package pipe moves bulk data between tiles with credit-based
// flow control.
//
// # Links
//
// The core type defined by this package is the [Link]. A link multiplexes up
// to 256 logical ports over a single [Channel] between two tiles.
//
// To create a new, unstarted link from tile 0 to tile 1:
//
//	l := tilerpc.NewLink(0, 1)
//
// To start the receive routine, call the Start method with a channel
// connected to the other tile:
//
//	l.Start(ch)
//
// The link runs until [Link.Stop] is called, the channel is closed by the
// remote tile, or a framing error occurs. Call [Link.Wait] to wait for the
// link to exit and return its status:
//
//	if err := l.Wait(); err != nil {
//	   log.Fatalf("Link failed: %v", err)
//	}
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive frames. A
// Channel implementation must allow concurrent use by one sender and one
// receiver. The channel package provides some basic implementations.
//
// # Endpoints
//
// Each port of a running link is opened with [Link.Open], which returns an
// [Endpoint]. Messages sent on an endpoint arrive in order at the endpoint for
// the same port on the remote tile:
//
//	ep, err := l.Open(3)
//	...
//	err = ep.Send([]byte("hello"))
//	msg, err := ep.Recv(ctx)
//
// When the link fails, every open endpoint reports [ErrChannelClosed].
// Endpoints on other links are unaffected.
//
// # Frames
//
// On the wire, every message is carried in a [Frame] with an 8-byte header:
//
//	[0] 'T'
//	[1] 'L'
//	[2] version (0)
//	[3] frame type
//	[4] port
//	[5:8] payload length (24-bit big-endian)
//
// A frame of type DATA carries one message for its port. A frame of type
// CLOSE tells the receiver that the sender closed the port.
package tilerpc
