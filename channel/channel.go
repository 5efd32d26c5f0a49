// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the tilerpc.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/tilerpc"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly without encoding into binary. Frames sent to A are received by B
// and vice versa.
func Direct() (A, B tilerpc.Channel) {
	a2b, b2a := newFlow(), newFlow()
	A = direct{out: a2b, in: b2a}
	B = direct{out: b2a, in: a2b}
	return
}

// A flow carries frames in one direction. Closing it wakes any sender or
// receiver blocked on it, without closing the frame channel itself.
type flow struct {
	frames chan *tilerpc.Frame
	done   chan struct{}
	once   sync.Once
}

func newFlow() *flow {
	return &flow{frames: make(chan *tilerpc.Frame), done: make(chan struct{})}
}

func (f *flow) close() error {
	err := net.ErrClosed
	f.once.Do(func() { close(f.done); err = nil })
	return err
}

type direct struct {
	out, in *flow
}

// Send implements a method of the [tilerpc.Channel] interface.
func (d direct) Send(f *tilerpc.Frame) error {
	select {
	case <-d.out.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out.frames <- f:
		return nil
	case <-d.out.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [tilerpc.Channel] interface.
func (d direct) Recv() (*tilerpc.Frame, error) {
	select {
	case f := <-d.in.frames:
		return f, nil
	case <-d.in.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [tilerpc.Channel] interface.
// Closing a channel ends its outbound direction only.
func (d direct) Close() error { return d.out.close() }

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives frames on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [tilerpc.Channel] interface.
func (c IOChannel) Send(f *tilerpc.Frame) error {
	if _, err := f.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [tilerpc.Channel] interface.
func (c IOChannel) Recv() (*tilerpc.Frame, error) {
	var f tilerpc.Frame
	if _, err := f.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &f, nil
}

// Close implements a method of the [tilerpc.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// Pipe constructs a connected pair of channels that exchange frames in binary
// format over in-memory pipes. Unlike Direct, every frame is encoded and
// decoded, which makes Pipe suitable for exercising the wire format.
func Pipe() (A, B IOChannel) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return IO(ar, pipeCloser{aw, ar}), IO(br, pipeCloser{bw, br})
}

// pipeCloser closes both halves of one side of a Pipe, so that closing a
// channel also unblocks its own pending Recv.
type pipeCloser struct {
	*io.PipeWriter
	r *io.PipeReader
}

func (p pipeCloser) Close() error {
	p.r.Close()
	return p.PipeWriter.Close()
}
