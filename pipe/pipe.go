// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package pipe

import (
	"context"
	"fmt"
	"io"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/tilerpc"
)

// Config describes one unidirectional pipe.
type Config struct {
	Capacity   int // descriptors in the ring
	BufferSize int // bytes per descriptor
	Producer   tilerpc.TileID
	Consumer   tilerpc.TileID
}

// Owner records who holds a descriptor.
type Owner byte

const (
	OwnerFree     Owner = iota // available to Acquire (producer) or to incoming data (consumer)
	OwnerProducer              // acquired and being filled
	OwnerInFlight              // submitted and not yet credited back, or received and not yet taken
	OwnerConsumer              // taken by the consumer and not yet released
)

var ownerStr = [...]string{
	OwnerFree:     "free",
	OwnerProducer: "producer",
	OwnerInFlight: "in-flight",
	OwnerConsumer: "consumer",
}

func (o Owner) String() string {
	if int(o) < len(ownerStr) {
		return ownerStr[o]
	}
	return fmt.Sprintf("Owner(%d)", byte(o))
}

// Stats is a snapshot of the descriptors of one side of a pipe.
// Free + Held + InFlight always equals the pipe capacity.
type Stats struct {
	Free     int // available
	Held     int // held by the local caller
	InFlight int // queued or on the wire
}

// A Pipe is one side of a unidirectional buffer pipe between two tiles.
// The methods of the producer side are Acquire, Submit, and Send. The methods
// of the consumer side are Receive, TryReceive, Release, and RecvCopy.
// Calling a method of the other side reports an error wrapping ErrNotOwner.
//
// A Pipe is safe for concurrent use by multiple goroutines.
type Pipe struct {
	m        *Manager
	name     string
	id       uint32
	cfg      Config
	producer bool          // this side produces
	wake     chan struct{} // buffered, signals new credit or data
	gone     chan struct{} // closed by Close

	// These fields are protected by m.μ.
	slots    []int              // arena indices owned by this pipe
	free     []int              // arena indices with OwnerFree
	inflight *queue.Queue[int] // producer: submitted; consumer: received but not taken
	closed   bool
}

// Name reports the name the pipe was created with.
func (p *Pipe) Name() string { return p.name }

// ID reports the wire identifier of the pipe.
func (p *Pipe) ID() uint32 { return p.id }

// Config reports the configuration of the pipe.
func (p *Pipe) Config() Config { return p.cfg }

// IsProducer reports whether this side of the pipe produces data.
func (p *Pipe) IsProducer() bool { return p.producer }

// Stats reports the current descriptor counts for this side of the pipe.
func (p *Pipe) Stats() Stats {
	p.m.μ.Lock()
	defer p.m.μ.Unlock()
	var s Stats
	for _, i := range p.slots {
		switch p.m.arena[i].owner {
		case OwnerFree:
			s.Free++
		case OwnerInFlight:
			s.InFlight++
		default:
			s.Held++
		}
	}
	return s
}

// Close releases the descriptors of p back to the manager budget and removes
// the pipe. Outstanding buffers of p are invalidated. Close is idempotent.
func (p *Pipe) Close() error {
	p.m.μ.Lock()
	defer p.m.μ.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.gone)
	for _, i := range p.slots {
		p.m.releaseSlotLocked(i)
	}
	p.slots, p.free = nil, nil
	p.inflight.Clear()
	delete(p.m.pipes, p.id)
	metrics.pipesOpen.Add(-1)
	p.m.log.Debug().Str("pipe", p.name).Msg("pipe closed")
	return nil
}

// checkLocked reports whether p can be used in its current state, and
// whether the caller is on the expected side. The caller must hold m.μ.
func (p *Pipe) checkLocked(producer bool) error {
	if p.closed {
		return fmt.Errorf("pipe %q: %w", p.name, tilerpc.ErrChannelClosed)
	} else if p.producer != producer {
		side := "consumer"
		if p.producer {
			side = "producer"
		}
		return fmt.Errorf("pipe %q: this tile is the %s: %w", p.name, side, tilerpc.ErrNotOwner)
	} else if !p.m.connected {
		return fmt.Errorf("pipe %q: %w", p.name, tilerpc.ErrPipeDisconnected)
	}
	return nil
}

func (p *Pipe) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// wait blocks until p is signaled, the manager disconnects, or ctx ends.
func (p *Pipe) wait(ctx context.Context, down <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("pipe %q: %w: %w", p.name, tilerpc.ErrTimeout, ctx.Err())
	case <-down:
		return fmt.Errorf("pipe %q: %w", p.name, tilerpc.ErrPipeDisconnected)
	case <-p.gone:
		return fmt.Errorf("pipe %q: %w", p.name, tilerpc.ErrChannelClosed)
	case <-p.wake:
		return nil
	}
}

// Acquire takes a free descriptor for the producer to fill. It does not
// block: if no credit is available, it reports ErrEmpty.
func (p *Pipe) Acquire() (*Buffer, error) {
	p.m.μ.Lock()
	defer p.m.μ.Unlock()
	return p.acquireLocked()
}

func (p *Pipe) acquireLocked() (*Buffer, error) {
	if err := p.checkLocked(true); err != nil {
		return nil, err
	}
	n := len(p.free)
	if n == 0 {
		return nil, fmt.Errorf("pipe %q: no credit: %w", p.name, tilerpc.ErrEmpty)
	}
	i := p.free[n-1]
	p.free = p.free[:n-1]
	s := &p.m.arena[i]
	s.gen++
	s.owner = OwnerProducer
	s.data = s.data[:0]
	return &Buffer{p: p, idx: i, gen: s.gen}, nil
}

// Submit sends the contents of b to the consumer. Ownership of b passes to
// the pipe, and b must not be used again.
func (p *Pipe) Submit(ctx context.Context, b *Buffer) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipe %q: %w: %w", p.name, tilerpc.ErrTimeout, err)
	}
	p.m.μ.Lock()
	if err := p.checkLocked(true); err != nil {
		p.m.μ.Unlock()
		return err
	}
	s, err := p.m.slotLocked(b, p, OwnerProducer)
	if err != nil {
		p.m.μ.Unlock()
		return err
	}
	msg := encodeData(p.id, s.data)
	s.owner = OwnerInFlight
	p.inflight.Add(b.idx)
	ep := p.m.ep
	p.m.μ.Unlock()

	if err := ep.Send(msg); err != nil {
		return fmt.Errorf("pipe %q: %w: %w", p.name, tilerpc.ErrPipeDisconnected, err)
	}
	metrics.dataSent.Add(1)
	return nil
}

// Send copies data into a descriptor and submits it, waiting for credit if
// none is available. It reports ErrTimeout if ctx ends first.
func (p *Pipe) Send(ctx context.Context, data []byte) error {
	if len(data) > p.cfg.BufferSize {
		return fmt.Errorf("pipe %q: %d bytes exceeds buffer size %d", p.name, len(data), p.cfg.BufferSize)
	}
	for {
		p.m.μ.Lock()
		b, err := p.acquireLocked()
		down := p.m.down
		more := len(p.free) != 0
		p.m.μ.Unlock()
		if err == nil {
			if more {
				p.signal() // pass the baton to another sender
			}
			b.Write(data)
			return p.Submit(ctx, b)
		} else if !isEmpty(err) {
			return err
		}
		if err := p.wait(ctx, down); err != nil {
			return err
		}
	}
}

// Receive blocks until data arrive, the pipe disconnects, or ctx ends, and
// returns a buffer owned by the caller. The caller must Release it when done.
func (p *Pipe) Receive(ctx context.Context) (*Buffer, error) {
	for {
		p.m.μ.Lock()
		b, err := p.takeLocked()
		down := p.m.down
		more := !p.inflight.IsEmpty()
		p.m.μ.Unlock()
		if err == nil {
			if more {
				p.signal()
			}
			return b, nil
		} else if !isEmpty(err) {
			return nil, err
		}
		if err := p.wait(ctx, down); err != nil {
			return nil, err
		}
	}
}

// TryReceive is as Receive, but reports ErrEmpty instead of blocking if no
// data are queued.
func (p *Pipe) TryReceive() (*Buffer, error) {
	p.m.μ.Lock()
	defer p.m.μ.Unlock()
	return p.takeLocked()
}

func (p *Pipe) takeLocked() (*Buffer, error) {
	if err := p.checkLocked(false); err != nil {
		return nil, err
	}
	i, ok := p.inflight.Pop()
	if !ok {
		return nil, fmt.Errorf("pipe %q: no data: %w", p.name, tilerpc.ErrEmpty)
	}
	s := &p.m.arena[i]
	s.gen++
	s.owner = OwnerConsumer
	return &Buffer{p: p, idx: i, gen: s.gen}, nil
}

// Release returns b to the pipe and grants one credit to the producer.
// After Release, b must not be used again.
func (p *Pipe) Release(b *Buffer) error {
	p.m.μ.Lock()
	if p.closed {
		p.m.μ.Unlock()
		return fmt.Errorf("pipe %q: %w", p.name, tilerpc.ErrChannelClosed)
	}
	s, err := p.m.slotLocked(b, p, OwnerConsumer)
	if err != nil {
		p.m.μ.Unlock()
		return err
	}
	s.owner = OwnerFree
	s.data = s.data[:0]
	p.free = append(p.free, b.idx)
	ep, connected := p.m.ep, p.m.connected
	p.m.μ.Unlock()

	// A descriptor released after the link dropped stays local; the credit
	// is restored when the pipe is reconnected.
	if !connected {
		return nil
	}
	if err := ep.Send(encodeCredit(p.id, 1)); err != nil {
		return fmt.Errorf("pipe %q: %w: %w", p.name, tilerpc.ErrPipeDisconnected, err)
	}
	metrics.creditSent.Add(1)
	return nil
}

// RecvCopy receives the next message into dst, releases its buffer, and
// reports the number of bytes copied. If dst is too small, the message is
// truncated and RecvCopy reports io.ErrShortBuffer along with the count.
func (p *Pipe) RecvCopy(ctx context.Context, dst []byte) (int, error) {
	b, err := p.Receive(ctx)
	if err != nil {
		return 0, err
	}
	src := b.Bytes()
	n := copy(dst, src)
	if err := p.Release(b); err != nil {
		return n, err
	}
	if n < len(src) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// A Buffer is a handle to a descriptor held by the caller. A handle becomes
// invalid when it is submitted or released, and when its pipe is closed or
// reconnected. Using an invalid handle reports an error wrapping ErrNotOwner.
type Buffer struct {
	p   *Pipe
	idx int    // arena index
	gen uint32 // arena generation when the handle was issued
}

// Bytes reports the contents of b. The slice is only valid until b is
// submitted or released. It returns nil if b is not valid.
func (b *Buffer) Bytes() []byte {
	m := b.p.m
	m.μ.Lock()
	defer m.μ.Unlock()
	s, err := m.slotLocked(b, b.p, OwnerProducer, OwnerConsumer)
	if err != nil {
		return nil
	}
	return s.data
}

// Len reports the number of bytes in b, or 0 if b is not valid.
func (b *Buffer) Len() int { return len(b.Bytes()) }

// Cap reports the capacity of b, which is the buffer size of its pipe.
func (b *Buffer) Cap() int { return b.p.cfg.BufferSize }

// Write appends data to a buffer held by the producer. If data do not fit,
// Write copies as much as will fit and reports io.ErrShortWrite.
func (b *Buffer) Write(data []byte) (int, error) {
	m := b.p.m
	m.μ.Lock()
	defer m.μ.Unlock()
	s, err := m.slotLocked(b, b.p, OwnerProducer)
	if err != nil {
		return 0, err
	}
	n := min(len(data), b.p.cfg.BufferSize-len(s.data))
	s.data = append(s.data, data[:n]...)
	if n < len(data) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Reset discards the contents of a buffer held by the producer.
func (b *Buffer) Reset() {
	m := b.p.m
	m.μ.Lock()
	defer m.μ.Unlock()
	if s, err := m.slotLocked(b, b.p, OwnerProducer); err == nil {
		s.data = s.data[:0]
	}
}
