// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package pipe implements credit-based buffer pipes between tiles.
//
// A Manager on each tile serves all the pipes that cross one link. Both tiles
// create each pipe with the same name and configuration; the name determines
// the wire identifier, so tiles built separately agree without negotiation.
//
// Flow control is by credit. The producer starts with one credit per
// descriptor and spends one for each Acquire. The consumer returns a credit
// each time it releases a descriptor, so the producer can never have more
// data in flight than the consumer has room to hold.
//
// Data in flight when the link drops are lost; the manager does not
// retransmit. Reconnect restores every pipe with full credit.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/packet"
	"github.com/creachadair/tilerpc/registry"
	"github.com/rs/zerolog"
)

// Options control the budget and diagnostics of a Manager.
// A nil *Options is ready for use and provides defaults as described.
type Options struct {
	// The maximum number of pipes. If zero, use registry.DefaultManager.
	MaxPipes int

	// The maximum number of descriptors, summed over all pipes.
	// If zero, use registry.DefaultManager.
	MaxDescriptors int

	// If non-nil, diagnostics are written here. Otherwise they are discarded.
	Logger *zerolog.Logger
}

func (o *Options) maxPipes() int {
	if o == nil || o.MaxPipes <= 0 {
		return registry.DefaultManager.MaxPipes
	}
	return o.MaxPipes
}

func (o *Options) maxDescriptors() int {
	if o == nil || o.MaxDescriptors <= 0 {
		return registry.DefaultManager.MaxDescriptors
	}
	return o.MaxDescriptors
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// A Manager owns the pipes and descriptors for one side of a link. A
// single service goroutine reads the manager endpoint and routes data and
// credit messages to their pipes.
type Manager struct {
	local tilerpc.TileID
	log   zerolog.Logger

	μ         sync.Mutex
	ep        *tilerpc.Endpoint
	arena     []slot
	spare     []int // arena indices not assigned to any pipe
	pipes     map[uint32]*Pipe
	maxPipes  int
	connected bool
	down      chan struct{} // closed when the link drops
	tasks     *taskgroup.Group
	stop      context.CancelFunc
}

// A slot is one descriptor in the arena.
type slot struct {
	pipe  *Pipe
	gen   uint32
	owner Owner
	data  []byte
}

// NewManager constructs a manager for the pipes carried by ep, and starts
// its service goroutine. The endpoint must belong to the local tile.
func NewManager(local tilerpc.TileID, ep *tilerpc.Endpoint, opts *Options) (*Manager, error) {
	if ep.Local() != local {
		return nil, fmt.Errorf("endpoint belongs to %v, not %v", ep.Local(), local)
	}
	nd := opts.maxDescriptors()
	m := &Manager{
		local:    local,
		arena:    make([]slot, nd),
		spare:    make([]int, nd),
		pipes:    make(map[uint32]*Pipe),
		maxPipes: opts.maxPipes(),
	}
	for i := range m.spare {
		m.spare[i] = nd - i - 1
	}
	m.log = opts.logger().With().Stringer("local", local).Stringer("remote", ep.Remote()).
		Uint8("port", ep.Port()).Logger()

	m.μ.Lock()
	defer m.μ.Unlock()
	m.startLocked(ep)
	return m, nil
}

// PipeID returns the wire identifier for a pipe with the given name.
func PipeID(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// Ready reports whether the manager is connected and serving its pipes.
func (m *Manager) Ready() bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.connected
}

// Pipe returns the pipe with the given name, if it exists.
func (m *Manager) Pipe(name string) (*Pipe, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	p, ok := m.pipes[PipeID(name)]
	if ok && p.name != name {
		return nil, false
	}
	return p, ok
}

// Create creates the local side of a pipe. The local tile must be its
// producer or its consumer, and the other end must be the remote tile of the
// manager's link. Create reports an error wrapping ErrPipeLimit if the pipe
// or descriptor budget does not allow it.
func (m *Manager) Create(name string, cfg Config) (*Pipe, error) {
	if name == "" {
		return nil, errors.New("empty pipe name")
	} else if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pipe %q: invalid capacity %d", name, cfg.Capacity)
	} else if cfg.BufferSize <= 0 || cfg.BufferSize > tilerpc.MaxPayload-dataHeaderLen {
		return nil, fmt.Errorf("pipe %q: invalid buffer size %d", name, cfg.BufferSize)
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	remote := m.ep.Remote()
	var producer bool
	switch {
	case cfg.Producer == m.local && cfg.Consumer == remote:
		producer = true
	case cfg.Consumer == m.local && cfg.Producer == remote:
	default:
		return nil, fmt.Errorf("pipe %q: %v→%v does not run between %v and %v",
			name, cfg.Producer, cfg.Consumer, m.local, remote)
	}

	id := PipeID(name)
	if old, ok := m.pipes[id]; ok {
		return nil, fmt.Errorf("pipe %q: id %08x already in use by %q", name, id, old.name)
	} else if len(m.pipes) >= m.maxPipes {
		return nil, fmt.Errorf("pipe %q: %d pipes: %w", name, m.maxPipes, tilerpc.ErrPipeLimit)
	} else if cfg.Capacity > len(m.spare) {
		return nil, fmt.Errorf("pipe %q: %d descriptors wanted, %d available: %w",
			name, cfg.Capacity, len(m.spare), tilerpc.ErrPipeLimit)
	}

	p := &Pipe{
		m:        m,
		name:     name,
		id:       id,
		cfg:      cfg,
		producer: producer,
		wake:     make(chan struct{}, 1),
		gone:     make(chan struct{}),
		inflight: queue.New[int](),
	}
	n := len(m.spare) - cfg.Capacity
	p.slots = append([]int(nil), m.spare[n:]...)
	m.spare = m.spare[:n]
	for _, i := range p.slots {
		s := &m.arena[i]
		s.pipe = p
		s.owner = OwnerFree
		s.data = make([]byte, 0, cfg.BufferSize)
	}
	p.free = append([]int(nil), p.slots...)
	m.pipes[id] = p
	metrics.pipesOpen.Add(1)
	m.log.Debug().Str("pipe", name).Uint32("id", id).Bool("producer", producer).
		Int("capacity", cfg.Capacity).Msg("pipe created")
	return p, nil
}

// CreateAll creates the local side of each pipe in pcs that runs over the
// manager's link, and skips the rest.
func (m *Manager) CreateAll(pcs []registry.PipeConfig) ([]*Pipe, error) {
	m.μ.Lock()
	remote := m.ep.Remote()
	m.μ.Unlock()

	var out []*Pipe
	for _, pc := range pcs {
		if !(pc.Producer == m.local && pc.Consumer == remote) && !(pc.Consumer == m.local && pc.Producer == remote) {
			continue
		}
		p, err := m.Create(pc.Name, Config{
			Capacity:   pc.Capacity,
			BufferSize: pc.BufferSize,
			Producer:   pc.Producer,
			Consumer:   pc.Consumer,
		})
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Reconnect replaces the manager endpoint with ep and restores every pipe to
// its initial state with full credit. Outstanding buffers are invalidated,
// and data that were in flight are discarded. The peer manager must also be
// reconnected for the pipes to agree on credit.
func (m *Manager) Reconnect(ep *tilerpc.Endpoint) error {
	if ep.Local() != m.local {
		return fmt.Errorf("endpoint belongs to %v, not %v", ep.Local(), m.local)
	}
	m.shutdown()

	m.μ.Lock()
	defer m.μ.Unlock()
	if r := m.ep.Remote(); ep.Remote() != r {
		return fmt.Errorf("endpoint reaches %v, not %v", ep.Remote(), r)
	}
	for _, p := range m.pipes {
		p.free = p.free[:0]
		p.inflight.Clear()
		for _, i := range p.slots {
			s := &m.arena[i]
			s.gen++
			s.owner = OwnerFree
			s.data = s.data[:0]
			p.free = append(p.free, i)
		}
	}
	m.startLocked(ep)
	metrics.reconnects.Add(1)
	m.log.Info().Int("pipes", len(m.pipes)).Msg("pipes reconnected")
	return nil
}

// Stop closes the manager endpoint and waits for its service goroutine to
// exit. After Stop, pipe operations report ErrPipeDisconnected until the
// manager is reconnected.
func (m *Manager) Stop() error {
	m.shutdown()
	return nil
}

func (m *Manager) shutdown() {
	m.μ.Lock()
	stop, tasks, ep := m.stop, m.tasks, m.ep
	m.stop, m.tasks = nil, nil
	m.μ.Unlock()
	if stop == nil {
		return
	}
	stop()
	ep.Close()
	tasks.Wait()
	m.disconnect(nil)
}

func (m *Manager) startLocked(ep *tilerpc.Endpoint) {
	ctx, cancel := context.WithCancel(context.Background())
	m.ep = ep
	m.connected = true
	m.down = make(chan struct{})
	m.stop = cancel
	m.tasks = taskgroup.New(nil)
	m.tasks.Go(func() error {
		m.serve(ctx, ep)
		return nil
	})
}

// disconnect marks the manager as disconnected and wakes all waiters.
func (m *Manager) disconnect(err error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if !m.connected {
		return
	}
	m.connected = false
	close(m.down)
	if err != nil {
		metrics.disconnects.Add(1)
		m.log.Warn().Err(err).Msg("pipe link dropped")
	}
}

// serve routes messages from ep until it fails or ctx ends.
func (m *Manager) serve(ctx context.Context, ep *tilerpc.Endpoint) {
	for {
		data, err := ep.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.disconnect(err)
			}
			return
		}
		reply, err := m.dispatch(data)
		if err != nil {
			metrics.dropped.Add(1)
			m.log.Warn().Err(err).Msg("dropped pipe message")
		}
		if reply != nil {
			if err := ep.Send(reply); err != nil {
				m.log.Warn().Err(err).Msg("returning credit failed")
			} else {
				metrics.creditSent.Add(1)
			}
		}
	}
}

// dispatch routes one message to its pipe. If a data message cannot be
// delivered, its descriptor is still charged to the producer, so dispatch
// returns a credit message to send back along with the error.
func (m *Manager) dispatch(data []byte) (reply []byte, _ error) {
	s := packet.NewScanner(data)
	kind, err := s.Uint8()
	if err != nil {
		return nil, err
	}
	id, err := s.Uint32()
	if err != nil {
		return nil, err
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	p, ok := m.pipes[id]
	switch kind {
	case msgData:
		if !ok {
			return encodeCredit(id, 1), fmt.Errorf("data for unknown pipe id %08x", id)
		} else if err := m.deliverLocked(p, s.Rest()); err != nil {
			return encodeCredit(id, 1), err
		}
		return nil, nil
	case msgCredit:
		if !ok {
			return nil, fmt.Errorf("credit for unknown pipe id %08x", id)
		}
		n, err := s.Uint16()
		if err != nil {
			return nil, err
		} else if err := s.Done(); err != nil {
			return nil, err
		}
		return nil, m.creditLocked(p, int(n))
	default:
		return nil, fmt.Errorf("pipe id %08x: unknown message kind %d", id, kind)
	}
}

// deliverLocked stores data in a free descriptor of the consumer pipe p.
func (m *Manager) deliverLocked(p *Pipe, data []byte) error {
	if p.producer {
		return fmt.Errorf("pipe %q: data for the producer side", p.name)
	} else if len(data) > p.cfg.BufferSize {
		return fmt.Errorf("pipe %q: %d bytes exceeds buffer size %d", p.name, len(data), p.cfg.BufferSize)
	}
	n := len(p.free)
	if n == 0 {
		return fmt.Errorf("pipe %q: data without credit", p.name)
	}
	i := p.free[n-1]
	p.free = p.free[:n-1]
	s := &m.arena[i]
	s.owner = OwnerInFlight
	s.data = append(s.data[:0], data...)
	p.inflight.Add(i)
	metrics.dataRecv.Add(1)
	p.signal()
	return nil
}

// creditLocked returns n in-flight descriptors of the producer pipe p to
// its free list, oldest first.
func (m *Manager) creditLocked(p *Pipe, n int) error {
	if !p.producer {
		return fmt.Errorf("pipe %q: credit for the consumer side", p.name)
	} else if n > p.inflight.Len() {
		return fmt.Errorf("pipe %q: credit %d exceeds %d in flight", p.name, n, p.inflight.Len())
	}
	for range n {
		i, _ := p.inflight.Pop()
		m.arena[i].owner = OwnerFree
		p.free = append(p.free, i)
	}
	metrics.creditRecv.Add(int64(n))
	p.signal()
	return nil
}

// slotLocked returns the arena slot for b if b is a current handle for a
// descriptor of p with one of the given owners.
func (m *Manager) slotLocked(b *Buffer, p *Pipe, owners ...Owner) (*slot, error) {
	if b == nil || b.p != p || b.idx < 0 || b.idx >= len(m.arena) {
		return nil, fmt.Errorf("pipe %q: buffer from another pipe: %w", p.name, tilerpc.ErrNotOwner)
	}
	s := &m.arena[b.idx]
	if s.pipe != p || s.gen != b.gen {
		return nil, fmt.Errorf("pipe %q: stale buffer: %w", p.name, tilerpc.ErrNotOwner)
	}
	for _, o := range owners {
		if s.owner == o {
			return s, nil
		}
	}
	return nil, fmt.Errorf("pipe %q: buffer is %v: %w", p.name, s.owner, tilerpc.ErrNotOwner)
}

// releaseSlotLocked returns arena slot i to the manager budget.
func (m *Manager) releaseSlotLocked(i int) {
	s := &m.arena[i]
	s.pipe = nil
	s.gen++
	s.owner = OwnerFree
	s.data = nil
	m.spare = append(m.spare, i)
}

// Wire messages on the manager endpoint.
const (
	msgData   = 1 // kind, id, payload
	msgCredit = 2 // kind, id, count:uint16

	dataHeaderLen = 5
)

func encodeData(id uint32, payload []byte) []byte {
	b := packet.NewBuilder(dataHeaderLen + len(payload))
	b.Uint8(msgData)
	b.Uint32(id)
	b.Put(payload...)
	return b.Bytes()
}

func encodeCredit(id uint32, n uint16) []byte {
	b := packet.NewBuilder(7)
	b.Uint8(msgCredit)
	b.Uint32(id)
	b.Uint16(n)
	return b.Bytes()
}

func isEmpty(err error) bool { return errors.Is(err, tilerpc.ErrEmpty) }
