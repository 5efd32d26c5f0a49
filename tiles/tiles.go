// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package tiles provides support code for connecting tiles and bringing up
// the services that run on them.
package tiles

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/channel"
	"github.com/rs/zerolog"
)

// Local is a pair of in-memory connected links, suitable for testing.
type Local struct {
	A *tilerpc.Link // from tile a to tile b
	B *tilerpc.Link // from tile b to tile a
}

// Stop shuts down both links and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected links between tiles a and b,
// that communicate via a direct channel without encoding.
func NewLocal(a, b tilerpc.TileID) *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: tilerpc.NewLink(a, b).Start(a2b),
		B: tilerpc.NewLink(b, a).Start(b2a),
	}
}

// A Mesh connects a fixed set of tiles pairwise in memory.
type Mesh struct {
	n     int
	pairs []*Local
}

// NewMesh connects tiles 0 through n-1 so that every pair of tiles shares
// one link.
func NewMesh(n int) *Mesh {
	m := &Mesh{n: n}
	for a := range n {
		for b := a + 1; b < n; b++ {
			m.pairs = append(m.pairs, NewLocal(tilerpc.TileID(a), tilerpc.TileID(b)))
		}
	}
	return m
}

// Link returns the link from tile from to tile to. It panics if either tile
// is not part of m, or if from == to.
func (m *Mesh) Link(from, to tilerpc.TileID) *tilerpc.Link {
	if int(from) >= m.n || int(to) >= m.n || from == to {
		panic(fmt.Sprintf("no link from %v to %v", from, to))
	}
	for _, p := range m.pairs {
		if p.A.Local() == from && p.A.Remote() == to {
			return p.A
		} else if p.B.Local() == from && p.B.Remote() == to {
			return p.B
		}
	}
	panic("unreachable")
}

// Stop shuts down every link in m and reports the first error.
func (m *Mesh) Stop() error {
	var first error
	for _, p := range m.pairs {
		if err := p.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Greet exchanges tile identities over a fresh channel before a link is
// started on it. It reports the identity of the remote tile.
func Greet(ch tilerpc.Channel, local tilerpc.TileID) (tilerpc.TileID, error) {
	// Send concurrently, since an unbuffered channel blocks until the remote
	// side is ready to receive.
	send := taskgroup.Go(func() error {
		return ch.Send(&tilerpc.Frame{Type: tilerpc.FrameHello, Port: uint8(local)})
	})
	f, err := ch.Recv()
	if err != nil {
		ch.Close()
		send.Wait()
		return 0, fmt.Errorf("greet: %w", err)
	}
	if err := send.Wait(); err != nil {
		return 0, fmt.Errorf("greet: %w", err)
	}
	if f.Type != tilerpc.FrameHello {
		return 0, fmt.Errorf("greet: unexpected %v frame", f.Type)
	} else if tilerpc.TileID(f.Port) == local {
		return 0, fmt.Errorf("greet: remote claims to be %v", local)
	}
	return tilerpc.TileID(f.Port), nil
}

// An Accepter accepts channels from remote tiles.
type Accepter interface {
	Accept(context.Context) (tilerpc.Channel, error)
}

// Loop accepts connections from acc and starts a link for each one. The setup
// function is called with each started link to open its ports; the link then
// runs until it closes. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running links are stopped. When acc closes, the
// loop waits for running links to exit before returning.
func Loop(ctx context.Context, acc Accepter, local tilerpc.TileID, setup func(*tilerpc.Link) error) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			remote, err := Greet(ch, local)
			if err != nil {
				ch.Close()
				return nil
			}
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			link := tilerpc.NewLink(local, remote).Start(ch)
			if err := setup(link); err != nil {
				link.Stop()
				return nil
			}
			go func() { <-sctx.Done(); link.Stop() }()
			return link.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (tilerpc.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// Dial connects to a tile listening at addr, and returns a started link to
// it. The network is chosen by tilerpc.SplitAddress.
func Dial(ctx context.Context, addr string, local tilerpc.TileID) (*tilerpc.Link, error) {
	var d net.Dialer
	network, address := tilerpc.SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	ch := channel.IO(conn, conn)
	remote, err := Greet(ch, local)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tilerpc.NewLink(local, remote).Start(ch), nil
}

// A Service is a tile service that is started at bring-up, such as an RPC host.
type Service interface {
	Name() string
	Priority() int
	Start() error
}

// StartAll starts the given services in decreasing order of priority, so
// that the most latency-sensitive hosts are serving first. Services of equal
// priority start in the order given. StartAll stops at the first error.
func StartAll(log zerolog.Logger, svcs ...Service) error {
	order := slices.Clone(svcs)
	slices.SortStableFunc(order, func(a, b Service) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})
	for _, s := range order {
		if err := s.Start(); err != nil {
			return fmt.Errorf("start %q: %w", s.Name(), err)
		}
		log.Info().Str("service", s.Name()).Int("priority", s.Priority()).Msg("started")
	}
	return nil
}
