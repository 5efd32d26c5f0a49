// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/driver/flash"
	"github.com/creachadair/tilerpc/driver/gpio"
	"github.com/creachadair/tilerpc/driver/i2c"
	"github.com/creachadair/tilerpc/driver/mic"
	"github.com/creachadair/tilerpc/driver/spi"
	"github.com/creachadair/tilerpc/pipe"
	"github.com/creachadair/tilerpc/registry"
	"github.com/creachadair/tilerpc/rpc"
	"github.com/creachadair/tilerpc/tiles"
	"github.com/rs/zerolog"
)

var schemas = map[string]*rpc.Schema{
	flash.Kind: flash.Schema,
	gpio.Kind:  gpio.Schema,
	i2c.Kind:   i2c.Schema,
	mic.Kind:   mic.Schema,
	spi.Kind:   spi.Schema,
}

func findOp(s *rpc.Schema, name string) (rpc.Op, bool) {
	for _, op := range s.Ops() {
		if op.Name == name {
			return op, true
		}
	}
	return rpc.Op{}, false
}

// bindSim binds a simulated device of the given kind to h.
func bindSim(h *rpc.Host, kind string) error {
	switch kind {
	case flash.Kind:
		flash.Bind(h, flash.NewSim(1<<20, 50*time.Microsecond))
	case gpio.Kind:
		gpio.Bind(h, gpio.NewSim())
	case i2c.Kind:
		i2c.Bind(h, i2c.NewSim(0x50, 0x68))
	case mic.Kind:
		mic.Bind(h, mic.NewSim(nil, 20*time.Microsecond))
	case spi.Kind:
		spi.Bind(h, spi.NewSim(nil))
	default:
		return fmt.Errorf("no simulator for kind %q", kind)
	}
	return nil
}

func listen(addr string) (net.Listener, error) { return net.Listen(tilerpc.SplitAddress(addr)) }

// A boardHost runs the drivers and pipe managers of one tile.
type boardHost struct {
	reg   *registry.Registry
	local tilerpc.TileID
	log   zerolog.Logger
	hosts []*rpc.Host
	tasks *taskgroup.Group

	μ        sync.Mutex
	managers []*pipe.Manager
}

func newBoardHost(reg *registry.Registry, local tilerpc.TileID, log zerolog.Logger) (*boardHost, error) {
	b := &boardHost{reg: reg, local: local, log: log, tasks: taskgroup.New(nil)}
	for _, cfg := range reg.HostedBy(local) {
		schema, ok := schemas[cfg.Kind()]
		if !ok {
			return nil, fmt.Errorf("driver %q: unknown kind %q", cfg.Name(), cfg.Kind())
		}
		h := rpc.NewHost(cfg, schema, &rpc.HostOptions{Logger: &b.log})
		if err := bindSim(h, cfg.Kind()); err != nil {
			return nil, fmt.Errorf("driver %q: %w", cfg.Name(), err)
		}
		b.hosts = append(b.hosts, h)
	}
	return b, nil
}

func (b *boardHost) start() error {
	svcs := make([]tiles.Service, len(b.hosts))
	for i, h := range b.hosts {
		svcs[i] = h
	}
	if err := tiles.StartAll(b.log, svcs...); err != nil {
		b.stop()
		return err
	}
	return nil
}

func (b *boardHost) stop() {
	b.μ.Lock()
	ms := b.managers
	b.managers = nil
	b.μ.Unlock()
	for _, m := range ms {
		m.Stop()
	}
	b.tasks.Wait()
	for _, h := range b.hosts {
		h.Stop()
	}
}

// setup opens the ports for every driver served to the remote tile of l,
// and starts a pipe manager for the pipes between the two tiles.
func (b *boardHost) setup(l *tilerpc.Link) error {
	remote := l.Remote()
	l.SetLogger(b.log)
	for _, h := range b.hosts {
		if !h.Config().Serves(remote) {
			continue
		}
		ep, err := l.Open(h.Config().Port())
		if err != nil {
			return err
		}
		if err := h.Serve(ep); err != nil {
			return err
		}
	}

	pcs := b.reg.PipesBetween(b.local, remote)
	if len(pcs) == 0 {
		return nil
	}
	mc := b.reg.Manager()
	ep, err := l.Open(mc.Port)
	if err != nil {
		return err
	}
	m, err := pipe.NewManager(b.local, ep, &pipe.Options{
		MaxPipes:       mc.MaxPipes,
		MaxDescriptors: mc.MaxDescriptors,
		Logger:         &b.log,
	})
	if err != nil {
		return err
	}
	ps, err := m.CreateAll(pcs)
	if err != nil {
		m.Stop()
		return err
	}
	b.μ.Lock()
	b.managers = append(b.managers, m)
	b.μ.Unlock()

	for _, p := range ps {
		if !p.IsProducer() {
			b.tasks.Go(func() error { b.drain(p); return nil })
		}
	}
	return nil
}

// drain logs and releases messages arriving on p until its link fails or
// the pipe is closed.
func (b *boardHost) drain(p *pipe.Pipe) {
	log := b.log.With().Str("pipe", p.Name()).Logger()
	for {
		buf, err := p.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, tilerpc.ErrPipeDisconnected) && !errors.Is(err, tilerpc.ErrChannelClosed) {
				log.Warn().Err(err).Msg("receive failed")
			}
			return
		}
		log.Info().Int("bytes", buf.Len()).Bytes("data", buf.Bytes()).Msg("message")
		if err := p.Release(buf); err != nil {
			log.Warn().Err(err).Msg("release failed")
			return
		}
	}
}
