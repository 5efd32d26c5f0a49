// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package registry records which tile hosts each driver instance, which
// tiles may call it, and which port its traffic uses.
//
// A [Config] is built once during bring-up and cannot be changed afterward.
// A [Registry] collects the configs for a system and refuses a second config
// for the same driver instance:
//
//	reg := registry.New(2)
//	cfg, err := registry.NewConfig("flash0", "flash", 3, 10, 0, 1)
//	...
//	if err := reg.Add(cfg); err != nil { ... }
//	reg.Freeze()
//
// The same information can be loaded from a board description in TOML; see
// [Parse] for the format.
package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/tilerpc"
)

// MaxTiles is the largest number of tiles a system may have.
const MaxTiles = 16

// A Config binds one driver instance to its host tile, its port, and the set
// of remote tiles allowed to call it. A Config is immutable.
type Config struct {
	name     string
	kind     string
	port     uint8
	priority int
	host     tilerpc.TileID
	clients  mapset.Set[tilerpc.TileID]
}

// NewConfig constructs a config for the named driver instance of the given
// kind, hosted on host and served to the listed client tiles over port.
func NewConfig(name, kind string, port uint8, priority int, host tilerpc.TileID, clients ...tilerpc.TileID) (*Config, error) {
	if name == "" {
		return nil, fmt.Errorf("driver config: empty name")
	} else if kind == "" {
		return nil, fmt.Errorf("driver %q: empty kind", name)
	} else if len(clients) == 0 {
		return nil, fmt.Errorf("driver %q: no client tiles", name)
	} else if host >= MaxTiles {
		return nil, fmt.Errorf("driver %q: host %v out of range", name, host)
	}
	cs := mapset.New[tilerpc.TileID]()
	for _, c := range clients {
		switch {
		case c == host:
			return nil, fmt.Errorf("driver %q: host %v cannot be its own client", name, c)
		case c >= MaxTiles:
			return nil, fmt.Errorf("driver %q: client %v out of range", name, c)
		case cs.Has(c):
			return nil, fmt.Errorf("driver %q: duplicate client %v", name, c)
		}
		cs.Add(c)
	}
	return &Config{
		name:     name,
		kind:     kind,
		port:     port,
		priority: priority,
		host:     host,
		clients:  cs,
	}, nil
}

// Name reports the name of the driver instance.
func (c *Config) Name() string { return c.name }

// Kind reports the driver type, for example "gpio" or "flash".
func (c *Config) Kind() string { return c.kind }

// Port reports the link port carrying this driver's traffic.
func (c *Config) Port() uint8 { return c.port }

// Priority reports the host priority. Higher values start first.
func (c *Config) Priority() int { return c.priority }

// Host reports the tile that owns the driver.
func (c *Config) Host() tilerpc.TileID { return c.host }

// Clients returns the authorized client tiles in increasing order.
// The caller may modify the result without affecting c.
func (c *Config) Clients() []tilerpc.TileID {
	out := c.clients.Slice()
	slices.Sort(out)
	return out
}

// Serves reports whether tile is an authorized client of c.
func (c *Config) Serves(tile tilerpc.TileID) bool { return c.clients.Has(tile) }

func (c *Config) String() string {
	var cs []string
	for _, t := range c.Clients() {
		cs = append(cs, fmt.Sprint(uint8(t)))
	}
	return fmt.Sprintf("%s(%s, port=%d, host=%d, clients=[%s])",
		c.kind, c.name, c.port, uint8(c.host), strings.Join(cs, ","))
}

// sharesLink reports whether c and d both carry traffic over some common link.
func (c *Config) sharesLink(d *Config) bool {
	pairs := func(x *Config) mapset.Set[[2]tilerpc.TileID] {
		out := mapset.New[[2]tilerpc.TileID]()
		for t := range x.clients {
			out.Add([2]tilerpc.TileID{min(t, x.host), max(t, x.host)})
		}
		return out
	}
	pc := pairs(c)
	for p := range pairs(d) {
		if pc.Has(p) {
			return true
		}
	}
	return false
}

// A PipeConfig describes one unidirectional pipe between two tiles.
type PipeConfig struct {
	Name       string
	Capacity   int // descriptors in the ring
	BufferSize int // bytes per descriptor
	Producer   tilerpc.TileID
	Consumer   tilerpc.TileID
}

// ManagerConfig sets the fixed budget for each pipe manager.
type ManagerConfig struct {
	Port           uint8 // link port carrying all pipe traffic
	MaxPipes       int   // pipes per manager
	MaxDescriptors int   // descriptors per manager, summed over its pipes
}

// DefaultManager is the pipe manager budget used when none is configured.
var DefaultManager = ManagerConfig{Port: 255, MaxPipes: 8, MaxDescriptors: 64}

// A Registry holds the driver and pipe configuration of a system.
// Its methods are safe for concurrent use.
type Registry struct {
	tiles int

	μ       sync.Mutex
	frozen  bool
	drivers []*Config
	pipes   []PipeConfig
	manager ManagerConfig
}

// New constructs an empty registry for a system of n tiles.
// It panics if n is not between 2 and MaxTiles.
func New(n int) *Registry {
	if n < 2 || n > MaxTiles {
		panic(fmt.Sprintf("tile count %d out of range", n))
	}
	return &Registry{tiles: n, manager: DefaultManager}
}

// Tiles reports the number of tiles in the system.
func (r *Registry) Tiles() int { return r.tiles }

// Add registers cfg. It reports an error if the registry is frozen, if a
// driver with the same name was already added, if cfg names a tile outside
// the system, or if cfg shares a link port with another driver.
func (r *Registry) Add(cfg *Config) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.frozen {
		return fmt.Errorf("add %q: registry is frozen", cfg.name)
	}
	if int(cfg.host) >= r.tiles {
		return fmt.Errorf("add %q: host %v not in system", cfg.name, cfg.host)
	}
	for t := range cfg.clients {
		if int(t) >= r.tiles {
			return fmt.Errorf("add %q: client %v not in system", cfg.name, t)
		}
	}
	if cfg.port == r.manager.Port {
		return fmt.Errorf("add %q: port %d is reserved for pipes", cfg.name, cfg.port)
	}
	for _, old := range r.drivers {
		if old.name == cfg.name {
			return fmt.Errorf("add %q: driver already registered", cfg.name)
		}
		if old.port == cfg.port && old.sharesLink(cfg) {
			return fmt.Errorf("add %q: port %d already used by %q", cfg.name, cfg.port, old.name)
		}
	}
	r.drivers = append(r.drivers, cfg)
	return nil
}

// AddPipe registers a pipe. It reports an error if the registry is frozen,
// the name is already used, or the configuration is invalid.
func (r *Registry) AddPipe(p PipeConfig) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.frozen {
		return fmt.Errorf("add pipe %q: registry is frozen", p.Name)
	}
	switch {
	case p.Name == "":
		return fmt.Errorf("add pipe: empty name")
	case p.Capacity <= 0:
		return fmt.Errorf("add pipe %q: capacity %d must be positive", p.Name, p.Capacity)
	case p.BufferSize <= 0 || p.BufferSize > tilerpc.MaxPayload-64:
		return fmt.Errorf("add pipe %q: buffer size %d out of range", p.Name, p.BufferSize)
	case p.Producer == p.Consumer:
		return fmt.Errorf("add pipe %q: producer and consumer are both %v", p.Name, p.Producer)
	case int(p.Producer) >= r.tiles || int(p.Consumer) >= r.tiles:
		return fmt.Errorf("add pipe %q: tile not in system", p.Name)
	}
	for _, old := range r.pipes {
		if old.Name == p.Name {
			return fmt.Errorf("add pipe %q: pipe already registered", p.Name)
		}
	}
	r.pipes = append(r.pipes, p)
	return nil
}

// SetManager sets the pipe manager budget. It reports an error if the
// registry is frozen or a driver already uses the requested port.
func (r *Registry) SetManager(m ManagerConfig) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.frozen {
		return fmt.Errorf("set pipe manager: registry is frozen")
	} else if m.MaxPipes <= 0 || m.MaxDescriptors <= 0 {
		return fmt.Errorf("set pipe manager: budget must be positive")
	}
	for _, d := range r.drivers {
		if d.port == m.Port {
			return fmt.Errorf("set pipe manager: port %d already used by %q", m.Port, d.name)
		}
	}
	r.manager = m
	return nil
}

// Freeze prevents any further changes to r. It is safe to call Freeze more
// than once.
func (r *Registry) Freeze() {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.frozen = true
}

// Frozen reports whether r has been frozen.
func (r *Registry) Frozen() bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.frozen
}

// Lookup returns the config for the named driver, if it exists.
func (r *Registry) Lookup(name string) (*Config, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	for _, d := range r.drivers {
		if d.name == name {
			return d, true
		}
	}
	return nil, false
}

// Drivers returns the registered driver configs in registration order.
func (r *Registry) Drivers() []*Config {
	r.μ.Lock()
	defer r.μ.Unlock()
	return slices.Clone(r.drivers)
}

// HostedBy returns the configs of drivers hosted on tile.
func (r *Registry) HostedBy(tile tilerpc.TileID) []*Config {
	r.μ.Lock()
	defer r.μ.Unlock()
	var out []*Config
	for _, d := range r.drivers {
		if d.host == tile {
			out = append(out, d)
		}
	}
	return out
}

// Pipes returns the registered pipe configs in registration order.
func (r *Registry) Pipes() []PipeConfig {
	r.μ.Lock()
	defer r.μ.Unlock()
	return slices.Clone(r.pipes)
}

// PipesBetween returns the configs of pipes connecting tiles a and b, in
// either direction.
func (r *Registry) PipesBetween(a, b tilerpc.TileID) []PipeConfig {
	r.μ.Lock()
	defer r.μ.Unlock()
	var out []PipeConfig
	for _, p := range r.pipes {
		if p.Producer == a && p.Consumer == b || p.Producer == b && p.Consumer == a {
			out = append(out, p)
		}
	}
	return out
}

// Manager returns the pipe manager budget.
func (r *Registry) Manager() ManagerConfig {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.manager
}
