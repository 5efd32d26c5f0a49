// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/tilerpc"
)

type boardFile struct {
	Tiles   int          `toml:"tiles"`
	Manager managerFile  `toml:"pipe_manager"`
	Drivers []driverFile `toml:"driver"`
	Pipes   []pipeFile   `toml:"pipe"`
}

type managerFile struct {
	Port           int `toml:"port"`
	MaxPipes       int `toml:"max_pipes"`
	MaxDescriptors int `toml:"max_descriptors"`
}

type driverFile struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Port     int    `toml:"port"`
	Priority int    `toml:"priority"`
	Host     int    `toml:"host"`
	Clients  []int  `toml:"clients"`
}

type pipeFile struct {
	Name       string `toml:"name"`
	Capacity   int    `toml:"capacity"`
	BufferSize int    `toml:"buffer_size"`
	Producer   int    `toml:"producer"`
	Consumer   int    `toml:"consumer"`
}

// Load reads and parses the board description at path.
func Load(path string) (*Registry, error) {
	var raw boardFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load board: %w", err)
	}
	return build(&raw, meta)
}

// Parse parses a board description in TOML format:
//
//	tiles = 2                 # number of tiles in the system
//
//	[pipe_manager]            # optional, see DefaultManager
//	port = 255
//	max_pipes = 8
//	max_descriptors = 64
//
//	[[driver]]                # one table per driver instance
//	name = "flash0"
//	kind = "flash"
//	port = 3
//	priority = 10             # optional, default 0
//	host = 0
//	clients = [1]
//
//	[[pipe]]                  # one table per pipe
//	name = "mic"
//	capacity = 4
//	buffer_size = 1024
//	producer = 0
//	consumer = 1
//
// Unknown keys are reported as errors. The resulting registry is not frozen.
func Parse(data string) (*Registry, error) {
	var raw boardFile
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse board: %w", err)
	}
	return build(&raw, meta)
}

func build(raw *boardFile, meta toml.MetaData) (*Registry, error) {
	if keys := meta.Undecoded(); len(keys) != 0 {
		var ks []string
		for _, k := range keys {
			ks = append(ks, k.String())
		}
		return nil, fmt.Errorf("unknown keys in board: %s", strings.Join(ks, ", "))
	}
	if !meta.IsDefined("tiles") {
		return nil, errors.New("board does not define tiles")
	} else if raw.Tiles < 2 || raw.Tiles > MaxTiles {
		return nil, fmt.Errorf("tiles = %d, must be between 2 and %d", raw.Tiles, MaxTiles)
	}
	reg := New(raw.Tiles)

	mgr := DefaultManager
	if meta.IsDefined("pipe_manager", "port") {
		p, err := portNumber(raw.Manager.Port)
		if err != nil {
			return nil, fmt.Errorf("pipe_manager: %w", err)
		}
		mgr.Port = p
	}
	if meta.IsDefined("pipe_manager", "max_pipes") {
		mgr.MaxPipes = raw.Manager.MaxPipes
	}
	if meta.IsDefined("pipe_manager", "max_descriptors") {
		mgr.MaxDescriptors = raw.Manager.MaxDescriptors
	}
	if err := reg.SetManager(mgr); err != nil {
		return nil, err
	}

	for i, d := range raw.Drivers {
		port, err := portNumber(d.Port)
		if err != nil {
			return nil, fmt.Errorf("driver %d (%q): %w", i+1, d.Name, err)
		}
		host, err := tileNumber(d.Host)
		if err != nil {
			return nil, fmt.Errorf("driver %d (%q): host: %w", i+1, d.Name, err)
		}
		var clients []tilerpc.TileID
		for _, c := range d.Clients {
			t, err := tileNumber(c)
			if err != nil {
				return nil, fmt.Errorf("driver %d (%q): client: %w", i+1, d.Name, err)
			}
			clients = append(clients, t)
		}
		cfg, err := NewConfig(d.Name, d.Kind, port, d.Priority, host, clients...)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(cfg); err != nil {
			return nil, err
		}
	}

	for i, p := range raw.Pipes {
		prod, err := tileNumber(p.Producer)
		if err != nil {
			return nil, fmt.Errorf("pipe %d (%q): producer: %w", i+1, p.Name, err)
		}
		cons, err := tileNumber(p.Consumer)
		if err != nil {
			return nil, fmt.Errorf("pipe %d (%q): consumer: %w", i+1, p.Name, err)
		}
		if err := reg.AddPipe(PipeConfig{
			Name:       p.Name,
			Capacity:   p.Capacity,
			BufferSize: p.BufferSize,
			Producer:   prod,
			Consumer:   cons,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func portNumber(v int) (uint8, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("port %d out of range", v)
	}
	return uint8(v), nil
}

func tileNumber(v int) (tilerpc.TileID, error) {
	if v < 0 || v >= MaxTiles {
		return 0, fmt.Errorf("tile %d out of range", v)
	}
	return tilerpc.TileID(v), nil
}
