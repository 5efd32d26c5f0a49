// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program tilectl is a command-line utility for running and exercising tiles
// described by a board configuration file.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/pipe"
	"github.com/creachadair/tilerpc/registry"
	"github.com/creachadair/tilerpc/rpc"
	"github.com/creachadair/tilerpc/tiles"
	"github.com/rs/zerolog"
)

var flags struct {
	Board    string `flag:"board,default=board.toml,Board configuration file (TOML)"`
	Tile     int    `flag:"tile,Local tile number"`
	LogLevel string `flag:"log-level,Log level (overrides TILECTL_LOG_LEVEL)"`
}

var hostFlags struct {
	Listen string `flag:"listen,default=localhost:7700,Address to accept links on"`
}

var dialFlags struct {
	Addr    string        `flag:"addr,default=localhost:7700,Address of the remote tile"`
	Timeout time.Duration `flag:"timeout,default=5s,Overall timeout"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "<command> [arguments]",
		Help:     "Utilities for running and exercising tiles.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "check",
				Help: `Load and validate the board configuration, and print its contents.`,
				Run:  runCheck,
			},
			{
				Name: "host",
				Help: `Run the drivers hosted by the local tile.

Each driver hosted by --tile is bound to a simulated device and served to
its client tiles over links accepted on --listen. A pipe manager is also
started for each link, and pipes consumed by the local tile are drained
and logged.`,
				SetFlags: command.Flags(flax.MustBind, &hostFlags),
				Run:      runHost,
			},
			{
				Name:  "call",
				Usage: "<driver> <op> [hex-args]",
				Help: `Call an operation on a remote driver.

The driver is named as in the board configuration, and the operation by
its name in the driver schema. Arguments are given in hex in the packed
layout of the operation, and the result is printed in hex.`,
				SetFlags: command.Flags(flax.MustBind, &dialFlags),
				Run:      runCall,
			},
			{
				Name:  "pipe",
				Usage: "<pipe> [message...]",
				Help: `Send messages on a pipe produced by the local tile.

Each argument is sent as one message, and the command exits once all of
them have been submitted.`,
				SetFlags: command.Flags(flax.MustBind, &dialFlags),
				Run:      runPipe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger() zerolog.Logger {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Int("tile", flags.Tile).Logger()
	name := flags.LogLevel
	if name == "" {
		name = os.Getenv("TILECTL_LOG_LEVEL")
	}
	if name == "" {
		return log.Level(zerolog.InfoLevel)
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		log.Warn().Str("level", name).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	return log.Level(level)
}

func loadBoard() (*registry.Registry, tilerpc.TileID, error) {
	reg, err := registry.Load(flags.Board)
	if err != nil {
		return nil, 0, err
	}
	if flags.Tile < 0 || flags.Tile >= reg.Tiles() {
		return nil, 0, fmt.Errorf("tile %d is not on this board (%d tiles)", flags.Tile, reg.Tiles())
	}
	return reg, tilerpc.TileID(flags.Tile), nil
}

func runCheck(env *command.Env) error {
	reg, err := registry.Load(flags.Board)
	if err != nil {
		return err
	}
	fmt.Printf("board %q: %d tiles\n", flags.Board, reg.Tiles())
	for _, d := range reg.Drivers() {
		fmt.Printf("  driver %v\n", d)
	}
	for _, p := range reg.Pipes() {
		fmt.Printf("  pipe %q: %v → %v, %d × %d bytes\n", p.Name, p.Producer, p.Consumer, p.Capacity, p.BufferSize)
	}
	m := reg.Manager()
	fmt.Printf("  pipe manager: port %d, %d pipes, %d descriptors\n", m.Port, m.MaxPipes, m.MaxDescriptors)
	return nil
}

func runHost(env *command.Env) error {
	reg, local, err := loadBoard()
	if err != nil {
		return err
	}
	log := newLogger()
	b, err := newBoardHost(reg, local, log)
	if err != nil {
		return err
	}
	if err := b.start(); err != nil {
		return err
	}
	defer b.stop()

	lst, err := listen(hostFlags.Listen)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	log.Info().Str("addr", lst.Addr().String()).Int("drivers", len(b.hosts)).Msg("accepting links")
	err = tiles.Loop(ctx, tiles.NetAccepter(lst), local, b.setup)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func dial(env *command.Env) (context.Context, context.CancelFunc, *tilerpc.Link, error) {
	ctx, cancel := context.WithTimeout(env.Context(), dialFlags.Timeout)
	link, err := tiles.Dial(ctx, dialFlags.Addr, tilerpc.TileID(flags.Tile))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	link.SetLogger(newLogger())
	return ctx, cancel, link, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("Wrong number of arguments")
	}
	reg, local, err := loadBoard()
	if err != nil {
		return err
	}
	cfg, ok := reg.Lookup(env.Args[0])
	if !ok {
		return fmt.Errorf("driver %q not found", env.Args[0])
	} else if !cfg.Serves(local) {
		return fmt.Errorf("tile %v is not a client of %q", local, cfg.Name())
	}
	schema, ok := schemas[cfg.Kind()]
	if !ok {
		return fmt.Errorf("driver %q: unknown kind %q", cfg.Name(), cfg.Kind())
	}
	op, ok := findOp(schema, env.Args[1])
	if !ok {
		return fmt.Errorf("driver %q has no operation %q", cfg.Name(), env.Args[1])
	}
	var args []byte
	if len(env.Args) == 3 {
		args, err = hex.DecodeString(strings.ReplaceAll(env.Args[2], " ", ""))
		if err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
	}

	ctx, cancel, link, err := dial(env)
	if err != nil {
		return err
	}
	defer cancel()
	defer link.Stop()
	if link.Remote() != cfg.Host() {
		return fmt.Errorf("dialed tile %v, but %q is hosted by %v", link.Remote(), cfg.Name(), cfg.Host())
	}

	ep, err := link.Open(cfg.Port())
	if err != nil {
		return err
	}
	log := newLogger()
	c, err := rpc.NewClient(cfg, schema, ep, &rpc.ClientOptions{Logger: &log})
	if err != nil {
		return err
	}
	defer c.Close()

	rsp, err := c.Call(ctx, op.Code, args)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(rsp))
	return nil
}

func runPipe(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing pipe name")
	}
	reg, local, err := loadBoard()
	if err != nil {
		return err
	}
	ctx, cancel, link, err := dial(env)
	if err != nil {
		return err
	}
	defer cancel()
	defer link.Stop()

	mc := reg.Manager()
	ep, err := link.Open(mc.Port)
	if err != nil {
		return err
	}
	log := newLogger()
	m, err := pipe.NewManager(local, ep, &pipe.Options{
		MaxPipes:       mc.MaxPipes,
		MaxDescriptors: mc.MaxDescriptors,
		Logger:         &log,
	})
	if err != nil {
		return err
	}
	defer m.Stop()
	if _, err := m.CreateAll(reg.PipesBetween(local, link.Remote())); err != nil {
		return err
	}
	p, ok := m.Pipe(env.Args[0])
	if !ok {
		return fmt.Errorf("no pipe %q between %v and %v", env.Args[0], local, link.Remote())
	} else if !p.IsProducer() {
		return fmt.Errorf("pipe %q is not produced by %v", p.Name(), local)
	}

	for _, msg := range env.Args[1:] {
		if err := p.Send(ctx, []byte(msg)); err != nil {
			return err
		}
		log.Debug().Str("pipe", p.Name()).Int("bytes", len(msg)).Msg("sent")
	}

	// Wait for the consumer to return every buffer before closing the link.
	for p.Stats().InFlight != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}
