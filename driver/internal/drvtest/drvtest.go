// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package drvtest sets up a driver host and its client endpoints for tests.
package drvtest

import (
	"testing"

	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/registry"
	"github.com/creachadair/tilerpc/rpc"
	"github.com/creachadair/tilerpc/tiles"
	"github.com/fortytw2/leaktest"
)

// Port is the link port used by drivers under test.
const Port = 3

// Start brings up a mesh of n tiles with a host on tile 0 for the given
// schema, bound by bind, and returns the driver config and one client
// endpoint for each of tiles 1 to n-1, in order. Everything is shut down
// when t ends, after which Start checks for leaked goroutines.
func Start(t *testing.T, n int, kind string, schema *rpc.Schema, bind func(*rpc.Host)) (*registry.Config, []*tilerpc.Endpoint) {
	t.Helper()
	t.Cleanup(leaktest.Check(t))

	var clients []tilerpc.TileID
	for i := 1; i < n; i++ {
		clients = append(clients, tilerpc.TileID(i))
	}
	cfg, err := registry.NewConfig(kind+"0", kind, Port, 10, 0, clients...)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	mesh := tiles.NewMesh(n)
	host := rpc.NewHost(cfg, schema, nil)
	bind(host)

	var eps []*tilerpc.Endpoint
	for _, tile := range clients {
		hep, err := mesh.Link(0, tile).Open(Port)
		if err != nil {
			t.Fatalf("Open host side %v: %v", tile, err)
		}
		if err := host.Serve(hep); err != nil {
			t.Fatalf("Serve %v: %v", tile, err)
		}
		cep, err := mesh.Link(tile, 0).Open(Port)
		if err != nil {
			t.Fatalf("Open client side %v: %v", tile, err)
		}
		eps = append(eps, cep)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := host.Stop(); err != nil {
			t.Errorf("Stop host: %v", err)
		}
		if err := mesh.Stop(); err != nil {
			t.Errorf("Stop mesh: %v", err)
		}
	})
	return cfg, eps
}
