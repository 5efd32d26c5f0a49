// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package registry_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/registry"
	"github.com/google/go-cmp/cmp"
)

func mustConfig(t *testing.T, name, kind string, port uint8, host tilerpc.TileID, clients ...tilerpc.TileID) *registry.Config {
	t.Helper()
	cfg, err := registry.NewConfig(name, kind, port, 0, host, clients...)
	if err != nil {
		t.Fatalf("NewConfig %q: %v", name, err)
	}
	return cfg
}

func TestNewConfig(t *testing.T) {
	cfg, err := registry.NewConfig("i2c0", "i2c", 4, 7, 0, 3, 1, 2)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if got, want := cfg.String(), "i2c(i2c0, port=4, host=0, clients=[1,2,3])"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
	if !cfg.Serves(2) || cfg.Serves(0) || cfg.Serves(4) {
		t.Errorf("Serves: wrong answers for %v", cfg)
	}

	// The client list is a copy.
	cs := cfg.Clients()
	cs[0] = 9
	if diff := cmp.Diff([]tilerpc.TileID{1, 2, 3}, cfg.Clients()); diff != "" {
		t.Errorf("Clients after modification (-want, +got):\n%s", diff)
	}

	bad := []struct {
		name    string
		host    tilerpc.TileID
		clients []tilerpc.TileID
		want    string
	}{
		{"", 0, []tilerpc.TileID{1}, "empty name"},
		{"x", 0, nil, "no client tiles"},
		{"x", 0, []tilerpc.TileID{0}, "its own client"},
		{"x", 0, []tilerpc.TileID{1, 1}, "duplicate client"},
		{"x", 0, []tilerpc.TileID{registry.MaxTiles}, "out of range"},
	}
	for _, tc := range bad {
		if _, err := registry.NewConfig(tc.name, "gpio", 1, 0, tc.host, tc.clients...); err == nil {
			t.Errorf("NewConfig(%q, %v, %v): got nil, want error", tc.name, tc.host, tc.clients)
		} else if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("NewConfig(%q, %v, %v): got %v, want %q", tc.name, tc.host, tc.clients, err, tc.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := registry.New(3)

	gpio := mustConfig(t, "gpio0", "gpio", 1, 0, 1, 2)
	if err := reg.Add(gpio); err != nil {
		t.Fatalf("Add gpio0: %v", err)
	}

	// A driver instance is registered exactly once.
	if err := reg.Add(mustConfig(t, "gpio0", "gpio", 2, 0, 1)); err == nil {
		t.Error("Add duplicate name: got nil, want error")
	}

	// Two drivers may not share a port on the same link...
	if err := reg.Add(mustConfig(t, "spi0", "spi", 1, 1, 0)); err == nil {
		t.Error("Add port collision: got nil, want error")
	}
	// ...but may reuse a port on a different link.
	other := registry.New(4)
	other.Add(mustConfig(t, "a", "gpio", 1, 0, 1))
	if err := other.Add(mustConfig(t, "b", "gpio", 1, 2, 3)); err != nil {
		t.Errorf("Add same port on another link: %v", err)
	}

	if err := reg.Add(mustConfig(t, "far", "gpio", 3, 0, 5)); err == nil {
		t.Error("Add client outside system: got nil, want error")
	}
	if err := reg.Add(mustConfig(t, "pipes", "gpio", registry.DefaultManager.Port, 0, 1)); err == nil {
		t.Error("Add on pipe manager port: got nil, want error")
	}

	flash := mustConfig(t, "flash0", "flash", 2, 1, 0)
	if err := reg.Add(flash); err != nil {
		t.Fatalf("Add flash0: %v", err)
	}
	if got, ok := reg.Lookup("flash0"); !ok || got != flash {
		t.Errorf("Lookup flash0: got (%v, %v), want (%v, true)", got, ok, flash)
	}
	if got, ok := reg.Lookup("nonesuch"); ok {
		t.Errorf("Lookup nonesuch: got %v, want none", got)
	}
	if got := reg.HostedBy(1); len(got) != 1 || got[0] != flash {
		t.Errorf("HostedBy(1): got %v, want [%v]", got, flash)
	}

	reg.Freeze()
	if !reg.Frozen() {
		t.Error("Frozen: got false after Freeze")
	}
	if err := reg.Add(mustConfig(t, "late", "gpio", 9, 0, 1)); err == nil {
		t.Error("Add after Freeze: got nil, want error")
	}
	if err := reg.AddPipe(registry.PipeConfig{Name: "p", Capacity: 1, BufferSize: 1, Producer: 0, Consumer: 1}); err == nil {
		t.Error("AddPipe after Freeze: got nil, want error")
	}
	if got := len(reg.Drivers()); got != 2 {
		t.Errorf("Drivers: got %d, want 2", got)
	}

	mtest.MustPanic(t, func() { registry.New(1) })
}

const testBoard = `
tiles = 2

[pipe_manager]
port = 200
max_pipes = 4

[[driver]]
name = "gpio0"
kind = "gpio"
port = 1
priority = 5
host = 0
clients = [1]

[[driver]]
name = "mic0"
kind = "mic"
port = 2
host = 1
clients = [0]

[[pipe]]
name = "audio"
capacity = 4
buffer_size = 512
producer = 1
consumer = 0
`

func TestParse(t *testing.T) {
	reg, err := registry.Parse(testBoard)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if reg.Tiles() != 2 {
		t.Errorf("Tiles: got %d, want 2", reg.Tiles())
	}
	if diff := cmp.Diff(registry.ManagerConfig{
		Port:           200,
		MaxPipes:       4,
		MaxDescriptors: registry.DefaultManager.MaxDescriptors,
	}, reg.Manager()); diff != "" {
		t.Errorf("Manager (-want, +got):\n%s", diff)
	}

	var got []string
	for _, d := range reg.Drivers() {
		got = append(got, d.String())
	}
	if diff := cmp.Diff([]string{
		"gpio(gpio0, port=1, host=0, clients=[1])",
		"mic(mic0, port=2, host=1, clients=[0])",
	}, got); diff != "" {
		t.Errorf("Drivers (-want, +got):\n%s", diff)
	}
	if cfg, _ := reg.Lookup("gpio0"); cfg.Priority() != 5 {
		t.Errorf("gpio0 priority: got %d, want 5", cfg.Priority())
	}
	if diff := cmp.Diff([]registry.PipeConfig{{
		Name: "audio", Capacity: 4, BufferSize: 512, Producer: 1, Consumer: 0,
	}}, reg.PipesBetween(0, 1)); diff != "" {
		t.Errorf("Pipes (-want, +got):\n%s", diff)
	}
	if reg.Frozen() {
		t.Error("Parsed registry should not be frozen")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{`[[driver]]`, "does not define tiles"},
		{`tiles = 1`, "must be between"},
		{"tiles = 2\nbogus = 3", "unknown keys"},
		{"tiles = 2\n[[driver]]\nname='x'\nkind='gpio'\nport=300\nhost=0\nclients=[1]", "port 300 out of range"},
		{"tiles = 2\n[[driver]]\nname='x'\nkind='gpio'\nport=3\nhost=0\nclients=[0]", "its own client"},
		{"tiles = 2\n[[pipe]]\nname='p'\ncapacity=0\nbuffer_size=4\nproducer=0\nconsumer=1", "must be positive"},
		{"tiles = 2\n[[pipe]]\nname='p'\ncapacity=2\nbuffer_size=4\nproducer=1\nconsumer=1", "are both"},
		{"tiles = ", "parse board"},
	}
	for _, tc := range tests {
		_, err := registry.Parse(tc.input)
		if err == nil {
			t.Errorf("Parse %q: got nil, want error", tc.input)
		} else if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("Parse %q: got %v, want %q", tc.input, err, tc.want)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.toml")
	if err := os.WriteFile(path, []byte(testBoard), 0600); err != nil {
		t.Fatalf("Write board: %v", err)
	}
	reg, err := registry.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(reg.Drivers()); got != 2 {
		t.Errorf("Drivers: got %d, want 2", got)
	}

	if _, err := registry.Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load missing file: got nil, want error")
	}
}
