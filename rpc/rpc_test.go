// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc_test

import (
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/registry"
	"github.com/creachadair/tilerpc/rpc"
	"github.com/creachadair/tilerpc/tiles"
	"github.com/fortytw2/leaktest"
)

const (
	opAdd    = 1 // two uint32 → uint32
	opEcho   = 2 // buffer → buffer
	opFail   = 3 // reports errTest
	opBoom   = 4 // panics
	opNobody = 5 // no handler
	opWho    = 6 // reports the calling tile
	opSlow   = 7 // waits for the test to release it
)

const testPort = 5

var errTest = errors.New("test driver failure")

var testSchema = rpc.NewSchema("test",
	rpc.Op{Code: opAdd, Name: "add", Args: rpc.Layout{Fixed: 8}, Result: rpc.Layout{Fixed: 4}},
	rpc.Op{Code: opEcho, Name: "echo", Args: rpc.Layout{Fixed: 4, Var: true}, Result: rpc.Layout{Fixed: 4, Var: true}},
	rpc.Op{Code: opFail, Name: "fail"},
	rpc.Op{Code: opBoom, Name: "boom"},
	rpc.Op{Code: opNobody, Name: "nobody"},
	rpc.Op{Code: opWho, Name: "who", Result: rpc.Layout{Fixed: 1}},
	rpc.Op{Code: opSlow, Name: "slow"},
).WithErrors(map[uint16]error{7: errTest})

// testDriver implements the handlers of testSchema. It records an error if
// two calls ever execute at once.
type testDriver struct {
	active  atomic.Int32
	overlap atomic.Bool
	gate    chan struct{}
}

func (d *testDriver) enter() func() {
	if d.active.Add(1) > 1 {
		d.overlap.Store(true)
	}
	return func() { d.active.Add(-1) }
}

func (d *testDriver) bind(h *rpc.Host) *rpc.Host {
	return h.
		Handle(opAdd, func(_ context.Context, req *rpc.Request) ([]byte, error) {
			defer d.enter()()
			a := binary.BigEndian.Uint32(req.Args[0:])
			b := binary.BigEndian.Uint32(req.Args[4:])
			time.Sleep(time.Millisecond) // widen the window for overlap
			return binary.BigEndian.AppendUint32(nil, a+b), nil
		}).
		Handle(opEcho, func(_ context.Context, req *rpc.Request) ([]byte, error) {
			defer d.enter()()
			return req.Args, nil
		}).
		Handle(opFail, func(context.Context, *rpc.Request) ([]byte, error) {
			return nil, fmt.Errorf("write register: %w", errTest)
		}).
		Handle(opBoom, func(context.Context, *rpc.Request) ([]byte, error) {
			panic("kaboom")
		}).
		Handle(opWho, func(ctx context.Context, _ *rpc.Request) ([]byte, error) {
			tile, ok := rpc.ContextClient(ctx)
			if !ok {
				return nil, errors.New("no client in context")
			}
			return []byte{byte(tile)}, nil
		}).
		Handle(opSlow, func(ctx context.Context, _ *rpc.Request) ([]byte, error) {
			select {
			case <-d.gate:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
}

func add(a, b uint32) []byte {
	buf := binary.BigEndian.AppendUint32(nil, a)
	return binary.BigEndian.AppendUint32(buf, b)
}

func echoArgs(s string) []byte {
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(s))), s...)
}

func mustConfig(t *testing.T, host tilerpc.TileID, clients ...tilerpc.TileID) *registry.Config {
	t.Helper()
	cfg, err := registry.NewConfig("dev0", "test", testPort, 1, host, clients...)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

func mustOpen(t *testing.T, l *tilerpc.Link) *tilerpc.Endpoint {
	t.Helper()
	ep, err := l.Open(testPort)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ep
}

// setup starts a host for testSchema on tile 0 of a mesh of n tiles, and
// returns a client on each of the other tiles.
func setup(t *testing.T, n int, hopts *rpc.HostOptions, copts *rpc.ClientOptions) (*testDriver, *rpc.Host, []*rpc.Client) {
	t.Helper()
	mesh := tiles.NewMesh(n)
	var clientTiles []tilerpc.TileID
	for i := 1; i < n; i++ {
		clientTiles = append(clientTiles, tilerpc.TileID(i))
	}
	cfg := mustConfig(t, 0, clientTiles...)

	drv := &testDriver{gate: make(chan struct{})}
	host := drv.bind(rpc.NewHost(cfg, testSchema, hopts))
	var clients []*rpc.Client
	for _, tile := range clientTiles {
		if err := host.Serve(mustOpen(t, mesh.Link(0, tile))); err != nil {
			t.Fatalf("Serve %v: %v", tile, err)
		}
		c, err := rpc.NewClient(cfg, testSchema, mustOpen(t, mesh.Link(tile, 0)), copts)
		if err != nil {
			t.Fatalf("NewClient %v: %v", tile, err)
		}
		clients = append(clients, c)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := host.Stop(); err != nil {
			t.Errorf("Host stop: %v", err)
		}
		if err := mesh.Stop(); err != nil {
			t.Errorf("Mesh stop: %v", err)
		}
		if drv.overlap.Load() {
			t.Error("Driver calls overlapped")
		}
	})
	return drv, host, clients
}

func TestCall(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after the cleanups registered by setup
	_, host, clients := setup(t, 2, nil, nil)
	cli := clients[0]
	ctx := context.Background()

	if !host.Ready() {
		t.Error("Host is not ready after Start")
	}

	t.Run("Add", func(t *testing.T) {
		got, err := cli.Call(ctx, opAdd, add(12, 30))
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if v := binary.BigEndian.Uint32(got); v != 42 {
			t.Errorf("Call: got %d, want 42", v)
		}
	})
	t.Run("Echo", func(t *testing.T) {
		got, err := cli.Call(ctx, opEcho, echoArgs("hello, world"))
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if string(got[4:]) != "hello, world" {
			t.Errorf("Call: got %q, want %q", got[4:], "hello, world")
		}
	})
	t.Run("Who", func(t *testing.T) {
		got, err := cli.Call(ctx, opWho, nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got[0] != 1 {
			t.Errorf("Call: got tile %d, want 1", got[0])
		}
	})
	t.Run("BadArgs", func(t *testing.T) {
		_, err := cli.Call(ctx, opAdd, []byte{1, 2, 3})
		if !errors.Is(err, tilerpc.ErrMalformedMessage) {
			t.Errorf("Call: got %v, want %v", err, tilerpc.ErrMalformedMessage)
		}
	})
	t.Run("DriverError", func(t *testing.T) {
		_, err := cli.Call(ctx, opFail, nil)
		var ce *rpc.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("Call: got %v, want *CallError", err)
		}
		if ce.Response.Status != rpc.StatusDriverError || ce.Code != 7 {
			t.Errorf("Call: got status %v code %d, want %v code 7", ce.Response.Status, ce.Code, rpc.StatusDriverError)
		}
		if !errors.Is(err, errTest) {
			t.Errorf("Call: got %v, want %v", err, errTest)
		}
	})
	t.Run("Panic", func(t *testing.T) {
		_, err := cli.Call(ctx, opBoom, nil)
		var ce *rpc.CallError
		if !errors.As(err, &ce) || ce.Response.Status != rpc.StatusPanic {
			t.Errorf("Call: got %v, want status %v", err, rpc.StatusPanic)
		}
	})
	t.Run("UnknownOp", func(t *testing.T) {
		_, err := cli.Call(ctx, opNobody, nil)
		if !errors.Is(err, rpc.ErrUnknownOp) {
			t.Errorf("Call: got %v, want %v", err, rpc.ErrUnknownOp)
		}
	})
	t.Run("StillServing", func(t *testing.T) {
		if _, err := cli.Call(ctx, opAdd, add(1, 1)); err != nil {
			t.Errorf("Call after failures: %v", err)
		}
	})
	t.Run("Exec", func(t *testing.T) {
		got, err := host.Exec(ctx, opWho, nil)
		if err != nil {
			t.Fatalf("Exec: unexpected error: %v", err)
		}
		if got[0] != 0 {
			t.Errorf("Exec: got tile %d, want 0", got[0])
		}
		if _, err := host.Exec(ctx, opFail, nil); !errors.Is(err, errTest) {
			t.Errorf("Exec: got %v, want %v", err, errTest)
		}
	})
}

func TestMalformedRequest(t *testing.T) {
	defer leaktest.Check(t)()

	loc := tiles.NewLocal(0, 1)
	defer loc.Stop()
	cfg := mustConfig(t, 0, 1)
	host := new(testDriver).bind(rpc.NewHost(cfg, testSchema, nil))
	if err := host.Serve(mustOpen(t, loc.A)); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Stop()

	raw := mustOpen(t, loc.B)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	next := func() rpc.Message {
		t.Helper()
		data, err := raw.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		msg, err := rpc.Parse(data)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		return msg
	}
	if h, ok := next().(*rpc.Hello); !ok || h.Fingerprint != testSchema.Fingerprint() {
		t.Fatalf("First message: got %v, want hello", h)
	}

	// Each bad request gets a response, in order, and the host carries on.
	raw.Send(rpc.Request{Seq: 1, Op: opAdd, Args: []byte("short")}.Encode())
	raw.Send([]byte("\x7fgarbage"))
	raw.Send(rpc.Request{Seq: 2, Op: opAdd, Args: add(2, 3)}.Encode())

	for _, want := range []struct {
		seq    uint32
		status rpc.Status
	}{{1, rpc.StatusMalformed}, {0, rpc.StatusMalformed}, {2, rpc.StatusOK}} {
		rsp, ok := next().(*rpc.Response)
		if !ok {
			t.Fatal("Expected a response")
		}
		if rsp.Seq != want.seq || rsp.Status != want.status {
			t.Errorf("Response: got seq %d %v, want seq %d %v", rsp.Seq, rsp.Status, want.seq, want.status)
		}
	}
}

func TestNotReady(t *testing.T) {
	defer leaktest.Check(t)()

	loc := tiles.NewLocal(0, 1)
	defer loc.Stop()
	cfg := mustConfig(t, 0, 1)
	host := new(testDriver).bind(rpc.NewHost(cfg, testSchema, nil))
	if err := host.Serve(mustOpen(t, loc.A)); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	cli, err := rpc.NewClient(cfg, testSchema, mustOpen(t, loc.B), &rpc.ClientOptions{
		ReadyTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx := context.Background()
	if _, err := cli.Call(ctx, opAdd, add(1, 2)); !errors.Is(err, tilerpc.ErrNotReady) {
		t.Errorf("Call before start: got %v, want %v", err, tilerpc.ErrNotReady)
	}
	if _, err := host.Exec(ctx, opAdd, add(1, 2)); !errors.Is(err, tilerpc.ErrNotReady) {
		t.Errorf("Exec before start: got %v, want %v", err, tilerpc.ErrNotReady)
	}

	if err := host.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Stop()
	if err := host.Start(); err == nil {
		t.Error("Start twice: got nil, want error")
	}
	if _, err := cli.Call(ctx, opAdd, add(1, 2)); err != nil {
		t.Errorf("Call after start: %v", err)
	}
}

func TestSchemaMismatch(t *testing.T) {
	defer leaktest.Check(t)()

	loc := tiles.NewLocal(0, 1)
	defer loc.Stop()
	cfg := mustConfig(t, 0, 1)
	other := rpc.NewSchema("test", rpc.Op{Code: opAdd, Name: "add", Args: rpc.Layout{Fixed: 4}})
	host := rpc.NewHost(cfg, other, nil)
	if err := host.Serve(mustOpen(t, loc.A)); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Stop()

	cli, err := rpc.NewClient(cfg, testSchema, mustOpen(t, loc.B), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := cli.Call(context.Background(), opAdd, add(1, 2)); !errors.Is(err, tilerpc.ErrSchemaMismatch) {
		t.Errorf("Call: got %v, want %v", err, tilerpc.ErrSchemaMismatch)
	}
}

func TestBindingErrors(t *testing.T) {
	defer leaktest.Check(t)()

	mesh := tiles.NewMesh(3)
	defer mesh.Stop()
	cfg := mustConfig(t, 0, 1)
	host := rpc.NewHost(cfg, testSchema, nil)

	// Tile 2 is not an authorized client.
	if err := host.Serve(mustOpen(t, mesh.Link(0, 2))); err == nil {
		t.Error("Serve unauthorized tile: got nil, want error")
	}
	if _, err := rpc.NewClient(cfg, testSchema, mustOpen(t, mesh.Link(2, 0)), nil); err == nil {
		t.Error("NewClient unauthorized tile: got nil, want error")
	}

	// The endpoint must use the configured port.
	ep, err := mesh.Link(1, 0).Open(testPort + 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := rpc.NewClient(cfg, testSchema, ep, nil); err == nil {
		t.Error("NewClient wrong port: got nil, want error")
	}

	// A client may be served only once.
	hep := mustOpen(t, mesh.Link(0, 1))
	if err := host.Serve(hep); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := host.Serve(hep); err == nil {
		t.Error("Serve twice: got nil, want error")
	}
}

func TestTimeout(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	drv, _, clients := setup(t, 2, nil, &rpc.ClientOptions{Timeout: 50 * time.Millisecond})
	cli := clients[0]
	ctx := context.Background()

	before := staleResponses()
	_, err := cli.Call(ctx, opSlow, nil)
	if !errors.Is(err, tilerpc.ErrTimeout) {
		t.Fatalf("Call slow: got %v, want %v", err, tilerpc.ErrTimeout)
	}

	// Let the abandoned call finish. Its late response must not be mistaken
	// for the answer to the next call.
	close(drv.gate)
	got, err := cli.Call(ctx, opAdd, add(20, 22))
	if err != nil {
		t.Fatalf("Call after timeout: %v", err)
	}
	if v := binary.BigEndian.Uint32(got); v != 42 {
		t.Errorf("Call after timeout: got %d, want 42", v)
	}
	if after := staleResponses(); after <= before {
		t.Errorf("Stale responses: got %d after the call, want more than %d", after, before)
	}
}

func staleResponses() int64 {
	return rpc.Metrics().Get("responses_stale").(*expvar.Int).Value()
}

func TestNoInterleaving(t *testing.T) {
	defer leaktest.Check(t)()

	loc := tiles.NewLocal(0, 1)
	defer loc.Stop()
	cfg := mustConfig(t, 0, 1)
	drv := new(testDriver)
	host := drv.bind(rpc.NewHost(cfg, testSchema, nil))
	if err := host.Serve(mustOpen(t, loc.A)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	// Record the data frames crossing the client's link. Every request must
	// be followed by its response before the next request is sent.
	var μ sync.Mutex
	var trace []bool // true for sent
	loc.B.LogFrames(func(fi tilerpc.FrameInfo) {
		if fi.Type == tilerpc.FrameData && fi.Port == testPort {
			μ.Lock()
			defer μ.Unlock()
			trace = append(trace, fi.Sent)
		}
	})

	cli, err := rpc.NewClient(cfg, testSchema, mustOpen(t, loc.B), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := host.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Stop()

	const numCallers = 8
	const numCalls = 25
	g := taskgroup.New(nil)
	for i := range numCallers {
		g.Go(func() error {
			for j := range numCalls {
				a, b := uint32(i*1000), uint32(j)
				got, err := cli.Call(context.Background(), opAdd, add(a, b))
				if err != nil {
					return err
				}
				if v := binary.BigEndian.Uint32(got); v != a+b {
					return fmt.Errorf("caller %d: got %d, want %d", i, v, a+b)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Calls failed: %v", err)
	}

	μ.Lock()
	defer μ.Unlock()
	if len(trace) != 1+2*numCallers*numCalls {
		t.Fatalf("Got %d frames, want %d", len(trace), 1+2*numCallers*numCalls)
	}
	if trace[0] {
		t.Error("First frame should be the host announcement")
	}
	for i, sent := range trace[1:] {
		if want := i%2 == 0; sent != want {
			t.Fatalf("Frame %d: sent=%v, want %v (requests interleaved)", i+1, sent, want)
		}
	}
}

func TestManyClients(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	_, _, clients := setup(t, 4, nil, nil)

	g := taskgroup.New(nil)
	for i, cli := range clients {
		want := byte(i + 1) // clients are on tiles 1, 2, 3
		g.Go(func() error {
			for range 20 {
				got, err := cli.Call(context.Background(), opWho, nil)
				if err != nil {
					return err
				}
				if got[0] != want {
					return fmt.Errorf("client %d got response for tile %d", want, got[0])
				}
				if _, err := cli.Call(context.Background(), opAdd, add(1, 2)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Calls failed: %v", err)
	}
}

func TestClientDisconnect(t *testing.T) {
	defer leaktest.Check(t)()

	mesh := tiles.NewMesh(3)
	defer mesh.Stop()
	cfg := mustConfig(t, 0, 1, 2)
	drv := &testDriver{gate: make(chan struct{})}
	host := drv.bind(rpc.NewHost(cfg, testSchema, nil))
	for _, tile := range []tilerpc.TileID{1, 2} {
		if err := host.Serve(mustOpen(t, mesh.Link(0, tile))); err != nil {
			t.Fatalf("Serve %v: %v", tile, err)
		}
	}
	if err := host.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Stop()

	c1, err := rpc.NewClient(cfg, testSchema, mustOpen(t, mesh.Link(1, 0)), &rpc.ClientOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("NewClient 1: %v", err)
	}
	c2, err := rpc.NewClient(cfg, testSchema, mustOpen(t, mesh.Link(2, 0)), nil)
	if err != nil {
		t.Fatalf("NewClient 2: %v", err)
	}
	ctx := context.Background()

	// Start a call on client 1 that the host will not finish, then drop the
	// link under it. The call must fail promptly, not wait out its timeout.
	var elapsed time.Duration
	pending := taskgroup.Go(func() error {
		start := time.Now()
		defer func() { elapsed = time.Since(start) }()
		_, err := c1.Call(ctx, opSlow, nil)
		return err
	})
	time.Sleep(20 * time.Millisecond)
	mesh.Link(1, 0).Stop()

	err = pending.Wait()
	if !errors.Is(err, tilerpc.ErrChannelClosed) {
		t.Errorf("Pending call: got %v, want %v", err, tilerpc.ErrChannelClosed)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Pending call took %v to fail", elapsed)
	}

	// The host finishes the stranded call and keeps serving client 2.
	close(drv.gate)
	got, err := c2.Call(ctx, opWho, nil)
	if err != nil {
		t.Fatalf("Call on client 2: %v", err)
	}
	if got[0] != 2 {
		t.Errorf("Call on client 2: got tile %d, want 2", got[0])
	}
}

func TestBusy(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	_, _, clients := setup(t, 2, &rpc.HostOptions{RateLimit: 0.001, Burst: 1}, nil)
	cli := clients[0]
	ctx := context.Background()

	if _, err := cli.Call(ctx, opAdd, add(1, 2)); err != nil {
		t.Fatalf("First call: %v", err)
	}
	_, err := cli.Call(ctx, opAdd, add(1, 2))
	if !errors.Is(err, rpc.ErrBusy) {
		t.Errorf("Second call: got %v, want %v", err, rpc.ErrBusy)
	}
}
