// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/registry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// A Handler executes one operation against the local driver. The arguments
// in req have already been checked against the layout of the operation. The
// result must match the result layout of the operation.
//
// A handler may return an ErrorData value to control the code and data
// reported to the caller. Otherwise, an error matching one registered with
// Schema.WithErrors is reported with its code.
type Handler func(ctx context.Context, req *Request) ([]byte, error)

// HostOptions are optional settings for a Host. A nil *HostOptions is ready
// for use and provides default values as described.
type HostOptions struct {
	// If non-nil, diagnostics are written here.
	Logger *zerolog.Logger

	// If positive, each client may issue at most RateLimit requests per
	// second, with bursts of up to Burst. Requests over the limit are
	// answered with StatusBusy without reaching the driver.
	RateLimit rate.Limit
	Burst     int
}

func (o *HostOptions) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

func (o *HostOptions) limiter() *rate.Limiter {
	if o == nil || o.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(o.RateLimit, max(o.Burst, 1))
}

// A Host serves the operations of one driver instance to its authorized
// client tiles.
//
// Each client is served over its own endpoint. One goroutine per client reads
// and decodes requests; a single executor goroutine runs them one at a time,
// so that the handlers, and the driver behind them, never execute
// concurrently. Requests from one client are executed and answered in the
// order they were received. No order is promised between different clients.
type Host struct {
	cfg    *registry.Config
	schema *Schema
	opts   *HostOptions
	log    zerolog.Logger

	μ        sync.Mutex
	handlers map[uint16]Handler
	clients  map[tilerpc.TileID]*hostClient
	tasks    *taskgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	work     chan *job
}

type hostClient struct {
	tile    tilerpc.TileID
	ep      *tilerpc.Endpoint
	limiter *rate.Limiter
}

// A job is one unit of work for the executor.
type job struct {
	client *hostClient   // nil for local calls
	req    *Request      // the decoded request
	reject Status        // if not StatusOK, answer with this status
	why    error         // reason for the rejection
	reply  chan Response // for local calls
}

// NewHost constructs a host for the driver described by cfg. The host does
// not serve any requests until Start is called.
func NewHost(cfg *registry.Config, schema *Schema, opts *HostOptions) *Host {
	return &Host{
		cfg:      cfg,
		schema:   schema,
		opts:     opts,
		log:      opts.logger().With().Str("driver", cfg.Name()).Stringer("host", cfg.Host()).Logger(),
		handlers: make(map[uint16]Handler),
		clients:  make(map[tilerpc.TileID]*hostClient),
	}
}

// Name reports the name of the driver served by h.
func (h *Host) Name() string { return h.cfg.Name() }

// Priority reports the configured priority of h.
func (h *Host) Priority() int { return h.cfg.Priority() }

// Config returns the driver configuration of h.
func (h *Host) Config() *registry.Config { return h.cfg }

// Handle registers handler for op and returns h to permit chaining. If
// handler == nil, the handler for op is removed. Handle panics if op is not
// in the schema of h.
func (h *Host) Handle(op uint16, handler Handler) *Host {
	if _, ok := h.schema.Op(op); !ok {
		panic(fmt.Sprintf("op %d is not in schema %q", op, h.schema.Name()))
	}
	h.μ.Lock()
	defer h.μ.Unlock()
	if handler == nil {
		delete(h.handlers, op)
	} else {
		h.handlers[op] = handler
	}
	return h
}

// Serve adds ep as the endpoint for the client tile at its far end. It
// reports an error if ep is not on the port of h, if the remote tile is not
// an authorized client, or if that client is already being served. If h is
// running, the client is announced and served immediately.
func (h *Host) Serve(ep *tilerpc.Endpoint) error {
	switch {
	case ep.Local() != h.cfg.Host():
		return fmt.Errorf("serve %s: endpoint is on %v, not host %v", h.cfg.Name(), ep.Local(), h.cfg.Host())
	case ep.Port() != h.cfg.Port():
		return fmt.Errorf("serve %s: endpoint port %d, want %d", h.cfg.Name(), ep.Port(), h.cfg.Port())
	case !h.cfg.Serves(ep.Remote()):
		return fmt.Errorf("serve %s: %v is not an authorized client", h.cfg.Name(), ep.Remote())
	}

	h.μ.Lock()
	defer h.μ.Unlock()
	if _, ok := h.clients[ep.Remote()]; ok {
		return fmt.Errorf("serve %s: %v is already served", h.cfg.Name(), ep.Remote())
	}
	c := &hostClient{tile: ep.Remote(), ep: ep, limiter: h.opts.limiter()}
	h.clients[c.tile] = c
	if h.tasks != nil {
		h.startClientLocked(c)
	}
	return nil
}

// Start starts the executor and a receiver for each client, then announces
// the host to every client. It reports an error if h is already running.
func (h *Host) Start() error {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.tasks != nil {
		return fmt.Errorf("host %s is already running", h.cfg.Name())
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.tasks = taskgroup.New(nil)
	h.work = make(chan *job)
	work, ctx := h.work, h.ctx
	h.tasks.Go(func() error { h.execute(ctx, work); return nil })

	for _, tile := range slices.Sorted(maps.Keys(h.clients)) {
		h.startClientLocked(h.clients[tile])
	}
	h.log.Info().Int("priority", h.cfg.Priority()).Int("clients", len(h.clients)).Msg("host started")
	return nil
}

// Ready reports whether h is running.
func (h *Host) Ready() bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.tasks != nil
}

// Stop stops h and waits for its goroutines to exit. Requests not yet
// executed are discarded. The client endpoints are not closed. After Stop
// returns, h may be started again.
func (h *Host) Stop() error {
	h.μ.Lock()
	cancel := h.cancel
	h.μ.Unlock()
	if cancel != nil {
		cancel()
	}
	return h.Wait()
}

// Wait blocks until h has stopped.
func (h *Host) Wait() error {
	h.μ.Lock()
	t := h.tasks
	h.μ.Unlock()
	if t == nil {
		return nil
	}
	err := t.Wait()

	h.μ.Lock()
	defer h.μ.Unlock()
	if h.tasks == t {
		h.tasks = nil
		h.cancel = nil
		h.work = nil
	}
	return err
}

// Exec executes op on h from the host tile itself. The call runs on the
// executor like any remote call, so it never overlaps a remote call. Exec
// reports tilerpc.ErrNotReady if h is not running.
func (h *Host) Exec(ctx context.Context, op uint16, args []byte) ([]byte, error) {
	if err := h.schema.CheckArgs(op, args); err != nil {
		return nil, err
	}
	h.μ.Lock()
	work, hctx := h.work, h.ctx
	h.μ.Unlock()
	if work == nil {
		return nil, fmt.Errorf("exec %s: %w", h.cfg.Name(), tilerpc.ErrNotReady)
	}

	j := &job{req: &Request{Op: op, Args: args}, reply: make(chan Response, 1)}
	select {
	case work <- j:
	case <-ctx.Done():
		return nil, fmt.Errorf("exec %s: %w: %w", h.cfg.Name(), tilerpc.ErrTimeout, ctx.Err())
	case <-hctx.Done():
		return nil, fmt.Errorf("exec %s: %w", h.cfg.Name(), tilerpc.ErrNotReady)
	}
	// Once accepted, the executor always replies.
	rsp := <-j.reply
	return resultOf(h.schema, &rsp)
}

// startClientLocked announces h to c and starts its receiver.
// The caller must hold h.μ.
func (h *Host) startClientLocked(c *hostClient) {
	hello := Hello{Fingerprint: h.schema.Fingerprint(), Schema: h.schema.Name()}
	if err := c.ep.Send(hello.Encode()); err != nil {
		h.log.Warn().Err(err).Stringer("client", c.tile).Msg("announce failed")
	}
	ctx, work := h.ctx, h.work
	h.tasks.Go(func() error { h.receive(ctx, work, c); return nil })
}

// receive reads requests from c and passes them to the executor until ctx
// ends or the endpoint fails.
func (h *Host) receive(ctx context.Context, work chan<- *job, c *hostClient) {
	log := h.log.With().Stringer("client", c.tile).Logger()
	for {
		data, err := c.ep.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				metrics.disconnected.Add(1)
				log.Warn().Err(err).Msg("client disconnected")
				h.dropClient(c)
			}
			return
		}

		j := &job{client: c}
		msg, err := Parse(data)
		if err != nil {
			// Answer anyway. A sequence number of 0 is never used by a client,
			// so the response cannot be mistaken for another call's.
			j.req = &Request{}
			j.reject, j.why = StatusMalformed, err
		} else if req, ok := msg.(*Request); ok {
			j.req = req
			if c.limiter != nil && !c.limiter.Allow() {
				j.reject, j.why = StatusBusy, ErrBusy
			}
		} else {
			log.Debug().Stringer("kind", msg.Kind()).Msg("ignoring unexpected message")
			continue
		}

		select {
		case work <- j:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Host) dropClient(c *hostClient) {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.clients[c.tile] == c {
		delete(h.clients, c.tile)
	}
}

// execute runs jobs one at a time until ctx ends.
func (h *Host) execute(ctx context.Context, work <-chan *job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-work:
			rsp := h.run(ctx, j)
			if j.reply != nil {
				j.reply <- rsp
			} else if err := j.client.ep.Send(rsp.Encode()); err != nil {
				h.log.Warn().Err(err).Stringer("client", j.client.tile).
					Uint32("seq", rsp.Seq).Msg("response not delivered")
			}
		}
	}
}

// run executes a single job and constructs its response.
func (h *Host) run(ctx context.Context, j *job) Response {
	metrics.callIn.Add(1)
	rsp := Response{Seq: j.req.Seq, Op: j.req.Op}
	fail := func(status Status, ed ErrorData) Response {
		metrics.callInErr.Add(1)
		rsp.Status = status
		rsp.Result = ed.Encode()
		return rsp
	}
	if j.reject != StatusOK {
		if j.reject == StatusBusy {
			metrics.callBusy.Add(1)
		}
		return fail(j.reject, ErrorData{Message: j.why.Error()})
	}

	h.μ.Lock()
	handler, ok := h.handlers[j.req.Op]
	h.μ.Unlock()
	if !ok {
		return fail(StatusUnknownOp, ErrorData{Message: fmt.Sprintf("op %d not served", j.req.Op)})
	} else if err := h.schema.CheckArgs(j.req.Op, j.req.Args); err != nil {
		return fail(StatusMalformed, ErrorData{Message: err.Error()})
	}

	tile := h.cfg.Host()
	if j.client != nil {
		tile = j.client.tile
	}
	hctx := context.WithValue(ctx, clientContextKey{}, tile)

	var panicked bool
	data, err := func() (_ []byte, err error) {
		// Ensure a panic out of the handler is turned into a graceful response.
		defer func() {
			if x := recover(); x != nil {
				panicked = true
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return handler(hctx, j.req)
	}()

	switch {
	case panicked:
		metrics.callPanic.Add(1)
		h.log.Error().Err(err).Uint16("op", j.req.Op).Msg("handler panicked")
		return fail(StatusPanic, ErrorData{Message: err.Error()})
	case err != nil:
		var ed ErrorData
		if !errors.As(err, &ed) {
			ed = ErrorData{Code: h.schema.errorCode(err), Message: err.Error()}
		}
		return fail(StatusDriverError, ed)
	}
	if err := h.schema.CheckResult(j.req.Op, data); err != nil {
		h.log.Error().Err(err).Uint16("op", j.req.Op).Msg("handler result does not match layout")
		return fail(StatusDriverError, ErrorData{Message: err.Error()})
	}
	rsp.Result = data
	return rsp
}

type clientContextKey struct{}

// ContextClient reports the tile that issued the call being handled in ctx.
// For a call made with Exec, this is the host tile itself. ContextClient
// reports false if ctx does not belong to a handler.
func ContextClient(ctx context.Context) (tilerpc.TileID, bool) {
	t, ok := ctx.Value(clientContextKey{}).(tilerpc.TileID)
	return t, ok
}
