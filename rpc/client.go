// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/tilerpc"
	"github.com/creachadair/tilerpc/registry"
	"github.com/rs/zerolog"
)

var (
	// ErrBusy is reported by a call refused by the host's admission limit.
	// The call did not reach the driver and may be retried after a backoff.
	ErrBusy = errors.New("host busy")

	// ErrUnknownOp is reported by a call to an operation the host does not
	// serve.
	ErrUnknownOp = errors.New("unknown operation")
)

// ClientOptions are optional settings for a Client. A nil *ClientOptions is
// ready for use and provides default values as described.
type ClientOptions struct {
	// The longest a call may wait for its response.
	// If zero, DefaultTimeout is used.
	Timeout time.Duration

	// The longest the first call may wait for the host to announce itself
	// before failing with tilerpc.ErrNotReady. If zero, the call timeout is
	// used.
	ReadyTimeout time.Duration

	// If non-nil, diagnostics are written here.
	Logger *zerolog.Logger
}

// DefaultTimeout is the call timeout used when none is configured.
const DefaultTimeout = time.Second

func (o *ClientOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o *ClientOptions) readyTimeout() time.Duration {
	if o == nil || o.ReadyTimeout <= 0 {
		return o.timeout()
	}
	return o.ReadyTimeout
}

func (o *ClientOptions) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// A Client issues calls to one remote driver host over an endpoint.
//
// Calls on a client are serialized: a call does not send its request until
// every earlier call has received its response or given up, so the requests
// and responses of different goroutines are never interleaved on the wire.
type Client struct {
	cfg     *registry.Config
	schema  *Schema
	ep      *tilerpc.Endpoint
	timeout time.Duration
	rtime   time.Duration
	log     zerolog.Logger

	μ     sync.Mutex
	seq   uint32
	ready bool
}

// NewClient constructs a client for the driver described by cfg, using ep to
// reach its host. It reports an error if ep is not bound to the port and host
// of cfg, or if the local tile is not an authorized client of cfg.
func NewClient(cfg *registry.Config, schema *Schema, ep *tilerpc.Endpoint, opts *ClientOptions) (*Client, error) {
	switch {
	case ep.Port() != cfg.Port():
		return nil, fmt.Errorf("client %s: endpoint port %d, want %d", cfg.Name(), ep.Port(), cfg.Port())
	case ep.Remote() != cfg.Host():
		return nil, fmt.Errorf("client %s: endpoint reaches %v, want host %v", cfg.Name(), ep.Remote(), cfg.Host())
	case !cfg.Serves(ep.Local()):
		return nil, fmt.Errorf("client %s: %v is not an authorized client", cfg.Name(), ep.Local())
	}
	return &Client{
		cfg:     cfg,
		schema:  schema,
		ep:      ep,
		timeout: opts.timeout(),
		rtime:   opts.readyTimeout(),
		log: opts.logger().With().
			Str("driver", cfg.Name()).Stringer("tile", ep.Local()).Logger(),
	}, nil
}

// Config returns the driver configuration of c.
func (c *Client) Config() *registry.Config { return c.cfg }

// Schema returns the operation table of c.
func (c *Client) Schema() *Schema { return c.schema }

// Close closes the endpoint of c.
func (c *Client) Close() error { return c.ep.Close() }

// Call invokes op on the remote host with the given packed arguments, and
// blocks until the response arrives, the call times out, or the endpoint
// closes. The arguments must match the layout of op, or Call reports an error
// wrapping tilerpc.ErrMalformedMessage without sending anything.
//
// If the host answers with a non-OK status, the error has concrete type
// *CallError. Otherwise, transport errors wrap tilerpc.ErrTimeout,
// tilerpc.ErrChannelClosed, tilerpc.ErrNotReady, or tilerpc.ErrSchemaMismatch.
// Failed calls are never retried.
//
// A host answers a request it cannot parse with sequence number 0, which no
// call uses, so Call discards that answer and the call ends with
// tilerpc.ErrTimeout. Requests built by Call always parse; only a corrupted
// request gets this treatment.
func (c *Client) Call(ctx context.Context, op uint16, args []byte) (_ []byte, err error) {
	metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			metrics.callOutErr.Add(1)
			if errors.Is(err, tilerpc.ErrTimeout) {
				metrics.callTimeout.Add(1)
			}
		}
	}()
	if err := c.schema.CheckArgs(op, args); err != nil {
		return nil, err
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if !c.ready {
		if err := c.awaitReadyLocked(ctx); err != nil {
			return nil, err
		}
	}

	c.seq++
	seq := c.seq
	if err := c.ep.Send(Request{Seq: seq, Op: op, Args: args}.Encode()); err != nil {
		return nil, fmt.Errorf("call %s op %d: %w", c.cfg.Name(), op, err)
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	for {
		data, err := c.ep.Recv(tctx)
		if err != nil {
			return nil, fmt.Errorf("call %s op %d: %w", c.cfg.Name(), op, err)
		}
		msg, err := Parse(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("discarding invalid message")
			continue
		}
		switch m := msg.(type) {
		case *Hello:
			// The host restarted while we were waiting. Our request may or
			// may not have been seen, so keep waiting until the deadline.
			if err := c.checkHello(m); err != nil {
				c.ready = false
				return nil, err
			}
		case *Response:
			if m.Seq != seq {
				metrics.callStale.Add(1)
				c.log.Debug().Uint32("seq", m.Seq).Uint32("want", seq).Msg("discarding stale response")
				continue
			} else if m.Op != op {
				return nil, fmt.Errorf("call %s: response for op %d, want %d: %w",
					c.cfg.Name(), m.Op, op, tilerpc.ErrMalformedMessage)
			}
			return resultOf(c.schema, m)
		default:
			c.log.Debug().Stringer("kind", msg.Kind()).Msg("discarding unexpected message")
		}
	}
}

// awaitReadyLocked waits for the host announcement. The caller must hold c.μ.
func (c *Client) awaitReadyLocked(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, c.rtime)
	defer cancel()
	for {
		data, err := c.ep.Recv(rctx)
		if err != nil {
			if errors.Is(err, tilerpc.ErrTimeout) && ctx.Err() == nil {
				return fmt.Errorf("%w: %s on %v", tilerpc.ErrNotReady, c.cfg.Name(), c.cfg.Host())
			}
			return fmt.Errorf("await %s: %w", c.cfg.Name(), err)
		}
		msg, err := Parse(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("discarding invalid message")
			continue
		}
		if h, ok := msg.(*Hello); ok {
			if err := c.checkHello(h); err != nil {
				return err
			}
			c.ready = true
			c.log.Debug().Stringer("hello", h).Msg("host ready")
			return nil
		}
		// Anything else is left over from an earlier session.
		metrics.callStale.Add(1)
	}
}

func (c *Client) checkHello(h *Hello) error {
	if h.Fingerprint != c.schema.Fingerprint() {
		return fmt.Errorf("%w: %s host has %q (%08x), want %q (%08x)", tilerpc.ErrSchemaMismatch,
			c.cfg.Name(), h.Schema, h.Fingerprint, c.schema.Name(), c.schema.Fingerprint())
	}
	return nil
}

// resultOf converts a response into a result or an error.
func resultOf(s *Schema, rsp *Response) ([]byte, error) {
	if rsp.Status == StatusOK {
		if err := s.CheckResult(rsp.Op, rsp.Result); err != nil {
			return nil, err
		}
		return rsp.Result, nil
	}
	ce := &CallError{Response: rsp}

	// Try to decode the error data, but if that fails use the string from the
	// failure message so the caller has a way to debug.
	if err := ce.ErrorData.UnmarshalBinary(rsp.Result); err != nil {
		ce.Message = err.Error()
	}
	switch rsp.Status {
	case StatusMalformed:
		ce.Err = tilerpc.ErrMalformedMessage
	case StatusUnknownOp:
		ce.Err = ErrUnknownOp
	case StatusBusy:
		ce.Err = ErrBusy
	case StatusDriverError:
		ce.Err = s.errorValue(ce.Code)
	}
	return nil, ce
}

// CallError is the concrete type of errors reported by a call whose response
// had a non-OK status. The ErrorData carries the details reported by the
// host. For driver errors whose code is registered in the schema, Err is the
// registered error value; for rejected requests Err is the corresponding
// sentinel. Otherwise Err is nil.
type CallError struct {
	ErrorData
	Err      error
	Response *Response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Response.Status == StatusDriverError {
		return fmt.Sprintf("driver error: %v", c.ErrorData.Error())
	} else if c.Message != "" {
		return fmt.Sprintf("request %d: %v: %s", c.Response.Seq, c.Response.Status, c.Message)
	}
	return fmt.Sprintf("request %d: %v", c.Response.Seq, c.Response.Status)
}
