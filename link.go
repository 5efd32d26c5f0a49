// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tilerpc

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// A Channel is a reliable ordered stream of frames shared by two tiles.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the frame in binary format to the receiver.
	Send(*Frame) error

	// Receive the next available frame from the channel.
	Recv() (*Frame, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A FrameLogger logs a frame exchanged with the remote tile.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	*Frame      // the frame being logged
	Sent   bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) String() string {
	if f.Sent {
		return fmt.Sprintf("send %v", f.Frame)
	}
	return fmt.Sprintf("recv %v", f.Frame)
}

// A Link multiplexes up to 256 logical ports over a single channel between
// two tiles. Each port is served by at most one Endpoint on each side.
//
// Call Start with a channel to start the receive routine for the link. Once
// started, a link runs until Stop is called, the channel closes, or a framing
// error occurs. When the link stops, every open endpoint fails with
// ErrChannelClosed. Use Wait to wait for the link to exit and report its
// status.
//
// Frames that arrive for a port nobody has opened yet are held until the port
// is opened, so that a tile may announce itself before its peer is listening.
type Link struct {
	local, remote TileID

	out sync.Mutex // serializes sends on the channel

	μ sync.Mutex

	ch     Channel
	tasks  *taskgroup.Group
	err    error                // link fatal error
	ports  map[uint8]*Endpoint  // port → mailbox
	flog   FrameLogger          // what it says on the tin
	log    zerolog.Logger       // diagnostics
	onExit func(error)
}

// NewLink constructs a new unstarted link from local to remote.
func NewLink(local, remote TileID) *Link {
	return &Link{local: local, remote: remote, log: zerolog.Nop()}
}

// Local reports the tile on this side of the link.
func (l *Link) Local() TileID { return l.local }

// Remote reports the tile on the far side of the link.
func (l *Link) Remote() TileID { return l.remote }

// Start starts the link running on the given channel. Start does not block;
// call Wait to wait for the link to exit and report its status.
func (l *Link) Start(ch Channel) *Link {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.ch != nil {
		panic("link is already started")
	}

	g := taskgroup.New(nil)
	l.ch = ch
	l.tasks = g
	l.err = nil
	l.ports = make(map[uint8]*Endpoint)
	linkMetrics.linksActive.Add(1)

	g.Go(func() error {
		for {
			f, err := ch.Recv()
			if err != nil {
				l.fail(err)
				return nil
			}
			linkMetrics.frameRecv.Add(1)
			if err := l.dispatchFrame(f); err != nil {
				l.fail(err)
				return nil
			}
		}
	})
	return l
}

// Metrics returns a metrics map for links. It is safe for the caller to add
// additional metrics to the map while the link is active.
func (l *Link) Metrics() *expvar.Map { return linkMetrics.emap }

// Stop closes the channel and terminates the link. It blocks until the link
// has exited and returns its status. After Stop completes it is safe to
// restart the link with a new channel.
func (l *Link) Stop() error { l.closeOut(); return l.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// Wait blocks until l terminates and reports the error that caused it to stop.
// After Wait completes it is safe to restart the link with a new channel.
//
// If l is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that caused the failure.
func (l *Link) Wait() error {
	l.μ.Lock()
	t := l.tasks
	l.μ.Unlock()
	if t == nil {
		return nil // the link is not running
	}
	t.Wait()

	l.μ.Lock()
	defer l.μ.Unlock()
	if l.tasks == t {
		l.ch = nil
		l.tasks = nil
		l.ports = nil
	}
	if treatErrorAsSuccess(l.err) {
		return nil
	}
	return l.err
}

// Open opens the specified port and returns an endpoint for it. It reports an
// error if the link is not running or if the port is already open.
func (l *Link) Open(port uint8) (*Endpoint, error) {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.ports == nil {
		return nil, fmt.Errorf("open port %d: %w", port, ErrChannelClosed)
	} else if l.err != nil {
		return nil, fmt.Errorf("open port %d: %w: %w", port, ErrChannelClosed, l.err)
	}
	ep := l.ports[port]
	if ep == nil {
		ep = l.newEndpointLocked(port)
	} else if ep.claimed {
		return nil, fmt.Errorf("port %d is already open", port)
	}
	ep.claimed = true
	linkMetrics.portsOpen.Add(1)
	return ep, nil
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the remote tile, including frames to be discarded.
// Passing a nil callback disables frame logging.
func (l *Link) LogFrames(log FrameLogger) *Link {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.flog = log
	return l
}

// SetLogger sets the diagnostic logger for l.
func (l *Link) SetLogger(log zerolog.Logger) *Link {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.log = log.With().Stringer("local", l.local).Stringer("remote", l.remote).Logger()
	return l
}

// OnExit registers a callback to be invoked when the link terminates.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (l *Link) OnExit(f func(error)) *Link {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.onExit = f
	return l
}

// fail terminates all open endpoints and records the failure status.
func (l *Link) fail(err error) {
	l.closeOut()

	l.μ.Lock()
	defer l.μ.Unlock()

	l.err = err
	cerr := fmt.Errorf("%w: link %v→%v: %w", ErrChannelClosed, l.local, l.remote, err)
	for _, ep := range l.ports {
		ep.fail(cerr)
	}
	linkMetrics.linksActive.Add(-1)

	if treatErrorAsSuccess(err) {
		err = nil
		l.log.Debug().Msg("link closed")
	} else {
		l.log.Warn().Err(err).Msg("link failed")
	}
	if l.onExit != nil {
		l.onExit(err)
	}
}

// dispatchFrame routes an inbound frame to its port.
// Any error it reports is fatal to the link.
func (l *Link) dispatchFrame(f *Frame) error {
	l.μ.Lock()
	flog := l.flog
	l.μ.Unlock()
	if flog != nil {
		flog(FrameInfo{Frame: f, Sent: false})
	}

	l.μ.Lock()
	defer l.μ.Unlock()
	switch f.Type {
	case FrameData:
		ep := l.ports[f.Port]
		if ep == nil {
			ep = l.newEndpointLocked(f.Port)
		}
		ep.push(f.Payload)

	case FrameClose:
		ep := l.ports[f.Port]
		if ep == nil {
			break
		}
		delete(l.ports, f.Port)
		ep.remoteClosed = true
		if ep.claimed {
			ep.fail(fmt.Errorf("%w: remote closed port %d", ErrChannelClosed, f.Port))
		}

	default:
		linkMetrics.frameDropped.Add(1)
		l.log.Debug().Stringer("type", f.Type).Uint8("port", f.Port).Msg("dropped frame")
	}
	return nil
}

func (l *Link) newEndpointLocked(port uint8) *Endpoint {
	ep := &Endpoint{
		link:  l,
		port:  port,
		inbox: queue.New[[]byte](),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	l.ports[port] = ep
	return ep
}

func (l *Link) sendOut(f *Frame) error {
	l.μ.Lock()
	ch, lerr, flog := l.ch, l.err, l.flog
	l.μ.Unlock()
	if ch == nil {
		return ErrChannelClosed
	} else if lerr != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, lerr)
	}

	l.out.Lock()
	defer l.out.Unlock()
	linkMetrics.frameSent.Add(1)
	if flog != nil {
		flog(FrameInfo{Frame: f, Sent: true})
	}
	if err := ch.Send(f); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	return nil
}

func (l *Link) closeOut() {
	l.μ.Lock()
	ch := l.ch
	l.μ.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// release detaches ep from the link if it is still bound to its port, and
// reports whether the remote side should be told about it.
func (l *Link) release(ep *Endpoint) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.ports[ep.port] == ep {
		delete(l.ports, ep.port)
	}
	linkMetrics.portsOpen.Add(-1)
	return !ep.remoteClosed
}

// An Endpoint is one side of a logical port on a link. Messages sent on an
// endpoint are delivered in order to the endpoint for the same port on the
// remote tile.
//
// Send and Recv are safe for concurrent use, but messages are not tagged with
// a sender: callers that share an endpoint must agree how to divide it.
type Endpoint struct {
	link *Link
	port uint8

	// These fields are protected by link.μ.
	claimed      bool // opened by a local caller
	remoteClosed bool // the remote side closed the port

	wake chan struct{} // buffered, signals new input
	done chan struct{} // closed when the endpoint fails

	μ     sync.Mutex
	inbox *queue.Queue[[]byte]
	err   error
	shut  bool // Close has been called
}

// Port reports the port number of e.
func (e *Endpoint) Port() uint8 { return e.port }

// Local reports the tile on this side of the endpoint.
func (e *Endpoint) Local() TileID { return e.link.local }

// Remote reports the tile on the far side of the endpoint.
func (e *Endpoint) Remote() TileID { return e.link.remote }

// Send sends a copy of data to the remote endpoint. It reports an error
// wrapping ErrChannelClosed if the endpoint or the link is closed.
func (e *Endpoint) Send(data []byte) error {
	if err := e.closed(); err != nil {
		return err
	}
	return e.link.sendOut(&Frame{Type: FrameData, Port: e.port, Payload: bytes.Clone(data)})
}

// Recv blocks until a message is available, the endpoint closes, or ctx ends.
// Messages already delivered are returned before a close is reported.
// If ctx ends first, the error wraps ErrTimeout as well as the context error.
func (e *Endpoint) Recv(ctx context.Context) ([]byte, error) {
	for {
		e.μ.Lock()
		if msg, ok := e.inbox.Pop(); ok {
			more := !e.inbox.IsEmpty()
			e.μ.Unlock()
			if more {
				e.signal() // pass the baton to another receiver
			}
			return msg, nil
		} else if e.err != nil {
			err := e.err
			e.μ.Unlock()
			return nil, err
		}
		e.μ.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case <-e.wake:
		case <-e.done:
		}
	}
}

// Probe reports the size of the next pending message without blocking.
// If no message is pending, it returns 0, false.
func (e *Endpoint) Probe() (int, bool) {
	e.μ.Lock()
	defer e.μ.Unlock()
	msg, ok := e.inbox.Peek(0)
	if !ok {
		return 0, false
	}
	return len(msg), true
}

// Close closes e and notifies the remote endpoint. Any messages not yet
// received are discarded. Close is idempotent.
func (e *Endpoint) Close() error {
	e.fail(fmt.Errorf("%w: port %d closed", ErrChannelClosed, e.port))

	e.μ.Lock()
	e.inbox.Clear()
	first := !e.shut
	e.shut = true
	e.μ.Unlock()

	if !first || !e.link.release(e) {
		return nil
	}
	err := e.link.sendOut(&Frame{Type: FrameClose, Port: e.port})
	if err != nil && !errors.Is(err, ErrChannelClosed) {
		return err
	}
	return nil
}

func (e *Endpoint) closed() error {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.err
}

func (e *Endpoint) push(msg []byte) {
	e.μ.Lock()
	if e.err != nil {
		e.μ.Unlock()
		linkMetrics.frameDropped.Add(1)
		return
	}
	e.inbox.Add(msg)
	e.μ.Unlock()
	e.signal()
}

func (e *Endpoint) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) fail(err error) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.err == nil {
		e.err = err
		close(e.done)
	}
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
