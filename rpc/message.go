// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/creachadair/tilerpc"
)

// Kind identifies the type of an RPC message.
type Kind byte

const (
	KindRequest  Kind = 1 // A call from a client to the host
	KindResponse Kind = 2 // The host's answer to a request
	KindHello    Kind = 3 // The host's readiness announcement
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindHello:
		return "HELLO"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// A Message is one of *Request, *Response, or *Hello.
type Message interface {
	Kind() Kind
	Encode() []byte
}

// Parse decodes a message from data. The kind byte selects the layout. A
// message whose header is truncated or whose kind is unknown reports an error
// wrapping tilerpc.ErrMalformedMessage.
//
// The payload of the result aliases data.
func Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", tilerpc.ErrMalformedMessage)
	}
	var msg interface {
		Message
		UnmarshalBinary([]byte) error
	}
	switch Kind(data[0]) {
	case KindRequest:
		msg = new(Request)
	case KindResponse:
		msg = new(Response)
	case KindHello:
		msg = new(Hello)
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", tilerpc.ErrMalformedMessage, data[0])
	}
	if err := msg.UnmarshalBinary(data[1:]); err != nil {
		return nil, fmt.Errorf("%w: %w", tilerpc.ErrMalformedMessage, err)
	}
	return msg, nil
}

// Request is the format of an RPC request message.
type Request struct {
	Seq  uint32 // caller's sequence number, echoed in the response
	Op   uint16 // operation code from the schema
	Args []byte // packed arguments in the operation's layout
}

// Kind implements part of the Message interface.
func (Request) Kind() Kind { return KindRequest }

// Encode encodes the request in binary format, including its kind.
func (r Request) Encode() []byte {
	buf := make([]byte, 7+len(r.Args)) // 1 kind, 4 seq, 2 op
	buf[0] = byte(KindRequest)
	binary.BigEndian.PutUint32(buf[1:], r.Seq)
	binary.BigEndian.PutUint16(buf[5:], r.Op)
	copy(buf[7:], r.Args)
	return buf
}

// UnmarshalBinary decodes data into a request, not including its kind.
// It implements encoding.BinaryUnmarshaler.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < 6 { // 4 seq, 2 op
		return fmt.Errorf("short request (%d bytes)", len(data))
	}
	r.Seq = binary.BigEndian.Uint32(data[0:])
	r.Op = binary.BigEndian.Uint16(data[4:])
	if len(data[6:]) > 0 {
		r.Args = data[6:]
	} else {
		r.Args = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(Seq=%v, Op=%v, Args=%+v)", r.Seq, r.Op, r.Args)
}

// Response is the format of an RPC response message.
type Response struct {
	Seq    uint32 // sequence number of the matching request
	Op     uint16 // operation code of the matching request
	Status Status
	Result []byte // packed result, or ErrorData if Status != StatusOK
}

// Kind implements part of the Message interface.
func (Response) Kind() Kind { return KindResponse }

// Encode encodes the response in binary format, including its kind.
func (r Response) Encode() []byte {
	buf := make([]byte, 8+len(r.Result)) // 1 kind, 4 seq, 2 op, 1 status
	buf[0] = byte(KindResponse)
	binary.BigEndian.PutUint32(buf[1:], r.Seq)
	binary.BigEndian.PutUint16(buf[5:], r.Op)
	buf[7] = byte(r.Status)
	copy(buf[8:], r.Result)
	return buf
}

// UnmarshalBinary decodes data into a response, not including its kind.
// It implements encoding.BinaryUnmarshaler.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 7 { // 4 seq, 2 op, 1 status
		return fmt.Errorf("short response (%d bytes)", len(data))
	}
	r.Seq = binary.BigEndian.Uint32(data[0:])
	r.Op = binary.BigEndian.Uint16(data[4:])
	r.Status = Status(data[6])
	if r.Status > maxStatus {
		return fmt.Errorf("invalid status %d", r.Status)
	}
	if len(data[7:]) > 0 {
		r.Result = data[7:]
	} else {
		r.Result = nil
	}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	var data string
	if r.Status != StatusOK {
		var ed ErrorData
		if ed.UnmarshalBinary(r.Result) == nil {
			data = fmt.Sprintf("ErrorData(Code=%d, [%d bytes], %q)", ed.Code, len(ed.Data), ed.Message)
		}
	}
	if data == "" {
		if len(r.Result) > 16 {
			data = fmt.Sprintf("Result=%+v ...", r.Result[:16])
		} else {
			data = fmt.Sprintf("Result=%+v", r.Result)
		}
	}
	return fmt.Sprintf("Response(Seq=%v, Op=%v, Status=%v, %s)", r.Seq, r.Op, r.Status, data)
}

// Hello is sent by a host on each client endpoint when it starts serving. It
// names the schema the host was built with, so that a client can tell that it
// is talking to a compatible host.
type Hello struct {
	Fingerprint uint32 // see Schema.Fingerprint
	Schema      string // schema name, for diagnostics
}

// Kind implements part of the Message interface.
func (Hello) Kind() Kind { return KindHello }

// Encode encodes the announcement in binary format, including its kind.
func (h Hello) Encode() []byte {
	buf := make([]byte, 5+len(h.Schema)) // 1 kind, 4 fingerprint
	buf[0] = byte(KindHello)
	binary.BigEndian.PutUint32(buf[1:], h.Fingerprint)
	copy(buf[5:], h.Schema)
	return buf
}

// UnmarshalBinary decodes data into an announcement, not including its kind.
// It implements encoding.BinaryUnmarshaler.
func (h *Hello) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("short hello (%d bytes)", len(data))
	}
	h.Fingerprint = binary.BigEndian.Uint32(data)
	h.Schema = string(data[4:])
	return nil
}

// String returns a human-friendly rendering of the announcement.
func (h Hello) String() string {
	return fmt.Sprintf("Hello(%q, %08x)", h.Schema, h.Fingerprint)
}

// Status describes the result of a completed call.
type Status byte

const (
	StatusOK          Status = 0 // Call completed successfully
	StatusMalformed   Status = 1 // Request did not match the operation's layout
	StatusUnknownOp   Status = 2 // Operation is not served by the host
	StatusDriverError Status = 3 // The driver reported an error
	StatusBusy        Status = 4 // Request refused by the host's admission limit
	StatusPanic       Status = 5 // The driver panicked

	maxStatus = StatusPanic
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusMalformed:
		return "MALFORMED"
	case StatusUnknownOp:
		return "UNKNOWN_OP"
	case StatusDriverError:
		return "DRIVER_ERROR"
	case StatusBusy:
		return "BUSY"
	case StatusPanic:
		return "PANIC"
	default:
		return fmt.Sprintf("status %d", byte(s))
	}
}

// ErrorData is the result format of a response whose status is not OK.
type ErrorData struct {
	Code    uint16 // driver error code, see Schema.Errors
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error. A handler may return an ErrorData to control the error code and
// auxiliary data reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, 65535)
	mlen := len(msg)

	buf := make([]byte, 4+mlen+len(e.Data)) // 2 code, 2 length
	binary.BigEndian.PutUint16(buf[0:], e.Code)
	binary.BigEndian.PutUint16(buf[2:], uint16(mlen))
	copy(buf[4:], msg)
	copy(buf[4+mlen:], e.Data)
	return buf
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	//
	// Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// UnmarshalBinary decodes data into an error data payload.
// It implements encoding.BinaryUnmarshaler.
func (e *ErrorData) UnmarshalBinary(data []byte) error {
	// Special case: An empty message is accepted as encoding empty details.
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	} else if len(data) < 4 {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}

	mlen := int(binary.BigEndian.Uint16(data[2:]))
	if 4+mlen > len(data) {
		return fmt.Errorf("error message truncated (%d > %d bytes)", 4+mlen, len(data))
	}
	e.Code = binary.BigEndian.Uint16(data[0:])
	e.Message = string(data[4 : 4+mlen])
	if d := data[4+mlen:]; len(d) != 0 {
		e.Data = d
	} else {
		e.Data = nil
	}
	return nil
}
