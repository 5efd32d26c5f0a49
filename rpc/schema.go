// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"

	"github.com/creachadair/tilerpc"
)

// A Layout describes the packed size of an argument or result.
//
// A layout with Var == false has exactly Fixed bytes. A layout with Var ==
// true has a fixed prefix of Fixed bytes whose last 4 bytes are a big-endian
// length, followed by exactly that many bytes of variable data.
type Layout struct {
	Fixed int
	Var   bool
}

// Check reports whether data has the shape described by l.
func (l Layout) Check(data []byte) error {
	if !l.Var {
		if len(data) != l.Fixed {
			return fmt.Errorf("got %d bytes, want %d", len(data), l.Fixed)
		}
		return nil
	}
	if l.Fixed < 4 || len(data) < l.Fixed {
		return fmt.Errorf("got %d bytes, want at least %d", len(data), l.Fixed)
	}
	tail := int(binary.BigEndian.Uint32(data[l.Fixed-4:]))
	if want := l.Fixed + tail; len(data) != want {
		return fmt.Errorf("got %d bytes, want %d", len(data), want)
	}
	return nil
}

func (l Layout) String() string {
	if l.Var {
		return fmt.Sprintf("%d+n", l.Fixed)
	}
	return fmt.Sprint(l.Fixed)
}

// An Op describes one operation exposed by a driver type.
type Op struct {
	Code   uint16
	Name   string
	Args   Layout
	Result Layout
}

// A Schema is the operation table of one driver type. A host and its clients
// must be built from the same schema; the Hello message carries its
// fingerprint so that a mismatch is detected before any call is made.
//
// A Schema should be fully constructed before it is shared; it is not safe to
// modify once in use.
type Schema struct {
	name   string
	ops    map[uint16]Op
	errs   map[uint16]error
	fprint uint32
}

// NewSchema constructs a schema with the given name and operations. It panics
// if two operations share a code or a name.
func NewSchema(name string, ops ...Op) *Schema {
	s := &Schema{name: name, ops: make(map[uint16]Op)}
	names := make(map[string]bool)
	for _, op := range ops {
		if _, ok := s.ops[op.Code]; ok {
			panic(fmt.Sprintf("schema %q: duplicate op code %d", name, op.Code))
		} else if names[op.Name] {
			panic(fmt.Sprintf("schema %q: duplicate op name %q", name, op.Name))
		}
		s.ops[op.Code] = op
		names[op.Name] = true
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write(s.Encode())
	s.fprint = h.Sum32()
	return s
}

// WithErrors registers driver error codes for s and returns s. Codes must be
// positive. A host reports a handler error matching one of these (by
// errors.Is) with its code, and a client maps the code back to the same
// error value, so that driver errors pass through a remote call unchanged.
func (s *Schema) WithErrors(codes map[uint16]error) *Schema {
	if s.errs == nil {
		s.errs = make(map[uint16]error)
	}
	for code, err := range codes {
		if code == 0 {
			panic("error code 0 is reserved")
		}
		s.errs[code] = err
	}
	return s
}

// Name reports the name of the schema.
func (s *Schema) Name() string { return s.name }

// Fingerprint reports a hash of the name and operation table of s.
func (s *Schema) Fingerprint() uint32 { return s.fprint }

// Op returns the operation with the given code, if it exists.
func (s *Schema) Op(code uint16) (Op, bool) { op, ok := s.ops[code]; return op, ok }

// Ops returns the operations of s ordered by code.
func (s *Schema) Ops() []Op {
	out := make([]Op, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op)
	}
	slices.SortFunc(out, func(a, b Op) int { return int(a.Code) - int(b.Code) })
	return out
}

// CheckArgs reports an error wrapping tilerpc.ErrMalformedMessage if args do
// not match the argument layout of op.
func (s *Schema) CheckArgs(op uint16, args []byte) error {
	o, ok := s.ops[op]
	if !ok {
		return fmt.Errorf("%s: unknown op %d", s.name, op)
	}
	if err := o.Args.Check(args); err != nil {
		return fmt.Errorf("%s.%s args: %w: %w", s.name, o.Name, tilerpc.ErrMalformedMessage, err)
	}
	return nil
}

// CheckResult reports an error wrapping tilerpc.ErrMalformedMessage if result
// does not match the result layout of op.
func (s *Schema) CheckResult(op uint16, result []byte) error {
	o, ok := s.ops[op]
	if !ok {
		return fmt.Errorf("%s: unknown op %d", s.name, op)
	}
	if err := o.Result.Check(result); err != nil {
		return fmt.Errorf("%s.%s result: %w: %w", s.name, o.Name, tilerpc.ErrMalformedMessage, err)
	}
	return nil
}

// errorCode reports the registered code for err, or 0.
func (s *Schema) errorCode(err error) uint16 {
	var best uint16
	for code, e := range s.errs {
		// Prefer the lowest code so the choice does not depend on map order.
		if errors.Is(err, e) && (best == 0 || code < best) {
			best = code
		}
	}
	return best
}

// errorValue reports the error registered for code, or nil.
func (s *Schema) errorValue(code uint16) error { return s.errs[code] }

// Encode encodes the operation table of s in binary format.
//
// The wire format comprises the names of all operations in lexicographic
// order, followed by the corresponding operation records in the reverse order
// of the names. Each name is encoded as a big-endian uint16 length followed by
// that many bytes of the name. Each record is the uint16 code followed by the
// argument and result layouts, each a uint32 fixed size and a 1-byte flag.
func (s *Schema) Encode() []byte {
	if len(s.ops) == 0 {
		return nil
	}
	const recLen = 2 + 2*5
	var nlen int
	names := make([]string, 0, len(s.ops))
	byName := make(map[string]Op, len(s.ops))
	for _, op := range s.ops {
		names = append(names, op.Name)
		byName[op.Name] = op
		nlen += 2 + len(op.Name) // +2 for length tag
	}
	slices.Sort(names)
	buf := make([]byte, nlen+recLen*len(s.ops))
	npos, rpos := 0, len(buf)
	putName := func(s string) {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(s)))
		npos += 2
		npos += copy(buf[npos:], s)
	}
	putLayout := func(pos int, l Layout) {
		binary.BigEndian.PutUint32(buf[pos:], uint32(l.Fixed))
		if l.Var {
			buf[pos+4] = 1
		}
	}
	putRecord := func(op Op) {
		rpos -= recLen
		binary.BigEndian.PutUint16(buf[rpos:], op.Code)
		putLayout(rpos+2, op.Args)
		putLayout(rpos+7, op.Result)
	}

	for _, name := range names {
		putName(name)
		putRecord(byName[name])
	}
	return buf
}
