// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the rpc.Handler type for functions
// with other signatures.
//
// Parameters may be []byte or string, a fixed-width unsigned integer or bool
// (packed big-endian), or a type whose pointer supports one of the
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be any of the same types, or any type that supports one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
//
// The host checks the size of the arguments against the operation layout
// before a handler is called, so the decoders here only need to check what
// the layout cannot express.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/tilerpc/rpc"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *rpc.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*rpc.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to an rpc.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to an rpc.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to an rpc.Handler.
func ParamError[P any](f func(context.Context, P) error) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to an rpc.Handler.
func ResultError[R any](f func(context.Context) (R, error)) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) ([]byte, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to an rpc.Handler.
func ResultOnly[R any](f func(context.Context) R) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) ([]byte, error) {
		return marshal(f(context.WithValue(ctx, reqContextKey{}, req)))
	}
}

// Action adapts a function f that accepts no parameters and returns only an
// error, to an rpc.Handler.
func Action(f func(context.Context) error) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) ([]byte, error) {
		return nil, f(context.WithValue(ctx, reqContextKey{}, req))
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to
// a []byte, string, bool, or fixed-width unsigned integer, or must implement
// either the encoding.BinaryUnmarshaler interface or the
// encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case *bool:
		if len(data) != 1 {
			return fmt.Errorf("bool: got %d bytes, want 1", len(data))
		}
		*t = data[0] != 0
	case *uint8:
		if len(data) != 1 {
			return fmt.Errorf("uint8: got %d bytes, want 1", len(data))
		}
		*t = data[0]
	case *uint16:
		if len(data) != 2 {
			return fmt.Errorf("uint16: got %d bytes, want 2", len(data))
		}
		*t = binary.BigEndian.Uint16(data)
	case *uint32:
		if len(data) != 4 {
			return fmt.Errorf("uint32: got %d bytes, want 4", len(data))
		}
		*t = binary.BigEndian.Uint32(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte,
// string, bool, or fixed-width unsigned integer (or a pointer to []byte or
// string); otherwise it must implement either the encoding.BinaryMarshaler
// interface or the encoding.TextMarshaler interface. If v implements both,
// BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case bool:
		return []byte{value.Cond[byte](t, 1, 0)}, nil
	case uint8:
		return []byte{t}, nil
	case uint16:
		return binary.BigEndian.AppendUint16(nil, t), nil
	case uint32:
		return binary.BigEndian.AppendUint32(nil, t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
