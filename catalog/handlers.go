package catalog

import (
	"context"
	"encoding/json"

	"github.com/floegence/grainrpc/grainerrors"
)

// erasedHandler is a method handler with its argument/result types
// erased to raw JSON, the same flattening typed.Register performs over
// an RPC router's uint32-keyed dispatch table.
type erasedHandler func(ctx context.Context, activation any, argument json.RawMessage) (json.RawMessage, error)

// GrainType is the handle RegisterGrainType returns: a type-safe place
// to hang RegisterMethod calls for T's methods.
type GrainType[T any] struct {
	entry *grainEntry
}

// RegisterGrainType binds grainType's name to a constructor and returns
// a handle for registering its methods. ctor is invoked lazily, once
// per distinct grain key, the first time that grain is addressed.
func RegisterGrainType[T any](c *Catalog, grainTypeName string, ctor func(key string) (*T, error)) *GrainType[T] {
	entry := &grainEntry{
		handlers:    make(map[uint32]erasedHandler),
		methodNames: make(map[uint32]string),
		construct: func(key string) (any, error) {
			return ctor(key)
		},
	}
	c.registerType(grainTypeName, entry)
	return &GrainType[T]{entry: entry}
}

// RegisterMethod binds ordinal on gt's grain type to a typed handler.
// The argument blob is JSON-decoded into TArg before fn runs; a decode
// failure is classified as InvalidArgument without ever calling fn.
func RegisterMethod[T any, TArg any, TResult any](gt *GrainType[T], ordinal uint32, methodName string, fn func(ctx context.Context, g *T, arg *TArg) (*TResult, error)) {
	gt.entry.methodNames[ordinal] = methodName
	gt.entry.handlers[ordinal] = func(ctx context.Context, activation any, argument json.RawMessage) (json.RawMessage, error) {
		g, ok := activation.(*T)
		if !ok {
			return nil, grainerrors.New(grainerrors.StageCatalog, grainerrors.CodeInternal, "activation type mismatch")
		}
		var arg TArg
		if len(argument) != 0 {
			if err := json.Unmarshal(argument, &arg); err != nil {
				return nil, grainerrors.Wrap(grainerrors.StageCatalog, grainerrors.CodeInvalidArgument, "argument decode failed", err)
			}
		}
		result, err := fn(ctx, g, &arg)
		if err != nil {
			if _, ok := grainerrors.CodeOf(err); ok {
				return nil, err
			}
			return nil, grainerrors.Wrap(grainerrors.StageCatalog, grainerrors.CodeInternal, "handler returned error", err)
		}
		if result == nil {
			return nil, nil
		}
		b, err := json.Marshal(result)
		if err != nil {
			return nil, grainerrors.Wrap(grainerrors.StageCatalog, grainerrors.CodeInternal, "result encode failed", err)
		}
		return b, nil
	}
}
