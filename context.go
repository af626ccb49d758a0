package ringco

import (
	"context"
)

// instanceContextKey is the context key under which an instance's
// identity is stored.
type instanceContextKey struct{}

// Instance identifies a coroutine instance within its loop.
type Instance struct {
	Kind   KindID
	Name   string
	Handle Handle
}

func withInstance(ctx context.Context, inst Instance) context.Context {
	return context.WithValue(ctx, instanceContextKey{}, inst)
}

// InstanceFromContext returns the identity of the instance whose Run
// received ctx.
func InstanceFromContext(ctx context.Context) (Instance, bool) {
	val, ok := ctx.Value(instanceContextKey{}).(Instance)
	return val, ok
}

// MustInstanceFromContext is InstanceFromContext for callers that only
// ever run inside an instance.
func MustInstanceFromContext(ctx context.Context) Instance {
	val, ok := ctx.Value(instanceContextKey{}).(Instance)
	if !ok {
		panic("ringco: instance not found in context")
	}
	return val
}

// Tag returns the correlation tag an instance's request tagged sub
// carries.
func (i Instance) Tag(sub SubTag) UserData {
	return Encode(i.Kind, i.Handle, sub)
}
