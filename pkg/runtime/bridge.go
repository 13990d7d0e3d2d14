package runtime

import (
	"context"
)

// ownerKey tags a context.Context with the Context whose executor thread is
// running the current sub-task.
type ownerKey struct{}

func withOwner(parent context.Context, c *Context) context.Context {
	return context.WithValue(parent, ownerKey{}, c)
}

// Current returns the Context whose thread is running the caller, or nil
// when the caller is not on an executor thread. The executor tags the
// context.Context it hands to every sub-task, so the answer stays correct
// with any number of concurrent Contexts; callers must thread ctx through
// unchanged for the detection to work.
func Current(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ownerKey{}).(*Context)
	return c
}

// BlockOnOrAddSubTask is the reentrancy bridge. If the caller is already on
// the target Context's thread the work is enqueued as a fire-and-forget
// sub-task and the call returns nil immediately: blocking would self-deadlock
// the single thread, so the mutation is applied eventually instead.
// Otherwise the caller blocks until the work completes and gets its result.
//
// An API that needs a synchronous result for a foreign caller must not reach
// this from inside a sub-task of the target, since the fire-and-forget path
// discards the result by design.
func BlockOnOrAddSubTask(ctx context.Context, target *Context, fn func(ctx context.Context) error) error {
	if Current(ctx) == target {
		return target.AddSubTask(ctx, fn)
	}
	return target.BlockOn(ctx, fn)
}
