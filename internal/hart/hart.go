// Package hart simulates the multi-hart (multi-core) harness this kernel's
// virtual-memory and filesystem code runs under. Trap entry/exit, real
// hart bring-up via SBI, and the FIFO/stride scheduler are out of scope
// (external collaborators, contract-only) -- this package only provides
// the concurrent-worker shape and the hart-local-storage contract those
// collaborators would plug into.
package hart

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type hartIDKey struct{}

/// WithHartID attaches id to ctx, the Go analogue of hart.rs storing
/// HartLocalData behind the tp register.
func WithHartID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, hartIDKey{}, id)
}

/// ID returns the hart id stashed in ctx by Run, or -1 if none.
func ID(ctx context.Context) int {
	v, ok := ctx.Value(hartIDKey{}).(int)
	if !ok {
		return -1
	}
	return v
}

/// Run starts n harts, each invoking fn with its own hart id and a context
/// carrying that id, mirroring init_harts' "boot hart first, then the rest"
/// fan-out but without the distinction -- every simulated hart is
/// symmetric. Run blocks until every hart's fn returns or one returns a
/// non-nil error, at which point the remaining harts' contexts are
/// cancelled and the first error is returned.
func Run(ctx context.Context, n int, fn func(ctx context.Context, hartID int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < n; id++ {
		id := id
		g.Go(func() error {
			return fn(WithHartID(gctx, id), id)
		})
	}
	return g.Wait()
}
