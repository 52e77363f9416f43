package hart

import (
	"context"
	"sync"
	"time"
)

// Accnt accumulates per-hart runtime, keyed by hart id. Unlike a real
// kernel's per-process user/system split this only has one bucket: harts
// here don't trap in and out of a kernel, they just run fn to completion.
type Accnt struct {
	mu    sync.Mutex
	total map[int]int64 // hart id -> nanoseconds spent in fn
}

// NewAccnt returns an empty accounting record.
func NewAccnt() *Accnt {
	return &Accnt{total: make(map[int]int64)}
}

func (a *Accnt) add(hartID int, delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total[hartID] += delta
}

// Nanos returns the accumulated runtime for hartID.
func (a *Accnt) Nanos(hartID int) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total[hartID]
}

// TotalNanos returns the accumulated runtime summed across every hart.
func (a *Accnt) TotalNanos() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum int64
	for _, v := range a.total {
		sum += v
	}
	return sum
}

// RunAccounted is Run with each hart's fn call timed into acct. A nil acct
// disables accounting and behaves exactly like Run.
func RunAccounted(ctx context.Context, n int, acct *Accnt, fn func(ctx context.Context, hartID int) error) error {
	if acct == nil {
		return Run(ctx, n, fn)
	}
	return Run(ctx, n, func(ctx context.Context, hartID int) error {
		start := time.Now()
		err := fn(ctx, hartID)
		acct.add(hartID, time.Since(start).Nanoseconds())
		return err
	})
}
