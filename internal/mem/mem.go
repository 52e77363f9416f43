// Package mem implements the physical frame allocator.
//
// Physical memory is simulated as a single contiguous byte arena rather than
// firmware-reported RAM, since this kernel runs hosted rather than on bare
// metal. Frames are tracked with a singly-linked free list threaded through
// a parallel metadata slice, without a per-CPU free-list fast path: this is
// a teaching kernel with a handful of simulated harts, not a NUMA machine,
// so the extra contention-avoidance machinery has no payoff here (see
// DESIGN.md).
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

/// PageShift is the base-2 exponent of the page size.
const PageShift = 12

/// PageSize is the size of a single frame in bytes.
const PageSize = 1 << PageShift

/// PageMask masks the in-page offset of an address.
const PageMask = PageSize - 1

// ErrOOM is returned when the arena has no free frames left.
var ErrOOM = errors.New("mem: out of physical frames")

/// PA is a physical address: a byte offset into the simulated arena.
type PA uintptr

/// Frame returns the frame number of pa.
func (pa PA) Frame() uint32 { return uint32(pa >> PageShift) }

const noNext = ^uint32(0)

type pageMeta struct {
	refcnt int32
	next   uint32
}

/// Arena owns the simulated physical memory and the frame free list.
//
// A fixed tail of the arena is reserved for AllocateContiguous, which is
// never used by the ownership tracker (T); no other package in this
// repository calls it either.
type Arena struct {
	mu   sync.Mutex
	data []byte
	meta []pageMeta

	freeHead uint32
	freeLen  int32
	npages   uint32

	dmaMu    sync.Mutex
	dmaBase  uint32
	dmaLen   uint32
	dmaFreeAt uint32 // bump pointer into [dmaBase, dmaBase+dmaLen)

	framesFree prometheus.Gauge
	framesUsed prometheus.Gauge

	oomCh chan OomMsg
}

// oomChCapacity bounds how many unread OOM notifications an Arena will
// queue before dropping new ones.
const oomChCapacity = 16

// DefaultArenaSize is an arena size for callers with no configuration of
// their own; the CLI sizes its arena from the arena_bytes setting instead.
const DefaultArenaSize = 256 << 20

// DefaultDMAFrames is the number of frames reserved for contiguous allocation.
const DefaultDMAFrames = 64

/// NewArena carves size bytes into frames. framesFree/framesUsed may be nil.
func NewArena(size int, dmaFrames int, framesFree, framesUsed prometheus.Gauge) (*Arena, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, errors.Errorf("mem: arena size %d is not a positive multiple of %d", size, PageSize)
	}
	total := uint32(size / PageSize)
	if dmaFrames < 0 || uint32(dmaFrames) >= total {
		return nil, errors.Errorf("mem: dma reservation %d too large for %d frames", dmaFrames, total)
	}
	a := &Arena{
		data:       make([]byte, size),
		meta:       make([]pageMeta, total),
		npages:     total - uint32(dmaFrames),
		dmaBase:    total - uint32(dmaFrames),
		dmaLen:     uint32(dmaFrames),
		framesFree: framesFree,
		framesUsed: framesUsed,
		oomCh:      make(chan OomMsg, oomChCapacity),
	}
	for i := range a.meta {
		a.meta[i].refcnt = -1
	}
	a.freeHead = 0
	a.freeLen = int32(a.npages)
	for i := uint32(0); i < a.npages; i++ {
		a.meta[i].refcnt = 0
		if i+1 < a.npages {
			a.meta[i].next = i + 1
		} else {
			a.meta[i].next = noNext
		}
	}
	a.dmaFreeAt = a.dmaBase
	a.reportLocked()
	return a, nil
}

func (a *Arena) reportLocked() {
	if a.framesFree != nil {
		a.framesFree.Set(float64(a.freeLen))
	}
	if a.framesUsed != nil {
		a.framesUsed.Set(float64(int32(a.npages) - a.freeLen))
	}
}

/// AllocateOne returns a zero-initialized frame, or ErrOOM.
func (a *Arena) AllocateOne() (PA, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeLen == 0 {
		a.notifyOOM(1)
		return 0, ErrOOM
	}
	idx := a.freeHead
	a.freeHead = a.meta[idx].next
	a.freeLen--
	if a.meta[idx].refcnt != 0 {
		panic("mem: free list entry has nonzero refcount")
	}
	a.meta[idx].refcnt = 1
	a.reportLocked()
	pa := PA(idx) << PageShift
	a.zero(pa)
	return pa, nil
}

/// AllocateContiguous returns n physically contiguous frames, or ErrOOM.
//
// This pool is a simple bump allocator: frames taken from it are never
// returned, so it keeps no free list.
func (a *Arena) AllocateContiguous(n int) (PA, error) {
	if n <= 0 {
		return 0, errors.New("mem: AllocateContiguous requires n > 0")
	}
	a.dmaMu.Lock()
	defer a.dmaMu.Unlock()
	end := a.dmaBase + a.dmaLen
	if a.dmaFreeAt+uint32(n) > end {
		a.notifyOOM(n)
		return 0, ErrOOM
	}
	start := a.dmaFreeAt
	a.dmaFreeAt += uint32(n)
	pa := PA(start) << PageShift
	for i := 0; i < n*PageSize; i++ {
		a.data[uintptr(pa)+uintptr(i)] = 0
	}
	return pa, nil
}

func (a *Arena) zero(pa PA) {
	b := a.rawBytes(pa)
	for i := range b {
		b[i] = 0
	}
}

func (a *Arena) rawBytes(pa PA) []byte {
	off := uintptr(pa)
	return a.data[off : off+PageSize]
}

/// Bytes returns the PageSize-length slice backing pa.
func (a *Arena) Bytes(pa PA) []byte {
	return a.rawBytes(pa)
}

func (a *Arena) idx(pa PA) uint32 {
	idx := pa.Frame()
	if idx >= a.npages {
		panic("mem: physical address outside the refcounted pool")
	}
	return idx
}

/// Refcnt returns the current reference count of the frame at pa.
func (a *Arena) Refcnt(pa PA) int {
	idx := a.idx(pa)
	return int(atomic.LoadInt32(&a.meta[idx].refcnt))
}

/// Refup increments the reference count of the frame at pa.
func (a *Arena) Refup(pa PA) {
	idx := a.idx(pa)
	c := atomic.AddInt32(&a.meta[idx].refcnt, 1)
	if c <= 1 {
		panic("mem: refup on a free frame")
	}
}

/// Refdown decrements the reference count of the frame at pa and returns
/// true if the frame was thereby freed.
func (a *Arena) Refdown(pa PA) bool {
	idx := a.idx(pa)
	c := atomic.AddInt32(&a.meta[idx].refcnt, -1)
	if c < 0 {
		panic("mem: refdown underflow")
	}
	if c != 0 {
		return false
	}
	a.mu.Lock()
	a.meta[idx].next = a.freeHead
	a.freeHead = idx
	a.freeLen++
	a.reportLocked()
	a.mu.Unlock()
	return true
}

/// FreeFrames reports the number of unallocated frames in the refcounted pool.
func (a *Arena) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.freeLen)
}
