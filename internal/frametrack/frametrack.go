// Package frametrack implements T-F, the per-PTE frame ownership tracker.
//
// Each tracked PTE slot is Lazy (nothing allocated yet), Owned (exclusively
// backed by one frame), or COW (sharing a frame whose reference count says
// how many PTE slots currently point at it). The manager is the only thing
// that ever writes to a tracked leaf PTE; the page-table walker (internal/pt)
// only ever hands out slot locations.
package frametrack

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rvkernel/internal/mem"
	"rvkernel/internal/pt"
)

type state int

const (
	lazy state = iota
	owned
	cow
)

type record struct {
	kind state
	pa   mem.PA
}

/// Manager owns the Lazy/Owned/COW state for every tracked PTE slot of one
/// address space. Its mutex sits below the address space's own lock and
/// above the frame allocator's in the global lock ordering (task ->
/// address space -> {frame tracker, file tracker} -> frame allocator).
type Manager struct {
	mu    sync.Mutex
	arena *mem.Arena
	recs  map[pt.Loc]*record
	log   *zap.Logger
}

/// New creates a tracker bound to arena. log may be nil.
func New(arena *mem.Arena, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{arena: arena, recs: make(map[pt.Loc]*record), log: log}
}

/// MapLazy records loc as demand-paged: no frame is allocated and the PTE is
/// left invalid until the first access.
func (m *Manager) MapLazy(loc pt.Loc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[loc] = &record{kind: lazy}
}

/// MapStrict eagerly allocates a frame for loc and stores perm|V immediately.
func (m *Manager) MapStrict(loc pt.Loc, perm pt.PTE) (mem.PA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, err := m.arena.AllocateOne()
	if err != nil {
		return 0, errors.Wrap(err, "frametrack: MapStrict")
	}
	m.recs[loc] = &record{kind: owned, pa: pa}
	loc.Store(pt.MakePTE(pa, pt.V|perm))
	return pa, nil
}

/// Load resolves a Lazy record into Owned on first touch. Calling it on a
/// COW record is a caller bug: writable faults on COW pages must go through
/// Cown instead, exactly as mframe.rs's MFrame::load panics on the COW case.
func (m *Manager) Load(loc pt.Loc, perm pt.PTE) (mem.PA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[loc]
	if !ok {
		return 0, errors.New("frametrack: Load on an untracked PTE slot")
	}
	switch rec.kind {
	case owned:
		return rec.pa, nil
	case lazy:
		pa, err := m.arena.AllocateOne()
		if err != nil {
			return 0, errors.Wrap(err, "frametrack: Load")
		}
		rec.kind = owned
		rec.pa = pa
		loc.Store(pt.MakePTE(pa, pt.V|perm))
		return pa, nil
	default:
		panic("frametrack: Load called on a COW record")
	}
}

/// Cown ("claim owned") promotes a COW record to Owned on a write fault:
/// if the shared frame has no other sharer it is claimed in place, otherwise
/// its contents are copied into a freshly allocated frame.
func (m *Manager) Cown(loc pt.Loc, perm pt.PTE) (mem.PA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[loc]
	if !ok {
		return 0, errors.New("frametrack: Cown on an untracked PTE slot")
	}
	switch rec.kind {
	case owned:
		return rec.pa, nil
	case lazy:
		panic("frametrack: Cown called on a Lazy record")
	}
	if m.arena.Refcnt(rec.pa) == 1 {
		rec.kind = owned
		loc.Store(pt.MakePTE(rec.pa, pt.V|perm))
		return rec.pa, nil
	}
	newPA, err := m.arena.AllocateOne()
	if err != nil {
		return 0, errors.Wrap(err, "frametrack: Cown copy")
	}
	copy(m.arena.Bytes(newPA), m.arena.Bytes(rec.pa))
	m.arena.Refdown(rec.pa)
	rec.kind = owned
	rec.pa = newPA
	loc.Store(pt.MakePTE(newPA, pt.V|perm))
	return newPA, nil
}

/// ShareCow registers dst, tracked by dstMgr (the child address space's own
/// manager), as a new sharer of src's state in m (the parent's manager).
/// Used during fork. An Owned source is converted to COW (its PTE re-stored
/// with W cleared) and the destination becomes a second COW sharer of the
/// same frame; a COW source simply gains another sharer. The caller must not
/// invoke this for a source still Lazy -- use MapLazy on dstMgr instead.
func (m *Manager) ShareCow(src pt.Loc, dstMgr *Manager, dst pt.Loc, permWithoutW pt.PTE) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srcRec, ok := m.recs[src]
	if !ok {
		panic("frametrack: ShareCow on an untracked source slot")
	}
	if srcRec.kind == lazy {
		panic("frametrack: ShareCow called on a Lazy record")
	}
	if srcRec.kind == owned {
		srcRec.kind = cow
		src.Store(pt.MakePTE(srcRec.pa, pt.V|pt.COW|permWithoutW))
	}
	m.arena.Refup(srcRec.pa)
	pa := srcRec.pa

	if dstMgr == m {
		m.recs[dst] = &record{kind: cow, pa: pa}
		dst.Store(pt.MakePTE(pa, pt.V|pt.COW|permWithoutW))
		return
	}
	dstMgr.mu.Lock()
	defer dstMgr.mu.Unlock()
	dstMgr.recs[dst] = &record{kind: cow, pa: pa}
	dst.Store(pt.MakePTE(pa, pt.V|pt.COW|permWithoutW))
}

/// AdoptOwned registers loc as Owned by pa directly, without allocating --
/// used by FilePriv's first-write promotion (see internal/addrspace), which
/// has already produced a private frame via the file tracker.
func (m *Manager) AdoptOwned(loc pt.Loc, pa mem.PA, perm pt.PTE) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[loc] = &record{kind: owned, pa: pa}
	loc.Store(pt.MakePTE(pa, pt.V|perm))
	return nil
}

/// Unmap drops loc's record, releasing its frame reference if it held one,
/// and invalidates the PTE.
func (m *Manager) Unmap(loc pt.Loc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[loc]
	if !ok {
		return
	}
	if rec.kind != lazy {
		m.arena.Refdown(rec.pa)
	}
	delete(m.recs, loc)
	loc.Store(0)
}

/// IsLazy, IsOwned, and IsCow report loc's current state. They panic if loc
/// is untracked, since every caller should already know the slot is tracked.
func (m *Manager) IsLazy(loc pt.Loc) bool { return m.stateOf(loc) == lazy }
func (m *Manager) IsOwned(loc pt.Loc) bool { return m.stateOf(loc) == owned }
func (m *Manager) IsCow(loc pt.Loc) bool   { return m.stateOf(loc) == cow }

func (m *Manager) stateOf(loc pt.Loc) state {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[loc]
	if !ok {
		panic("frametrack: state query on an untracked PTE slot")
	}
	return rec.kind
}
