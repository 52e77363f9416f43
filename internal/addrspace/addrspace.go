// Package addrspace implements map areas and the address space that owns
// them: a Vm_t-shaped type with Lock_pmap/Unlock_pmap and a Pgfault-style
// dispatch entry point.
package addrspace

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rvkernel/internal/defs"
	"rvkernel/internal/filetrack"
	"rvkernel/internal/frametrack"
	"rvkernel/internal/mem"
	"rvkernel/internal/pt"
)

/// Policy is one of the four map-area backing policies.
type Policy int

const (
	/// Identity maps vpn to a fixed physical region shared by every address
	/// space (kernel text/rodata/data/physmem/MMIO). No page is ever tracked.
	Identity Policy = iota
	/// Framed is a lazily-allocated anonymous mapping, COW-shared on fork.
	Framed
	/// FileShared is a shared file-backed mapping: writes propagate to the
	/// backing file and are visible to every other mapper of the same page.
	FileShared
	/// FilePriv is copy-on-write-from-file: reads share the cached file
	/// page, but the first write duplicates it into a private frame.
	FilePriv
)

/// FaultKind is the reason a page fault was raised.
type FaultKind int

const (
	FaultLoad FaultKind = iota
	FaultStore
	FaultInstr
)

/// Perm is the subset of pt flags (R|W|X|U) that apply to a whole area.
type Perm = pt.PTE

const pageSize = uint64(mem.PageSize)

/// MapArea is one contiguous, uniformly-backed VPN range.
type MapArea struct {
	start, end uint64 // [start, end) in page numbers
	policy     Policy
	perm       Perm

	file       filetrack.Backing
	inodeID    uint64
	fileOffset int64 // file offset corresponding to `start`

	// owned tracks, for FilePriv only, which vpns have been promoted from
	// the file tracker (T-Fi) to the frame tracker (T-F) by a first write.
	owned map[uint64]bool

	// critical marks a non-Identity area (the per-process trap-context
	// page) that must never be unmapped or lazily backed, same as an
	// Identity area, without being one itself.
	critical bool
}

func (a *MapArea) pages() uint64 { return a.end - a.start }

func (a *MapArea) contains(vpn uint64) bool { return vpn >= a.start && vpn < a.end }

func (a *MapArea) overlaps(s, e uint64) bool { return a.start < e && s < a.end }

func (a *MapArea) offsetFor(vpn uint64) int64 {
	return a.fileOffset + int64((vpn-a.start)*uint64(mem.PageSize))
}

func (a *MapArea) posFor(vpn uint64) filetrack.FilePos {
	return filetrack.FilePos{InodeID: a.inodeID, Offset: a.offsetFor(vpn), File: a.file}
}

/// sliceCopy returns a shallow copy of a's metadata with a fresh owned map,
/// covering [s, e). Used by split.
func (a *MapArea) sliceCopy(s, e uint64) *MapArea {
	na := &MapArea{
		start: s, end: e,
		policy: a.policy, perm: a.perm,
		file: a.file, inodeID: a.inodeID,
		critical: a.critical,
	}
	if a.policy == FileShared || a.policy == FilePriv {
		na.fileOffset = a.fileOffset + int64((s-a.start)*uint64(mem.PageSize))
	}
	if a.policy == FilePriv {
		na.owned = make(map[uint64]bool)
		for vpn, v := range a.owned {
			if vpn >= s && vpn < e {
				na.owned[vpn] = v
			}
		}
	}
	return na
}

/// split divides a at vpn (s < vpn < e), returning the left and right halves.
/// The file offset of the right half is recomputed exactly as
/// memory_set.rs's MapArea::split does: right.offset = left.offset +
/// left_pages * PAGE_SIZE.
func (a *MapArea) split(vpn uint64) (*MapArea, *MapArea) {
	return a.sliceCopy(a.start, vpn), a.sliceCopy(vpn, a.end)
}

/// mergeAreas combines two contiguous, compatible areas. It panics if they are
/// not mergeable, mirroring memory_set.rs's assert-heavy MapArea::merge.
func mergeAreas(l, r *MapArea) *MapArea {
	if l.end != r.start {
		panic("addrspace: merge of non-contiguous areas")
	}
	if l.policy != r.policy || l.perm != r.perm || l.inodeID != r.inodeID || l.critical != r.critical {
		panic("addrspace: merge of incompatible areas")
	}
	if l.policy == FileShared || l.policy == FilePriv {
		if l.fileOffset+int64(l.pages())*int64(mem.PageSize) != r.fileOffset {
			panic("addrspace: merge of areas with discontiguous file offsets")
		}
	}
	out := l.sliceCopy(l.start, r.end)
	if l.policy == FilePriv {
		for vpn, v := range l.owned {
			out.owned[vpn] = v
		}
		for vpn, v := range r.owned {
			out.owned[vpn] = v
		}
	}
	return out
}

/// AddressSpace is one process's page table plus its map areas. Its mutex
/// sits below the owning task's lock and above the frame/file trackers' in
/// the global lock ordering (task -> address space -> trackers -> frame
/// allocator), playing the role of Lock_pmap/Unlock_pmap on Vm_t.
type AddressSpace struct {
	mu sync.Mutex

	table  *pt.Table
	arena  *mem.Arena
	frames *frametrack.Manager
	// files is shared across every address space in the kernel: FileShared
	// mappings of the same (inode, offset) must resolve to the same
	// resident frame no matter which process faults it in first.
	files *filetrack.Manager

	areas []*MapArea

	log *zap.Logger
}

/// New creates a bare address space with no areas mapped. files is the
/// kernel-wide file tracker; frames is private to this address space.
func New(arena *mem.Arena, files *filetrack.Manager, log *zap.Logger) (*AddressSpace, error) {
	if log == nil {
		log = zap.NewNop()
	}
	table, err := pt.New(arena)
	if err != nil {
		return nil, errors.Wrap(err, "addrspace: New")
	}
	return &AddressSpace{
		table:  table,
		arena:  arena,
		frames: frametrack.New(arena, log),
		files:  files,
		log:    log,
	}, nil
}

/// Lock and Unlock expose the address-space mutex directly, matching the
/// teacher's Lock_pmap/Unlock_pmap, for callers (process exit, fork) that
/// need to hold it across several operations.
func (as *AddressSpace) Lock()   { as.mu.Lock() }
func (as *AddressSpace) Unlock() { as.mu.Unlock() }

/// Token returns the satp-shaped root-table token for this address space.
func (as *AddressSpace) Token() uint64 { return as.table.Token() }

func (as *AddressSpace) insertSorted(a *MapArea) {
	i := sort.Search(len(as.areas), func(i int) bool { return as.areas[i].start >= a.start })
	as.areas = append(as.areas, nil)
	copy(as.areas[i+1:], as.areas[i:])
	as.areas[i] = a
}

func (as *AddressSpace) findArea(vpn uint64) *MapArea {
	for _, a := range as.areas {
		if a.contains(vpn) {
			return a
		}
	}
	return nil
}

func (as *AddressSpace) overlapsAny(s, e uint64) bool {
	for _, a := range as.areas {
		if a.overlaps(s, e) {
			return true
		}
	}
	return false
}

/// MapIdentity installs a fixed-translation area: every vpn in [startVPN,
/// startVPN+npages) maps directly to the physical range starting at pa, with
/// no tracked frame and no per-process copy on fork. Used for kernel
/// text/rodata/data/physmem/MMIO regions.
func (as *AddressSpace) MapIdentity(startVPN uint64, npages uint64, pa mem.PA, perm Perm) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := startVPN + npages
	if as.overlapsAny(startVPN, end) {
		return errors.Wrap(defs.EOverlap, "addrspace: MapIdentity")
	}
	for i := uint64(0); i < npages; i++ {
		loc, err := as.table.CreateForce(startVPN + i)
		if err != nil {
			return errors.Wrap(err, "addrspace: MapIdentity")
		}
		loc.Store(pt.MakePTE(pa+mem.PA(i*uint64(mem.PageSize)), pt.V|perm))
	}
	as.insertSorted(&MapArea{start: startVPN, end: end, policy: Identity, perm: perm})
	return nil
}

/// MapFramedStrict eagerly allocates and zeroes every page of a Framed area
/// and copies data into its start, used to load ELF segments.
func (as *AddressSpace) MapFramedStrict(startVPN uint64, npages uint64, perm Perm, data []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := startVPN + npages
	if as.overlapsAny(startVPN, end) {
		return errors.Wrap(defs.EOverlap, "addrspace: MapFramedStrict")
	}
	for i := uint64(0); i < npages; i++ {
		loc, err := as.table.CreateForce(startVPN + i)
		if err != nil {
			return errors.Wrap(err, "addrspace: MapFramedStrict")
		}
		pa, err := as.frames.MapStrict(loc, perm)
		if err != nil {
			return errors.Wrap(err, "addrspace: MapFramedStrict")
		}
		off := int(i) * mem.PageSize
		if off < len(data) {
			copy(as.arena.Bytes(pa), data[off:])
		}
	}
	as.insertSorted(&MapArea{start: startVPN, end: end, policy: Framed, perm: perm})
	return nil
}

/// MapFramedLazy installs an anonymous demand-paged area; no frame is
/// allocated until the first access.
func (as *AddressSpace) MapFramedLazy(startVPN uint64, npages uint64, perm Perm) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mapFramedLazyLocked(startVPN, npages, perm)
}

func (as *AddressSpace) mapFramedLazyLocked(startVPN uint64, npages uint64, perm Perm) error {
	end := startVPN + npages
	if as.overlapsAny(startVPN, end) {
		return errors.Wrap(defs.EOverlap, "addrspace: MapFramedLazy")
	}
	for i := uint64(0); i < npages; i++ {
		loc, err := as.table.CreateForce(startVPN + i)
		if err != nil {
			return errors.Wrap(err, "addrspace: MapFramedLazy")
		}
		as.frames.MapLazy(loc)
	}
	as.insertSorted(&MapArea{start: startVPN, end: end, policy: Framed, perm: perm})
	return nil
}

/// Mmap installs a new area spanning npages starting at startVPN. file == nil
/// produces an anonymous Framed mapping; file != nil with shared=true
/// produces FileShared; file != nil with shared=false produces FilePriv.
/// This is the syscall-facing entry point -- see DESIGN.md for how
/// FileShared's sharing semantics were resolved.
func (as *AddressSpace) Mmap(startVPN uint64, npages uint64, perm Perm, file filetrack.Backing, inodeID uint64, fileOffset int64, shared bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := startVPN + npages
	if as.overlapsAny(startVPN, end) {
		return errors.Wrap(defs.EOverlap, "addrspace: Mmap")
	}
	if file == nil {
		return as.mapFramedLazyLocked(startVPN, npages, perm)
	}
	policy := FilePriv
	if shared {
		policy = FileShared
	}
	for i := uint64(0); i < npages; i++ {
		loc, err := as.table.CreateForce(startVPN + i)
		if err != nil {
			return errors.Wrap(err, "addrspace: Mmap")
		}
		pos := filetrack.FilePos{InodeID: inodeID, Offset: fileOffset + int64(i)*int64(mem.PageSize), File: file}
		as.files.Map(loc, pos)
	}
	area := &MapArea{
		start: startVPN, end: end, policy: policy, perm: perm,
		file: file, inodeID: inodeID, fileOffset: fileOffset,
	}
	if policy == FilePriv {
		area.owned = make(map[uint64]bool)
	}
	as.insertSorted(area)
	return nil
}

func (as *AddressSpace) isCritical(vpn uint64) bool {
	// The trampoline is Identity (shared, never tracked); the trap-context
	// page is a per-process Framed area explicitly flagged critical. Either
	// way Munmap must never be allowed to touch it.
	if a := as.findArea(vpn); a != nil {
		return a.policy == Identity || a.critical
	}
	return false
}

/// Munmap removes [startVPN, startVPN+npages). It rejects the call
/// atomically if any page in the range is unmapped or critical; otherwise
/// every affected area is split into an unaffected left part, a dropped
/// middle part (unmapped page by page), and an unaffected right part --
/// exactly the split/drop-middle/push-back algorithm in memory_set.rs.
func (as *AddressSpace) Munmap(startVPN uint64, npages uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := startVPN + npages
	for vpn := startVPN; vpn < end; vpn++ {
		a := as.findArea(vpn)
		if a == nil {
			return errors.Wrapf(defs.EInval, "addrspace: Munmap of unmapped vpn %#x", vpn)
		}
		if as.isCritical(vpn) {
			return errors.Wrapf(defs.EOverlap, "addrspace: Munmap of critical vpn %#x", vpn)
		}
	}

	var kept []*MapArea
	for _, a := range as.areas {
		if !a.overlaps(startVPN, end) {
			kept = append(kept, a)
			continue
		}
		left, mid, right := as.excludeRange(a, startVPN, end)
		for vpn := mid.start; vpn < mid.end; vpn++ {
			as.unmapPage(mid, vpn)
		}
		if left != nil && left.pages() > 0 {
			kept = append(kept, left)
		}
		if right != nil && right.pages() > 0 {
			kept = append(kept, right)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	as.areas = kept
	return nil
}

// excludeRange splits area a by [s, e), clipped to a's own bounds, into
// (left-of-s, [s,e)-clipped-to-a, right-of-e); left/right may be zero-length.
func (as *AddressSpace) excludeRange(a *MapArea, s, e uint64) (left, mid, right *MapArea) {
	cs, ce := s, e
	if cs < a.start {
		cs = a.start
	}
	if ce > a.end {
		ce = a.end
	}
	left = a.sliceCopy(a.start, cs)
	mid = a.sliceCopy(cs, ce)
	right = a.sliceCopy(ce, a.end)
	return left, mid, right
}

func (as *AddressSpace) unmapPage(a *MapArea, vpn uint64) {
	loc, ok := as.table.Walk(vpn)
	if !ok {
		return
	}
	switch a.policy {
	case Identity:
		panic("addrspace: unmapPage on an Identity page")
	case Framed:
		as.frames.Unmap(loc)
	case FileShared:
		as.files.Unmap(loc)
	case FilePriv:
		if a.owned[vpn] {
			as.frames.Unmap(loc)
		} else {
			as.files.Unmap(loc)
		}
	}
}

/// PageFault resolves a fault at vpn of the given kind, dispatching on the
/// covering area's policy via the (kind, policy) table below. It returns an
/// error for an unmapped or permission-violating access, and panics only on
/// states the dispatch table calls impossible.
func (as *AddressSpace) PageFault(vpn uint64, kind FaultKind) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	a := as.findArea(vpn)
	if a == nil {
		return errors.Wrapf(defs.ENoArea, "page fault on unmapped vpn %#x", vpn)
	}
	if a.perm&pt.U == 0 {
		return errors.Wrapf(defs.EPermUser, "user fault on kernel-only vpn %#x", vpn)
	}
	switch kind {
	case FaultStore:
		if a.perm&pt.W == 0 {
			return errors.Wrapf(defs.EPermWrite, "write fault on read-only vpn %#x", vpn)
		}
	case FaultInstr:
		if a.perm&pt.X == 0 {
			return errors.Wrapf(defs.EPermExec, "exec fault on non-executable vpn %#x", vpn)
		}
	case FaultLoad:
		if a.perm&pt.R == 0 {
			return errors.Wrapf(defs.EPermRead, "read fault on non-readable vpn %#x", vpn)
		}
	}

	loc, err := as.table.CreateForce(vpn)
	if err != nil {
		return errors.Wrap(err, "addrspace: PageFault")
	}

	switch a.policy {
	case Identity:
		panic("addrspace: page fault on an Identity page is impossible")

	case Framed:
		if kind == FaultStore && as.frames.IsCow(loc) {
			_, err := as.frames.Cown(loc, a.perm)
			return err
		}
		_, err := as.frames.Load(loc, a.perm)
		return err

	case FileShared:
		_, err := as.files.Load(loc, a.perm)
		return err

	case FilePriv:
		if a.owned[vpn] {
			if kind == FaultStore && as.frames.IsCow(loc) {
				_, err := as.frames.Cown(loc, a.perm)
				return err
			}
			_, err := as.frames.Load(loc, a.perm)
			return err
		}
		if kind != FaultStore {
			_, err := as.files.Load(loc, a.perm&^pt.W)
			return err
		}
		// First write: duplicate the file's current bytes into a frame this
		// address space owns outright, then detach from the file tracker.
		pos := a.posFor(vpn)
		pa, err := as.files.ReadIntoFreshFrame(pos)
		if err != nil {
			return errors.Wrap(err, "addrspace: FilePriv first write")
		}
		as.files.Unmap(loc)
		if err := as.frames.AdoptOwned(loc, pa, a.perm); err != nil {
			return errors.Wrap(err, "addrspace: FilePriv first write")
		}
		a.owned[vpn] = true
		return nil
	}
	panic("addrspace: unreachable policy")
}

/// Fork creates a child address space sharing Framed/FileShared/FilePriv
/// pages: Owned Framed pages become COW and are shared with the child;
/// FileShared/un-promoted FilePriv pages simply gain
/// another file-tracker mapping; Identity pages are re-mapped directly to
/// the same physical region (global, never copied).
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child, err := New(as.arena, as.files, as.log)
	if err != nil {
		return nil, err
	}
	for _, a := range as.areas {
		na := a.sliceCopy(a.start, a.end)
		if a.policy == FilePriv {
			for vpn, v := range a.owned {
				na.owned[vpn] = v
			}
		}
		for vpn := a.start; vpn < a.end; vpn++ {
			srcLoc, ok := as.table.Walk(vpn)
			if !ok {
				panic("addrspace: Fork found a vpn with no page-table slot")
			}
			dstLoc, err := child.table.CreateForce(vpn)
			if err != nil {
				return nil, errors.Wrap(err, "addrspace: Fork")
			}
			switch a.policy {
			case Identity:
				e := srcLoc.Load()
				dstLoc.Store(pt.MakePTE(e.PA(), e.Flags()))
			case Framed:
				if srcLoc.Load().Valid() {
					as.frames.ShareCow(srcLoc, child.frames, dstLoc, a.perm&^pt.W)
				} else {
					child.frames.MapLazy(dstLoc)
				}
			case FileShared:
				pos := a.posFor(vpn)
				child.files.Map(dstLoc, pos)
			case FilePriv:
				if a.owned[vpn] {
					as.frames.ShareCow(srcLoc, child.frames, dstLoc, a.perm&^pt.W)
				} else {
					pos := a.posFor(vpn)
					child.files.Map(dstLoc, pos)
				}
			}
		}
		child.insertSorted(na)
	}
	return child, nil
}

/// AppendTo grows the Framed area ending exactly at vpn by addPages lazy
/// pages, used to implement sbrk. It is a thin wrapper over area append,
/// grounded in memory_set.rs's MemorySet::append_to.
func (as *AddressSpace) AppendTo(vpn uint64, addPages uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if addPages == 0 {
		return nil
	}
	if as.overlapsAny(vpn, vpn+addPages) {
		return errors.Wrap(defs.EOverlap, "addrspace: AppendTo")
	}
	// Search from the highest-starting area down: a zero-page heap
	// placeholder built by FromELF/FromELFLazy abuts the user stack's end
	// exactly (both areas' end equal the heap base), and the higher-start
	// (heap) area is the one sbrk means to grow.
	var area *MapArea
	for i := len(as.areas) - 1; i >= 0; i-- {
		a := as.areas[i]
		if a.end == vpn && a.policy == Framed {
			area = a
			break
		}
	}
	if area == nil {
		return errors.Wrap(defs.EInval, "addrspace: AppendTo found no growable area ending at vpn")
	}
	for i := uint64(0); i < addPages; i++ {
		loc, err := as.table.CreateForce(vpn + i)
		if err != nil {
			return errors.Wrap(err, "addrspace: AppendTo")
		}
		as.frames.MapLazy(loc)
	}
	area.end += addPages
	return nil
}

/// ShrinkTo shrinks the area starting at vpn down to newEnd, unmapping and
/// releasing every page in [newEnd, area.end). Grounded in
/// memory_set.rs's MemorySet::shrink_to.
func (as *AddressSpace) ShrinkTo(vpn uint64, newEnd uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	var area *MapArea
	for _, a := range as.areas {
		if a.start == vpn {
			area = a
			break
		}
	}
	if area == nil {
		return errors.Wrap(defs.EInval, "addrspace: ShrinkTo found no area starting at vpn")
	}
	if newEnd > area.end || newEnd < area.start {
		return errors.Wrap(defs.EInval, "addrspace: ShrinkTo out of range")
	}
	for v := newEnd; v < area.end; v++ {
		as.unmapPage(area, v)
	}
	area.end = newEnd
	return nil
}

/// HasMapped reports whether every vpn in [s, e) is currently covered by a
/// map area; HasUnmapped reports whether any vpn in it is not. Grounded in memory_set.rs's
/// has_mapped/has_unmapped range queries used by mmap/munmap.
func (as *AddressSpace) HasMapped(s, e uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	for vpn := s; vpn < e; vpn++ {
		if as.findArea(vpn) == nil {
			return false
		}
	}
	return true
}

func (as *AddressSpace) HasUnmapped(s, e uint64) bool {
	return !as.HasMapped(s, e)
}

/// Teardown unmaps every area, releasing all tracked frames and file
/// references, and flushes any dirty file-tracked pages back to disk.
func (as *AddressSpace) Teardown() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, a := range as.areas {
		if a.policy == Identity {
			// Identity pages own no tracked frame or file reference.
			continue
		}
		for vpn := a.start; vpn < a.end; vpn++ {
			as.unmapPage(a, vpn)
		}
	}
	as.areas = nil
	return as.files.Slim()
}
