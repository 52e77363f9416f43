// Package filetrack implements T-Fi, the per-PTE file-backed page tracker.
//
// Pages backed by the same (inode, offset) pair intern to one resident
// MFile, so concurrent sharers of a FileShared mapping actually share one
// frame instead of each paging the same bytes in independently. slim()
// writes back and drops any MFile no PTE still points at.
//
// ReadIntoFreshFrame additionally supports FilePriv (copy-on-write-from-file)
// mappings -- see DESIGN.md; it detaches a page's current content into a
// brand new frame for the frame tracker (T-F) to then own outright,
// independent of the file.
package filetrack

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rvkernel/internal/mem"
	"rvkernel/internal/pt"
)

/// Backing is the minimal file surface T-Fi needs: a stable identity for
/// interning and page-granularity random access I/O. internal/fs.Inode
/// implements it.
type Backing interface {
	InodeID() uint64
	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) (int, error)
}

/// FilePos identifies one page-aligned offset within one file. Equality
/// ignores everything but inode id and offset, the same as mfile.rs's
/// FilePos ordering (which ignores device id, since this kernel has one
/// device).
type FilePos struct {
	InodeID uint64
	Offset  int64
	File    Backing
}

type mfile struct {
	pos    FilePos
	mu     sync.Mutex
	pa     mem.PA
	loaded bool
	refs   int32
}

/// Manager owns the interned MFile set and the reverse PTE -> MFile map. One
/// Manager is shared by every address space in the kernel. Its mutex sits below the address space's own lock and
/// above the frame allocator's in the global lock ordering.
type Manager struct {
	mu    sync.Mutex
	arena *mem.Arena
	files map[FilePos]*mfile
	byLoc map[pt.Loc]*mfile
	log   *zap.Logger
}

/// New creates a tracker bound to arena. log may be nil.
func New(arena *mem.Arena, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		arena: arena,
		files: make(map[FilePos]*mfile),
		byLoc: make(map[pt.Loc]*mfile),
		log:   log,
	}
}

func (m *Manager) intern(pos FilePos) *mfile {
	if mf, ok := m.files[pos]; ok {
		return mf
	}
	mf := &mfile{pos: pos}
	m.files[pos] = mf
	return mf
}

/// Map registers loc as referring to pos, interning pos's MFile if this is
/// the first mapping of that file page, and leaves the PTE invalid until
/// Load is called.
func (m *Manager) Map(loc pt.Loc, pos FilePos) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mf := m.intern(pos)
	mf.refs++
	m.byLoc[loc] = mf
}

/// Load reads pos's page into a frame (if not already resident) and stores
/// the PTE with the given permission.
func (m *Manager) Load(loc pt.Loc, perm pt.PTE) (mem.PA, error) {
	m.mu.Lock()
	mf, ok := m.byLoc[loc]
	m.mu.Unlock()
	if !ok {
		return 0, errors.New("filetrack: Load on an untracked PTE slot")
	}
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if !mf.loaded {
		pa, err := m.arena.AllocateOne()
		if err != nil {
			return 0, errors.Wrap(err, "filetrack: Load")
		}
		if _, err := mf.pos.File.ReadAt(m.arena.Bytes(pa), mf.pos.Offset); err != nil && err != io.EOF {
			return 0, errors.Wrap(err, "filetrack: read backing file")
		}
		mf.pa = pa
		mf.loaded = true
	}
	loc.Store(pt.MakePTE(mf.pa, pt.V|perm))
	return mf.pa, nil
}

/// syncLocked writes a resident MFile's frame back to its backing file. A
/// no-op if the page was never loaded. The caller holds mf.mu.
func (m *Manager) syncLocked(mf *mfile) error {
	if !mf.loaded {
		return nil
	}
	_, err := mf.pos.File.WriteAt(m.arena.Bytes(mf.pa), mf.pos.Offset)
	return err
}

/// Unmap invalidates loc's PTE and drops its reference to the underlying
/// MFile, without necessarily evicting it -- other mappings, or a future
/// remap of the same file page, may still want the resident frame. Call
/// Slim to reclaim MFiles nothing references any more.
func (m *Manager) Unmap(loc pt.Loc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mf, ok := m.byLoc[loc]
	if !ok {
		return
	}
	delete(m.byLoc, loc)
	mf.refs--
	if mf.refs < 0 {
		panic("filetrack: refcount underflow")
	}
	loc.Store(0)
}

/// Slim writes back and evicts every MFile no PTE currently references,
/// mirroring mfile.rs's slim(). AddressSpace.Teardown calls it; nothing
/// calls it on memory pressure.
func (m *Manager) Slim() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for pos, mf := range m.files {
		if mf.refs != 0 {
			continue
		}
		mf.mu.Lock()
		if err := m.syncLocked(mf); err != nil && firstErr == nil {
			firstErr = err
		}
		if mf.loaded {
			m.arena.Refdown(mf.pa)
		}
		mf.mu.Unlock()
		delete(m.files, pos)
	}
	return firstErr
}

/// ReadIntoFreshFrame returns a brand new frame holding pos's current bytes
/// (from the resident MFile if loaded, otherwise read straight from the
/// backing file), without registering any tracked PTE. This backs FilePriv's
/// first-write duplication (see internal/addrspace).
func (m *Manager) ReadIntoFreshFrame(pos FilePos) (mem.PA, error) {
	m.mu.Lock()
	mf, ok := m.files[pos]
	m.mu.Unlock()
	if ok {
		mf.mu.Lock()
		if mf.loaded {
			pa, err := m.arena.AllocateOne()
			if err != nil {
				mf.mu.Unlock()
				return 0, errors.Wrap(err, "filetrack: ReadIntoFreshFrame copy")
			}
			copy(m.arena.Bytes(pa), m.arena.Bytes(mf.pa))
			mf.mu.Unlock()
			return pa, nil
		}
		mf.mu.Unlock()
	}
	pa, err := m.arena.AllocateOne()
	if err != nil {
		return 0, errors.Wrap(err, "filetrack: ReadIntoFreshFrame")
	}
	if _, err := pos.File.ReadAt(m.arena.Bytes(pa), pos.Offset); err != nil && err != io.EOF {
		return 0, errors.Wrap(err, "filetrack: read backing file")
	}
	return pa, nil
}
