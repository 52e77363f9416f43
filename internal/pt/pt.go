// Package pt implements P, the Sv39 three-level page-table walker.
//
// P only ever creates and walks table structure; it never decides whether a
// leaf is present, writable, or owned -- that is T's job (see
// internal/frametrack and internal/filetrack). CreateForce returns a stable
// handle to a leaf slot with V left clear; Translate is a read-only lookup.
package pt

import (
	"github.com/pkg/errors"

	"rvkernel/internal/mem"
)

/// PTE is a single Sv39 page-table entry.
type PTE uint64

const (
	/// V marks the entry valid.
	V PTE = 1 << 0
	/// R grants read permission on a leaf.
	R PTE = 1 << 1
	/// W grants write permission on a leaf.
	W PTE = 1 << 2
	/// X grants execute permission on a leaf.
	X PTE = 1 << 3
	/// U marks the page user-accessible.
	U PTE = 1 << 4
	/// G marks a global mapping.
	G PTE = 1 << 5
	/// A is the hardware-set accessed bit.
	A PTE = 1 << 6
	/// D is the hardware-set dirty bit.
	D PTE = 1 << 7
	// COW occupies RSW[0], Sv39's first software-reserved bit. The frame
	// tracker stores the authoritative ownership state in its own maps; this
	// bit exists only so a fault handler can tell "needs cown" from "true
	// permission fault" without a tracker-map lookup.
	COW PTE = 1 << 8

	ppnShift = 10
	ppnMask  = (uint64(1) << 44) - 1

	flagsMask = PTE(1<<9) - 1
)

/// IsLeaf reports whether e has any of R, W, X set (a leaf PTE in Sv39 always
/// does; a pointer-to-next-level PTE never does).
func (e PTE) IsLeaf() bool { return e&(R|W|X) != 0 }

/// Valid reports whether the V bit is set.
func (e PTE) Valid() bool { return e&V != 0 }

/// PPN extracts the physical page number encoded in e.
func (e PTE) PPN() uint64 { return (uint64(e) >> ppnShift) & ppnMask }

/// PA returns the physical address e's PPN refers to.
func (e PTE) PA() mem.PA { return mem.PA(e.PPN() << mem.PageShift) }

/// Flags returns the V/R/W/X/U/G/A/D/COW bits of e.
func (e PTE) Flags() PTE { return e & flagsMask }

/// MakePTE packs a physical address and flag bits into a PTE.
func MakePTE(pa mem.PA, flags PTE) PTE {
	ppn := uint64(pa) >> mem.PageShift
	return PTE(ppn<<ppnShift) | (flags & flagsMask)
}

const (
	vpnBits   = 9
	vpnMask   = (uint64(1) << vpnBits) - 1
	levels    = 3
	sv39Bits  = 39
)

/// VPN extracts level lev (0 = lowest, 2 = highest) of a virtual page number.
func VPN(vpn uint64, lev int) uint64 {
	return (vpn >> (uint(lev) * vpnBits)) & vpnMask
}

/// Loc is a stable reference to one PTE slot: the physical page holding it
/// and the index within that page. It remains valid for the address space's
/// lifetime, per the P contract.
type Loc struct {
	table mem.PA
	index int
	arena *mem.Arena
}

func (l Loc) entryBytes() []byte {
	b := l.arena.Bytes(l.table)
	return b[l.index*8 : l.index*8+8]
}

/// Load reads the current value of the slot.
func (l Loc) Load() PTE {
	b := l.entryBytes()
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return PTE(v)
}

/// Store writes a new value into the slot.
func (l Loc) Store(e PTE) {
	b := l.entryBytes()
	v := uint64(e)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

/// Table is one address space's Sv39 root and the arena it allocates
/// interior table pages from.
type Table struct {
	arena *mem.Arena
	root  mem.PA
}

/// New allocates a fresh, zeroed root table.
func New(arena *mem.Arena) (*Table, error) {
	root, err := arena.AllocateOne()
	if err != nil {
		return nil, errors.Wrap(err, "pt: allocate root table")
	}
	return &Table{arena: arena, root: root}, nil
}

/// Root returns the physical address of the root table page.
func (t *Table) Root() mem.PA { return t.root }

/// Token returns a synthetic satp-shaped value: Sv39 mode in bits 60-63 and
/// the root table's PPN in the low bits, matching the real CSR encoding even
/// though nothing here writes it to hardware (that belongs to the trap/hart
/// bring-up collaborator, out of scope).
func (t *Table) Token() uint64 {
	const modeSv39 = uint64(8)
	ppn := uint64(t.root) >> mem.PageShift
	return modeSv39<<60 | ppn
}

func tableLocOf(arena *mem.Arena, table mem.PA, idx uint64) Loc {
	return Loc{table: table, index: int(idx), arena: arena}
}

/// CreateForce walks vpn's path, allocating any missing interior tables, and
/// returns a stable handle to the leaf slot. The leaf is never made valid by
/// this call; ownership (T) decides that.
func (t *Table) CreateForce(vpn uint64) (Loc, error) {
	cur := t.root
	for lev := levels - 1; lev > 0; lev-- {
		idx := VPN(vpn, lev)
		loc := tableLocOf(t.arena, cur, idx)
		e := loc.Load()
		if !e.Valid() {
			next, err := t.arena.AllocateOne()
			if err != nil {
				return Loc{}, errors.Wrap(err, "pt: allocate interior table")
			}
			loc.Store(MakePTE(next, V))
			cur = next
			continue
		}
		if e.IsLeaf() {
			return Loc{}, errors.Errorf("pt: vpn %#x collides with a superpage at level %d", vpn, lev)
		}
		cur = e.PA()
	}
	idx := VPN(vpn, 0)
	return tableLocOf(t.arena, cur, idx), nil
}

/// Translate performs a read-only walk and reports the leaf PTE, if mapped.
func (t *Table) Translate(vpn uint64) (PTE, bool) {
	cur := t.root
	for lev := levels - 1; lev > 0; lev-- {
		idx := VPN(vpn, lev)
		loc := tableLocOf(t.arena, cur, idx)
		e := loc.Load()
		if !e.Valid() {
			return 0, false
		}
		cur = e.PA()
	}
	idx := VPN(vpn, 0)
	loc := tableLocOf(t.arena, cur, idx)
	e := loc.Load()
	if !e.Valid() {
		return 0, false
	}
	return e, true
}

/// Unmap clears the leaf slot for vpn, if any. It does not free any frame;
/// the caller (T) owns that decision.
func (t *Table) Unmap(vpn uint64) {
	cur := t.root
	for lev := levels - 1; lev > 0; lev-- {
		idx := VPN(vpn, lev)
		loc := tableLocOf(t.arena, cur, idx)
		e := loc.Load()
		if !e.Valid() {
			return
		}
		cur = e.PA()
	}
	idx := VPN(vpn, 0)
	tableLocOf(t.arena, cur, idx).Store(0)
}

/// Walk reports the existing Loc for vpn's leaf, without creating anything.
func (t *Table) Walk(vpn uint64) (Loc, bool) {
	cur := t.root
	for lev := levels - 1; lev > 0; lev-- {
		idx := VPN(vpn, lev)
		loc := tableLocOf(t.arena, cur, idx)
		e := loc.Load()
		if !e.Valid() {
			return Loc{}, false
		}
		cur = e.PA()
	}
	idx := VPN(vpn, 0)
	return tableLocOf(t.arena, cur, idx), true
}

// MaxVA is the largest virtual address representable in Sv39.
const MaxVA = uint64(1)<<sv39Bits - 1
