package addrspace

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rvkernel/internal/defs"
	"rvkernel/internal/filetrack"
	"rvkernel/internal/mem"
	"rvkernel/internal/pt"
	"rvkernel/internal/util"
)

// Sv39 user address spaces put the trampoline at the very top virtual page
// and the per-process trap context one page below it, matching the fixed
// layout every address space (kernel or user) carries regardless of how it
// was built.
const (
	trampolineVPN  = (uint64(1) << 27) - 1
	trapContextVPN = trampolineVPN - 1

	defaultGuardPages = 1
	defaultStackPages = 2
)

/// IdentityRegion is one fixed virtual-to-physical range NewKernel installs,
/// e.g. kernel text/rodata/data, the direct-mapped physical RAM window, or
/// an MMIO range.
type IdentityRegion struct {
	VPN    uint64
	PA     mem.PA
	NPages uint64
	Perm   Perm
}

// mapTrampoline installs the single shared trampoline page, identical in
// every address space, at the fixed top-of-space VPN. It is Identity, so
// isCritical already refuses to let Munmap touch it.
func (as *AddressSpace) mapTrampoline(trampolinePA mem.PA) error {
	return as.MapIdentity(trampolineVPN, 1, trampolinePA, pt.R|pt.X)
}

// markCritical flags the area currently covering vpn so Munmap refuses it,
// used for the per-process trap-context page which (unlike the trampoline)
// is Framed rather than Identity and so needs the flag set explicitly.
func (as *AddressSpace) markCritical(vpn uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if a := as.findArea(vpn); a != nil {
		a.critical = true
	}
}

// buildStackHeapAndTrapContext installs the guard page, user stack, empty
// (zero-page, AppendTo-growable) heap area, and trap-context page above the
// highest ELF-loaded page, per the fixed layout.
func (as *AddressSpace) buildStackHeapAndTrapContext(maxEndVPN uint64) error {
	stackBase := maxEndVPN + defaultGuardPages
	if err := as.MapFramedLazy(stackBase, defaultStackPages, pt.R|pt.W|pt.U); err != nil {
		return errors.Wrap(err, "addrspace: user stack")
	}
	// The heap area starts at zero pages, exactly abutting the stack's end;
	// sbrk grows it later via AppendTo.
	heapBase := stackBase + defaultStackPages
	if err := as.MapFramedLazy(heapBase, 0, pt.R|pt.W|pt.U); err != nil {
		return errors.Wrap(err, "addrspace: user heap placeholder")
	}
	if err := as.MapFramedStrict(trapContextVPN, 1, pt.R|pt.W, nil); err != nil {
		return errors.Wrap(err, "addrspace: trap context")
	}
	as.markCritical(trapContextVPN)
	return nil
}

// checkRiscv64Exec validates that fh describes a little-endian, 64-bit,
// executable RISC-V ELF -- the only image shape this address-space builder
// knows how to load.
func checkRiscv64Exec(fh *elf.FileHeader) error {
	if fh.Class != elf.ELFCLASS64 {
		return errors.Wrap(defs.EInval, "addrspace: not a 64-bit ELF")
	}
	if fh.Data != elf.ELFDATA2LSB {
		return errors.Wrap(defs.EInval, "addrspace: not little-endian")
	}
	if fh.Type != elf.ET_EXEC {
		return errors.Wrap(defs.EInval, "addrspace: not an executable ELF")
	}
	if fh.Machine != elf.EM_RISCV {
		return errors.Wrap(defs.EInval, "addrspace: not a RISC-V ELF")
	}
	return nil
}

func permFromELFFlags(f elf.ProgFlag) Perm {
	var p Perm
	if f&elf.PF_R != 0 {
		p |= pt.R
	}
	if f&elf.PF_W != 0 {
		p |= pt.W
	}
	if f&elf.PF_X != 0 {
		p |= pt.X
	}
	return p | pt.U
}

func segmentRange(vaddr, memsz uint64) (startVPN, endVPN uint64) {
	startVPN = vaddr / pageSize
	endVPN = util.Roundup(vaddr+memsz, pageSize) / pageSize
	return
}

/// NewKernel builds the one process-wide kernel address space: the
/// trampoline plus every caller-supplied identity region (text/rodata/data/
/// physmem/MMIO).
func NewKernel(arena *mem.Arena, files *filetrack.Manager, log *zap.Logger, trampolinePA mem.PA, regions []IdentityRegion) (*AddressSpace, error) {
	as, err := New(arena, files, log)
	if err != nil {
		return nil, err
	}
	if err := as.mapTrampoline(trampolinePA); err != nil {
		return nil, errors.Wrap(err, "addrspace: NewKernel")
	}
	for _, r := range regions {
		if err := as.MapIdentity(r.VPN, r.NPages, r.PA, r.Perm); err != nil {
			return nil, errors.Wrap(err, "addrspace: NewKernel")
		}
	}
	return as, nil
}

/// FromELF builds a fresh user address space by eagerly loading every
/// PT_LOAD segment of the given ELF image into freshly allocated, zeroed
/// frames, then appending the guard page, user stack, heap placeholder, and
/// trap-context page. It returns the address space and the ELF entry point.
func FromELF(arena *mem.Arena, files *filetrack.Manager, log *zap.Logger, trampolinePA mem.PA, elfBytes []byte) (*AddressSpace, uint64, error) {
	as, err := New(arena, files, log)
	if err != nil {
		return nil, 0, err
	}
	if err := as.mapTrampoline(trampolinePA); err != nil {
		return nil, 0, errors.Wrap(err, "addrspace: FromELF")
	}

	f, err := elf.NewFile(bytes.NewReader(elfBytes))
	if err != nil {
		return nil, 0, errors.Wrap(defs.EInval, "addrspace: FromELF: malformed ELF: "+err.Error())
	}
	if err := checkRiscv64Exec(&f.FileHeader); err != nil {
		return nil, 0, err
	}

	var maxEndVPN uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		startVPN, endVPN := segmentRange(prog.Vaddr, prog.Memsz)
		pageOff := prog.Vaddr % pageSize
		data := make([]byte, pageOff+prog.Filesz)
		if _, err := prog.ReadAt(data[pageOff:], 0); err != nil {
			return nil, 0, errors.Wrap(err, "addrspace: FromELF: read segment")
		}
		if err := as.MapFramedStrict(startVPN, endVPN-startVPN, permFromELFFlags(prog.Flags), data); err != nil {
			return nil, 0, errors.Wrap(err, "addrspace: FromELF: map segment")
		}
		if endVPN > maxEndVPN {
			maxEndVPN = endVPN
		}
	}
	if err := as.buildStackHeapAndTrapContext(maxEndVPN); err != nil {
		return nil, 0, errors.Wrap(err, "addrspace: FromELF")
	}
	return as, f.Entry, nil
}

/// FromELFLazy builds a user address space the same way as FromELF, except
/// every PT_LOAD segment becomes a FilePriv (copy-on-write-from-file) area
/// backed directly by backing at the segment's own file offset: no bytes are
/// read here, and each page is demand-paged in (and privately copied on
/// first write) from the inode exactly as any other FilePriv mapping.
/// header carries the ELF and program headers (elf.NewFile seeks through it
/// to e_phoff, so it must cover at least the header plus the program header
/// table, not just the first few bytes of the file); it is read only to
/// discover segment layout, never to source page content -- that always
/// comes from backing via the file tracker.
func FromELFLazy(arena *mem.Arena, files *filetrack.Manager, log *zap.Logger, trampolinePA mem.PA, backing filetrack.Backing, header []byte) (*AddressSpace, uint64, error) {
	as, err := New(arena, files, log)
	if err != nil {
		return nil, 0, err
	}
	if err := as.mapTrampoline(trampolinePA); err != nil {
		return nil, 0, errors.Wrap(err, "addrspace: FromELFLazy")
	}

	f, err := elf.NewFile(bytes.NewReader(header))
	if err != nil {
		return nil, 0, errors.Wrap(defs.EInval, "addrspace: FromELFLazy: malformed ELF: "+err.Error())
	}
	if err := checkRiscv64Exec(&f.FileHeader); err != nil {
		return nil, 0, err
	}

	var maxEndVPN uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		startVPN, endVPN := segmentRange(prog.Vaddr, prog.Memsz)
		if err := as.Mmap(startVPN, endVPN-startVPN, permFromELFFlags(prog.Flags), backing, backing.InodeID(), int64(prog.Off), false); err != nil {
			return nil, 0, errors.Wrap(err, "addrspace: FromELFLazy: map segment")
		}
		if endVPN > maxEndVPN {
			maxEndVPN = endVPN
		}
	}
	if err := as.buildStackHeapAndTrapContext(maxEndVPN); err != nil {
		return nil, 0, errors.Wrap(err, "addrspace: FromELFLazy")
	}
	return as, f.Entry, nil
}

/// Activate returns this address space's satp-shaped token for the
/// out-of-scope trap/hart-bring-up collaborator to write into the satp CSR
/// and follow with sfence.vma, per the ordering guarantee that every
/// activation flushes the local TLB before user return. This core owns only
/// the token; the CSR write and fence themselves are hart-local-state
/// concerns this package never touches.
func (as *AddressSpace) Activate() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	tok := as.table.Token()
	as.log.Debug("address space activated", zap.Uint64("satp", tok))
	return tok
}

/// Cown pro-actively resolves a COW page at vpn outside of a page fault,
/// for the trap handler to call before returning to user mode on a page it
/// knows is about to be written (e.g. after a fork in the parent's own
/// syscall return path). It returns ENoArea if no area covers vpn, and is a
/// no-op if the page is not COW.
func (as *AddressSpace) Cown(vpn uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	a := as.findArea(vpn)
	if a == nil {
		return errors.Wrapf(defs.ENoArea, "addrspace: Cown on unmapped vpn %#x", vpn)
	}
	loc, ok := as.table.Walk(vpn)
	if !ok {
		return errors.Wrapf(defs.ENoArea, "addrspace: Cown on unmapped vpn %#x", vpn)
	}
	switch a.policy {
	case Framed:
		if !as.frames.IsCow(loc) {
			return nil
		}
		_, err := as.frames.Cown(loc, a.perm)
		return err
	case FilePriv:
		if !a.owned[vpn] || !as.frames.IsCow(loc) {
			return nil
		}
		_, err := as.frames.Cown(loc, a.perm)
		return err
	default:
		return nil
	}
}
