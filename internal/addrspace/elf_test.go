package addrspace

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvkernel/internal/filetrack"
	"rvkernel/internal/pt"
)

// testSegment describes one PT_LOAD program header to bake into a synthetic
// ELF image built by buildTestELF.
type testSegment struct {
	vaddr, filesz, memsz uint64
	flags                elf.ProgFlag
	data                 []byte
}

// buildTestELF hand-encodes a minimal little-endian 64-bit RISC-V ET_EXEC
// image: an ELF64 header immediately followed by the program header table,
// then each segment's file content back to back.
func buildTestELF(t *testing.T, entry uint64, segs []testSegment) []byte {
	t.Helper()
	const ehsize = 64
	const phentsize = 56

	phoff := uint64(ehsize)
	dataOff := phoff + uint64(len(segs))*phentsize
	offsets := make([]uint64, len(segs))
	for i, s := range segs {
		offsets[i] = dataOff
		dataOff += uint64(len(s.data))
		_ = s
	}

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_RISCV))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, phoff)
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(len(segs)))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	require.Equal(t, ehsize, buf.Len())

	for i, s := range segs {
		binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
		binary.Write(&buf, binary.LittleEndian, uint32(s.flags))
		binary.Write(&buf, binary.LittleEndian, offsets[i])
		binary.Write(&buf, binary.LittleEndian, s.vaddr)
		binary.Write(&buf, binary.LittleEndian, s.vaddr) // p_paddr, unused
		binary.Write(&buf, binary.LittleEndian, s.filesz)
		binary.Write(&buf, binary.LittleEndian, s.memsz)
		binary.Write(&buf, binary.LittleEndian, uint64(0x1000)) // p_align
	}
	for _, s := range segs {
		buf.Write(s.data)
	}
	return buf.Bytes()
}

func twoSegmentELF(t *testing.T) []byte {
	t.Helper()
	return buildTestELF(t, 0x10000, []testSegment{
		{vaddr: 0x10000, filesz: 4, memsz: 0x2000, flags: elf.PF_R | elf.PF_X, data: []byte{1, 2, 3, 4}},
		{vaddr: 0x20000, filesz: 4, memsz: 0x1000, flags: elf.PF_R | elf.PF_W, data: []byte{5, 6, 7, 8}},
	})
}

func TestFromELFMapsSegmentsWithExpectedPerms(t *testing.T) {
	arena, files := newFixture(t)
	img := twoSegmentELF(t)

	as, entry, err := FromELF(arena, files, nil, 0, img)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), entry)

	rx, ok := as.table.Translate(0x10000 >> 12)
	require.True(t, ok)
	assert.Equal(t, pt.R|pt.X|pt.U|pt.V, rx.Flags())

	rw, ok := as.table.Translate(0x20000 >> 12)
	require.True(t, ok)
	assert.Equal(t, pt.R|pt.W|pt.U|pt.V, rw.Flags())

	_, ok = as.table.Translate(0)
	assert.False(t, ok)

	// Segment bytes landed at the right offset.
	assert.Equal(t, byte(1), arena.Bytes(rx.PA())[0])
	assert.Equal(t, byte(5), arena.Bytes(rw.PA())[0])
}

func TestFromELFRejectsWrongMachine(t *testing.T) {
	arena, files := newFixture(t)
	img := buildTestELF(t, 0, []testSegment{{vaddr: 0x1000, filesz: 0, memsz: 0x1000, flags: elf.PF_R}})
	// Flip e_machine to something other than EM_RISCV.
	binary.LittleEndian.PutUint16(img[18:20], uint16(elf.EM_X86_64))

	_, _, err := FromELF(arena, files, nil, 0, img)
	assert.Error(t, err)
}

func TestFromELFBuildsGrowableHeapAboveStack(t *testing.T) {
	arena, files := newFixture(t)
	img := twoSegmentELF(t)

	as, _, err := FromELF(arena, files, nil, 0, img)
	require.NoError(t, err)

	maxEndVPN := uint64(0x20000+0x1000) / pageSize
	stackBase := maxEndVPN + defaultGuardPages
	heapBase := stackBase + defaultStackPages

	require.NoError(t, as.AppendTo(heapBase, 2))
	require.NoError(t, as.PageFault(heapBase, FaultStore))
}

func TestFromELFLazyFaultsInFromBackingInode(t *testing.T) {
	arena, files := newFixture(t)
	img := twoSegmentELF(t)
	backing := &fakeBacking{id: 7, content: img}

	as, entry, err := FromELFLazy(arena, files, nil, 0, backing, img)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), entry)

	require.NoError(t, as.PageFault(0x10000>>12, FaultLoad))
	loc, ok := as.table.Walk(0x10000 >> 12)
	require.True(t, ok)
	got := arena.Bytes(loc.Load().PA())
	assert.Equal(t, byte(1), got[0])
}

func TestActivateReturnsStableToken(t *testing.T) {
	arena, files := newFixture(t)
	as, err := New(arena, files, nil)
	require.NoError(t, err)
	assert.Equal(t, as.Token(), as.Activate())
}

func TestCownResolvesCowPageOutsideFault(t *testing.T) {
	arena, files := newFixture(t)
	parent, err := New(arena, files, nil)
	require.NoError(t, err)
	require.NoError(t, parent.MapFramedLazy(0x5000, 1, pt.R|pt.W|pt.U))
	require.NoError(t, parent.PageFault(0x5000, FaultStore))

	child, err := parent.Fork()
	require.NoError(t, err)

	loc, ok := child.table.Walk(0x5000)
	require.True(t, ok)
	assert.True(t, child.frames.IsCow(loc))

	require.NoError(t, child.Cown(0x5000))
	assert.False(t, child.frames.IsCow(loc))
}

func TestMunmapRefusesTrapContextPage(t *testing.T) {
	arena, files := newFixture(t)
	img := twoSegmentELF(t)
	as, _, err := FromELF(arena, files, nil, 0, img)
	require.NoError(t, err)

	err = as.Munmap(trapContextVPN, 1)
	assert.Error(t, err)
}

type fakeBacking struct {
	id      uint64
	content []byte
}

func (f *fakeBacking) InodeID() uint64 { return f.id }

func (f *fakeBacking) ReadAt(buf []byte, off int64) (int, error) {
	if off >= int64(len(f.content)) {
		return 0, nil
	}
	n := copy(buf, f.content[off:])
	return n, nil
}

func (f *fakeBacking) WriteAt(buf []byte, off int64) (int, error) {
	return 0, nil
}

var _ filetrack.Backing = (*fakeBacking)(nil)
