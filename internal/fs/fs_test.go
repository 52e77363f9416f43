package fs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDevice struct {
	sectors [][SectorSize]byte
}

func newMemDevice(n int) *memDevice {
	return &memDevice{sectors: make([][SectorSize]byte, n)}
}

func (d *memDevice) ReadSector(id uint64, buf []byte) error {
	copy(buf, d.sectors[id][:])
	return nil
}

func (d *memDevice) WriteSector(id uint64, buf []byte) error {
	copy(d.sectors[id][:], buf)
	return nil
}

func newTestFS(t *testing.T) *FS {
	t.Helper()
	dev := newMemDevice(2048)
	fsys, err := MkFS(dev, 256, nil)
	require.NoError(t, err)
	return fsys
}

func TestMkfsProducesMountableRoot(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	isDir, err := root.IsDir()
	require.NoError(t, err)
	assert.True(t, isDir)
	links, err := root.GetLinks()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), links)
}

func TestCreateFindLs(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)

	child, err := root.Create("hello", KindFile)
	require.NoError(t, err)

	names, err := root.Ls()
	require.NoError(t, err)
	assert.Contains(t, names, "hello")

	found, err := root.Find("hello")
	require.NoError(t, err)
	assert.Equal(t, child.ID, found.ID)

	_, err = root.Create("hello", KindFile)
	assert.Error(t, err)

	_, err = root.Find("missing")
	assert.Error(t, err)
}

func TestWriteAtThenReadAtRoundTrips(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	f, err := root.Create("data", KindFile)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, err := f.WriteAt(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, uint32(len(payload)), size)
}

func TestWriteAtSpanningMultipleBlocks(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	f, err := root.Create("big", KindFile)
	require.NoError(t, err)

	payload := make([]byte, BlockSize*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = f.WriteAt(payload, 0)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestWriteAtSpanningIndirectBlocks(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	f, err := root.Create("huge", KindFile)
	require.NoError(t, err)

	// NDirect (27) blocks plus a few into the first indirect level.
	payload := make([]byte, BlockSize*(NDirect+3))
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err = f.WriteAt(payload, 0)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestReadAtPastEOFReturnsEOF(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	f, err := root.Create("empty", KindFile)
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLinkIncrementsLinksAndUnlinkDecrements(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	f, err := root.Create("original", KindFile)
	require.NoError(t, err)

	require.NoError(t, root.Link("alias", f))
	links, err := f.GetLinks()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), links)

	targetID, prevLinks, err := root.Unlink("alias")
	require.NoError(t, err)
	assert.Equal(t, f.ID, targetID)
	assert.Equal(t, 2, prevLinks)
	links, err = f.GetLinks()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), links)

	names, err := root.Ls()
	require.NoError(t, err)
	assert.Contains(t, names, "original")
	assert.NotContains(t, names, "alias")
}

func TestUnlinkLastLinkFreesInode(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	f, err := root.Create("gone", KindFile)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("some bytes"), 0)
	require.NoError(t, err)

	targetID, prevLinks, err := root.Unlink("gone")
	require.NoError(t, err)
	assert.Equal(t, f.ID, targetID)
	assert.Equal(t, 1, prevLinks)

	names, err := root.Ls()
	require.NoError(t, err)
	assert.NotContains(t, names, "gone")

	_, err = root.Find("gone")
	assert.Error(t, err)
}

func TestStatReportsSizeLinksAndKind(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	f, err := root.Create("data", KindFile)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("12345"), 0)
	require.NoError(t, err)

	st, err := f.Stat()
	require.NoError(t, err)
	assert.False(t, st.IsDir())
	assert.Equal(t, uint(5), st.Size())
	assert.Equal(t, uint(1), st.Links())

	rootSt, err := root.Stat()
	require.NoError(t, err)
	assert.True(t, rootSt.IsDir())
}

func TestCreateOnNonDirectoryFails(t *testing.T) {
	fsys := newTestFS(t)
	root := RootInode(fsys)
	f, err := root.Create("plain", KindFile)
	require.NoError(t, err)

	_, err = f.Create("nope", KindFile)
	assert.Error(t, err)
}
