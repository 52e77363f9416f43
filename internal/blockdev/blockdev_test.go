package blockdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDiskWriteThenRead(t *testing.T) {
	d := NewMemDisk(16)
	buf := make([]byte, 512)
	copy(buf, []byte("sector-zero"))

	require.NoError(t, d.WriteSector(0, buf))

	out := make([]byte, 512)
	require.NoError(t, d.ReadSector(0, out))
	assert.Equal(t, buf, out)
}

func TestMemDiskOutOfRangeErrors(t *testing.T) {
	d := NewMemDisk(2)
	buf := make([]byte, 512)
	err := d.ReadSector(99, buf)
	assert.Error(t, err)
}

func TestMemDiskSectorsAreIndependent(t *testing.T) {
	d := NewMemDisk(4)
	a := make([]byte, 512)
	b := make([]byte, 512)
	a[0] = 1
	b[0] = 2
	require.NoError(t, d.WriteSector(0, a))
	require.NoError(t, d.WriteSector(1, b))

	outA := make([]byte, 512)
	outB := make([]byte, 512)
	require.NoError(t, d.ReadSector(0, outA))
	require.NoError(t, d.ReadSector(1, outB))
	assert.Equal(t, byte(1), outA[0])
	assert.Equal(t, byte(2), outB[0])
}
