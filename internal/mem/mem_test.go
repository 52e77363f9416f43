package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateOneIsZeroed(t *testing.T) {
	a, err := NewArena(16*PageSize, 2, nil, nil)
	require.NoError(t, err)

	pa, err := a.AllocateOne()
	require.NoError(t, err)
	for _, b := range a.Bytes(pa) {
		assert.Zero(t, b)
	}
	assert.Equal(t, 1, a.Refcnt(pa))
}

func TestRefupRefdownFreesOnZero(t *testing.T) {
	a, err := NewArena(4*PageSize, 1, nil, nil)
	require.NoError(t, err)
	before := a.FreeFrames()

	pa, err := a.AllocateOne()
	require.NoError(t, err)
	assert.Equal(t, before-1, a.FreeFrames())

	a.Refup(pa)
	assert.Equal(t, 2, a.Refcnt(pa))
	assert.False(t, a.Refdown(pa))
	assert.True(t, a.Refdown(pa))
	assert.Equal(t, before, a.FreeFrames())
}

func TestAllocateOneExhaustion(t *testing.T) {
	a, err := NewArena(2*PageSize, 1, nil, nil)
	require.NoError(t, err)

	_, err = a.AllocateOne()
	require.NoError(t, err)
	_, err = a.AllocateOne()
	assert.ErrorIs(t, err, ErrOOM)
}

func TestAllocateContiguousDoesNotTouchRefcountedPool(t *testing.T) {
	a, err := NewArena(8*PageSize, 4, nil, nil)
	require.NoError(t, err)
	before := a.FreeFrames()

	_, err = a.AllocateContiguous(3)
	require.NoError(t, err)
	assert.Equal(t, before, a.FreeFrames())
}

func TestAllocateContiguousExhaustion(t *testing.T) {
	a, err := NewArena(4*PageSize, 2, nil, nil)
	require.NoError(t, err)

	_, err = a.AllocateContiguous(2)
	require.NoError(t, err)
	_, err = a.AllocateContiguous(1)
	assert.ErrorIs(t, err, ErrOOM)
}

func TestAllocateOneExhaustionSignalsOnOomCh(t *testing.T) {
	a, err := NewArena(1*PageSize, 0, nil, nil)
	require.NoError(t, err)

	_, err = a.AllocateOne()
	require.NoError(t, err)
	_, err = a.AllocateOne()
	assert.ErrorIs(t, err, ErrOOM)

	select {
	case msg := <-a.OomCh():
		assert.Equal(t, 1, msg.Need)
	default:
		t.Fatal("expected an OOM notification on OomCh")
	}
}

func TestNewArenaRejectsBadSize(t *testing.T) {
	_, err := NewArena(PageSize+1, 0, nil, nil)
	assert.Error(t, err)

	_, err = NewArena(PageSize, 10, nil, nil)
	assert.Error(t, err)
}
