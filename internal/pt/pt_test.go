package pt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvkernel/internal/mem"
)

func newTestArena(t *testing.T) *mem.Arena {
	t.Helper()
	a, err := mem.NewArena(64*mem.PageSize, 4, nil, nil)
	require.NoError(t, err)
	return a
}

func TestCreateForceThenTranslate(t *testing.T) {
	a := newTestArena(t)
	table, err := New(a)
	require.NoError(t, err)

	loc, err := table.CreateForce(0x123)
	require.NoError(t, err)

	pa, err := a.AllocateOne()
	require.NoError(t, err)
	loc.Store(MakePTE(pa, V|R|W|U))

	pte, ok := table.Translate(0x123)
	require.True(t, ok)
	assert.Equal(t, pa, pte.PA())
	assert.True(t, pte.Valid())
	assert.NotZero(t, pte.Flags()&R)
	assert.NotZero(t, pte.Flags()&W)
}

func TestCreateForceIsStableAcrossRepeatedCalls(t *testing.T) {
	a := newTestArena(t)
	table, err := New(a)
	require.NoError(t, err)

	l1, err := table.CreateForce(0x10)
	require.NoError(t, err)
	pa, err := a.AllocateOne()
	require.NoError(t, err)
	l1.Store(MakePTE(pa, V|R))

	l2, err := table.CreateForce(0x10)
	require.NoError(t, err)
	assert.Equal(t, pa, l2.Load().PA())
}

func TestWalkChecksOnlyIntermediateLevels(t *testing.T) {
	a := newTestArena(t)
	table, err := New(a)
	require.NoError(t, err)

	loc, err := table.CreateForce(0x42)
	require.NoError(t, err)
	// Intentionally leave the leaf PTE invalid (as MapLazy-style tracking
	// does): Walk must still report the slot as reachable.
	_, ok := table.Walk(0x42)
	assert.True(t, ok)
	assert.False(t, loc.Load().Valid())
}

func TestUnmapClearsTranslation(t *testing.T) {
	a := newTestArena(t)
	table, err := New(a)
	require.NoError(t, err)

	loc, err := table.CreateForce(7)
	require.NoError(t, err)
	pa, err := a.AllocateOne()
	require.NoError(t, err)
	loc.Store(MakePTE(pa, V|R))

	table.Unmap(7)
	_, ok := table.Translate(7)
	assert.False(t, ok)
}

func TestTokenEncodesMode8(t *testing.T) {
	a := newTestArena(t)
	table, err := New(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), table.Token()>>60)
}

func TestCOWBitRoundTrips(t *testing.T) {
	a := newTestArena(t)
	pa, err := a.AllocateOne()
	require.NoError(t, err)
	pte := MakePTE(pa, V|R|COW)
	assert.True(t, pte.Flags()&COW != 0)
	assert.True(t, pte.Valid())
}
