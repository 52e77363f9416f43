package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinMax(t *testing.T) {
	assert.Equal(t, 3, Min(3, 7))
	assert.Equal(t, 3, Min(7, 3))
	assert.Equal(t, 7, Max(3, 7))
	assert.Equal(t, 7, Max(7, 3))
}

func TestRounddown(t *testing.T) {
	assert.Equal(t, 8, Rounddown(11, 4))
	assert.Equal(t, 12, Rounddown(12, 4))
	assert.Equal(t, 0, Rounddown(3, 4))
}

func TestRoundup(t *testing.T) {
	assert.Equal(t, 12, Roundup(9, 4))
	assert.Equal(t, 12, Roundup(12, 4))
	assert.Equal(t, uint32(4096), Roundup(uint32(1), uint32(4096)))
}
