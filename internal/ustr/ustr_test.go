package ustr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsdotIsdotdot(t *testing.T) {
	assert.True(t, Ustr(".").Isdot())
	assert.False(t, Ustr("..").Isdot())
	assert.True(t, Ustr("..").Isdotdot())
	assert.False(t, Ustr(".").Isdotdot())
}

func TestEq(t *testing.T) {
	assert.True(t, Ustr("abc").Eq(Ustr("abc")))
	assert.False(t, Ustr("abc").Eq(Ustr("abd")))
	assert.False(t, Ustr("abc").Eq(Ustr("ab")))
}

func TestMkUstrSliceTruncatesAtNUL(t *testing.T) {
	buf := []byte("hello\x00garbage")
	us := MkUstrSlice(buf)
	assert.Equal(t, "hello", us.String())
}

func TestExtendAndExtendStr(t *testing.T) {
	base := Ustr("usr")
	assert.Equal(t, "usr/local", base.Extend(Ustr("local")).String())
	assert.Equal(t, "usr/local", base.ExtendStr("local").String())
}

func TestIsAbsolute(t *testing.T) {
	assert.True(t, Ustr("/etc").IsAbsolute())
	assert.False(t, Ustr("etc").IsAbsolute())
	assert.False(t, Ustr("").IsAbsolute())
}

func TestIndexByte(t *testing.T) {
	assert.Equal(t, 3, Ustr("etc/passwd").IndexByte('/'))
	assert.Equal(t, -1, Ustr("etc").IndexByte('/'))
}
