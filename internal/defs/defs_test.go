package defs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrTImplementsError(t *testing.T) {
	var err error = EInval
	assert.Equal(t, "invalid argument", err.Error())
}

func TestErrTWrapsWithPkgErrors(t *testing.T) {
	wrapped := errors.Wrap(ENameNotFound, "fs: lookup failed")
	assert.Contains(t, wrapped.Error(), "fs: lookup failed")
	assert.Equal(t, ENameNotFound, errors.Cause(wrapped))
}

func TestMkdevUnmkdev(t *testing.T) {
	maj, min := 3, 7
	dev := Mkdev(maj, min)
	gotMaj, gotMin := Unmkdev(dev)
	assert.Equal(t, maj, gotMaj)
	assert.Equal(t, min, gotMin)
}
