package stat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatFieldsRoundTrip(t *testing.T) {
	var st Stat_t
	st.Wino(42)
	st.Wmode(KindDir)
	st.Wsize(4096)
	st.Wlinks(2)
	st.Wblocks(1)

	assert.Equal(t, uint(42), st.Ino())
	assert.Equal(t, KindDir, st.Mode())
	assert.Equal(t, uint(4096), st.Size())
	assert.Equal(t, uint(2), st.Links())
	assert.Equal(t, uint(1), st.Blocks())
	assert.True(t, st.IsDir())
}

func TestStatIsDirFalseForFile(t *testing.T) {
	var st Stat_t
	st.Wmode(KindFile)
	assert.False(t, st.IsDir())
}
