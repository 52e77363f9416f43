package hart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInvokesEveryHartWithDistinctID(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)

	err := Run(context.Background(), 5, func(ctx context.Context, hartID int) error {
		mu.Lock()
		defer mu.Unlock()
		seen[hartID] = true
		assert.Equal(t, hartID, ID(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 5)
	for i := 0; i < 5; i++ {
		assert.True(t, seen[i])
	}
}

func TestRunPropagatesFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), 4, func(ctx context.Context, hartID int) error {
		if hartID == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestIDDefaultsToMinusOne(t *testing.T) {
	assert.Equal(t, -1, ID(context.Background()))
}

func TestRunAccountedRecordsPerHartRuntime(t *testing.T) {
	acct := NewAccnt()
	err := RunAccounted(context.Background(), 3, acct, func(ctx context.Context, hartID int) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Greater(t, acct.Nanos(i), int64(0))
	}
	assert.Greater(t, acct.TotalNanos(), int64(0))
}

func TestRunAccountedWithNilAcctBehavesLikeRun(t *testing.T) {
	err := RunAccounted(context.Background(), 2, nil, func(ctx context.Context, hartID int) error {
		return nil
	})
	require.NoError(t, err)
}
