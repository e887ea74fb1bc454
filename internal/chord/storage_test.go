package chord

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordht/pkg"
)

func newTestStorage(t *testing.T) *ChordStorage {
	t.Helper()
	cs := NewChordStorage(pkg.NewMemoryStorage(&pkg.MemoryConfig{CleanupInterval: 10 * time.Millisecond}))
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestChordStorage_GetPut(t *testing.T) {
	cs := newTestStorage(t)
	ctx := context.Background()
	id := big.NewInt(0xabc)

	_, err := cs.Get(ctx, id)
	var failure *pkg.StorageFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, id, failure.Key)

	require.NoError(t, cs.Put(ctx, id, []byte("v1"), 0))

	value, err := cs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	err = cs.Put(ctx, id, []byte("v2"), 0)
	assert.ErrorIs(t, err, pkg.ErrStorageFailure)

	value, err = cs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value, "existing replica is not overwritten")
}

func TestChordStorage_TTL(t *testing.T) {
	cs := newTestStorage(t)
	ctx := context.Background()
	id := big.NewInt(7)

	require.NoError(t, cs.Put(ctx, id, []byte("short"), 1))

	assert.Eventually(t, func() bool {
		_, err := cs.Get(ctx, id)
		return err != nil
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, cs.Put(ctx, id, []byte("again"), 0), "expired replica can be rewritten")
}

func TestChordStorage_KeysInRange(t *testing.T) {
	cs := newTestStorage(t)
	ctx := context.Background()

	for _, v := range []int64{10, 20, 30, 40} {
		require.NoError(t, cs.Put(ctx, big.NewInt(v), []byte("x"), 0))
	}

	n, err := cs.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	tests := []struct {
		name       string
		start, end int64
		expected   []int64
	}{
		{"middle", 10, 30, []int64{20, 30}},
		{"exclusive start", 20, 20, []int64{10, 20, 30, 40}},
		{"empty", 41, 50, nil},
		{"all", 0, 40, []int64{10, 20, 30, 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := cs.KeysInRange(ctx, big.NewInt(tt.start), big.NewInt(tt.end))
			require.NoError(t, err)

			got := make([]int64, 0, len(ids))
			for _, id := range ids {
				got = append(got, id.Int64())
			}
			assert.ElementsMatch(t, tt.expected, got)
		})
	}
}

func TestChordStorage_Closed(t *testing.T) {
	cs := newTestStorage(t)
	require.NoError(t, cs.Close())

	ctx := context.Background()
	assert.ErrorIs(t, cs.Put(ctx, big.NewInt(1), []byte("x"), 0), pkg.ErrStorageUnavailable)
	_, err := cs.Get(ctx, big.NewInt(1))
	assert.ErrorIs(t, err, pkg.ErrStorageUnavailable)
	_, err = cs.Len(ctx)
	assert.ErrorIs(t, err, pkg.ErrStorageUnavailable)
}
