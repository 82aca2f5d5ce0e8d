package buddy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZone(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		arena   int
		wantErr bool
	}{
		{"valid", Config{PageShift: 12, Orders: 6}, 32 * 4096, false},
		{"shift_too_small", Config{PageShift: 3, Orders: 6}, 32 * 4096, true},
		{"orders_zero", Config{PageShift: 12, Orders: 0}, 32 * 4096, true},
		{"arena_not_multiple", Config{PageShift: 12, Orders: 6}, 32*4096 + 1, true},
		{"arena_empty", Config{PageShift: 12, Orders: 6}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewZone(tt.cfg, make([]byte, tt.arena))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestBuddyBasic donates 32 pages of 4096B, alloc/free/allocs the
// same region, allocs the full 32-page block, then observes
// exhaustion.
func TestBuddyBasic(t *testing.T) {
	cfg := Config{PageShift: 12, Orders: 6}
	z, err := NewZone(cfg, make([]byte, 32*4096))
	require.NoError(t, err)
	require.NoError(t, z.GivePages(0, 32))

	b1, ok := z.Alloc(0)
	require.True(t, ok)
	require.Len(t, b1, 4096)

	z.Free(b1, 0)

	b2, ok := z.Alloc(0)
	require.True(t, ok)
	assert.Equal(t, &b1[0], &b2[0], "freed region should be reused")
	z.Free(b2, 0)

	full, ok := z.Alloc(5)
	require.True(t, ok)
	require.Len(t, full, 32*4096)

	_, ok = z.Alloc(0)
	assert.False(t, ok, "zone should be exhausted")

	z.Free(full, 5)
	b3, ok := z.Alloc(0)
	require.True(t, ok)
	require.Len(t, b3, 4096)
}

func TestBuddySplitAndCoalesce(t *testing.T) {
	cfg := Config{PageShift: 12, Orders: 4}
	z, err := NewZone(cfg, make([]byte, 8*4096))
	require.NoError(t, err)
	require.NoError(t, z.GivePages(0, 8))

	a, ok := z.Alloc(0)
	require.True(t, ok)
	b, ok := z.Alloc(0)
	require.True(t, ok)
	c, ok := z.Alloc(0)
	require.True(t, ok)
	d, ok := z.Alloc(0)
	require.True(t, ok)

	assert.Equal(t, 8*4096-4*4096, z.Available())

	z.Free(a, 0)
	z.Free(b, 0)
	z.Free(c, 0)
	z.Free(d, 0)

	// after freeing every order-0 page, coalescing should have
	// merged everything back into a single order-3 (8-page) block.
	assert.True(t, z.IsFree(3, 0))
	assert.Equal(t, 8*4096, z.Available())
}

func TestBuddyGivePagesNonPowerOfTwo(t *testing.T) {
	cfg := Config{PageShift: 12, Orders: 6}
	z, err := NewZone(cfg, make([]byte, 32*4096))
	require.NoError(t, err)
	// 5 is not a power of two: folds into a 4-page block + a 1-page block.
	require.NoError(t, z.GivePages(0, 5))
	assert.Equal(t, 5*4096, z.Available())

	big, ok := z.Alloc(2)
	require.True(t, ok)
	require.Len(t, big, 4*4096)
	small, ok := z.Alloc(0)
	require.True(t, ok)
	require.Len(t, small, 4096)

	_, ok = z.Alloc(1)
	assert.False(t, ok)

	z.Free(big, 2)
	z.Free(small, 0)
}

func TestBuddyGivePagesOutOfRange(t *testing.T) {
	cfg := Config{PageShift: 12, Orders: 6}
	z, err := NewZone(cfg, make([]byte, 4*4096))
	require.NoError(t, err)
	assert.Error(t, z.GivePages(0, 100))
}

func TestBuddyAllocRecoveryIdempotence(t *testing.T) {
	cfg := Config{PageShift: 12, Orders: 6}
	z, err := NewZone(cfg, make([]byte, 32*4096))
	require.NoError(t, err)
	require.NoError(t, z.GivePages(0, 32))

	var blocks [][]byte
	for i := 0; i < 32; i++ {
		b, ok := z.Alloc(0)
		require.True(t, ok)
		blocks = append(blocks, b)
	}
	_, ok := z.Alloc(0)
	require.False(t, ok)

	for _, b := range blocks {
		z.Free(b, 0)
	}

	// repeat the same allocation pattern; it must succeed identically.
	for i := 0; i < 32; i++ {
		_, ok := z.Alloc(0)
		require.True(t, ok)
	}
	_, ok = z.Alloc(0)
	require.False(t, ok)
}
