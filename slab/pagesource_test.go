package slab_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seagull-kamome/memalloc/buddy"
	"github.com/seagull-kamome/memalloc/pagesource"
	"github.com/seagull-kamome/memalloc/slab"
)

// TestSlabOverBuddy wires a slab zone's upstream page source to a
// buddy zone, exercising the hierarchical buddy-backs-slab data flow.
func TestSlabOverBuddy(t *testing.T) {
	bz, err := buddy.NewZone(buddy.Config{PageShift: 12, Orders: 4}, make([]byte, 16*4096))
	require.NoError(t, err)
	require.NoError(t, bz.GivePages(0, 16))

	src := pagesource.NewBuddy(bz, 0)
	sz, err := slab.NewZone(slab.Config{SizeClass: 128, PageShift: 12, Source: src})
	require.NoError(t, err)

	var objs [][]byte
	for i := 0; i < 4096/128*4; i++ { // exhausts 4 pages' worth
		o, ok := sz.Alloc(128)
		require.True(t, ok)
		objs = append(objs, o)
	}
	require.Equal(t, 4, sz.NumPages())

	for _, o := range objs {
		sz.Free(o)
	}
	// every page became empty and was released back to the buddy
	// zone except the last retained partial page.
	require.Equal(t, 1, sz.NumPages())
	require.Less(t, bz.Available(), 16*4096)
}

// TestSlabOverMCache exercises a non-buddy page-producer path, backed
// by bytedance/gopkg's mcache pool.
func TestSlabOverMCache(t *testing.T) {
	src := pagesource.NewMCache(4096)
	sz, err := slab.NewZone(slab.Config{SizeClass: 256, PageShift: 12, Source: src})
	require.NoError(t, err)

	o, ok := sz.Alloc(256)
	require.True(t, ok)
	require.Len(t, o, 256)
	sz.Free(o)
}
