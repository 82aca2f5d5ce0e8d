package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSlabStress exercises several size-class zones, each allocating
// a large bin of objects then freeing them in reverse order, and then
// repeating the same pattern.
func TestSlabStress(t *testing.T) {
	classes := []int{16, 32, 64, 128, 256, 512, 1024}
	const perClass = 100
	const pages = 100

	for _, sc := range classes {
		sc := sc
		t.Run(sizeName(sc), func(t *testing.T) {
			z, err := NewZone(Config{SizeClass: sc, PageShift: 12})
			require.NoError(t, err)
			require.NoError(t, z.GivePages(make([]byte, pages*4096)))

			for round := 0; round < 2; round++ {
				objs := make([][]byte, 0, perClass)
				for i := 0; i < perClass; i++ {
					o, ok := z.Alloc(sc)
					require.True(t, ok, "round %d obj %d", round, i)
					objs = append(objs, o)
				}
				for i := len(objs) - 1; i >= 0; i-- {
					z.Free(objs[i])
				}
			}
		})
	}
}

