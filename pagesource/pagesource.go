// Package pagesource provides upstream page producers for slab zones.
// A slab zone's upstream page-allocation hook may be bound to a
// buddy.Zone or to any other page producer; this package gives that
// hook two concrete bindings, one backed by a buddy.Zone and one
// backed by github.com/bytedance/gopkg/lang/mcache's size-classed
// []byte pool, demonstrating the hook is genuinely pluggable rather
// than buddy-shaped only.
package pagesource

import (
	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/seagull-kamome/memalloc/buddy"
)

// Source is the slab zone's upstream page-allocation hook.
type Source interface {
	AllocPage() (page []byte, ok bool)
	FreePage(page []byte)
}

// Buddy adapts a buddy.Zone into a slab Source: every page is a
// 2^order block of the zone's configured page size.
type Buddy struct {
	Zone  *buddy.Zone
	Order int
}

// NewBuddy returns a Source that requests order-sized blocks from zone.
func NewBuddy(zone *buddy.Zone, order int) Buddy {
	return Buddy{Zone: zone, Order: order}
}

func (b Buddy) AllocPage() ([]byte, bool) { return b.Zone.Alloc(b.Order) }
func (b Buddy) FreePage(page []byte)      { b.Zone.Free(page, b.Order) }

// MCache adapts the bytedance/gopkg mcache size-classed pool into a
// slab Source. Unlike Buddy, pages from this source are not
// necessarily physically contiguous with each other or reusable
// across zones with a different PageSize, but the slab only ever
// requires pages from its own source to be mutually consistent.
type MCache struct {
	PageSize int
}

// NewMCache returns a Source producing PageSize-byte pages from mcache.
func NewMCache(pageSize int) MCache {
	return MCache{PageSize: pageSize}
}

func (m MCache) AllocPage() ([]byte, bool) {
	buf := mcache.Malloc(m.PageSize)
	if buf == nil || len(buf) < m.PageSize {
		return nil, false
	}
	return buf[:m.PageSize], true
}

func (m MCache) FreePage(page []byte) { mcache.Free(page) }
