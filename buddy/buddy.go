// Package buddy implements a power-of-two page allocator over a
// caller-supplied, contiguous byte arena. A zone is split into a fixed
// number of order levels; order k blocks are 2^k pages. Free blocks
// are threaded onto per-order intrusive doubly-linked lists (the next
// and prev links live in the first 16 bytes of the free block itself),
// and a per-order presence bitmap (internal/bitset.Set) records which
// blocks are currently free and whole, giving O(1) buddy-presence
// checks for eager coalescing.
//
// Buddies are coalesced eagerly on every Free rather than lazily on
// demand, walking up through the order hierarchy as long as the
// current block's buddy is itself free and whole.
package buddy

import (
	"fmt"
	"unsafe"

	"github.com/seagull-kamome/memalloc/internal/bitset"
	"github.com/seagull-kamome/memalloc/internal/hooks"
)

// Config holds the buddy zone's compile-time parameters.
type Config struct {
	// PageShift is log2 of the page size in bytes. Must be at least
	// 4 so a free page has room for the 16-byte intrusive link pair.
	PageShift uint

	// Orders is the number of order levels L (order k serves blocks
	// of 2^k pages, for k in [0, Orders-1]).
	Orders int

	// NoMemory is invoked (if set) when Alloc cannot satisfy a
	// request at any order; it is advisory only, Alloc always
	// returns ok=false regardless.
	NoMemory func()

	hooks.Hooks
}

func (c Config) normalize() Config {
	c.Hooks = c.Hooks.Normalize()
	return c
}

// PageSize returns 1 << PageShift.
func (c Config) PageSize() int { return 1 << c.PageShift }

// Zone is a buddy allocator instance over one caller-supplied arena.
type Zone struct {
	cfg   Config
	arena []byte
	base  unsafe.Pointer

	pages    int // total number of order-0 pages covered by arena
	maxOrder int // cfg.Orders - 1

	// blocksAtOrder[o] is the number of addressable blocks at order o.
	blocksAtOrder []int

	// reserved[o].Test(i) is true iff block i at order o is
	// currently a whole, free block present in freeHead[o]'s list.
	reserved []bitset.Set

	// freeHead[o] is the block index at the head of order o's free
	// list, or -1 if empty.
	freeHead []int64

	// freeCount[o] mirrors the list length at order o, exposed via
	// Available() without re-walking any list.
	freeCount []int
}

// NewZone creates a buddy zone managing the given arena. The arena's
// length must be a non-zero multiple of the configured page size.
// give_pages must be called separately to make any of the arena's
// pages available for allocation — a freshly created zone has zero
// free pages, mirroring the C original where memory is "donated" in a
// second step.
func NewZone(cfg Config, arena []byte) (*Zone, error) {
	cfg = cfg.normalize()

	if cfg.PageShift < 4 {
		return nil, fmt.Errorf("buddy: PageShift must be >= 4, got %d", cfg.PageShift)
	}
	if cfg.Orders < 1 || cfg.Orders > 32 {
		return nil, fmt.Errorf("buddy: Orders must be in [1, 32], got %d", cfg.Orders)
	}
	pageSize := cfg.PageSize()
	if len(arena) == 0 || len(arena)%pageSize != 0 {
		return nil, fmt.Errorf("buddy: arena length %d must be a non-zero multiple of page size %d", len(arena), pageSize)
	}

	pages := len(arena) / pageSize
	z := &Zone{
		cfg:           cfg,
		arena:         arena,
		base:          unsafe.Pointer(&arena[0]),
		pages:         pages,
		maxOrder:      cfg.Orders - 1,
		blocksAtOrder: make([]int, cfg.Orders),
		reserved:      make([]bitset.Set, cfg.Orders),
		freeHead:      make([]int64, cfg.Orders),
		freeCount:     make([]int, cfg.Orders),
	}
	for o := 0; o < cfg.Orders; o++ {
		n := (pages + (1 << o) - 1) >> o
		z.blocksAtOrder[o] = n
		z.reserved[o] = bitset.New(n)
		z.freeHead[o] = -1
	}
	return z, nil
}

// GivePages donates count pages starting at page index pageIndex
// (relative to the zone's arena) to the zone. The pages are folded
// into the highest available order blocks, with any non-power-of-two
// remainder broken into smaller power-of-two groups.
func (z *Zone) GivePages(pageIndex, count int) error {
	if pageIndex < 0 || count < 0 || pageIndex+count > z.pages {
		z.cfg.Warn("buddy: give_pages(%d, %d) out of range for %d pages", pageIndex, count, z.pages)
		return fmt.Errorf("buddy: give_pages(%d, %d) out of range for %d pages", pageIndex, count, z.pages)
	}
	for count > 0 {
		o := z.maxOrder
		for o > 0 && (1<<o > count || pageIndex%(1<<o) != 0) {
			o--
		}
		z.addFreeBlock(o, pageIndex>>o)
		pageIndex += 1 << o
		count -= 1 << o
	}
	return nil
}

// Alloc returns 2^order contiguous pages as a byte slice, or ok=false
// if no block of that order (after splitting a larger one) is
// available.
func (z *Zone) Alloc(order int) (block []byte, ok bool) {
	if order < 0 || order > z.maxOrder {
		z.cfg.Warn("buddy: alloc invalid order %d", order)
		return nil, false
	}

	k := order
	for k <= z.maxOrder && z.freeHead[k] == -1 {
		k++
	}
	if k > z.maxOrder {
		if z.cfg.NoMemory != nil {
			z.cfg.NoMemory()
		}
		return nil, false
	}

	idx := z.popFreeBlock(k)
	for o := k; o > order; o-- {
		left := idx * 2
		right := idx*2 + 1
		z.addFreeBlock(o-1, right)
		idx = left
	}

	off := idx << (int(z.cfg.PageShift) + order)
	size := z.cfg.PageSize() << order
	return unsafe.Slice((*byte)(unsafe.Add(z.base, off)), size), true
}

// Free returns a previously allocated order-`order` block to the
// zone. Buddies that are themselves free are coalesced eagerly,
// repeating at each higher order until a non-free (or out-of-range)
// buddy is found.
func (z *Zone) Free(block []byte, order int) {
	z.cfg.Assertf(order >= 0 && order <= z.maxOrder, "buddy: free invalid order %d", order)
	off := int(uintptr(unsafe.Pointer(&block[0])) - uintptr(z.base))
	shift := int(z.cfg.PageShift) + order
	z.cfg.Assertf(off >= 0 && off < len(z.arena) && off%(1<<shift) == 0,
		"buddy: free block at invalid offset %d for order %d", off, order)

	idx := off >> shift
	o := order
	for o < z.maxOrder {
		buddy := idx ^ 1
		if buddy >= z.blocksAtOrder[o] || !z.reserved[o].Test(buddy) {
			break
		}
		z.removeFreeBlock(o, buddy)
		idx >>= 1
		o++
	}
	z.addFreeBlock(o, idx)
}

// Available returns the total free bytes currently held across all orders.
func (z *Zone) Available() int {
	total := 0
	for o, n := range z.freeCount {
		total += n * (z.cfg.PageSize() << o)
	}
	return total
}

// IsFree reports whether the block at the given order and block index
// is currently a whole, free block. Exposed for invariant audits.
func (z *Zone) IsFree(order, blockIndex int) bool {
	if order < 0 || order >= len(z.reserved) || blockIndex < 0 || blockIndex >= z.blocksAtOrder[order] {
		return false
	}
	return z.reserved[order].Test(blockIndex)
}

func (z *Zone) addFreeBlock(order, idx int) {
	off := idx << (int(z.cfg.PageShift) + order)
	z.setNext(off, z.freeHead[order])
	z.setPrev(off, -1)
	if z.freeHead[order] != -1 {
		headOff := int(z.freeHead[order]) << (int(z.cfg.PageShift) + order)
		z.setPrev(headOff, int64(idx))
	}
	z.freeHead[order] = int64(idx)
	z.reserved[order].Set(idx)
	z.freeCount[order]++
}

func (z *Zone) popFreeBlock(order int) int {
	idx := int(z.freeHead[order])
	z.removeFreeBlock(order, idx)
	return idx
}

func (z *Zone) removeFreeBlock(order, idx int) {
	shift := int(z.cfg.PageShift) + order
	off := idx << shift
	prev := z.getPrev(off)
	next := z.getNext(off)
	if prev == -1 {
		z.freeHead[order] = next
	} else {
		z.setNext(int(prev)<<shift, next)
	}
	if next != -1 {
		z.setPrev(int(next)<<shift, prev)
	}
	z.reserved[order].Clear(idx)
	z.freeCount[order]--
}

func (z *Zone) setNext(off int, v int64) { *(*int64)(unsafe.Add(z.base, off)) = v }
func (z *Zone) setPrev(off int, v int64) { *(*int64)(unsafe.Add(z.base, off+8)) = v }
func (z *Zone) getNext(off int) int64    { return *(*int64)(unsafe.Add(z.base, off)) }
func (z *Zone) getPrev(off int) int64    { return *(*int64)(unsafe.Add(z.base, off+8)) }
