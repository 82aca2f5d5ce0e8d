// Package slab implements a fixed-size object allocator parametrized
// by a single size class, consuming whole pages from an upstream
// pagesource.Source. Free objects within a page are threaded onto an
// intrusive free list through the slot bytes themselves, specialized
// to a plain int32 next-offset since every link stays within one
// already-live page buffer (no cross-object GC hazard).
//
// Per-page bookkeeping (free count, free-list head, partial/full list
// membership) lives in an ordinary Go struct reachable from a
// base-address-keyed map, rather than punned into the page's own
// bytes: a page header needs prev/next pointers to other page
// headers, and a live Go pointer stored inside an arbitrary []byte
// arena is invisible to the garbage collector.
package slab

import (
	"fmt"
	"unsafe"

	"github.com/seagull-kamome/memalloc/internal/hooks"
	"github.com/seagull-kamome/memalloc/pagesource"
)

// Config holds the slab zone's compile-time parameters.
type Config struct {
	// SizeClass is the fixed object size served by this zone, in
	// bytes. Must be a power of two no smaller than the machine
	// pointer size.
	SizeClass int

	// PageShift is log2 of the page size in bytes.
	PageShift uint

	// Source is the upstream page-allocation hook, consulted when
	// the partial-page list is empty. May be nil if the zone is fed
	// exclusively via GivePages.
	Source pagesource.Source

	// MaxPages caps the number of pages this zone may hold at once
	// (0 = unbounded), refusing further growth from the upstream
	// Source once reached.
	MaxPages int

	hooks.Hooks
}

func (c Config) normalize() Config {
	c.Hooks = c.Hooks.Normalize()
	return c
}

// PageSize returns 1 << PageShift.
func (c Config) PageSize() int { return 1 << c.PageShift }

// ObjectsPerPage returns how many SizeClass objects fit in one page.
func (c Config) ObjectsPerPage() int { return c.PageSize() / c.SizeClass }

// pageHeader tracks one page owned by the zone. It is never stored
// inside the page's own bytes.
type pageHeader struct {
	base uintptr
	buf  []byte

	prev, next *pageHeader
	inFull     bool

	freeCount int
	// freeHead is the byte offset (within buf) of the first free
	// slot, or -1 if the page is full.
	freeHead int32
}

// Zone is a slab allocator instance for one size class.
type Zone struct {
	cfg   Config
	pages map[uintptr]*pageHeader

	partialHead *pageHeader
	fullHead    *pageHeader
	numPages    int
}

const noSlot int32 = -1

// NewZone creates a slab zone for the given Config. The zone starts
// with zero pages; GivePages or an Alloc-triggered Source fetch is
// required before any allocation can succeed.
func NewZone(cfg Config) (*Zone, error) {
	cfg = cfg.normalize()

	if cfg.SizeClass <= 0 || cfg.SizeClass&(cfg.SizeClass-1) != 0 {
		return nil, fmt.Errorf("slab: SizeClass must be a power of two, got %d", cfg.SizeClass)
	}
	if cfg.SizeClass < int(unsafe.Sizeof(uintptr(0))) {
		return nil, fmt.Errorf("slab: SizeClass must be >= pointer size, got %d", cfg.SizeClass)
	}
	if cfg.PageShift < 4 {
		return nil, fmt.Errorf("slab: PageShift must be >= 4, got %d", cfg.PageShift)
	}
	if cfg.PageSize() < cfg.SizeClass {
		return nil, fmt.Errorf("slab: page size %d smaller than size class %d", cfg.PageSize(), cfg.SizeClass)
	}
	return &Zone{cfg: cfg, pages: make(map[uintptr]*pageHeader)}, nil
}

// GivePages hands a contiguous block of raw memory to the zone. Its
// length must be a non-zero multiple of the page size; it is split
// into individual pages, each initialized with a full free-list and
// placed on the partial list.
func (z *Zone) GivePages(mem []byte) error {
	ps := z.cfg.PageSize()
	if len(mem) == 0 || len(mem)%ps != 0 {
		return fmt.Errorf("slab: give_pages length %d must be a non-zero multiple of page size %d", len(mem), ps)
	}
	count := len(mem) / ps
	if z.cfg.MaxPages > 0 && z.numPages+count > z.cfg.MaxPages {
		return fmt.Errorf("slab: give_pages would exceed MaxPages (%d + %d > %d)", z.numPages, count, z.cfg.MaxPages)
	}
	for off := 0; off < len(mem); off += ps {
		z.addPage(mem[off : off+ps : off+ps])
	}
	return nil
}

func (z *Zone) addPage(buf []byte) *pageHeader {
	n := z.cfg.ObjectsPerPage()
	sc := z.cfg.SizeClass
	for i := 0; i < n; i++ {
		var next int32
		if i == n-1 {
			next = noSlot
		} else {
			next = int32((i + 1) * sc)
		}
		*(*int32)(unsafe.Pointer(&buf[i*sc])) = next
	}

	ph := &pageHeader{
		base:      uintptr(unsafe.Pointer(&buf[0])),
		buf:       buf,
		freeCount: n,
		freeHead:  0,
	}
	z.pages[ph.base] = ph
	z.numPages++
	z.pushPartial(ph)
	return ph
}

// Alloc returns a zero-copy slice of SizeClass bytes, or ok=false if
// no object could be produced (partial list empty, upstream source
// exhausted or absent). size must be <= the zone's SizeClass.
func (z *Zone) Alloc(size int) (obj []byte, ok bool) {
	if size <= 0 || size > z.cfg.SizeClass {
		z.cfg.Warn("slab: alloc size %d exceeds size class %d", size, z.cfg.SizeClass)
		return nil, false
	}
	if z.partialHead == nil && !z.refill() {
		return nil, false
	}

	ph := z.partialHead
	z.cfg.Assertf(ph.freeHead != noSlot, "slab: partial page with no free slot")
	off := int(ph.freeHead)
	ph.freeHead = *(*int32)(unsafe.Pointer(&ph.buf[off]))
	ph.freeCount--

	if ph.freeCount == 0 {
		z.removePartial(ph)
		z.pushFull(ph)
	}
	return ph.buf[off : off+z.cfg.SizeClass : off+z.cfg.SizeClass], true
}

func (z *Zone) refill() bool {
	if z.cfg.Source == nil {
		return false
	}
	if z.cfg.MaxPages > 0 && z.numPages >= z.cfg.MaxPages {
		return false
	}
	page, ok := z.cfg.Source.AllocPage()
	if !ok {
		return false
	}
	z.cfg.Assertf(len(page) == z.cfg.PageSize(), "slab: upstream page size %d != zone page size %d", len(page), z.cfg.PageSize())
	z.addPage(page)
	return true
}

// Free returns an object to the zone. The owning page is found by
// masking the pointer down to the page boundary. If the page becomes
// entirely free, the zone retains at least one other partial page,
// and an upstream Source is configured, the emptied page is released
// back to it; otherwise the empty page is kept on the partial list
// for reuse.
func (z *Zone) Free(ptr []byte) {
	if len(ptr) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	base := addr &^ uintptr(z.cfg.PageSize()-1)
	ph, ok := z.pages[base]
	z.cfg.Assertf(ok, "slab: free of pointer not owned by this zone")

	off := int32(addr - base)
	wasFull := ph.freeCount == 0
	*(*int32)(unsafe.Pointer(&ph.buf[off])) = ph.freeHead
	ph.freeHead = off
	ph.freeCount++

	if wasFull {
		z.removeFull(ph)
		z.pushPartial(ph)
	}

	n := z.cfg.ObjectsPerPage()
	if ph.freeCount == n && z.cfg.Source != nil && z.hasOtherPartial(ph) {
		z.removePartial(ph)
		delete(z.pages, ph.base)
		z.numPages--
		z.cfg.Source.FreePage(ph.buf)
	}
}

func (z *Zone) hasOtherPartial(ph *pageHeader) bool {
	return ph.prev != nil || ph.next != nil || z.partialHead != ph
}

func (z *Zone) pushPartial(ph *pageHeader) {
	ph.inFull = false
	ph.prev = nil
	ph.next = z.partialHead
	if z.partialHead != nil {
		z.partialHead.prev = ph
	}
	z.partialHead = ph
}

func (z *Zone) removePartial(ph *pageHeader) {
	if ph.prev != nil {
		ph.prev.next = ph.next
	} else {
		z.partialHead = ph.next
	}
	if ph.next != nil {
		ph.next.prev = ph.prev
	}
	ph.prev, ph.next = nil, nil
}

func (z *Zone) pushFull(ph *pageHeader) {
	ph.inFull = true
	ph.prev = nil
	ph.next = z.fullHead
	if z.fullHead != nil {
		z.fullHead.prev = ph
	}
	z.fullHead = ph
}

func (z *Zone) removeFull(ph *pageHeader) {
	if ph.prev != nil {
		ph.prev.next = ph.next
	} else {
		z.fullHead = ph.next
	}
	if ph.next != nil {
		ph.next.prev = ph.prev
	}
	ph.prev, ph.next = nil, nil
}

// NumPages returns the number of pages currently owned by the zone
// (partial + full).
func (z *Zone) NumPages() int { return z.numPages }

// Available returns the total number of free object slots across all
// owned pages.
func (z *Zone) Available() int {
	total := 0
	for ph := z.partialHead; ph != nil; ph = ph.next {
		total += ph.freeCount
	}
	for ph := z.fullHead; ph != nil; ph = ph.next {
		total += ph.freeCount
	}
	return total
}
