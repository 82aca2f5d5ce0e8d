// Package tlsf implements a Two-Level Segregated Fit allocator over
// caller-supplied memory blocks. Chunk headers are punned directly
// onto the caller's bytes via unsafe.Pointer arithmetic on raw
// uintptr addresses. Each managed block starts with an implicit
// "no predecessor" marker (prevPhysical == 0) instead of a second
// physical sentinel chunk, and ends with a zero-payload, permanently
// allocated sentinel chunk — together these stop coalescing from ever
// running past either edge of a block. A two-level bitmap (first
// level by magnitude, second level by linear subdivision) gives O(1)
// bit-scan allocation, and good-fit rounding in Alloc ensures any
// chunk found on the mapped list satisfies the request.
package tlsf

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/seagull-kamome/memalloc/internal/hooks"
)

const (
	// chunkHeaderSize is {prevPhysical, sizeAndFlags}, two
	// machine words.
	chunkHeaderSize = 16

	// freeLinkSize is {nextFree, prevFree}, overlaid on the payload
	// area while the chunk is free.
	freeLinkSize = 16

	// minChunkSize is the smallest size any chunk (free or
	// allocated) may have; splits that would leave a residual
	// smaller than this are skipped, since a free chunk this size
	// must still have room for its own free-list links.
	minChunkSize = chunkHeaderSize + freeLinkSize

	flagFree     = uintptr(1)
	flagPrevFree = uintptr(2)
	flagMask     = flagFree | flagPrevFree
)

// Config holds the TLSF zone's compile-time parameters.
type Config struct {
	// FL is the width of the first-level bitmap: fl ranges over
	// [0, FL). Must be > SL and <= 64 (one uint64 flBitmap word).
	FL int

	// SL is the second-level subdivision exponent: each first-level
	// class is subdivided into 2^SL linear sub-ranges. Must be in
	// [0, 6] so a second-level row fits in one uint64 word.
	SL uint

	hooks.Hooks
}

func (c Config) normalize() Config {
	c.Hooks = c.Hooks.Normalize()
	return c
}

func (c Config) slCount() int { return 1 << c.SL }

// UnitSize is the minimum chunk-size granularity, equal to the
// machine pointer size.
func (c Config) UnitSize() int { return int(unsafe.Sizeof(uintptr(0))) }

// MachineAlignment equals UnitSize for this allocator.
func (c Config) MachineAlignment() int { return c.UnitSize() }

// ZoneHeaderSize is the fixed per-block sentinel overhead
// (chunkHeaderSize for the implicit "no predecessor" front chunk plus
// chunkHeaderSize for the trailing sentinel); it is the floor
// create_zone/add_block enforce on the supplied memory, independent
// of FL/SL.
func (c Config) ZoneHeaderSize() int { return 2 * chunkHeaderSize }

// FLShift and SLShift expose the configured FL/SL for introspection.
func (c Config) FLShift() int  { return c.FL }
func (c Config) SLShift() uint { return c.SL }

// Zone is a TLSF allocator instance. Its bookkeeping (bitmaps, the
// free-list matrix, the slice of managed blocks) lives in ordinary
// Go-managed memory; only chunk headers are punned onto caller bytes.
type Zone struct {
	cfg Config

	flBitmap uint64
	slBitmap []uint64     // [FL]
	head     [][]uintptr  // [FL][slCount], 0 = empty

	blocks [][]byte // kept alive so the GC never reclaims managed memory
}

// CreateZone initializes a zone header and installs mem as its first
// managed block. It returns (nil, false) if mem is nil or shorter
// than cfg.ZoneHeaderSize().
func CreateZone(cfg Config, mem []byte) (*Zone, bool) {
	cfg = cfg.normalize()
	cfg.Assertf(cfg.SL <= 6, "tlsf: SL must be <= 6, got %d", cfg.SL)
	cfg.Assertf(cfg.FL > int(cfg.SL) && cfg.FL <= 64, "tlsf: FL must be in (SL, 64], got %d", cfg.FL)

	z := &Zone{
		cfg:      cfg,
		slBitmap: make([]uint64, cfg.FL),
		head:     make([][]uintptr, cfg.FL),
	}
	for i := range z.head {
		z.head[i] = make([]uintptr, cfg.slCount())
	}

	if mem == nil || len(mem) < cfg.ZoneHeaderSize() {
		cfg.Warn("tlsf: create_zone mem too small (%d < %d)", len(mem), cfg.ZoneHeaderSize())
		return nil, false
	}
	z.installBlock(mem)
	return z, true
}

// AddBlock adds a further disjoint memory region to zone, returning
// the usable byte count installed (0 if mem is too small to host its
// own sentinel overhead).
func (z *Zone) AddBlock(mem []byte) int {
	if len(mem) < z.cfg.ZoneHeaderSize() {
		z.cfg.Warn("tlsf: add_block mem too small (%d < %d)", len(mem), z.cfg.ZoneHeaderSize())
		return 0
	}
	return z.installBlock(mem)
}

func (z *Zone) installBlock(mem []byte) int {
	size := uintptr(len(mem))
	base := uintptr(unsafe.Pointer(&mem[0]))
	mainSize := size - chunkHeaderSize
	tail := base + mainSize

	setPrevPhysical(tail, base)
	setSizeFlags(tail, 0, 0) // zero-payload, permanently allocated sentinel

	setPrevPhysical(base, 0) // 0 means "no predecessor": blocks left-coalescing

	z.blocks = append(z.blocks, mem)

	if mainSize < minChunkSize {
		setSizeFlags(base, mainSize, 0)
		return 0
	}
	setSizeFlags(base, mainSize, 0)
	z.insertFree(base)
	return int(mainSize) - chunkHeaderSize
}

// Alloc returns a payload slice of at least size bytes, or ok=false.
// size == 0 returns (nil, false).
func (z *Zone) Alloc(size int) (p []byte, ok bool) {
	if size <= 0 {
		z.cfg.Warn("tlsf: alloc invalid size %d", size)
		return nil, false
	}

	unit := z.cfg.UnitSize()
	payloadNeeded := uintptr((size + unit - 1) / unit * unit)
	needed := payloadNeeded + chunkHeaderSize
	if needed < minChunkSize {
		needed = minChunkSize
	}

	fl, sl, ok := z.mappingRoundUp(needed)
	if !ok {
		return nil, false
	}
	fl, sl, ok = z.findSuitable(fl, sl)
	if !ok {
		return nil, false
	}

	addr := z.head[fl][sl]
	z.removeFree(addr)

	available := rawSize(addr)
	residual := available - needed
	if residual >= minChunkSize {
		setSizeFlags(addr, needed, flags(addr)&flagPrevFree)
		newAddr := addr + needed
		setPrevPhysical(newAddr, addr)
		setSizeFlags(newAddr, residual, 0)
		z.fixupNextPrevPhysical(newAddr)
		z.insertFree(newAddr)
	}

	setFreeFlag(addr, false)
	z.setPrevFreeFlagOfNext(addr, false)

	usable := int(rawSize(addr)) - chunkHeaderSize
	return unsafe.Slice((*byte)(unsafe.Pointer(payload(addr))), usable)[:size], true
}

// Free returns the chunk backing p to the zone. A nil/empty p is a
// no-op. Eager coalescing merges with a free physical successor and
// then a free physical predecessor.
func (z *Zone) Free(p []byte) {
	if len(p) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&p[0])) - chunkHeaderSize
	z.cfg.Assertf(flags(addr)&flagFree == 0, "tlsf: double free at %#x", addr)

	next := nextPhysical(addr)
	if flags(next)&flagFree != 0 {
		z.removeFree(next)
		setSizeFlags(addr, rawSize(addr)+rawSize(next), flags(addr))
		z.fixupNextPrevPhysical(addr)
	}

	if prevPhysical(addr) != 0 && flags(addr)&flagPrevFree != 0 {
		prev := prevPhysical(addr)
		z.removeFree(prev)
		setSizeFlags(prev, rawSize(prev)+rawSize(addr), flags(prev))
		z.fixupNextPrevPhysical(prev)
		addr = prev
	}

	z.insertFree(addr)
}

// Available returns the total free payload bytes across all lists.
func (z *Zone) Available() int {
	total := 0
	for fl := 0; fl < z.cfg.FL; fl++ {
		for sl := 0; sl < z.cfg.slCount(); sl++ {
			for a := z.head[fl][sl]; a != 0; a = nextFree(a) {
				total += int(rawSize(a)) - chunkHeaderSize
			}
		}
	}
	return total
}

// Audit walks every managed block's physical chain and verifies that
// no two adjacent chunks are both free, that every chunk's
// prev_physical points to its immediate predecessor, and that bit
// (fl, sl) is set iff head[fl][sl] is non-empty.
func (z *Zone) Audit() error {
	for fl := 0; fl < z.cfg.FL; fl++ {
		for sl := 0; sl < z.cfg.slCount(); sl++ {
			nonEmpty := z.head[fl][sl] != 0
			bitSet := z.slBitmap[fl]&(uint64(1)<<uint(sl)) != 0
			if nonEmpty != bitSet {
				return fmt.Errorf("tlsf: bitmap/list mismatch at fl=%d sl=%d", fl, sl)
			}
		}
		flBitSet := z.flBitmap&(uint64(1)<<uint(fl)) != 0
		if flBitSet != (z.slBitmap[fl] != 0) {
			return fmt.Errorf("tlsf: fl bitmap mismatch at fl=%d", fl)
		}
	}

	for _, mem := range z.blocks {
		base := uintptr(unsafe.Pointer(&mem[0]))
		end := base + uintptr(len(mem))
		prevFreeChunk := false
		for addr := base; addr < end; addr = nextPhysical(addr) {
			if prevPhysical(addr) != 0 {
				if nextPhysical(prevPhysical(addr)) != addr {
					return fmt.Errorf("tlsf: prev_physical mismatch at %#x", addr)
				}
			}
			free := flags(addr)&flagFree != 0
			if free && prevFreeChunk {
				return fmt.Errorf("tlsf: two adjacent free chunks at %#x", addr)
			}
			prevFreeChunk = free
			if rawSize(addr) == 0 {
				break // reached the tail sentinel
			}
		}
	}
	return nil
}

// --- mapping ---

func (z *Zone) mapping(size uintptr) (fl, sl int) {
	fl = bits.Len(uint(size)) - 1
	if fl < int(z.cfg.SL) {
		fl = int(z.cfg.SL)
	}
	sl = int((size >> uint(fl-int(z.cfg.SL))) & uintptr(z.cfg.slCount()-1))
	return fl, sl
}

// mappingRoundUp rounds size up to the next list boundary so that any
// chunk on the mapped list satisfies a request of exactly size bytes.
func (z *Zone) mappingRoundUp(size uintptr) (fl, sl int, ok bool) {
	fl, _ = z.mapping(size)
	roundBits := uint(fl) - z.cfg.SL
	roundMask := (uintptr(1) << roundBits) - 1
	if size&roundMask != 0 {
		size += uintptr(1) << roundBits
	}
	fl, sl = z.mapping(size)
	if fl >= z.cfg.FL {
		return 0, 0, false
	}
	return fl, sl, true
}

// findSuitable returns the lowest non-empty (fl, sl) at or above the
// given (fl, sl), via a two-level bitmap scan.
func (z *Zone) findSuitable(fl, sl int) (int, int, bool) {
	slMap := z.slBitmap[fl] &^ ((uint64(1) << uint(sl)) - 1)
	if slMap != 0 {
		return fl, bits.TrailingZeros64(slMap), true
	}
	if fl+1 >= z.cfg.FL {
		return 0, 0, false
	}
	flMap := z.flBitmap &^ ((uint64(1) << uint(fl+1)) - 1)
	if flMap == 0 {
		return 0, 0, false
	}
	fl = bits.TrailingZeros64(flMap)
	return fl, bits.TrailingZeros64(z.slBitmap[fl]), true
}

func (z *Zone) insertFree(addr uintptr) {
	setFreeFlag(addr, true)
	size := rawSize(addr)
	fl, sl := z.mapping(size)
	head := z.head[fl][sl]
	setNextFree(addr, head)
	setPrevFree(addr, 0)
	if head != 0 {
		setPrevFree(head, addr)
	}
	z.head[fl][sl] = addr
	z.slBitmap[fl] |= uint64(1) << uint(sl)
	z.flBitmap |= uint64(1) << uint(fl)

	z.setPrevFreeFlagOfNext(addr, true)
}

func (z *Zone) removeFree(addr uintptr) {
	size := rawSize(addr)
	fl, sl := z.mapping(size)
	prev := prevFree(addr)
	next := nextFree(addr)
	if prev != 0 {
		setNextFree(prev, next)
	} else {
		z.head[fl][sl] = next
	}
	if next != 0 {
		setPrevFree(next, prev)
	}
	if z.head[fl][sl] == 0 {
		z.slBitmap[fl] &^= uint64(1) << uint(sl)
		if z.slBitmap[fl] == 0 {
			z.flBitmap &^= uint64(1) << uint(fl)
		}
	}
}

func (z *Zone) fixupNextPrevPhysical(addr uintptr) {
	setPrevPhysical(nextPhysical(addr), addr)
}

func (z *Zone) setPrevFreeFlagOfNext(addr uintptr, isFree bool) {
	next := nextPhysical(addr)
	v := *(*uintptr)(unsafe.Pointer(next + 8))
	if isFree {
		v |= flagPrevFree
	} else {
		v &^= flagPrevFree
	}
	*(*uintptr)(unsafe.Pointer(next + 8)) = v
}

// --- chunk header accessors ---

func rawSize(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr + 8)) &^ flagMask
}

func flags(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr + 8)) & flagMask
}

func setSizeFlags(addr, size, fl uintptr) {
	*(*uintptr)(unsafe.Pointer(addr + 8)) = size | fl
}

func setFreeFlag(addr uintptr, free bool) {
	v := *(*uintptr)(unsafe.Pointer(addr + 8))
	if free {
		v |= flagFree
	} else {
		v &^= flagFree
	}
	*(*uintptr)(unsafe.Pointer(addr + 8)) = v
}

func prevPhysical(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func setPrevPhysical(addr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

func nextPhysical(addr uintptr) uintptr {
	return addr + rawSize(addr)
}

func payload(addr uintptr) uintptr { return addr + chunkHeaderSize }

func nextFree(addr uintptr) uintptr { return *(*uintptr)(unsafe.Pointer(addr + chunkHeaderSize)) }
func setNextFree(addr, v uintptr)   { *(*uintptr)(unsafe.Pointer(addr + chunkHeaderSize)) = v }
func prevFree(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr + chunkHeaderSize + 8))
}
func setPrevFree(addr, v uintptr) { *(*uintptr)(unsafe.Pointer(addr + chunkHeaderSize + 8)) = v }
