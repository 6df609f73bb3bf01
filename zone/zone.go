package zone

import (
	"fmt"
	"math/bits"

	"github.com/bnclabs/nvmm/api"
	"github.com/bnclabs/nvmm/atomics"
	"github.com/bnclabs/nvmm/log"
)

// magic identifies a shelf file: the zone header sits at offset 0 of
// every shelf, so its first word is the shelf-file magic.
const magic = uint64(0x4e564d4d5348454c) // "NVMMSHEL"
const formatVersion = uint64(1)

// DefaultMergeLevels is how many of the topmost buddy levels defer
// coalescing to an explicit Merge call instead of coalescing immediately
// on free.
const DefaultMergeLevels = 3

const headerSize = int64(64) // one cacheline, mirrors malloc's cacheline reservation unit

// header field offsets, relative to the zone's base offset.
const (
	hdrMagic      = 0
	hdrVersion    = 8
	hdrMinAlloc   = 16
	hdrSize       = 24
	hdrLevels     = 32
	hdrReserved   = 40
	hdrMergeLvls  = 48
)

// Zone is a buddy allocator over one shelf's usable address range.
type Zone struct {
	region *atomics.Region
	base   int64
	size   int64
	minalloc int64
	levels   int64
	mergelevels int64
	reserved int64

	bitmaps     []*freebitmap // one per level, index 0..levels-1
	mergequeues []*freebitmap // one per top mergelevels levels
}

// settingsInt64 tolerates the handful of numeric shapes a Settings value
// shows up as once it has passed through JSON or flag parsing.
func settingsInt64(v interface{}, dflt int64) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return dflt
}

func blocksizeFor(minalloc int64, level int64) int64 {
	return minalloc << uint(level)
}

func levelsFor(size, minalloc int64) int64 {
	return int64(bits.Len64(uint64(size/minalloc))) // size/minalloc is a power of two, Len64 gives log2+1
}

// Create formats a fresh zone over region[base:base+size) and seeds its
// free bitmaps, leaving the header and bitmap storage itself permanently
// marked allocated so it is never handed out.
func Create(region *atomics.Region, base, size, minalloc int64, setts api.Settings) (*Zone, error) {
	if size&(size-1) != 0 || minalloc&(minalloc-1) != 0 {
		return nil, fmt.Errorf("%v: zone size and minalloc must be powers of two", api.InvalidArguments)
	}
	if minalloc < api.MinAllocSize {
		return nil, fmt.Errorf("%v: minalloc must be >= %v bytes", api.InvalidArguments, api.MinAllocSize)
	}
	mergelevels := int64(DefaultMergeLevels)
	if setts != nil {
		if v, ok := setts["zone.mergelevels"]; ok {
			mergelevels = settingsInt64(v, mergelevels)
		}
	}

	levels := levelsFor(size, minalloc)
	if mergelevels > levels {
		mergelevels = levels
	}

	z := &Zone{
		region: region, base: base, size: size, minalloc: minalloc,
		levels: levels, mergelevels: mergelevels,
	}
	z.layout()

	z.region.ReleaseStore64(z.base+hdrMagic, magic)
	z.region.ReleaseStore64(z.base+hdrVersion, formatVersion)
	z.region.ReleaseStore64(z.base+hdrMinAlloc, uint64(minalloc))
	z.region.ReleaseStore64(z.base+hdrSize, uint64(size))
	z.region.ReleaseStore64(z.base+hdrLevels, uint64(levels))
	z.region.ReleaseStore64(z.base+hdrReserved, uint64(z.reserved))
	z.region.ReleaseStore64(z.base+hdrMergeLvls, uint64(mergelevels))
	if err := z.region.Persist(z.base, headerSize); err != nil {
		return nil, fmt.Errorf("%v: %w", api.ZoneCreateFailed, err)
	}

	z.seedfree()
	log.Infof("zone: created base=%v size=%v minalloc=%v levels=%v", base, size, minalloc, levels)
	return z, nil
}

// Open maps an already-formatted zone, validating its magic number.
func Open(region *atomics.Region, base int64) (*Zone, error) {
	got := region.AcquireLoad64(base + hdrMagic)
	if got != magic {
		return nil, fmt.Errorf("%v: zone at offset %v", api.ZoneVerifyFailed, base)
	}
	z := &Zone{
		region: region, base: base,
		size:     int64(region.AcquireLoad64(base + hdrSize)),
		minalloc: int64(region.AcquireLoad64(base + hdrMinAlloc)),
		levels:   int64(region.AcquireLoad64(base + hdrLevels)),
		reserved: int64(region.AcquireLoad64(base + hdrReserved)),
		mergelevels: int64(region.AcquireLoad64(base + hdrMergeLvls)),
	}
	z.layout()
	return z, nil
}

// layout recomputes every level's bitmap byte offset from the persisted
// header fields (size, minalloc, levels, mergelevels), so Create and Open
// always agree without persisting the derived offsets.
func (z *Zone) layout() {
	z.bitmaps = make([]*freebitmap, z.levels)
	z.mergequeues = make([]*freebitmap, z.mergelevels)

	cursor := z.base + headerSize
	for lvl := int64(0); lvl < z.levels; lvl++ {
		nblocks := z.size / blocksizeFor(z.minalloc, lvl)
		bm := newfreebitmap(z.region, cursor, nblocks)
		z.bitmaps[lvl] = bm
		cursor += bm.nbytes
	}
	boundary := z.levels - z.mergelevels
	for i := int64(0); i < z.mergelevels; i++ {
		lvl := boundary + i
		nblocks := z.size / blocksizeFor(z.minalloc, lvl)
		mq := newfreebitmap(z.region, cursor, nblocks)
		z.mergequeues[i] = mq
		cursor += mq.nbytes
	}

	reserved := cursor - z.base
	// round up to the minimum allocation granule so the first usable
	// block starts aligned.
	if rem := reserved % z.minalloc; rem != 0 {
		reserved += z.minalloc - rem
	}
	z.reserved = reserved
}

// seedfree marks [reserved, size) free across the level hierarchy using
// the classic buddy-allocator halving walk: repeatedly peel off the
// largest aligned power-of-two block that still fits in what remains.
func (z *Zone) seedfree() {
	cur := z.reserved
	remaining := z.size - z.reserved
	for remaining > 0 {
		maxaligned := z.size
		if cur != 0 {
			maxaligned = cur & (-cur)
		}
		blocksize := maxaligned
		for blocksize > remaining {
			blocksize >>= 1
		}
		lvl := int64(bits.TrailingZeros64(uint64(blocksize / z.minalloc)))
		blockidx := cur / blocksize
		z.bitmaps[lvl].trysetfree(blockidx)
		cur += blocksize
		remaining -= blocksize
	}
}

func (z *Zone) levelFor(size int64) int64 {
	lvl := int64(0)
	for blocksizeFor(z.minalloc, lvl) < size {
		lvl++
	}
	return lvl
}

// Alloc returns an offset, relative to the zone's base, of a block at
// least size bytes, or ok=false if the zone has no capacity left at any
// level.
func (z *Zone) Alloc(size int64) (offset int64, ok bool) {
	k := z.levelFor(size)
	if k >= z.levels {
		return 0, false
	}
	if blockidx, found := z.bitmaps[k].scan(); found {
		return blockidx * blocksizeFor(z.minalloc, k), true
	}
	for m := k + 1; m < z.levels; m++ {
		blockidx, found := z.bitmaps[m].scan()
		if !found {
			continue
		}
		leaf := z.splitdown(m, blockidx, k)
		return leaf * blocksizeFor(z.minalloc, k), true
	}
	return 0, false
}

// splitdown descends a claimed level-m block down to level k, freeing
// each right-buddy along the way, and returns the level-k index of the
// left-most surviving (still-allocated) descendant.
func (z *Zone) splitdown(m, blockidx, k int64) int64 {
	idx := blockidx
	for lvl := m - 1; lvl >= k; lvl-- {
		left, right := idx*2, idx*2+1
		z.bitmaps[lvl].trysetfree(right)
		idx = left
	}
	return idx
}

// Free returns the block at offset (relative to the zone's base) of the
// given size to the free bitmaps, coalescing immediately below the
// merge-level boundary and deferring to Merge above it.
func (z *Zone) Free(offset, size int64) {
	k := z.levelFor(size)
	blockidx := offset / blocksizeFor(z.minalloc, k)
	boundary := z.levels - z.mergelevels

	cur, idx := k, blockidx
	for cur < boundary {
		if !z.bitmaps[cur].trysetfree(idx) {
			log.Warnf("zone: double free at level=%v idx=%v", cur, idx)
			return
		}
		buddy := idx ^ 1
		if !z.bitmaps[cur].isfree(buddy) {
			return
		}
		if !z.bitmaps[cur].tryclearfree(buddy) {
			return
		}
		if !z.bitmaps[cur].tryclearfree(idx) {
			z.bitmaps[cur].trysetfree(buddy)
			return
		}
		idx /= 2
		cur++
	}
	if !z.bitmaps[cur].trysetfree(idx) {
		log.Warnf("zone: double free at level=%v idx=%v", cur, idx)
		return
	}
	z.markmerge(cur, idx)
}

func (z *Zone) markmerge(level, idx int64) {
	boundary := z.levels - z.mergelevels
	if level-boundary < 0 || level >= z.levels {
		return
	}
	z.mergequeues[level-boundary].trysetfree(idx)
}

// Merge drains the merge-queue bitmaps spanning the top levels,
// coalescing every pair whose both halves are still free. Idempotent and
// safe to call concurrently with Alloc/Free.
func (z *Zone) Merge() {
	boundary := z.levels - z.mergelevels
	for lvl := boundary; lvl < z.levels-1; lvl++ {
		mq := z.mergequeues[lvl-boundary]
		for _, idx := range mq.consumeset() {
			buddy := idx ^ 1
			if !z.bitmaps[lvl].isfree(idx) || !z.bitmaps[lvl].isfree(buddy) {
				continue
			}
			if !z.bitmaps[lvl].tryclearfree(buddy) {
				continue
			}
			if !z.bitmaps[lvl].tryclearfree(idx) {
				z.bitmaps[lvl].trysetfree(buddy)
				continue
			}
			parent := idx / 2
			z.bitmaps[lvl+1].trysetfree(parent)
			z.markmerge(lvl+1, parent)
		}
	}
}

// Size returns the zone's total managed range, including the reserved
// header and bitmap storage.
func (z *Zone) Size() int64 {
	return z.size
}

// Reserved returns the byte count permanently carved out for the header
// and bitmap storage, never handed out by Alloc.
func (z *Zone) Reserved() int64 {
	return z.reserved
}

// Utilization reports free bytes remaining at each level, the zone
// analogue of malloc's Arena.Utilization.
func (z *Zone) Utilization() map[int64]int64 {
	out := make(map[int64]int64, z.levels)
	for lvl := int64(0); lvl < z.levels; lvl++ {
		free := int64(0)
		bm := z.bitmaps[lvl]
		for i := int64(0); i < bm.nbits; i++ {
			if bm.isfree(i) {
				free++
			}
		}
		out[lvl] = free * blocksizeFor(z.minalloc, lvl)
	}
	return out
}
