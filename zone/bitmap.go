package zone

import (
	"sync/atomic"

	"github.com/bnclabs/nvmm/atomics"
	"github.com/bnclabs/nvmm/lib"
	"github.com/bnclabs/nvmm/log"
)

// freebitmap is one buddy level's free-bit array: bit i set means block i
// at this level is free. It is a thin, CAS-aware view over a byte range
// of a Region, the persistent analogue of freebits' in-memory []uint8
// bitmaps.
type freebitmap struct {
	region *atomics.Region
	offset int64 // byte offset of bit 0 within region
	nbits  int64
	nbytes int64
	cursor int64 // round-robin scan hint, not persistent
}

func newfreebitmap(region *atomics.Region, offset, nbits int64) *freebitmap {
	nbytes := nbits >> 3
	if nbits&0x7 != 0 {
		nbytes++
	}
	return &freebitmap{region: region, offset: offset, nbits: nbits, nbytes: nbytes}
}

func (fbm *freebitmap) byteoff(blockidx int64) (int64, uint8) {
	return fbm.offset + (blockidx >> 3), uint8(blockidx & 0x7)
}

// isfree is a racy point read, used only to decide whether a coalesce is
// worth attempting; the CAS that follows is what makes it safe.
func (fbm *freebitmap) isfree(blockidx int64) bool {
	off, bit := fbm.byteoff(blockidx)
	byt := fbm.region.LoadByte(off)
	return (byt & (1 << bit)) != 0
}

// persist flushes the byte at off so the bit CAS that just landed there
// survives a crash; a flush failure is logged, not propagated, since the
// in-memory bit is already correct and the next Persist of the same byte
// (the following split/free step, or Merge) will catch it up.
func (fbm *freebitmap) persist(off int64) {
	if err := fbm.region.Persist(off, 1); err != nil {
		log.Warnf("zone: bitmap persist failed offset=%v: %v", off, err)
	}
}

// trysetfree CAS-sets the bit for blockidx, persisting the byte before
// returning, and returns false if it was already set (caller raced with
// another free or a coalesce).
func (fbm *freebitmap) trysetfree(blockidx int64) bool {
	off, bit := fbm.byteoff(blockidx)
	for {
		byt := fbm.region.LoadByte(off)
		if (byt & (1 << bit)) != 0 {
			return false
		}
		newbyt := lib.Bit8(byt).Setbit(bit)
		if fbm.region.CASByte(off, byt, newbyt) {
			fbm.persist(off)
			return true
		}
	}
}

// tryclearfree CAS-clears the bit for blockidx, persisting the byte
// before returning, and returns false if it was already clear (caller
// lost a race to claim the same block).
func (fbm *freebitmap) tryclearfree(blockidx int64) bool {
	off, bit := fbm.byteoff(blockidx)
	for {
		byt := fbm.region.LoadByte(off)
		if (byt & (1 << bit)) == 0 {
			return false
		}
		newbyt := lib.Bit8(byt).Clearbit(bit)
		if fbm.region.CASByte(off, byt, newbyt) {
			fbm.persist(off)
			return true
		}
	}
}

// consumeset claims every currently-set bit it can win a CAS on and
// returns their indices. Used by Merge to drain a merge-queue bitmap,
// which is scanned exhaustively rather than cursor-seeded since Merge is
// an explicit, not-on-the-hot-path call.
func (fbm *freebitmap) consumeset() []int64 {
	var out []int64
	for byteidx := int64(0); byteidx < fbm.nbytes; byteidx++ {
		byt := fbm.region.LoadByte(fbm.offset + byteidx)
		for byt != 0 {
			bit := uint8(lib.Bit8(byt).Findfirstset())
			blockidx := (byteidx << 3) + int64(bit)
			if blockidx < fbm.nbits && fbm.tryclearfree(blockidx) {
				out = append(out, blockidx)
			}
			byt = lib.Bit8(byt).Clearbit(bit)
		}
	}
	return out
}

// scan looks for any free block starting from the round-robin cursor,
// claims it with a CAS and returns its index. It retries locally on a
// losing CAS (another allocator claimed the same bit first) and gives up
// only once a full pass finds nothing free.
func (fbm *freebitmap) scan() (int64, bool) {
	start := atomic.AddInt64(&fbm.cursor, 1) % fbm.nbytes
	for i := int64(0); i < fbm.nbytes; i++ {
		byteidx := (start + i) % fbm.nbytes
		byt := fbm.region.LoadByte(fbm.offset + byteidx)
		for byt != 0 {
			bit := uint8(lib.Bit8(byt).Findfirstset())
			blockidx := (byteidx << 3) + int64(bit)
			if blockidx >= fbm.nbits {
				break
			}
			if fbm.tryclearfree(blockidx) {
				return blockidx, true
			}
			// lost the race, re-read this byte and keep scanning it.
			byt = fbm.region.LoadByte(fbm.offset + byteidx)
		}
	}
	return -1, false
}
