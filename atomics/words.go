package atomics

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

func (r *Region) ptr32(offset int64) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[offset]))
}

func (r *Region) ptr64(offset int64) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[offset]))
}

// CAS32 compare-and-swaps the 32-bit word at offset.
func (r *Region) CAS32(offset int64, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(r.ptr32(offset), old, new)
}

// CAS64 compare-and-swaps the 64-bit word at offset.
func (r *Region) CAS64(offset int64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(r.ptr64(offset), old, new)
}

// FetchAdd32 adds delta to the 32-bit word at offset and returns the
// previous value.
func (r *Region) FetchAdd32(offset int64, delta int32) uint32 {
	return atomic.AddUint32(r.ptr32(offset), uint32(delta)) - uint32(delta)
}

// FetchAdd64 adds delta to the 64-bit word at offset and returns the
// previous value.
func (r *Region) FetchAdd64(offset int64, delta int64) uint64 {
	return atomic.AddUint64(r.ptr64(offset), uint64(delta)) - uint64(delta)
}

// Swap32 stores new at offset and returns the previous value.
func (r *Region) Swap32(offset int64, new uint32) uint32 {
	return atomic.SwapUint32(r.ptr32(offset), new)
}

// Swap64 stores new at offset and returns the previous value.
func (r *Region) Swap64(offset int64, new uint64) uint64 {
	return atomic.SwapUint64(r.ptr64(offset), new)
}

// AcquireLoad32 reads the 32-bit word at offset with acquire semantics.
func (r *Region) AcquireLoad32(offset int64) uint32 {
	return atomic.LoadUint32(r.ptr32(offset))
}

// AcquireLoad64 reads the 64-bit word at offset with acquire semantics.
func (r *Region) AcquireLoad64(offset int64) uint64 {
	return atomic.LoadUint64(r.ptr64(offset))
}

// ReleaseStore32 writes the 32-bit word at offset with release semantics.
func (r *Region) ReleaseStore32(offset int64, val uint32) {
	atomic.StoreUint32(r.ptr32(offset), val)
}

// ReleaseStore64 writes the 64-bit word at offset with release semantics.
func (r *Region) ReleaseStore64(offset int64, val uint64) {
	atomic.StoreUint64(r.ptr64(offset), val)
}

// byteWordOffset returns the 4-byte-aligned offset containing offset, and
// the byte's position within that word.
func byteWordOffset(offset int64) (int64, uint) {
	word := offset &^ 3
	shift := uint(offset-word) * 8
	return word, shift
}

// LoadByte reads a single byte. Not linearizable with concurrent CASByte
// callers across the same word; use only where a racy read is acceptable
// (e.g. a scan that re-validates with CASByte before committing).
func (r *Region) LoadByte(offset int64) byte {
	word, shift := byteWordOffset(offset)
	return byte(r.AcquireLoad32(word) >> shift)
}

// StoreByte writes a single byte directly, for use only during Create
// before the region is visible to any other goroutine or process.
func (r *Region) StoreByte(offset int64, val byte) {
	word, shift := byteWordOffset(offset)
	for {
		old := r.AcquireLoad32(word)
		new := (old &^ (0xff << shift)) | (uint32(val) << shift)
		if r.CAS32(word, old, new) {
			return
		}
	}
}

// CASByte compare-and-swaps a single byte within its containing 4-byte
// word, giving the zone allocator's per-level bitmaps byte-granularity
// CAS without a native sub-word atomic instruction.
func (r *Region) CASByte(offset int64, old, new byte) bool {
	word, shift := byteWordOffset(offset)
	for {
		oldword := r.AcquireLoad32(word)
		if byte(oldword>>shift) != old {
			return false
		}
		newword := (oldword &^ (0xff << shift)) | (uint32(new) << shift)
		if r.CAS32(word, oldword, newword) {
			return true
		}
	}
}

// stripe of mutexes approximating a 128-bit CAS: the allocator only needs
// this for the rare two-word header updates (e.g. shelf-count + total-size
// together), never on the hot per-bit alloc/free path.
const cas128Stripes = 64

var cas128Locks [cas128Stripes]sync.Mutex

func cas128Lock(offset int64) *sync.Mutex {
	return &cas128Locks[(offset/8)%cas128Stripes]
}

// CAS128 compare-and-swaps the 128-bit value occupying [offset,offset+16)
// as two consecutive 64-bit words, guarded by a striped lock rather than a
// hardware CMPXCHG16B.
func (r *Region) CAS128(offset int64, oldLo, oldHi, newLo, newHi uint64) bool {
	lock := cas128Lock(offset)
	lock.Lock()
	defer lock.Unlock()
	if r.AcquireLoad64(offset) != oldLo || r.AcquireLoad64(offset+8) != oldHi {
		return false
	}
	r.ReleaseStore64(offset, newLo)
	r.ReleaseStore64(offset+8, newHi)
	return true
}

// AtomicRead128 reads the 128-bit value occupying [offset,offset+16) under
// the same stripe CAS128 uses, so a reader never observes a torn write
// from a concurrent CAS128/AtomicWrite128 on the same pair of words.
func (r *Region) AtomicRead128(offset int64) (lo, hi uint64) {
	lock := cas128Lock(offset)
	lock.Lock()
	defer lock.Unlock()
	return r.AcquireLoad64(offset), r.AcquireLoad64(offset + 8)
}

// AtomicWrite128 unconditionally stores a 128-bit value at
// [offset,offset+16), under the same stripe CAS128 uses.
func (r *Region) AtomicWrite128(offset int64, lo, hi uint64) {
	lock := cas128Lock(offset)
	lock.Lock()
	defer lock.Unlock()
	r.ReleaseStore64(offset, lo)
	r.ReleaseStore64(offset+8, hi)
}
