// Package zone implements the per-shelf buddy allocator: a shelf's usable
// range is split into power-of-two blocks across levels 0..L, each level
// backed by a persistent free bitmap the way malloc's freebits tracks
// free chunks within a pool, except every bit flip here is a CAS through
// atomics.Region instead of a plain slice mutation, because the bitmap
// itself is the crash-recoverable state.
//
//  * Levels are indexed from 0 (block size == MinAlloc) upward; level i
//    covers blocks of size MinAlloc*2^i.
//  * alloc finds a free bit at the requested level or splits a larger
//    block down to it.
//  * free sets the bit back, coalescing immediately for every level
//    except the top three, which are only marked in a merge-queue bitmap
//    and coalesced lazily by Merge.
//  * Zone exported methods are safe for concurrent callers sharing the
//    same mapped Region, in or across processes; the only synchronization
//    primitive used is CAS on the bitmap bytes.
package zone
