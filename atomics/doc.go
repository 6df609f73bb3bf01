// Package atomics wraps the fabric-attached-memory atomic primitives the
// rest of nvmm builds on: a Region is a memory-mapped backing file, and
// every persistent word inside it is read, written and compare-and-swapped
// through this package so that no other package reaches for sync/atomic
// directly on mapped memory.
//
//  * CreateRegion/OpenRegion and Region.Close follow the same
//    open-stat-mmap sequence the rest of the retrieval pack uses for its
//    own memory-mapped files.
//  * CAS32/64, FetchAdd32/64 and Swap32/64 operate on a byte offset into
//    the region, not a Go pointer, because the caller only ever persists
//    a GlobalPtr-relative offset.
//  * Persist flushes a byte range with msync(MS_SYNC); callers must call
//    it after any store a concurrent reader or a crash-recovery path
//    depends on seeing durably.
//  * CAS128 is approximated with a small stripe of mutexes: true 128-bit
//    compare-and-swap needs CMPXCHG16B support this package does not
//    assume, and the allocator only ever needs it for the rare two-word
//    header updates, not the hot bitmap path. AtomicRead128/
//    AtomicWrite128 share the same stripe so a plain read or write of a
//    two-word field can never observe or produce a value torn by a
//    concurrent CAS128 on the same offset.
package atomics
