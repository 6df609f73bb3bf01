// Package heap implements the epoch-zone heap: a named, growable,
// multi-shelf allocation namespace that routes Alloc/Free across zone
// allocators (package zone) and integrates deferred frees with an epoch
// manager (package epoch), the way bogn orchestrates llrb memstores and
// bubt disk levels into one logical index.
//
// A Heap is created once, opened by any number of local handles, and
// destroyed when no local handle has it open. Resize appends shelves
// without disturbing existing ones; Merge sweeps every shelf's deferred
// coalescing queue; GetPermission/SetPermission manage the backing
// files' mode bits.
package heap
