// Package api carries the types and sentinel errors shared across the
// zone, epoch and heap packages, the way gostore's own api package carries
// Index/Iterator/Getter across llrb, bubt and bogn.
package api

import (
	s "github.com/bnclabs/gosettings"
)

// Settings is the configuration map threaded through Create/Open calls on
// every component, aliasing gosettings.Settings so callers can build
// configuration with that library directly.
type Settings = s.Settings

// GlobalPtr is the 64-bit opaque identifier handed out by a heap's Alloc:
// the high 16 bits name a shelf within the heap, the low 48 bits are a
// byte offset into that shelf. The zero value is the null pointer.
type GlobalPtr uint64

// NilPtr is the null GlobalPtr: shelf_index == 0 and offset == 0.
const NilPtr = GlobalPtr(0)

const shelfIndexShift = 48
const offsetMask = (uint64(1) << shelfIndexShift) - 1

// MakeGlobalPtr composes a GlobalPtr from a shelf index and byte offset.
// offset must fit in 48 bits; callers that violate this get silently
// truncated bits, same as the wire format they are packing.
func MakeGlobalPtr(shelfIndex uint16, offset uint64) GlobalPtr {
	return GlobalPtr((uint64(shelfIndex) << shelfIndexShift) | (offset & offsetMask))
}

// GetShelfIndex returns the shelf component of the pointer.
func (ptr GlobalPtr) GetShelfIndex() uint16 {
	return uint16(uint64(ptr) >> shelfIndexShift)
}

// GetOffset returns the offset component of the pointer.
func (ptr GlobalPtr) GetOffset() uint64 {
	return uint64(ptr) & offsetMask
}

// IsNil reports whether ptr is the null GlobalPtr.
func (ptr GlobalPtr) IsNil() bool {
	return ptr == NilPtr
}

// PoolId names a heap within the memory manager's namespace. heap.Create
// accepts any value; no range is checked or reserved.
type PoolId uint64

// ReservedPoolId is the pool-id cmd/nvmmheap uses when -pool is not
// given.
const ReservedPoolId = PoolId(1024)

// Permission is the POSIX file-mode bits a heap's backing shelf files
// carry, exposed through Heap.GetPermission/SetPermission. It is the
// same bit layout as os.FileMode's permission bits (the low 9 bits);
// kept as a distinct type rather than aliasing os.FileMode since a heap
// permission is never a directory/symlink/etc bit, only the mode.
type Permission uint32

// DefaultMode is the file mode new shelf files are created with when a
// caller does not specify one.
const DefaultMode = Permission(0660)
