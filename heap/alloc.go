package heap

import (
	"fmt"

	"github.com/bnclabs/nvmm/api"
	"github.com/bnclabs/nvmm/epoch"
)

// EpochOp re-exports epoch.EpochOp as the scope type heap callers use,
// letting callers import only this package for the common case.
type EpochOp = epoch.EpochOp

// Enter begins an epoch scope against this heap's epoch manager. Every
// Free made through the returned scope is deferred until the scope's
// reported epoch has become globally quiescent; callers pair Enter with
// a deferred op.Exit().
func (h *Heap) Enter() (*EpochOp, error) {
	if h.state != 1 {
		return nil, fmt.Errorf("%v", api.HeapNotOpen)
	}
	return epoch.Enter(h.em)
}

// Alloc returns a GlobalPtr to a block of at least size bytes, trying
// shelves from the most recently added backward so newly grown capacity
// is preferred. It returns the null GlobalPtr when no shelf has room.
//
// Per spec.md §4.4's Resize-ordering rule, this first refreshes the
// shelf list against the persisted shelf count, so a shelf appended by
// another handle's (or another process's) Resize becomes visible here
// no later than the start of this call.
func (h *Heap) Alloc(size int64) (api.GlobalPtr, error) {
	if h.state != 1 {
		return api.NilPtr, fmt.Errorf("%v", api.HeapNotOpen)
	}
	if !h.lock.TryRLock() {
		return api.NilPtr, fmt.Errorf("%v", api.HeapBusy)
	}
	defer h.lock.RUnlock()
	if err := h.refreshShelves(); err != nil {
		return api.NilPtr, fmt.Errorf("%v: %w", api.HeapAllocFailed, err)
	}
	shelves := h.shelvesSnapshot()
	for i := len(shelves) - 1; i >= 0; i-- {
		s := shelves[i]
		if offset, ok := s.zone.Alloc(size); ok {
			return api.MakeGlobalPtr(s.index, uint64(offset)), nil
		}
	}
	return api.NilPtr, nil
}

// AllocOffset allocates from shelf index 1's address space directly,
// returning a raw offset rather than a GlobalPtr, for clients that treat
// the first shelf as a dedicated header region. Also refreshes the shelf
// list first, though shelf index 1 itself is never added by a Resize.
func (h *Heap) AllocOffset(size int64) (int64, bool, error) {
	if h.state != 1 {
		return 0, false, fmt.Errorf("%v", api.HeapNotOpen)
	}
	if !h.lock.TryRLock() {
		return 0, false, fmt.Errorf("%v", api.HeapBusy)
	}
	defer h.lock.RUnlock()
	if err := h.refreshShelves(); err != nil {
		return 0, false, fmt.Errorf("%v: %w", api.HeapAllocFailed, err)
	}
	shelves := h.shelvesSnapshot()
	if len(shelves) == 0 {
		return 0, false, nil
	}
	offset, ok := shelves[0].zone.Alloc(size)
	return offset, ok, nil
}

func (h *Heap) shelfByIndex(idx uint16) *shelfEntry {
	for _, s := range h.shelvesSnapshot() {
		if s.index == idx {
			return s
		}
	}
	return nil
}

// Free releases ptr immediately, without epoch protection. Use this only
// when the caller already knows no concurrent reader can be holding ptr.
func (h *Heap) Free(ptr api.GlobalPtr, size int64) error {
	if h.state != 1 {
		return fmt.Errorf("%v", api.HeapNotOpen)
	}
	if ptr.IsNil() {
		return fmt.Errorf("%v", api.InvalidPtr)
	}
	if !h.lock.TryRLock() {
		return fmt.Errorf("%v", api.HeapBusy)
	}
	defer h.lock.RUnlock()
	s := h.shelfByIndex(ptr.GetShelfIndex())
	if s == nil {
		return fmt.Errorf("%v", api.InvalidPtr)
	}
	s.zone.Free(int64(ptr.GetOffset()), size)
	return nil
}

// FreeScoped retires ptr into op's epoch scope instead of freeing it
// immediately; the underlying zone free happens only once the epoch
// manager determines ptr is no longer reachable by any participant.
func (h *Heap) FreeScoped(op *EpochOp, ptr api.GlobalPtr, size int64) error {
	if h.state != 1 {
		return fmt.Errorf("%v", api.HeapNotOpen)
	}
	if ptr.IsNil() {
		return fmt.Errorf("%v", api.InvalidPtr)
	}
	if !h.lock.TryRLock() {
		return fmt.Errorf("%v", api.HeapBusy)
	}
	defer h.lock.RUnlock()
	if h.shelfByIndex(ptr.GetShelfIndex()) == nil {
		return fmt.Errorf("%v", api.InvalidPtr)
	}
	op.Retire(ptr.GetShelfIndex(), int64(ptr.GetOffset()), size)
	return nil
}

// Merge invokes every shelf's zone Merge, draining deferred coalescing
// at the top levels across the whole heap.
func (h *Heap) Merge() {
	for _, s := range h.shelvesSnapshot() {
		s.zone.Merge()
	}
}
