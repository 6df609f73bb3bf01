package heap

import (
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"

	"github.com/bnclabs/nvmm/api"
	"github.com/bnclabs/nvmm/log"
)

// Resize grows the heap to at least newSize by appending shelves sized
// in successive powers of two, persisting the new shelf count with a
// single CAS on the heap header so concurrent readers never observe a
// torn update. It is a no-op, returning nil, when newSize is already
// covered.
func (h *Heap) Resize(newSize int64, setts api.Settings) error {
	if h.state != 1 {
		return fmt.Errorf("%v", api.HeapNotOpen)
	}
	if !h.lock.TryLock() {
		return fmt.Errorf("%v", api.HeapBusy)
	}
	defer h.lock.Unlock()

	current := h.Size()
	if newSize <= current {
		return nil
	}

	delta := nextPow2(newSize - current)
	for {
		count := h.shelfCount()
		if count >= h.maxShelves {
			return fmt.Errorf("%v", api.HeapResizeFailed)
		}
		nextIndex := uint16(count + 1)

		if err := h.createshelf(nextIndex, delta, setts); err != nil {
			return fmt.Errorf("%v: %w", api.HeapResizeFailed, err)
		}

		// shelf count and total size move together: a CAS128 across the
		// two adjacent header words, rather than a CAS64 on the count
		// followed by a separate store of the total, so a concurrent
		// reader of Size() never observes the new count with the old
		// total or vice versa.
		curTotal := h.headerRegion.AcquireLoad64(hhdrTotalSize)
		newTotal := uint64(current + delta)
		if !h.headerRegion.CAS128(hhdrShelfCount, uint64(count), curTotal, uint64(nextIndex), newTotal) {
			// lost a race with another handle's Resize: the shelf we
			// just formatted is orphaned, not the one the winner used.
			// Drop it and retry against whatever count the winner left.
			h.shelvesmu.Lock()
			s := h.shelves[len(h.shelves)-1]
			h.shelves = h.shelves[:len(h.shelves)-1]
			h.shelvesmu.Unlock()
			s.region.Close()
			os.Remove(s.path)
			continue
		}
		if err := h.headerRegion.Persist(hhdrShelfCount, 16); err != nil {
			return fmt.Errorf("%v: %w", api.HeapResizeFailed, err)
		}

		current += delta
		log.Infof(
			"heap: resized pool=%v shelf=%v added=%v total=%v",
			h.poolID, nextIndex, humanize.Bytes(uint64(delta)), humanize.Bytes(uint64(current)),
		)
		if current >= newSize {
			return nil
		}
		delta = nextPow2(newSize - current)
	}
}
