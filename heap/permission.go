package heap

import (
	"fmt"
	"os"

	"github.com/bnclabs/nvmm/api"
)

// GetPermission returns the file mode new shelf files are created with.
// It reflects the persisted heap header, not the actual mode bits of any
// individual backing file on disk (those only change on the next
// SetPermission or shelf creation).
func (h *Heap) GetPermission() (api.Permission, error) {
	if h.state != 1 {
		return 0, fmt.Errorf("%v", api.HeapNotOpen)
	}
	return api.Permission(h.headerRegion.AcquireLoad64(hhdrMode)), nil
}

// SetPermission chmods every existing shelf file to mode and persists
// mode in the heap header so shelves added by a later Resize inherit it
// too. It affects only new opens of those files, never mappings already
// held open by this or any other process, matching the component D
// permissions contract.
func (h *Heap) SetPermission(mode api.Permission) error {
	if h.state != 1 {
		return fmt.Errorf("%v", api.HeapNotOpen)
	}
	if !h.lock.TryLock() {
		return fmt.Errorf("%v", api.HeapBusy)
	}
	defer h.lock.Unlock()

	for _, s := range h.shelvesSnapshot() {
		if err := os.Chmod(s.path, os.FileMode(mode)); err != nil {
			return fmt.Errorf("%v: %w", api.HeapSetPermissionFailed, err)
		}
	}
	h.mode = mode
	h.headerRegion.ReleaseStore64(hhdrMode, uint64(mode))
	if err := h.headerRegion.Persist(hhdrMode, 8); err != nil {
		return fmt.Errorf("%v: %w", api.HeapSetPermissionFailed, err)
	}
	return nil
}
