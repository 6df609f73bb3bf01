package epoch

import (
	"fmt"
	"sync/atomic"

	"github.com/bnclabs/nvmm/api"
)

// claimslot picks a free participant slot for this process. slotclaimed
// tracks claims locally; the persisted reported-epoch word in the shelf
// itself is what a reader in another process actually relies on to
// compute the minimum.
func (em *Manager) claimslot() (int64, error) {
	for i := int64(0); i < em.maxslots; i++ {
		if atomic.CompareAndSwapInt64(&em.slotclaimed[i], 0, 1) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%v: no free epoch participant slot", api.OutOfMemory)
}

func (em *Manager) releaseslot(slot int64) {
	em.region.ReleaseStore64(slotOffset(em.base, slot), idleSlot)
	atomic.StoreInt64(&em.slotclaimed[slot], 0)
}

// EpochOp is one participant's scope: a goroutine holding an EpochOp is
// guaranteed that every block retired at or after the epoch it reported
// will not be reclaimed until it exits. Callers pair Enter with a
// deferred Exit, the same bracket discipline bogn's callers use around a
// snapshot reference.
type EpochOp struct {
	em   *Manager
	slot int64
}

// Enter claims a participant slot, reports the current global epoch into
// it, and returns the scope handle. Enter never blocks: a full slot table
// returns an error rather than waiting. The slot count is fixed when the
// epoch shelf is created (heap.Create uses 256).
func Enter(em *Manager) (*EpochOp, error) {
	slot, err := em.claimslot()
	if err != nil {
		return nil, err
	}
	ep := em.globalEpoch()
	em.region.ReleaseStore64(slotOffset(em.base, slot), ep)
	return &EpochOp{em: em, slot: slot}, nil
}

// ReportedEpoch returns the epoch this participant reported on Enter.
func (op *EpochOp) ReportedEpoch() uint64 {
	return op.em.region.AcquireLoad64(slotOffset(op.em.base, op.slot))
}

// Exit releases the participant slot, after which the reclaimed epoch may
// advance past whatever this participant reported.
func (op *EpochOp) Exit() {
	op.em.releaseslot(op.slot)
}

// minReported scans every claimed slot and returns the oldest reported
// epoch still active, or the current global epoch if no slot is claimed
// (nothing is holding anything back).
func (em *Manager) minReported() uint64 {
	min := em.globalEpoch()
	for i := int64(0); i < em.maxslots; i++ {
		v := em.region.AcquireLoad64(slotOffset(em.base, i))
		if v == idleSlot {
			continue
		}
		if v < min {
			min = v
		}
	}
	return min
}
