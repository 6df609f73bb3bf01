package epoch

import (
	"sync/atomic"
	"unsafe"

	"github.com/bnclabs/nvmm/log"
)

// ReclaimFunc frees one retired block for good. A Manager's owner
// registers one so epoch never imports zone directly; the callback
// closes back over whichever zone or heap owns the shelf named by
// shelfIndex.
type ReclaimFunc func(shelfIndex uint16, offset, size int64)

type retireEntry struct {
	epoch      uint64
	shelfIndex uint16
	offset     int64
	size       int64
	next       unsafe.Pointer // *retireEntry
}

// RetireBag is a lock-free, Treiber-stack-style list of blocks retired
// through one participant slot, each entry tagged with its own epoch,
// linked with an atomic *retireEntry next pointer the
// same way snapshot.go chains generations together.
type RetireBag struct {
	head    unsafe.Pointer // *retireEntry
	reclaim ReclaimFunc
}

func newRetireBag() *RetireBag {
	return &RetireBag{}
}

// SetReclaimer installs the callback used to actually free a block once
// it is safe to do so. Must be called before any Retire on the owning
// Manager's participants.
func (em *Manager) SetReclaimer(fn ReclaimFunc) {
	for _, bag := range em.bags {
		bag.reclaim = fn
	}
}

// Retire hands offset/size in shelfIndex to this participant's retire
// bag, tagged with the epoch it reported on Enter. The block is not
// actually freed until the global epoch has advanced far enough past
// that tag for every other participant to have moved on.
func (op *EpochOp) Retire(shelfIndex uint16, offset, size int64) {
	bag := op.em.bags[op.slot]
	entry := &retireEntry{epoch: op.ReportedEpoch(), shelfIndex: shelfIndex, offset: offset, size: size}
	for {
		old := atomic.LoadPointer(&bag.head)
		entry.next = old
		if atomic.CompareAndSwapPointer(&bag.head, old, unsafe.Pointer(entry)) {
			return
		}
	}
}

// reclaimBelow claims the entire bag, partitions it by epoch against
// threshold, invokes the reclaim callback for every entry older than
// threshold, and pushes the rest back.
func (bag *RetireBag) reclaimBelow(threshold uint64) {
	head := (*retireEntry)(atomic.SwapPointer(&bag.head, nil))
	if head == nil {
		return
	}

	var survivors *retireEntry
	for e := head; e != nil; {
		next := (*retireEntry)(e.next)
		if e.epoch < threshold {
			if bag.reclaim != nil {
				bag.reclaim(e.shelfIndex, e.offset, e.size)
			} else {
				log.Warnf("epoch: retire bag drained with no reclaimer registered, leaking shelf=%v offset=%v", e.shelfIndex, e.offset)
			}
		} else {
			e.next = unsafe.Pointer(survivors)
			survivors = e
		}
		e = next
	}

	for survivors != nil {
		rest := (*retireEntry)(survivors.next)
		for {
			old := atomic.LoadPointer(&bag.head)
			survivors.next = old
			if atomic.CompareAndSwapPointer(&bag.head, old, unsafe.Pointer(survivors)) {
				break
			}
		}
		survivors = rest
	}
}
