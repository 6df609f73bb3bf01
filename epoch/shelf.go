package epoch

import (
	"fmt"

	"github.com/bnclabs/nvmm/api"
	"github.com/bnclabs/nvmm/atomics"
)

// shelf header layout, mirroring epoch_shelf.cc: every field except the
// magic is written first, the magic itself written last so a half-built
// shelf is never mistaken for a valid one on reopen.
const (
	hdrMagic     = 0
	hdrVersion   = 8
	hdrMaxSlots  = 16
	hdrGlobal    = 24 // global epoch counter, 64-bit word
	hdrSlotsBase = 64 // start of the participant slot array
)

const magic = uint64(0x4e564d4d455048) // "NVMMEPH"
const formatVersion = uint64(1)

// slotSize is one participant's reported-epoch word plus padding to a
// cacheline, the same spacing fam_atomic gives its per-core counters so
// concurrent slots never false-share a cacheline.
const slotSize = int64(64)

// idleSlot is the reported-epoch value a participant slot holds when no
// participant has it claimed.
const idleSlot = ^uint64(0)

// Manager is a mapped epoch shelf: the global epoch counter plus a fixed
// array of participant slots, built directly atop a Region the way the
// zone package's header sits atop the same primitive.
type Manager struct {
	region   *atomics.Region
	base     int64
	maxslots int64

	advancer    *advancer
	bags        []*RetireBag // one per maxslots, see retirebag.go
	slotclaimed []int64      // 0 unclaimed, 1 claimed; indexed by slot, process-local
}

func slotOffset(base int64, slot int64) int64 {
	return base + hdrSlotsBase + slot*slotSize
}

// Create formats a fresh epoch shelf able to host up to maxslots
// concurrent participants, and starts its background advancer.
func Create(region *atomics.Region, base int64, maxslots int64) (*Manager, error) {
	em := &Manager{region: region, base: base, maxslots: maxslots}

	em.region.ReleaseStore64(em.base+hdrVersion, formatVersion)
	em.region.ReleaseStore64(em.base+hdrMaxSlots, uint64(maxslots))
	em.region.ReleaseStore64(em.base+hdrGlobal, 1) // epoch 0 is never current, matches the original's reserved epoch

	em.bags = make([]*RetireBag, maxslots)
	em.slotclaimed = make([]int64, maxslots)
	for i := int64(0); i < maxslots; i++ {
		em.region.ReleaseStore64(slotOffset(em.base, i), idleSlot)
		em.bags[i] = newRetireBag()
	}

	required := hdrSlotsBase + maxslots*slotSize
	if err := em.region.Persist(em.base, required); err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}

	// write the magic last: a crash between here and the stores above
	// leaves a shelf Open will reject, not a half-initialized one it
	// would accept.
	em.region.ReleaseStore64(em.base+hdrMagic, magic)
	if err := em.region.Persist(em.base+hdrMagic, 8); err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}

	em.advancer = startAdvancer(em)
	return em, nil
}

// Open maps an already-formatted epoch shelf and resumes its advancer.
func Open(region *atomics.Region, base int64) (*Manager, error) {
	got := region.AcquireLoad64(base + hdrMagic)
	if got != magic {
		return nil, fmt.Errorf("%v: epoch shelf at offset %v", api.HeapOpenFailed, base)
	}
	em := &Manager{
		region:   region,
		base:     base,
		maxslots: int64(region.AcquireLoad64(base + hdrMaxSlots)),
	}
	em.bags = make([]*RetireBag, em.maxslots)
	em.slotclaimed = make([]int64, em.maxslots)
	for i := range em.bags {
		em.bags[i] = newRetireBag()
	}
	em.advancer = startAdvancer(em)
	return em, nil
}

// Close stops the background advancer. It does not unmap the underlying
// region; callers close that separately once every component sharing it
// is done.
func (em *Manager) Close() error {
	em.advancer.stop()
	return nil
}

// Destroy clears the magic so a stale shelf is never mistaken for a live
// one, mirroring the zero-then-remove posture of the shelf-file destroy
// path elsewhere in this module.
func Destroy(region *atomics.Region, base int64) error {
	region.ReleaseStore64(base+hdrMagic, 0)
	return region.Persist(base, 8)
}

// globalEpoch reads the current global epoch.
func (em *Manager) globalEpoch() uint64 {
	return em.region.AcquireLoad64(em.base + hdrGlobal)
}
