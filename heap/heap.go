package heap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	humanize "github.com/dustin/go-humanize"

	"github.com/bnclabs/nvmm/api"
	"github.com/bnclabs/nvmm/atomics"
	"github.com/bnclabs/nvmm/epoch"
	"github.com/bnclabs/nvmm/flock"
	"github.com/bnclabs/nvmm/log"
	"github.com/bnclabs/nvmm/zone"
)

// heap header layout, persisted in <root>/<pool_id>.header.
const (
	hhdrMagic      = 0
	hhdrVersion    = 8
	hhdrPoolID     = 16
	hhdrMinAlloc   = 24
	hhdrMode       = 32
	hhdrShelfCount = 40
	hhdrTotalSize  = 48
	hhdrHeaderSize = int64(64)
)

const heapMagic = uint64(0x4e564d4d5348454c) // "NVMMSHEL", matches the shelf-file magic in SPEC_FULL §3
const heapFormatVersion = uint64(1)

// defaultMaxShelves bounds the shelf-index space to what fits in
// GlobalPtr's 16-bit shelf index, shelf 0 reserved. Overridable per heap
// via Settings["heap.maxshelves"], mainly so tests can exercise the
// ceiling without actually creating 65535 backing files.
const defaultMaxShelves = int64(^uint16(0))

type shelfEntry struct {
	index  uint16
	path   string
	region *atomics.Region
	zone   *zone.Zone
}

// Heap is a multi-shelf, growable, crash-consistent allocation namespace
// named by a PoolId, the allocator-package analogue of Bogn.
type Heap struct {
	root     string
	poolID   api.PoolId
	minAlloc int64
	mode     api.Permission

	headerPath   string
	headerRegion *atomics.Region

	epochPath string
	em        *epoch.Manager

	lockPath string
	lock     *flock.RWMutex

	shelvesmu sync.RWMutex
	shelves   []*shelfEntry // shelves[0] holds shelf index 1 (shelf 0 is reserved), shelves[i] holds shelf index i+1
	state     int32         // 0 uninit, 1 opened, 2 closed
	maxShelves int64

	key string // local open-handle registry key
}

func maxShelvesFrom(setts api.Settings) int64 {
	if setts != nil {
		if v, ok := setts["heap.maxshelves"]; ok {
			return settingsInt64(v, defaultMaxShelves)
		}
	}
	return defaultMaxShelves
}

func settingsInt64(v interface{}, dflt int64) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return dflt
}

func headerPath(root string, poolID api.PoolId) string {
	return filepath.Join(root, fmt.Sprintf("%d.header", uint64(poolID)))
}

func shelfPath(root string, poolID api.PoolId, shelfIndex uint16) string {
	return filepath.Join(root, fmt.Sprintf("%d.%d.shelf", uint64(poolID), shelfIndex))
}

func epochPath(root string, poolID api.PoolId) string {
	return filepath.Join(root, fmt.Sprintf("%d.epoch.shelf", uint64(poolID)))
}

func lockPath(root string, poolID api.PoolId) string {
	return filepath.Join(root, fmt.Sprintf("%d.lock", uint64(poolID)))
}

func nextPow2(v int64) int64 {
	if v <= 1 {
		return 1
	}
	p := int64(1)
	for p < v {
		p <<= 1
	}
	return p
}

// Create formats a brand-new heap under root: one heap header, one
// initial shelf sized to the smallest power of two at least size and at
// least 64 minimum-allocation units, one epoch shelf, and the lock file
// the busy guard uses.
func Create(root string, poolID api.PoolId, size, minAlloc int64, mode api.Permission, setts api.Settings) (*Heap, error) {
	if minAlloc < api.MinAllocSize || minAlloc&(minAlloc-1) != 0 {
		return nil, fmt.Errorf("%v: min_alloc must be a power of two >= %v bytes", api.InvalidArguments, api.MinAllocSize)
	}
	if err := os.MkdirAll(root, 0770); err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}

	shelfSize := nextPow2(size)
	for shelfSize < minAlloc*64 {
		shelfSize <<= 1
	}

	h := &Heap{
		root: root, poolID: poolID, minAlloc: minAlloc, mode: mode,
		headerPath: headerPath(root, poolID),
		epochPath:  epochPath(root, poolID),
		lockPath:   lockPath(root, poolID),
		key:        heapkey(root, uint64(poolID)),
		maxShelves: maxShelvesFrom(setts),
	}

	hregion, err := atomics.CreateRegion(h.headerPath, hhdrHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}
	h.headerRegion = hregion
	h.headerRegion.ReleaseStore64(hhdrVersion, heapFormatVersion)
	h.headerRegion.ReleaseStore64(hhdrPoolID, uint64(poolID))
	h.headerRegion.ReleaseStore64(hhdrMinAlloc, uint64(minAlloc))
	h.headerRegion.ReleaseStore64(hhdrMode, uint64(mode))
	h.headerRegion.ReleaseStore64(hhdrShelfCount, 1)
	h.headerRegion.ReleaseStore64(hhdrTotalSize, uint64(shelfSize))
	if err := h.headerRegion.Persist(0, hhdrHeaderSize); err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}
	h.headerRegion.ReleaseStore64(hhdrMagic, heapMagic)
	if err := h.headerRegion.Persist(hhdrMagic, 8); err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}

	if err := h.createshelf(1, shelfSize, setts); err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}

	eregion, err := atomics.CreateRegion(h.epochPath, 1<<20)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}
	em, err := epoch.Create(eregion, 0, 256)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}
	h.em = em
	em.SetReclaimer(h.reclaim)

	lock, err := flock.New(h.lockPath)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapCreateFailed, err)
	}
	h.lock = lock

	log.Infof(
		"heap: created pool=%v root=%q shelf_size=%v min_alloc=%v",
		poolID, root, humanize.Bytes(uint64(shelfSize)), humanize.Bytes(uint64(minAlloc)),
	)

	h.state = 1
	markopen(h.key)
	return h, nil
}

func (h *Heap) createshelf(index uint16, size int64, setts api.Settings) error {
	path := shelfPath(h.root, h.poolID, index)
	region, err := atomics.CreateRegion(path, size)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, os.FileMode(h.mode)); err != nil {
		region.Close()
		return err
	}
	z, err := zone.Create(region, 0, size, h.minAlloc, setts)
	if err != nil {
		region.Close()
		return err
	}
	h.shelvesmu.Lock()
	h.shelves = append(h.shelves, &shelfEntry{index: index, path: path, region: region, zone: z})
	h.shelvesmu.Unlock()
	return nil
}

// refreshShelves maps any shelf appended by another handle's Resize (in
// this process or, via the shared backing files, another one) that this
// handle has not yet opened. Called at the start of every Alloc/
// AllocOffset per the shelf-list-visibility contract: a handle that has
// not refreshed only allocates from the shelves it already knows about,
// which is sound because a new shelf only adds capacity.
func (h *Heap) refreshShelves() error {
	target := h.shelfCount()

	h.shelvesmu.RLock()
	have := int64(len(h.shelves))
	h.shelvesmu.RUnlock()
	if have >= target {
		return nil
	}

	h.shelvesmu.Lock()
	defer h.shelvesmu.Unlock()
	for i := int64(len(h.shelves)) + 1; i <= target; i++ {
		path := shelfPath(h.root, h.poolID, uint16(i))
		region, err := atomics.OpenRegion(path)
		if err != nil {
			return fmt.Errorf("%v: %w", api.HeapOpenFailed, err)
		}
		z, err := zone.Open(region, 0)
		if err != nil {
			region.Close()
			return fmt.Errorf("%v: %w", api.HeapOpenFailed, err)
		}
		h.shelves = append(h.shelves, &shelfEntry{index: uint16(i), path: path, region: region, zone: z})
		log.Infof("heap: pool=%v refreshed shelf=%v into handle", h.poolID, i)
	}
	return nil
}

// shelvesSnapshot returns the current shelf slice under the shelf-list
// lock; the returned slice itself is safe to range over lock-free since
// shelves are append-only and existing entries are never mutated.
func (h *Heap) shelvesSnapshot() []*shelfEntry {
	h.shelvesmu.RLock()
	defer h.shelvesmu.RUnlock()
	return h.shelves
}

// Open maps every shelf named by the persisted shelf count, registers
// their atomic regions, and resumes the epoch manager.
func Open(root string, poolID api.PoolId, setts api.Settings) (*Heap, error) {
	h := &Heap{
		root: root, poolID: poolID,
		headerPath: headerPath(root, poolID),
		epochPath:  epochPath(root, poolID),
		lockPath:   lockPath(root, poolID),
		key:        heapkey(root, uint64(poolID)),
		maxShelves: maxShelvesFrom(setts),
	}

	hregion, err := atomics.OpenRegion(h.headerPath)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapOpenFailed, err)
	}
	h.headerRegion = hregion
	if hregion.AcquireLoad64(hhdrMagic) != heapMagic {
		hregion.Close()
		return nil, fmt.Errorf("%v: bad heap header magic", api.HeapOpenFailed)
	}
	h.minAlloc = int64(hregion.AcquireLoad64(hhdrMinAlloc))
	h.mode = api.Permission(hregion.AcquireLoad64(hhdrMode))
	shelfCount := hregion.AcquireLoad64(hhdrShelfCount)

	for i := uint64(1); i <= shelfCount; i++ {
		path := shelfPath(root, poolID, uint16(i))
		region, err := atomics.OpenRegion(path)
		if err != nil {
			h.closeshelves()
			hregion.Close()
			return nil, fmt.Errorf("%v: %w", api.HeapOpenFailed, err)
		}
		z, err := zone.Open(region, 0)
		if err != nil {
			region.Close()
			h.closeshelves()
			hregion.Close()
			return nil, fmt.Errorf("%v: %w", api.HeapOpenFailed, err)
		}
		h.shelves = append(h.shelves, &shelfEntry{index: uint16(i), path: path, region: region, zone: z})
	}

	eregion, err := atomics.OpenRegion(h.epochPath)
	if err != nil {
		h.closeshelves()
		hregion.Close()
		return nil, fmt.Errorf("%v: %w", api.HeapOpenFailed, err)
	}
	em, err := epoch.Open(eregion, 0)
	if err != nil {
		eregion.Close()
		h.closeshelves()
		hregion.Close()
		return nil, fmt.Errorf("%v: %w", api.HeapOpenFailed, err)
	}
	h.em = em
	em.SetReclaimer(h.reclaim)

	lock, err := flock.New(h.lockPath)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", api.HeapOpenFailed, err)
	}
	h.lock = lock

	h.state = 1
	markopen(h.key)
	log.Infof(
		"heap: opened pool=%v root=%q shelves=%v total_size=%v",
		poolID, root, shelfCount, humanize.Bytes(uint64(h.Size())),
	)
	return h, nil
}

func (h *Heap) closeshelves() {
	h.shelvesmu.Lock()
	defer h.shelvesmu.Unlock()
	for _, s := range h.shelves {
		s.region.Close()
	}
	h.shelves = nil
}

// reclaim is the epoch manager's callback, invoked once a retired block
// is globally quiescent; it performs the actual zone free.
func (h *Heap) reclaim(shelfIndex uint16, offset, size int64) {
	for _, s := range h.shelvesSnapshot() {
		if s.index == shelfIndex {
			s.zone.Free(offset, size)
			return
		}
	}
	log.Warnf("heap: reclaim referenced unknown shelf %v", shelfIndex)
}

// Close releases this handle: stops the epoch advancer, unmaps every
// shelf and the header, and decrements the local open-handle count.
func (h *Heap) Close() error {
	if h.state != 1 {
		return fmt.Errorf("%v", api.HeapNotOpen)
	}
	h.em.Close()
	h.closeshelves()
	h.headerRegion.Close()
	h.state = 2
	markclosed(h.key)
	log.Infof("heap: closed pool=%v root=%q", h.poolID, h.root)
	return nil
}

// Destroy removes every backing file for this heap. Fails with
// HeapIsOpen if any local handle is currently open, per the heap state
// machine; a remote process's open handle is not locally observable and
// will simply see I/O errors on its next access.
func Destroy(root string, poolID api.PoolId) error {
	key := heapkey(root, uint64(poolID))
	if isopen(key) {
		return fmt.Errorf("%v", api.HeapIsOpen)
	}

	hpath := headerPath(root, poolID)
	hregion, err := atomics.OpenRegion(hpath)
	if err != nil {
		return fmt.Errorf("%v: %w", api.HeapDestroyFailed, err)
	}
	shelfCount := hregion.AcquireLoad64(hhdrShelfCount)
	hregion.Close()

	for i := uint64(1); i <= shelfCount; i++ {
		os.Remove(shelfPath(root, poolID, uint16(i)))
	}
	os.Remove(epochPath(root, poolID))
	os.Remove(lockPath(root, poolID))
	os.Remove(hpath)

	log.Infof("heap: destroyed pool=%v root=%q", poolID, root)
	return nil
}

// Size returns the sum of every shelf's size.
func (h *Heap) Size() int64 {
	return int64(h.headerRegion.AcquireLoad64(hhdrTotalSize))
}

func (h *Heap) shelfCount() int64 {
	return int64(h.headerRegion.AcquireLoad64(hhdrShelfCount))
}
