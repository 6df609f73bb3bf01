package epoch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/bnclabs/nvmm/atomics"
)

func TestRetireReclaimedAfterEpochsAdvance(t *testing.T) {
	path := filepath.Join(os.TempDir(), "nvmm_epoch_retire_test.shelf")
	os.Remove(path)
	region, err := atomics.CreateRegion(path, 1<<16)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	defer func() {
		region.Close()
		os.Remove(path)
	}()

	em, err := Create(region, 0, 4)
	if err != nil {
		t.Fatalf("epoch.Create: %v", err)
	}
	defer em.Close()

	var mu sync.Mutex
	var reclaimed []int64

	em.SetReclaimer(func(shelfIndex uint16, offset, size int64) {
		mu.Lock()
		reclaimed = append(reclaimed, offset)
		mu.Unlock()
	})

	op, err := Enter(em)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	op.Retire(0, 4096, 128)
	op.Exit()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(reclaimed)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected retired block to be reclaimed once the epoch advanced past it")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reclaimed) != 1 || reclaimed[0] != 4096 {
		t.Errorf("expected exactly one reclaim of offset 4096, got %v", reclaimed)
	}
}

func TestRetireBagSurvivorsKeptUntilThreshold(t *testing.T) {
	bag := newRetireBag()
	var reclaimed []int64
	bag.reclaim = func(shelfIndex uint16, offset, size int64) {
		reclaimed = append(reclaimed, offset)
	}

	bag.head = nil
	entryOld := &retireEntry{epoch: 1, offset: 10}
	entryNew := &retireEntry{epoch: 100, offset: 20}
	for _, e := range []*retireEntry{entryOld, entryNew} {
		e.next = bag.head
		bag.head = unsafe.Pointer(e)
	}

	bag.reclaimBelow(50)

	if len(reclaimed) != 1 || reclaimed[0] != 10 {
		t.Fatalf("expected only the old entry to be reclaimed, got %v", reclaimed)
	}

	var remaining []int64
	for e := (*retireEntry)(bag.head); e != nil; e = (*retireEntry)(e.next) {
		remaining = append(remaining, e.offset)
	}
	if len(remaining) != 1 || remaining[0] != 20 {
		t.Fatalf("expected the newer entry to survive in the bag, got %v", remaining)
	}
}
