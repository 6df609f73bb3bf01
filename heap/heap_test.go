package heap

import (
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bnclabs/nvmm/api"
)

func newtestroot(t *testing.T) string {
	root, err := os.MkdirTemp("", "nvmm_heap_test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	return root
}

// Create rejects a minAlloc below the cache-line floor, and one that
// isn't a power of two.
func TestHeapCreateRejectsSmallMinAlloc(t *testing.T) {
	root := newtestroot(t)
	if _, err := Create(root, 100, 1<<20, 32, api.DefaultMode, nil); err == nil {
		t.Fatalf("expected Create to reject minAlloc below %v", api.MinAllocSize)
	}
	if _, err := Create(root, 101, 1<<20, 96, api.DefaultMode, nil); err == nil {
		t.Fatalf("expected Create to reject a non-power-of-two minAlloc")
	}
}

// scenario 1: immediate free.
func TestHeapImmediateFree(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 1, 128<<20, 128, api.DefaultMode, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	p1, err := h.Alloc(4)
	if err != nil || p1.IsNil() {
		t.Fatalf("Alloc: %v %v", p1, err)
	}
	if p1.GetShelfIndex() != 1 {
		t.Errorf("expected shelf_index=1, got %v", p1.GetShelfIndex())
	}
	if err := h.Free(p1, 4); err != nil {
		t.Fatalf("Free: %v", err)
	}

	p2, err := h.Alloc(4)
	if err != nil || p2.IsNil() {
		t.Fatalf("Alloc after Free: %v %v", p2, err)
	}
	if p2 != p1 {
		t.Errorf("expected alloc-after-free to return same pointer %v, got %v", p1, p2)
	}
}

// scenario 2: delayed free under an epoch scope.
func TestHeapDelayedFree(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 2, 16<<20, 128, api.DefaultMode, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	op, err := h.Enter()
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}

	p1, err := h.Alloc(4)
	if err != nil || p1.IsNil() {
		t.Fatalf("Alloc: %v %v", p1, err)
	}
	if err := h.FreeScoped(op, p1, 4); err != nil {
		t.Fatalf("FreeScoped: %v", err)
	}

	p2, err := h.Alloc(4)
	if err != nil || p2.IsNil() {
		t.Fatalf("Alloc (same scope): %v %v", p2, err)
	}
	if p2 == p1 {
		t.Errorf("expected a scoped free not to be reusable inside the same scope")
	}
	op.Exit()

	deadline := time.Now().Add(5 * time.Second)
	for {
		op2, err := h.Enter()
		if err != nil {
			t.Fatalf("Enter: %v", err)
		}
		p3, err := h.Alloc(4)
		op2.Exit()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if p3 == p1 {
			return
		}
		h.Free(p3, 4)
		if time.Now().After(deadline) {
			t.Fatalf("expected the retired pointer to become reusable once quiescent")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// scenario 3 (abbreviated): linear fill routes to shelf 1, Resize grows
// into shelf 2.
func TestHeapResizeRoutesToNewShelf(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 3, 1<<20, 128, api.DefaultMode, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	for {
		p, err := h.Alloc(64 * 1024)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if p.IsNil() {
			break
		}
		if p.GetShelfIndex() != 1 {
			t.Fatalf("expected shelf_index=1 while filling the first shelf, got %v", p.GetShelfIndex())
		}
	}

	if err := h.Resize(2<<20, nil); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	p, err := h.Alloc(64 * 1024)
	if err != nil || p.IsNil() {
		t.Fatalf("Alloc after Resize: %v %v", p, err)
	}
	if p.GetShelfIndex() != 2 {
		t.Errorf("expected shelf_index=2 after Resize, got %v", p.GetShelfIndex())
	}
}

// scenario 5: power-of-two rounding.
func TestHeapResizeRoundsToPowerOfTwo(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 5, 128<<20, 128, api.DefaultMode, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	if err := h.Resize(2*128<<20-10, nil); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if got, want := h.Size(), int64(256<<20); got != want {
		t.Errorf("expected Size()==%v after Resize, got %v", want, got)
	}
}

// I5: Resize to a smaller-or-equal size is a no-op.
func TestHeapResizeNoopWhenSmaller(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 6, 1<<20, 128, api.DefaultMode, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	before := h.Size()
	if err := h.Resize(before/2, nil); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if h.Size() != before {
		t.Errorf("expected Size() unchanged, got %v want %v", h.Size(), before)
	}
}

// scenario 9: permissions, including survival across Resize.
func TestHeapPermissions(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 9, 1<<20, 128, api.Permission(0640), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	mode, err := h.GetPermission()
	if err != nil {
		t.Fatalf("GetPermission: %v", err)
	}
	if mode != 0640 {
		t.Fatalf("expected mode 0640, got %o", mode)
	}

	if err := h.SetPermission(0660); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}
	mode, _ = h.GetPermission()
	if mode != 0660 {
		t.Fatalf("expected mode 0660 after SetPermission, got %o", mode)
	}
	info, err := os.Stat(shelfPath(root, 9, 1))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0660 {
		t.Errorf("expected shelf file mode 0660 on disk, got %o", info.Mode().Perm())
	}

	if err := h.Resize(2<<20, nil); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	info, err = os.Stat(shelfPath(root, 9, 2))
	if err != nil {
		t.Fatalf("Stat new shelf: %v", err)
	}
	if info.Mode().Perm() != 0660 {
		t.Errorf("expected new shelf to inherit mode 0660, got %o", info.Mode().Perm())
	}
}

// Large pool ids round-trip through GlobalPtr unchanged (scenario 8's
// pointer half; the multi-pool-id half is exercised by creating with
// each id below).
func TestHeapLargePoolIDs(t *testing.T) {
	root := newtestroot(t)
	for _, pid := range []uint64{1024, 2048, 4096, 8192, 16383} {
		h, err := Create(root, api.PoolId(pid), 1<<20, 128, api.DefaultMode, nil)
		if err != nil {
			t.Fatalf("Create pool=%v: %v", pid, err)
		}
		p, err := h.Alloc(16)
		if err != nil || p.IsNil() {
			t.Fatalf("Alloc pool=%v: %v %v", pid, p, err)
		}
		shelf, offset := p.GetShelfIndex(), p.GetOffset()
		roundtrip := api.MakeGlobalPtr(shelf, offset)
		if roundtrip != p {
			t.Errorf("GlobalPtr round-trip failed for pool=%v: %v != %v", pid, roundtrip, p)
		}
		h.Close()
		if err := Destroy(root, api.PoolId(pid)); err != nil {
			t.Fatalf("Destroy pool=%v: %v", pid, err)
		}
	}
}

// state machine: HeapIsOpen / HeapNotOpen.
func TestHeapStateMachine(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 11, 1<<20, 128, api.DefaultMode, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := Destroy(root, 11); err == nil {
		t.Fatalf("expected Destroy to fail while a local handle is open")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.Alloc(16); err == nil {
		t.Fatalf("expected Alloc on a closed handle to fail")
	}
	if err := h.Close(); err == nil {
		t.Fatalf("expected a second Close to fail with HeapNotOpen")
	}

	if err := Destroy(root, 11); err != nil {
		t.Fatalf("Destroy after Close: %v", err)
	}
}

// busy guard: Alloc/Free see HEAP_BUSY, not a block, while an exclusive
// metadata op (here simulated directly on the busy guard) is active.
func TestHeapAllocBusyDuringExclusiveHold(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 10, 1<<20, 128, api.DefaultMode, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	h.lock.Lock()
	if _, err := h.Alloc(16); err == nil {
		t.Fatalf("expected Alloc to see HEAP_BUSY while the exclusive lock is held")
	}
	if _, _, err := h.AllocOffset(16); err == nil {
		t.Fatalf("expected AllocOffset to see HEAP_BUSY while the exclusive lock is held")
	}
	if err := h.Free(api.MakeGlobalPtr(1, 0), 16); err == nil {
		t.Fatalf("expected Free to see HEAP_BUSY while the exclusive lock is held")
	}
	h.lock.Unlock()

	if _, err := h.Alloc(16); err != nil {
		t.Fatalf("expected Alloc to succeed once the exclusive lock is released: %v", err)
	}
}

// scenario 4 (small-scale): resize ceiling once the shelf-index space is
// exhausted.
func TestHeapResizeCeiling(t *testing.T) {
	root := newtestroot(t)
	setts := api.Settings{"heap.maxshelves": int64(4)}
	h, err := Create(root, 12, 128*1024, 128, api.DefaultMode, setts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	ok := 0
	for i := 0; i < 10; i++ {
		err := h.Resize(h.Size()+128*1024, setts)
		if err != nil {
			if ok != 3 {
				t.Fatalf("expected exactly 3 successful resizes before HeapResizeFailed, got %v", ok)
			}
			return
		}
		ok++
	}
	t.Fatalf("expected Resize to eventually return HeapResizeFailed")
}

// scenario 7: concurrent alloc/free from many goroutines, interleaved
// with Merge calls, must leave the heap in a state where every
// outstanding pointer can be freed and, after a Merge, a single block of
// at least a quarter of the heap can be allocated. The first top-level
// block holds the header, so no single block larger than half the shelf
// can be allocated.
func TestHeapConcurrentAllocFree(t *testing.T) {
	root := newtestroot(t)
	h, err := Create(root, 13, 1<<30, 128, api.DefaultMode, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Close()

	const nworkers = 16
	const nops = 1000

	var mu sync.Mutex
	outstanding := map[api.GlobalPtr]int64{}

	var wg sync.WaitGroup
	wg.Add(nworkers)
	for w := 0; w < nworkers; w++ {
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < nops; i++ {
				if rnd.Intn(2) == 0 {
					size := int64(rnd.Intn(1 << 20))
					if size == 0 {
						size = 1
					}
					p, err := h.Alloc(size)
					if err != nil {
						t.Errorf("Alloc: %v", err)
						return
					}
					if p.IsNil() {
						continue
					}
					mu.Lock()
					outstanding[p] = size
					mu.Unlock()
				} else {
					mu.Lock()
					var victim api.GlobalPtr
					var size int64
					for p, s := range outstanding {
						victim, size = p, s
						break
					}
					if !victim.IsNil() {
						delete(outstanding, victim)
					}
					mu.Unlock()
					if !victim.IsNil() {
						if err := h.Free(victim, size); err != nil {
							t.Errorf("Free: %v", err)
						}
					}
				}
			}
		}(int64(w) + 1)
	}

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		h.Merge()
	}
	wg.Wait()
	h.Merge()

	mu.Lock()
	for p, size := range outstanding {
		if err := h.Free(p, size); err != nil {
			t.Errorf("final Free: %v", err)
		}
	}
	mu.Unlock()
	h.Merge()

	// Every block has been freed and coalesced back; halve the request
	// from the full heap size until one succeeds. The header and bitmap
	// region at the front of the shelf keep the lower half split, so the
	// largest block that can succeed is half the shelf.
	size := h.Size()
	var got api.GlobalPtr
	for size > 0 {
		p, err := h.Alloc(size)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if !p.IsNil() {
			got = p
			break
		}
		size /= 2
	}
	if got.IsNil() {
		t.Fatalf("expected a large single alloc to succeed after draining and merging outstanding pointers")
	}
	if size < h.Size()/4 {
		t.Errorf("expected coalescing to recover most of the shelf's capacity as one block, only got size=%v of total=%v", size, h.Size())
	}
}
