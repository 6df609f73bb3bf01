package zone

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bnclabs/nvmm/atomics"
)

func newtestzone(t *testing.T, size, minalloc int64) (*Zone, *atomics.Region, func()) {
	path := filepath.Join(os.TempDir(), "nvmm_zone_test.shelf")
	os.Remove(path)
	region, err := atomics.CreateRegion(path, size)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	z, err := Create(region, 0, size, minalloc, nil)
	if err != nil {
		t.Fatalf("zone.Create: %v", err)
	}
	cleanup := func() {
		region.Close()
		os.Remove(path)
	}
	return z, region, cleanup
}

func TestZoneCreateOpen(t *testing.T) {
	z, region, cleanup := newtestzone(t, 1<<20, 128)
	defer cleanup()

	if z.Size() != 1<<20 {
		t.Errorf("expected size %v, got %v", 1<<20, z.Size())
	}

	reopened, err := Open(region, 0)
	if err != nil {
		t.Fatalf("zone.Open: %v", err)
	}
	if reopened.levels != z.levels || reopened.reserved != z.reserved {
		t.Errorf("Open did not reconstruct the same layout as Create")
	}
}

func TestZoneAllocFree(t *testing.T) {
	z, _, cleanup := newtestzone(t, 1<<20, 128)
	defer cleanup()

	off, ok := z.Alloc(4)
	if !ok {
		t.Fatalf("expected Alloc to succeed")
	}
	if off%z.minalloc != 0 {
		t.Errorf("expected offset aligned to minalloc, got %v", off)
	}
	if off < z.reserved {
		t.Errorf("expected offset %v past reserved region %v", off, z.reserved)
	}

	z.Free(off, 4)

	off2, ok := z.Alloc(4)
	if !ok {
		t.Fatalf("expected Alloc to succeed after Free")
	}
	if off2 != off {
		t.Errorf("expected immediate alloc-after-free to return the same offset %v, got %v", off, off2)
	}
}

func TestZoneSplitAndMerge(t *testing.T) {
	const mib = 1 << 20
	z, _, cleanup := newtestzone(t, 128*mib, 128)
	defer cleanup()

	var offs []int64
	for i := 0; i < 7; i++ {
		off, ok := z.Alloc(16 * mib)
		if !ok {
			t.Fatalf("alloc %v of 16MiB failed", i)
		}
		offs = append(offs, off)
	}
	for _, off := range offs {
		z.Free(off, 16*mib)
	}

	if _, ok := z.Alloc(64 * mib); ok {
		t.Fatalf("expected 64MiB alloc to fail before Merge")
	}

	z.Merge()

	off, ok := z.Alloc(64 * mib)
	if !ok {
		t.Fatalf("expected 64MiB alloc to succeed after Merge")
	}
	if off != 64*mib {
		t.Errorf("expected the post-merge 64MiB block at offset %v, got %v", 64*mib, off)
	}
}

func TestZoneOutOfMemory(t *testing.T) {
	z, _, cleanup := newtestzone(t, 1<<16, 128) // tiny zone
	defer cleanup()

	n := 0
	for {
		if _, ok := z.Alloc(128); !ok {
			break
		}
		n++
		if n > 1<<20 {
			t.Fatalf("Alloc never reported out of memory")
		}
	}
	if n == 0 {
		t.Errorf("expected at least one successful alloc before exhaustion")
	}
}
