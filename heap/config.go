package heap

import (
	"github.com/cloudfoundry/gosigar"

	"github.com/bnclabs/nvmm/api"
)

// DefaultSettings returns a settings map pre-populated with a shelf size
// suggestion derived from free system memory, the heap-package analogue
// of bogn's Defaultsettings/getsysmem pattern. Create and Resize read
// only "heap.maxshelves" and "zone.mergelevels" from the map;
// "heap.shelfsize" and "heap.minalloc" are suggestions a caller passes
// itself as Create's size and minAlloc arguments.
func DefaultSettings() api.Settings {
	_, _, free := getsysmem()
	shelfsize := int64(free / 4) // leave headroom for everything else on the box
	if shelfsize < api.MinAllocSize*64 {
		shelfsize = api.MinAllocSize * 64
	}
	return api.Settings{
		"heap.shelfsize":   shelfsize,
		"heap.maxshelves":  defaultMaxShelves,
		"heap.minalloc":    int64(128),
		"zone.mergelevels": int64(3),
	}
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	mem.Get()
	return mem.Total, mem.Used, mem.Free
}
