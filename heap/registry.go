package heap

import (
	"strconv"
	"sync"
)

// openheaps is this process's local open-handle bookkeeping, the heap
// analogue of bubt/stores.go's openstores map + storemu mutex. It only
// ever reflects handles opened in this process; a heap opened by another
// process is invisible here, per the Open Question on remote Destroy.
var openmu sync.Mutex
var openheaps = make(map[string]int) // root key -> count of local open handles

func heapkey(root string, poolID uint64) string {
	return root + "\x00" + strconv.FormatUint(poolID, 10)
}

func markopen(key string) {
	openmu.Lock()
	defer openmu.Unlock()
	openheaps[key]++
}

func markclosed(key string) {
	openmu.Lock()
	defer openmu.Unlock()
	if openheaps[key] <= 1 {
		delete(openheaps, key)
		return
	}
	openheaps[key]--
}

func isopen(key string) bool {
	openmu.Lock()
	defer openmu.Unlock()
	return openheaps[key] > 0
}
