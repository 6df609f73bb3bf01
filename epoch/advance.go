package epoch

import (
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/bnclabs/nvmm/lib"
	"github.com/bnclabs/nvmm/log"
)

// Advancetick is how often the background advancer recomputes the
// minimum reported epoch and drains reclaimable retire bags.
var Advancetick = 100 * time.Millisecond

// reclaimStep is the number of epochs an advance must clear past a
// participant's report before that participant's retired blocks are
// considered safe to reclaim, giving readers that entered just before an
// advance a margin rather than a knife's edge.
const reclaimStep = 3

type advancer struct {
	em        *Manager
	finch     chan struct{}
	nroutines int64
}

func startAdvancer(em *Manager) *advancer {
	a := &advancer{em: em, finch: make(chan struct{})}
	go a.run()
	return a
}

func (a *advancer) stop() {
	close(a.finch)
}

func (a *advancer) run() {
	log.Infof("epoch: advancer starting")

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("epoch: advancer crashed %v", r)
			log.Errorf("\n%s", lib.GetStacktrace(2, debug.Stack()))
		} else {
			log.Infof("epoch: advancer stopped")
		}
		atomic.AddInt64(&a.nroutines, -1)
	}()

	atomic.AddInt64(&a.nroutines, 1)
	ticker := time.NewTicker(Advancetick)
	defer ticker.Stop()

loop:
	for range ticker.C {
		a.tick()
		select {
		case <-a.finch:
			break loop
		default:
		}
	}
}

// tick advances the global epoch whenever every claimed participant has
// reported the current epoch or later, then reclaims every retire-bag
// entry whose tagged epoch now lags the minimum reported epoch by more
// than reclaimStep.
func (a *advancer) tick() {
	em := a.em
	cur := em.globalEpoch()
	min := em.minReported()
	if min >= cur {
		em.region.CAS64(em.base+hdrGlobal, cur, cur+1)
		cur++
	}

	reclaimable := min
	if reclaimable < reclaimStep {
		return
	}
	threshold := reclaimable - reclaimStep
	for _, bag := range em.bags {
		bag.reclaimBelow(threshold)
	}
}
