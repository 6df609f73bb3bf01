// Package epoch implements epoch-based reclamation: a process-wide global
// epoch counter, a bounded array of participant slots, a ticker-driven
// background advancer modeled on bogn's purger goroutine, and
// per-participant-slot retire bags built the way snapshot.go links its generations together
// with an atomic *snapshot pointer, except here the links are retire-bag
// entries rather than snapshots.
//
// A caller enters a scope with Enter, which claims a participant slot and
// reports the current global epoch; Retire appends a freed block to a bag
// tagged with that epoch; the background advancer periodically computes
// the minimum reported epoch across active slots, advances the global
// epoch when it is safe to, and reclaims every retired block whose tag is
// more than reclaimStep (3) epochs older than that minimum. A block whose
// tag is older than the minimum by reclaimStep or fewer stays in its bag.
package epoch
