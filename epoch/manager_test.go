package epoch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bnclabs/nvmm/atomics"
)

func newtestmanager(t *testing.T, maxslots int64) (*Manager, func()) {
	path := filepath.Join(os.TempDir(), "nvmm_epoch_test.shelf")
	os.Remove(path)
	region, err := atomics.CreateRegion(path, 1<<16)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	em, err := Create(region, 0, maxslots)
	if err != nil {
		t.Fatalf("epoch.Create: %v", err)
	}
	cleanup := func() {
		em.Close()
		region.Close()
		os.Remove(path)
	}
	return em, cleanup
}

func TestManagerCreateOpen(t *testing.T) {
	em, cleanup := newtestmanager(t, 8)
	defer cleanup()

	if em.maxslots != 8 {
		t.Errorf("expected 8 slots, got %v", em.maxslots)
	}
	if em.globalEpoch() != 1 {
		t.Errorf("expected fresh epoch shelf to start at epoch 1, got %v", em.globalEpoch())
	}

	reopened, err := Open(em.region, em.base)
	if err != nil {
		t.Fatalf("epoch.Open: %v", err)
	}
	defer reopened.Close()
	if reopened.maxslots != 8 {
		t.Errorf("expected reopened shelf to have 8 slots, got %v", reopened.maxslots)
	}
}

func TestEnterExitReportsEpoch(t *testing.T) {
	em, cleanup := newtestmanager(t, 4)
	defer cleanup()

	op, err := Enter(em)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if op.ReportedEpoch() != em.globalEpoch() {
		t.Errorf("expected reported epoch to equal global epoch at Enter time")
	}
	op.Exit()

	if v := em.region.AcquireLoad64(slotOffset(em.base, op.slot)); v != idleSlot {
		t.Errorf("expected slot to be idle after Exit, got %v", v)
	}
}

func TestSlotExhaustion(t *testing.T) {
	em, cleanup := newtestmanager(t, 2)
	defer cleanup()

	op1, err := Enter(em)
	if err != nil {
		t.Fatalf("Enter 1: %v", err)
	}
	op2, err := Enter(em)
	if err != nil {
		t.Fatalf("Enter 2: %v", err)
	}
	if _, err := Enter(em); err == nil {
		t.Fatalf("expected Enter to fail once every slot is claimed")
	}

	op1.Exit()
	op2.Exit()

	op3, err := Enter(em)
	if err != nil {
		t.Fatalf("Enter after Exit: %v", err)
	}
	op3.Exit()
}

func TestAdvancerMovesGlobalEpochWhenQuiescent(t *testing.T) {
	em, cleanup := newtestmanager(t, 4)
	defer cleanup()

	start := em.globalEpoch()
	deadline := time.Now().Add(2 * time.Second)
	for em.globalEpoch() == start && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if em.globalEpoch() == start {
		t.Fatalf("expected advancer to move the global epoch forward with no active participants")
	}
}
