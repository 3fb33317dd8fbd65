package jit

import (
	"testing"

	"github.com/tangzhangming/novatrace/internal/lir"
	"github.com/tangzhangming/novatrace/internal/vm"
)

// TestTrackerSetGet 测试跨页读写
func TestTrackerSetGet(t *testing.T) {
	tr := NewTracker()
	a, b := lir.ImmI(1), lir.ImmI(2)

	s0 := SlotID{Kind: vm.SlotVar, Index: 0}
	far := SlotID{Kind: vm.SlotVar, Index: TrackerPageSize + 3}
	stack := SlotID{Kind: vm.SlotStack, Index: 0}

	tr.Set(s0, a)
	tr.Set(far, b)
	tr.Set(stack, b)

	if tr.Get(s0) != a || tr.Get(far) != b || tr.Get(stack) != b {
		t.Fatal("Get returned the wrong node")
	}
	if tr.Pages() != 3 {
		t.Errorf("expected 3 pages, got %d", tr.Pages())
	}

	tr.Set(s0, b)
	if tr.Get(s0) != b {
		t.Error("Set must overwrite")
	}
	if tr.Pages() != 3 {
		t.Errorf("overwrite must not add a page, got %d", tr.Pages())
	}
}

// TestTrackerHas 测试同页中未记录的槽位
func TestTrackerHas(t *testing.T) {
	tr := NewTracker()
	tr.Set(SlotID{Kind: vm.SlotArg, Index: 1}, lir.ImmI(1))

	if !tr.Has(SlotID{Kind: vm.SlotArg, Index: 1}) {
		t.Error("expected slot to be tracked")
	}
	if tr.Has(SlotID{Kind: vm.SlotArg, Index: 2}) {
		t.Error("slot on the same page was never set")
	}
	if tr.Has(SlotID{Depth: 1, Kind: vm.SlotArg, Index: 1}) {
		t.Error("slot of another frame was never set")
	}
}

// TestTrackerGetUntracked 测试读取未记录槽位时 panic
func TestTrackerGetUntracked(t *testing.T) {
	tr := NewTracker()
	tr.Set(SlotID{Kind: vm.SlotVar, Index: 0}, lir.ImmI(1))

	for _, id := range []SlotID{
		{Kind: vm.SlotVar, Index: 1},
		{Kind: vm.SlotGlobal, Index: 0},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Get(%s) should panic", id)
				}
			}()
			tr.Get(id)
		}()
	}
}

// TestTrackerClear 测试清空
func TestTrackerClear(t *testing.T) {
	tr := NewTracker()
	id := SlotID{Kind: vm.SlotRVal}
	tr.Set(id, lir.ImmI(1))
	tr.Clear()

	if tr.Has(id) || tr.Pages() != 0 {
		t.Error("Clear must drop every page")
	}
}
