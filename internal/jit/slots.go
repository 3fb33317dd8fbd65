package jit

import (
	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/vm"
)

// GlobalSlot 参与追踪的全局变量
type GlobalSlot struct {
	Name string
	Slot int // 全局对象上的槽位
}

// collectGlobals 取脚本原子中作为全局数据属性存在的名字, 按原子顺序去重
func collectGlobals(cx *vm.Context, s *bytecode.Script) []GlobalSlot {
	var out []GlobalSlot
	seen := make(map[int]bool)
	for _, name := range s.Atoms {
		slot, ok := cx.GlobalSlot(name)
		if !ok || seen[slot] {
			continue
		}
		seen[slot] = true
		out = append(out, GlobalSlot{Name: name, Slot: slot})
	}
	return out
}

// liveSlot 一个活跃槽位, 在枚举中的位置即交接帧中的位置
type liveSlot struct {
	ID    SlotID
	Frame *vm.Frame
	index int // 解释器中的下标 (全局为对象槽位)
}

func (s liveSlot) value(cx *vm.Context) bytecode.Value {
	return cx.SlotValue(s.Frame, s.ID.Kind, s.index)
}

func (s liveSlot) set(cx *vm.Context, v bytecode.Value) {
	cx.SetSlotValue(s.Frame, s.ID.Kind, s.index, v)
}

// liveSlots 枚举活跃槽位: 先是全局变量, 然后从入口帧到当前帧,
// 每帧依次为返回值、参数、局部变量和 [0, sp) 的栈单元
func liveSlots(cx *vm.Context, entry *vm.Frame, globals []GlobalSlot) []liveSlot {
	var frames []*vm.Frame
	for f := cx.Frame; f != nil; f = f.Down {
		frames = append(frames, f)
		if f == entry {
			break
		}
	}

	n := len(globals)
	for _, f := range frames {
		n += 1 + len(f.Args) + len(f.Vars) + f.SP
	}
	out := make([]liveSlot, 0, n)

	for i, g := range globals {
		out = append(out, liveSlot{ID: SlotID{Kind: vm.SlotGlobal, Index: i}, index: g.Slot})
	}
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		depth := f.Depth - entry.Depth
		add := func(kind vm.SlotKind, count int) {
			for j := 0; j < count; j++ {
				out = append(out, liveSlot{ID: SlotID{Depth: depth, Kind: kind, Index: j}, Frame: f, index: j})
			}
		}
		add(vm.SlotRVal, 1)
		add(vm.SlotArg, len(f.Args))
		add(vm.SlotVar, len(f.Vars))
		add(vm.SlotStack, f.SP)
	}
	return out
}

// frameLayout 入口帧中各类槽位在交接帧中的起始位置
type frameLayout struct {
	globals int
	nargs   int
	nvars   int
}

func newFrameLayout(globals int, s *bytecode.Script) frameLayout {
	return frameLayout{globals: globals, nargs: s.NArgs, nvars: s.NVars}
}

// nativeIndex 槽位在交接帧中的位置, 只处理入口帧
func (l frameLayout) nativeIndex(id SlotID) int {
	switch id.Kind {
	case vm.SlotGlobal:
		return id.Index
	case vm.SlotRVal:
		return l.globals
	case vm.SlotArg:
		return l.globals + 1 + id.Index
	case vm.SlotVar:
		return l.globals + 1 + l.nargs + id.Index
	}
	return l.globals + 1 + l.nargs + l.nvars + id.Index
}

// stackBase 栈单元在交接帧中的起始位置
func (l frameLayout) stackBase() int {
	return l.globals + 1 + l.nargs + l.nvars
}
