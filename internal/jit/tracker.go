package jit

import (
	"fmt"

	"github.com/tangzhangming/novatrace/internal/lir"
	"github.com/tangzhangming/novatrace/internal/vm"
)

// ============================================================================
// 值追踪器
// ============================================================================

// TrackerPageSize 每页的槽位数
const TrackerPageSize = 32

// SlotID 解释器槽位的逻辑地址
// Depth 是相对入口帧的调用深度, 全局槽位的 Depth 为 0
type SlotID struct {
	Depth int
	Kind  vm.SlotKind
	Index int
}

func (s SlotID) String() string {
	return fmt.Sprintf("%s[%d]@%d", s.Kind, s.Index, s.Depth)
}

type trackerPage struct {
	next  *trackerPage
	depth int
	kind  vm.SlotKind
	base  int // 页内第一个槽位的 Index
	ins   [TrackerPageSize]*lir.Ins
}

// Tracker 记录每个解释器槽位当前对应的 LIR 节点
// 页以短链表组织, 查找时线性扫描
type Tracker struct {
	pages *trackerPage
	count int
}

// NewTracker 创建追踪器
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) findPage(s SlotID) *trackerPage {
	base := s.Index - s.Index%TrackerPageSize
	for p := t.pages; p != nil; p = p.next {
		if p.depth == s.Depth && p.kind == s.Kind && p.base == base {
			return p
		}
	}
	return nil
}

// Set 记录或覆盖槽位对应的节点
func (t *Tracker) Set(s SlotID, ins *lir.Ins) {
	p := t.findPage(s)
	if p == nil {
		p = &trackerPage{
			next:  t.pages,
			depth: s.Depth,
			kind:  s.Kind,
			base:  s.Index - s.Index%TrackerPageSize,
		}
		t.pages = p
		t.count++
	}
	p.ins[s.Index-p.base] = ins
}

// Get 返回槽位对应的节点, 槽位未被记录时 panic
func (t *Tracker) Get(s SlotID) *lir.Ins {
	p := t.findPage(s)
	if p == nil {
		panic(fmt.Sprintf("jit: tracker has no page for %s", s))
	}
	ins := p.ins[s.Index-p.base]
	if ins == nil {
		panic(fmt.Sprintf("jit: slot %s is not tracked", s))
	}
	return ins
}

// Has 槽位是否已被记录
func (t *Tracker) Has(s SlotID) bool {
	p := t.findPage(s)
	return p != nil && p.ins[s.Index-p.base] != nil
}

// Clear 丢弃所有页
func (t *Tracker) Clear() {
	t.pages = nil
	t.count = 0
}

// Pages 当前页数
func (t *Tracker) Pages() int {
	return t.count
}
