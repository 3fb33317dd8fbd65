package backend

import (
	"github.com/tangzhangming/novatrace/internal/lir"
)

// ============================================================================
// 优化 Pass 接口
// ============================================================================

// Trace 后端处理的指令序列 (缓冲区的副本, 不修改录制结果)
type Trace struct {
	Ins []*lir.Ins
}

// Pass 优化 Pass 接口
type Pass interface {
	Name() string
	Run(t *Trace) bool // 返回是否有修改
}

// ============================================================================
// Pass 管理器
// ============================================================================

// PassManager Pass 管理器
type PassManager struct {
	passes []Pass
	stats  PassStats
}

// PassStats Pass 统计信息
type PassStats struct {
	PassesRun      int
	TotalChanges   int
	PerPassChanges map[string]int
}

// NewPassManager 创建 Pass 管理器
func NewPassManager() *PassManager {
	return &PassManager{
		passes: make([]Pass, 0),
		stats: PassStats{
			PerPassChanges: make(map[string]int),
		},
	}
}

// AddPass 添加 Pass
func (pm *PassManager) AddPass(p Pass) {
	pm.passes = append(pm.passes, p)
}

// RunUntilFixed 运行 Pass 直到不再有改变
func (pm *PassManager) RunUntilFixed(t *Trace, maxIters int) {
	for i := 0; i < maxIters; i++ {
		changed := false
		for _, p := range pm.passes {
			pm.stats.PassesRun++
			if p.Run(t) {
				changed = true
				pm.stats.TotalChanges++
				pm.stats.PerPassChanges[p.Name()]++
			}
		}
		if !changed {
			break
		}
	}
}

// Stats 获取统计信息
func (pm *PassManager) Stats() PassStats {
	return pm.stats
}

// CreateStandardPipeline 创建标准优化 Pipeline
func CreateStandardPipeline() *PassManager {
	pm := NewPassManager()
	pm.AddPass(NewDeadStoreEliminationPass())
	pm.AddPass(NewDeadCodeEliminationPass())
	return pm
}

// ============================================================================
// 死代码消除 Pass
// ============================================================================

// DeadCodeEliminationPass 删除结果未被使用且没有副作用的指令
type DeadCodeEliminationPass struct{}

// NewDeadCodeEliminationPass 创建死代码消除 Pass
func NewDeadCodeEliminationPass() *DeadCodeEliminationPass {
	return &DeadCodeEliminationPass{}
}

// Name 返回 Pass 名称
func (p *DeadCodeEliminationPass) Name() string {
	return "DeadCodeElimination"
}

// Run 执行死代码消除
func (p *DeadCodeEliminationPass) Run(t *Trace) bool {
	live := make(map[*lir.Ins]bool, len(t.Ins))
	for i := len(t.Ins) - 1; i >= 0; i-- {
		ins := t.Ins[i]
		if !ins.HasSideEffects() && !live[ins] {
			continue
		}
		live[ins] = true
		for _, op := range ins.Operands() {
			live[op] = true
		}
	}

	kept := t.Ins[:0:0]
	for _, ins := range t.Ins {
		if live[ins] {
			kept = append(kept, ins)
		}
	}
	changed := len(kept) != len(t.Ins)
	t.Ins = kept
	return changed
}

// ============================================================================
// 冗余存储消除 Pass
// ============================================================================

// DeadStoreEliminationPass 删除被覆盖的交接帧存储
// 同一槽位的两次存储之间没有守卫也没有读取该槽位时, 前一次存储不可见
type DeadStoreEliminationPass struct{}

// NewDeadStoreEliminationPass 创建冗余存储消除 Pass
func NewDeadStoreEliminationPass() *DeadStoreEliminationPass {
	return &DeadStoreEliminationPass{}
}

// Name 返回 Pass 名称
func (p *DeadStoreEliminationPass) Name() string {
	return "DeadStoreElimination"
}

// Run 执行冗余存储消除
func (p *DeadStoreEliminationPass) Run(t *Trace) bool {
	dead := make(map[*lir.Ins]bool)
	// 反向扫描: pending 记录 "之后会被覆盖" 的槽位
	pending := make(map[int32]bool)
	for i := len(t.Ins) - 1; i >= 0; i-- {
		ins := t.Ins[i]
		switch {
		case ins.IsGuard():
			pending = make(map[int32]bool)
		case ins.IsFrameLoad():
			delete(pending, ins.Imm)
		case ins.Op == lir.OpStI || ins.Op == lir.OpStD || ins.Op == lir.OpStP:
			if pending[ins.Imm] {
				dead[ins] = true
			} else {
				pending[ins.Imm] = true
			}
		}
	}
	if len(dead) == 0 {
		return false
	}

	kept := t.Ins[:0:0]
	for _, ins := range t.Ins {
		if !dead[ins] {
			kept = append(kept, ins)
		}
	}
	t.Ins = kept
	return true
}
