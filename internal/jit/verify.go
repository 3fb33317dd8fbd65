package jit

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/tangzhangming/novatrace/internal/jit/types"
	"github.com/tangzhangming/novatrace/internal/lir"
)

// ============================================================================
// 类型稳定性检查
// ============================================================================

// isDemotable 节点是否可能在下一次录制中以整数形式出现
func isDemotable(ins *lir.Ins) bool {
	if ins.Op == lir.OpI2F {
		return true
	}
	if ins.Op != lir.OpAddD {
		return false
	}
	for _, x := range [...]*lir.Ins{ins.A, ins.B} {
		if x.IsImmD() && (x.ImmD == 1 || x.ImmD == -1) {
			return true
		}
	}
	return false
}

// verifyTypeStability 比较循环回边处每个槽位的类型与入口类型映射
// recompile 为 true 表示入口映射的降级标志被修改, 需要重新录制;
// 所有不匹配的槽位合并为一个错误返回
func (r *Recorder) verifyTypeStability() (recompile bool, err error) {
	slots := liveSlots(r.cx, r.entry, r.frag.Globals)
	tm := r.frag.Info.TypeMap
	if len(slots) != len(tm) {
		return false, fmt.Errorf("stack depth %d at loop edge differs from entry depth %d", r.cx.Frame.SP, r.entrySP)
	}

	for i, s := range slots {
		tag := tm[i]
		if tag.Type() == types.TypeAny || !r.tracker.Has(s.ID) {
			continue
		}
		v := s.value(r.cx)
		ins := r.tracker.Get(s.ID)

		switch {
		case tag.Type() == types.TypeInt && v.IsNumber():
			if !isPromoteInt(ins) {
				tm[i] = tag.WithType(types.TypeDouble)&^types.FlagDemote | types.FlagDontDemote
				recompile = true
				r.log.Debug("slot cannot stay int",
					zapSlot(s.ID), zapPC(r.frag.PC))
				continue
			}
			r.tracker.Set(s.ID, r.pipe.demote(ins))
			continue

		case tag.Type() == types.TypeDouble && v.IsNumber():
			if types.TypeInt.Accepts(v) && !tag.Has(types.FlagDontDemote) && isDemotable(ins) {
				tm[i] = tag.WithType(types.TypeInt) | types.FlagDemote
				recompile = true
				r.log.Debug("slot demoted to int",
					zapSlot(s.ID), zapPC(r.frag.PC))
				continue
			}
			if isPromoteInt(ins) {
				// 交接帧中存的是整数, 下一次迭代按 double 读取
				r.pipe.EmitAt(StageSimplify, lir.Store(lir.OpStD, ins, r.layout.nativeIndex(s.ID)))
			}
			continue
		}

		if got := types.CoercedTagOf(v); got != tag.Type() {
			err = multierr.Append(err, fmt.Errorf("slot %s: entry type %s, loop edge type %s", s.ID, tag, got))
		}
	}
	return recompile, err
}
