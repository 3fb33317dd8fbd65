package lir

import (
	"fmt"

	"github.com/tangzhangming/novatrace/internal/jit/types"
)

// ExitKind 侧出口的原因, 用于日志和统计
type ExitKind uint8

const (
	ExitBranch   ExitKind = iota // 分支方向与录制时不同
	ExitOverflow                 // 整数运算溢出
	ExitType                     // 装箱值类型不符
	ExitShape                    // 对象形状不符
	ExitClass                    // 不是稠密数组
	ExitIndex                    // 下标不是整数
	ExitNegIndex                 // 下标为负
	ExitLength                   // 下标不小于长度
	ExitDslots                   // 没有元素存储
	ExitCapacity                 // 下标不小于容量
	ExitCallee                   // 被调函数不同
	ExitLoop                     // 循环回边
)

var exitKindNames = [...]string{
	ExitBranch:   "branch",
	ExitOverflow: "overflow",
	ExitType:     "type",
	ExitShape:    "shape",
	ExitClass:    "class",
	ExitIndex:    "index",
	ExitNegIndex: "neg-index",
	ExitLength:   "length",
	ExitDslots:   "dslots",
	ExitCapacity: "capacity",
	ExitCallee:   "callee",
	ExitLoop:     "loop",
}

func (k ExitKind) String() string {
	if int(k) < len(exitKindNames) {
		return exitKindNames[k]
	}
	return fmt.Sprintf("exit(%d)", uint8(k))
}

// SideExit 侧出口描述符
// 守卫失败时, 解释器从 entryPC+IPAdj 处、栈深度为 entrySP+SPAdj 的状态恢复执行,
// 交接帧中的每个槽位按 TypeMap 重新装箱
type SideExit struct {
	Kind      ExitKind
	IPAdj     int
	SPAdj     int
	CallDepth int
	TypeMap   types.TypeMap
}

func (e *SideExit) String() string {
	return fmt.Sprintf("exit(%s ip%+d sp%+d depth=%d %s)", e.Kind, e.IPAdj, e.SPAdj, e.CallDepth, e.TypeMap)
}

// GuardRecord 后端为每个守卫生成的记录: 守卫身份到侧出口的稳定映射
type GuardRecord struct {
	ID    int
	Guard *Ins
	Exit  *SideExit
}
