package jit

import (
	"github.com/google/uuid"

	"github.com/tangzhangming/novatrace/internal/backend"
	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/jit/types"
	"github.com/tangzhangming/novatrace/internal/lir"
)

// ============================================================================
// 片段表
// ============================================================================

// FragmentInfo 编译代码的入口信息
type FragmentInfo struct {
	TypeMap             types.TypeMap // 入口类型映射 (含降级标志)
	NativeStackBase     int           // 入口帧栈单元在交接帧中的字节偏移
	MaxNativeFrameSlots int           // 交接帧需要的槽位数
}

// Fragment 每个循环头一个片段
type Fragment struct {
	Script *bytecode.Script
	PC     int // 循环头

	Hits        int
	Blacklisted bool
	Aborts      int // 可恢复的中止次数
	Recordings  int
	Recompiles  int
	retry       bool // 上一次闭合只修正了入口类型映射

	Owner   uuid.UUID // 录制时的执行上下文
	Globals []GlobalSlot
	Info    FragmentInfo

	Code *backend.Code
	LIR  *lir.Buffer
}

// Compiled 是否已有可执行代码
func (f *Fragment) Compiled() bool {
	return f.Code != nil
}

type fragKey struct {
	script *bytecode.Script
	pc     int
}

// FragmentTable 以 (脚本, 循环头) 为键的片段表
type FragmentTable struct {
	frags map[fragKey]*Fragment
	order []*Fragment
}

// NewFragmentTable 创建片段表
func NewFragmentTable() *FragmentTable {
	return &FragmentTable{frags: make(map[fragKey]*Fragment)}
}

// Lookup 查找片段
func (t *FragmentTable) Lookup(s *bytecode.Script, pc int) *Fragment {
	return t.frags[fragKey{s, pc}]
}

// GetOrCreate 查找片段, 不存在时创建
func (t *FragmentTable) GetOrCreate(s *bytecode.Script, pc int) *Fragment {
	if f := t.Lookup(s, pc); f != nil {
		return f
	}
	key := fragKey{s, pc}
	f := &Fragment{Script: s, PC: pc}
	t.frags[key] = f
	t.order = append(t.order, f)
	return f
}

// All 按创建顺序返回所有片段
func (t *FragmentTable) All() []*Fragment {
	return t.order
}

// Len 片段数
func (t *FragmentTable) Len() int {
	return len(t.order)
}
