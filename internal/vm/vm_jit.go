package vm

import (
	"fmt"

	"github.com/tangzhangming/novatrace/internal/bytecode"
)

// ============================================================================
// 追踪器接口定义 (避免循环导入)
// ============================================================================

// TraceHook 追踪 JIT 接入解释器的接口
type TraceHook interface {
	// IsRecording 是否正在录制
	IsRecording() bool

	// MonitorOp 录制期间在执行每条指令之前调用, 此时解释器状态是指令执行前的状态
	MonitorOp(cx *Context)

	// LoopEdge 执行向后跳转之后调用, 此时 pc 指向循环头。
	// 返回 true 表示钩子已经修改了当前帧的 pc 和栈指针, 解释器应从新位置继续分派
	LoopEdge(cx *Context) bool
}

// SetTraceHook 安装追踪钩子, nil 表示纯解释执行
func (cx *Context) SetTraceHook(h TraceHook) {
	cx.hook = h
}

// TraceHook 返回当前的追踪钩子
func (cx *Context) TraceHook() TraceHook {
	return cx.hook
}

// ============================================================================
// 槽位访问
// ============================================================================

// SlotKind 解释器值槽位的种类
type SlotKind uint8

const (
	SlotGlobal SlotKind = iota // 全局对象的数据属性
	SlotRVal                   // 帧的返回值
	SlotArg                    // 参数
	SlotVar                    // 局部变量
	SlotStack                  // 操作数栈单元
)

func (k SlotKind) String() string {
	switch k {
	case SlotGlobal:
		return "global"
	case SlotRVal:
		return "rval"
	case SlotArg:
		return "arg"
	case SlotVar:
		return "var"
	case SlotStack:
		return "stack"
	}
	return fmt.Sprintf("slot(%d)", uint8(k))
}

// SlotValue 读取槽位, 全局槽位的 f 可以为 nil
func (cx *Context) SlotValue(f *Frame, kind SlotKind, index int) bytecode.Value {
	switch kind {
	case SlotGlobal:
		return cx.Global.Slots[index]
	case SlotRVal:
		return f.RVal
	case SlotArg:
		return f.Args[index]
	case SlotVar:
		return f.Vars[index]
	case SlotStack:
		return f.Stack[index]
	}
	panic("vm: bad slot kind " + kind.String())
}

// SetSlotValue 写入槽位
func (cx *Context) SetSlotValue(f *Frame, kind SlotKind, index int, v bytecode.Value) {
	switch kind {
	case SlotGlobal:
		cx.Global.Slots[index] = v
	case SlotRVal:
		f.RVal = v
	case SlotArg:
		f.Args[index] = v
	case SlotVar:
		f.Vars[index] = v
	case SlotStack:
		f.Stack[index] = v
	default:
		panic("vm: bad slot kind " + kind.String())
	}
}

// GlobalSlot 返回全局名字对应的数据属性槽位, 访问器或不存在时返回 false
func (cx *Context) GlobalSlot(name string) (int, bool) {
	p, ok := cx.Global.Shape.Lookup(name)
	if !ok || p.IsAccessor() {
		return 0, false
	}
	return p.Slot, true
}
