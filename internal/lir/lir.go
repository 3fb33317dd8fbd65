// Package lir 定义追踪录制产生的线性中间表示 (LIR)
//
// 一条 trace 是一个只有单一入口的指令序列: 开头从交接帧导入槽位,
// 中间是运算、守卫和存储, 结尾是跳回开头的 loop 守卫。
// 指令以指针相互引用, 没有基本块, 也没有 phi: 循环携带的值一律经由交接帧传递。
package lir

import (
	"fmt"
	"math"
)

// ============================================================================
// LIR 操作码
// ============================================================================

// Opcode LIR 操作码
type Opcode uint8

const (
	// 立即数
	OpImmI Opcode = iota // int32 立即数 (Imm)
	OpImmD               // double 立即数 (ImmD)
	OpImmP               // 引用立即数 (Ref)

	// 交接帧访问 (Imm = 槽位编号)
	OpLdI
	OpLdD
	OpLdP
	OpStI // A = 值
	OpStD
	OpStP

	// 数字转换
	OpI2F // int32 -> double
	OpU2F // uint32 -> double

	// 整数运算, 加减乘与取负会记录溢出标志
	OpAddI
	OpSubI
	OpMulI
	OpNegI
	OpAndI
	OpOrI
	OpXorI
	OpNotI
	OpLshI
	OpRshI
	OpUshI
	OpOv // A 是否溢出

	// 整数比较, 结果为 0/1
	OpEqI
	OpLtI
	OpLeI
	OpGtI
	OpGeI
	OpLtU
	OpLeU
	OpGtU
	OpGeU

	// 浮点运算
	OpAddD
	OpSubD
	OpMulD
	OpDivD
	OpNegD

	// 浮点比较, 结果为 0/1
	OpEqD
	OpLtD
	OpLeD
	OpGtD
	OpGeD

	// 引用相等, 结果为 0/1
	OpEqP

	// 对象访问 (A = 对象)
	OpLdShape    // 形状
	OpLdClass    // 类别
	OpLdLength   // 数组逻辑长度
	OpLdDslots   // 是否存在元素存储 (0/1)
	OpLdCapacity // 元素存储容量
	OpLdSlot     // 槽位 Imm 的装箱值
	OpStSlot     // B 写入槽位 Imm
	OpLdElem     // 元素 B 的装箱值
	OpStElem     // C 写入元素 B

	// 内置函数调用 (Fid, 参数为 A/B)
	OpCall

	// 守卫
	OpXt   // A 为真时退出
	OpXf   // A 为假时退出
	OpLoop // 跳回 trace 开头

	opCount
)

var opNames = [opCount]string{
	OpImmI:       "immi",
	OpImmD:       "immd",
	OpImmP:       "immp",
	OpLdI:        "ldi",
	OpLdD:        "ldd",
	OpLdP:        "ldp",
	OpStI:        "sti",
	OpStD:        "std",
	OpStP:        "stp",
	OpI2F:        "i2f",
	OpU2F:        "u2f",
	OpAddI:       "addi",
	OpSubI:       "subi",
	OpMulI:       "muli",
	OpNegI:       "negi",
	OpAndI:       "andi",
	OpOrI:        "ori",
	OpXorI:       "xori",
	OpNotI:       "noti",
	OpLshI:       "lshi",
	OpRshI:       "rshi",
	OpUshI:       "ushi",
	OpOv:         "ov",
	OpEqI:        "eqi",
	OpLtI:        "lti",
	OpLeI:        "lei",
	OpGtI:        "gti",
	OpGeI:        "gei",
	OpLtU:        "ltu",
	OpLeU:        "leu",
	OpGtU:        "gtu",
	OpGeU:        "geu",
	OpAddD:       "addd",
	OpSubD:       "subd",
	OpMulD:       "muld",
	OpDivD:       "divd",
	OpNegD:       "negd",
	OpEqD:        "eqd",
	OpLtD:        "ltd",
	OpLeD:        "led",
	OpGtD:        "gtd",
	OpGeD:        "ged",
	OpEqP:        "eqp",
	OpLdShape:    "ldshape",
	OpLdClass:    "ldclass",
	OpLdLength:   "ldlength",
	OpLdDslots:   "lddslots",
	OpLdCapacity: "ldcap",
	OpLdSlot:     "ldslot",
	OpStSlot:     "stslot",
	OpLdElem:     "ldelem",
	OpStElem:     "stelem",
	OpCall:       "call",
	OpXt:         "xt",
	OpXf:         "xf",
	OpLoop:       "loop",
}

func (op Opcode) String() string {
	if op < opCount && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Kind 指令结果的表示
type Kind uint8

const (
	KindNone   Kind = iota // 无结果 (存储、守卫)
	KindInt                // int32
	KindDouble             // float64
	KindRef                // 引用或装箱值
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindRef:
		return "ref"
	}
	return "none"
}

// ============================================================================
// 指令
// ============================================================================

// Ins LIR 指令
type Ins struct {
	Op   Opcode
	A    *Ins
	B    *Ins
	C    *Ins
	Imm  int32
	ImmD float64
	Ref  interface{}
	Fid  Fid
	Exit *SideExit

	// ID 在缓冲区中的位置, 追加时分配
	ID int
}

// Result 结果表示
func (i *Ins) Result() Kind {
	switch i.Op {
	case OpImmI, OpLdI, OpAddI, OpSubI, OpMulI, OpNegI, OpAndI, OpOrI, OpXorI,
		OpNotI, OpLshI, OpRshI, OpUshI, OpOv,
		OpEqI, OpLtI, OpLeI, OpGtI, OpGeI, OpLtU, OpLeU, OpGtU, OpGeU,
		OpEqD, OpLtD, OpLeD, OpGtD, OpGeD, OpEqP,
		OpLdClass, OpLdLength, OpLdDslots, OpLdCapacity:
		return KindInt
	case OpImmD, OpLdD, OpI2F, OpU2F, OpAddD, OpSubD, OpMulD, OpDivD, OpNegD:
		return KindDouble
	case OpImmP, OpLdP, OpLdShape, OpLdSlot, OpLdElem:
		return KindRef
	case OpCall:
		return i.Fid.Info().Result
	}
	return KindNone
}

// IsImmI 是否为 int 立即数
func (i *Ins) IsImmI() bool { return i.Op == OpImmI }

// IsImmD 是否为 double 立即数
func (i *Ins) IsImmD() bool { return i.Op == OpImmD }

// IsGuard 是否为守卫
func (i *Ins) IsGuard() bool {
	return i.Op == OpXt || i.Op == OpXf || i.Op == OpLoop
}

// IsStore 是否为存储
func (i *Ins) IsStore() bool {
	switch i.Op {
	case OpStI, OpStD, OpStP, OpStSlot, OpStElem:
		return true
	}
	return false
}

// IsFrameLoad 是否从交接帧读取
func (i *Ins) IsFrameLoad() bool {
	return i.Op == OpLdI || i.Op == OpLdD || i.Op == OpLdP
}

// HasSideEffects 是否不能被删除
func (i *Ins) HasSideEffects() bool {
	return i.IsGuard() || i.IsStore()
}

// IsIntArith 可能溢出的整数运算
func (i *Ins) IsIntArith() bool {
	switch i.Op {
	case OpAddI, OpSubI, OpMulI, OpNegI:
		return true
	}
	return false
}

// Operands 依次返回非空操作数
func (i *Ins) Operands() []*Ins {
	ops := make([]*Ins, 0, 3)
	for _, o := range [...]*Ins{i.A, i.B, i.C} {
		if o != nil {
			ops = append(ops, o)
		}
	}
	return ops
}

// ============================================================================
// 构造函数
// ============================================================================

// ImmI 创建 int 立即数
func ImmI(v int32) *Ins { return &Ins{Op: OpImmI, Imm: v} }

// ImmD 创建 double 立即数
func ImmD(v float64) *Ins { return &Ins{Op: OpImmD, ImmD: v} }

// ImmP 创建引用立即数
func ImmP(ref interface{}) *Ins { return &Ins{Op: OpImmP, Ref: ref} }

// Ins1 创建单操作数指令
func Ins1(op Opcode, a *Ins) *Ins { return &Ins{Op: op, A: a} }

// Ins2 创建双操作数指令
func Ins2(op Opcode, a, b *Ins) *Ins { return &Ins{Op: op, A: a, B: b} }

// Load 创建交接帧读取
func Load(op Opcode, slot int) *Ins { return &Ins{Op: op, Imm: int32(slot)} }

// Store 创建交接帧存储
func Store(op Opcode, v *Ins, slot int) *Ins { return &Ins{Op: op, A: v, Imm: int32(slot)} }

// Call 创建内置函数调用
func Call(fid Fid, args ...*Ins) *Ins {
	ins := &Ins{Op: OpCall, Fid: fid}
	if len(args) > 0 {
		ins.A = args[0]
	}
	if len(args) > 1 {
		ins.B = args[1]
	}
	return ins
}

// Guard 创建守卫
func Guard(op Opcode, cond *Ins, exit *SideExit) *Ins {
	return &Ins{Op: op, A: cond, Exit: exit}
}

// IsIntegralDouble 是否为可以无损转为 int32 的 double (-0 除外)
func IsIntegralDouble(d float64) bool {
	if d != math.Trunc(d) || d < math.MinInt32 || d > math.MaxInt32 {
		return false
	}
	return !(d == 0 && math.Signbit(d))
}

// IsUint32Double 是否为可以无损转为 uint32 的 double
func IsUint32Double(d float64) bool {
	if d != math.Trunc(d) || d < 0 || d > math.MaxUint32 {
		return false
	}
	return !(d == 0 && math.Signbit(d))
}
