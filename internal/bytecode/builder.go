package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Label 跳转标签
type Label int

// ScriptBuilder 字节码构建器
// 负责常量池、名字表的去重以及跳转地址回填
type ScriptBuilder struct {
	script  *Script
	labels  []int // label -> 地址, -1 表示未绑定
	patches []jumpPatch
	atoms   map[string]uint16
}

type jumpPatch struct {
	at    int // 跳转指令起始位置
	label Label
}

// NewScriptBuilder 创建字节码构建器
func NewScriptBuilder(name string, nargs, nvars int) *ScriptBuilder {
	return &ScriptBuilder{
		script: &Script{Name: name, NArgs: nargs, NVars: nvars},
		atoms:  make(map[string]uint16),
	}
}

// PC 当前写入位置
func (b *ScriptBuilder) PC() int {
	return len(b.script.Code)
}

// Op 写入无操作数指令
func (b *ScriptBuilder) Op(op OpCode) *ScriptBuilder {
	b.script.Code = append(b.script.Code, byte(op))
	return b
}

// OpU16 写入带 u16 操作数的指令
func (b *ScriptBuilder) OpU16(op OpCode, v int) *ScriptBuilder {
	b.script.Code = append(b.script.Code, byte(op), 0, 0)
	binary.BigEndian.PutUint16(b.script.Code[len(b.script.Code)-2:], uint16(v))
	return b
}

// Int 压入整数常量, 选择最短的编码
func (b *ScriptBuilder) Int(n int) *ScriptBuilder {
	switch {
	case n == 0:
		return b.Op(OpZero)
	case n == 1:
		return b.Op(OpOne)
	case n >= -128 && n <= 127:
		b.script.Code = append(b.script.Code, byte(OpInt8), byte(int8(n)))
		return b
	case n >= 0 && n <= 0xffff:
		return b.OpU16(OpUint16, n)
	}
	return b.Number(float64(n))
}

// Number 压入数字常量
func (b *ScriptBuilder) Number(f float64) *ScriptBuilder {
	return b.OpU16(OpDouble, int(b.Constant(NewDouble(f))))
}

// Str 压入字符串常量
func (b *ScriptBuilder) Str(s string) *ScriptBuilder {
	return b.OpU16(OpString, int(b.Constant(NewString(s))))
}

// Call 写入调用指令
func (b *ScriptBuilder) Call(argc int) *ScriptBuilder {
	b.script.Code = append(b.script.Code, byte(OpCall), byte(argc))
	return b
}

// Name 写入带名字操作数的指令 (GETGNAME / SETGNAME / GETPROP / SETPROP)
func (b *ScriptBuilder) Name(op OpCode, name string) *ScriptBuilder {
	return b.OpU16(op, int(b.Atom(name)))
}

// Constant 添加常量，返回索引
func (b *ScriptBuilder) Constant(v Value) uint16 {
	b.script.Constants = append(b.script.Constants, v)
	return uint16(len(b.script.Constants) - 1)
}

// Atom 添加名字，相同名字返回同一索引
func (b *ScriptBuilder) Atom(name string) uint16 {
	if idx, ok := b.atoms[name]; ok {
		return idx
	}
	idx := uint16(len(b.script.Atoms))
	b.script.Atoms = append(b.script.Atoms, name)
	b.atoms[name] = idx
	return idx
}

// NewLabel 创建未绑定的标签
func (b *ScriptBuilder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Bind 把标签绑定到当前位置
func (b *ScriptBuilder) Bind(l Label) *ScriptBuilder {
	b.labels[l] = b.PC()
	return b
}

// Jump 写入跳转指令, 目标在 Build 时回填
func (b *ScriptBuilder) Jump(op OpCode, l Label) *ScriptBuilder {
	if !op.IsJump() {
		panic(fmt.Sprintf("bytecode: %s is not a jump", op))
	}
	b.patches = append(b.patches, jumpPatch{at: b.PC(), label: l})
	b.script.Code = append(b.script.Code, byte(op), 0, 0)
	return b
}

// Build 回填跳转并计算最大栈深度
func (b *ScriptBuilder) Build() (*Script, error) {
	for _, p := range b.patches {
		target := b.labels[p.label]
		if target < 0 {
			return nil, fmt.Errorf("label %d is never bound", p.label)
		}
		off := target - p.at
		if off > 32767 || off < -32768 {
			return nil, fmt.Errorf("jump offset %d out of range", off)
		}
		binary.BigEndian.PutUint16(b.script.Code[p.at+1:], uint16(int16(off)))
	}
	depth, err := maxStackDepth(b.script)
	if err != nil {
		return nil, err
	}
	b.script.MaxStack = depth
	return b.script, nil
}

// MustBuild 同 Build, 出错时 panic (用于内置样例和测试)
func (b *ScriptBuilder) MustBuild() *Script {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// maxStackDepth 沿控制流计算操作数栈的最大深度
func maxStackDepth(s *Script) (int, error) {
	depthAt := make(map[int]int)
	work := []int{0}
	depthAt[0] = 0
	maxDepth := 0

	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		depth := depthAt[pc]

		for pc < len(s.Code) {
			op := s.OpAt(pc)
			pops, pushes := stackEffect(s, pc)
			if depth < pops {
				return 0, fmt.Errorf("stack underflow at %04d (%s)", pc, op)
			}
			depth += pushes - pops
			if depth > maxDepth {
				maxDepth = depth
			}

			if op.IsJump() {
				target := s.JumpTarget(pc)
				if d, seen := depthAt[target]; !seen {
					depthAt[target] = depth
					work = append(work, target)
				} else if d != depth {
					return 0, fmt.Errorf("inconsistent stack depth at %04d", target)
				}
				if op == OpGoto {
					break
				}
			}
			if op == OpReturn || op == OpStop || op == OpThrow {
				break
			}
			pc += op.Length()
			if d, seen := depthAt[pc]; seen {
				if d != depth {
					return 0, fmt.Errorf("inconsistent stack depth at %04d", pc)
				}
				break
			}
			depthAt[pc] = depth
		}
	}
	return maxDepth, nil
}

// stackEffect 返回指令弹出和压入的值个数
func stackEffect(s *Script, pc int) (pops, pushes int) {
	op := s.OpAt(pc)
	switch op {
	case OpNop, OpGoto:
		return 0, 0
	case OpPop, OpIfEq, OpIfNe, OpReturn, OpThrow:
		return 1, 0
	case OpPopN:
		return s.Operand(pc), 0
	case OpDup:
		return 1, 2
	case OpDup2:
		return 2, 4
	case OpUndefined, OpNull, OpTrue, OpFalse, OpZero, OpOne, OpInt8, OpUint16,
		OpDouble, OpString, OpGetArg, OpGetVar, OpGetGName, OpNewObject,
		OpIncArg, OpDecArg, OpArgInc, OpArgDec, OpIncVar, OpDecVar, OpVarInc, OpVarDec,
		OpIncGName, OpDecGName, OpGNameInc, OpGNameDec:
		return 0, 1
	case OpSetArg, OpSetVar, OpSetGName, OpGetProp, OpNeg, OpBitNot, OpNot, OpTypeof:
		return 1, 1
	case OpSetProp, OpGetElem,
		OpAdd, OpSub, OpMul, OpDiv, OpMod,
		OpBitAnd, OpBitOr, OpBitXor, OpLsh, OpRsh, OpUrsh,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return 2, 1
	case OpSetElem:
		return 3, 1
	case OpCall:
		return s.Operand(pc) + 1, 1
	case OpNewArray:
		return s.Operand(pc), 1
	}
	return 0, 0
}
