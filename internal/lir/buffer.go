package lir

import (
	"fmt"
	"strings"
)

// Buffer LIR 指令缓冲区
type Buffer struct {
	ins []*Ins
}

// NewBuffer 创建缓冲区
func NewBuffer() *Buffer {
	return &Buffer{ins: make([]*Ins, 0, 256)}
}

// Append 追加指令并分配 ID
func (b *Buffer) Append(ins *Ins) *Ins {
	ins.ID = len(b.ins)
	b.ins = append(b.ins, ins)
	return ins
}

// Len 指令个数
func (b *Buffer) Len() int {
	return len(b.ins)
}

// At 第 i 条指令
func (b *Buffer) At(i int) *Ins {
	return b.ins[i]
}

// Ins 所有指令
func (b *Buffer) Ins() []*Ins {
	return b.ins
}

// Last 最后一条指令
func (b *Buffer) Last() *Ins {
	if len(b.ins) == 0 {
		return nil
	}
	return b.ins[len(b.ins)-1]
}

// Guards 按顺序返回所有守卫
func (b *Buffer) Guards() []*Ins {
	var out []*Ins
	for _, ins := range b.ins {
		if ins.IsGuard() {
			out = append(out, ins)
		}
	}
	return out
}

// Reset 清空缓冲区
func (b *Buffer) Reset() {
	b.ins = b.ins[:0]
}

// Dump 打印 LIR
func (b *Buffer) Dump() string {
	var sb strings.Builder
	sb.Grow(len(b.ins) * 32)
	for _, ins := range b.ins {
		sb.WriteString(Format(ins))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Format 格式化单条指令
func Format(ins *Ins) string {
	var sb strings.Builder
	if ins.Result() != KindNone {
		fmt.Fprintf(&sb, "%5s = ", ref(ins))
	} else {
		sb.WriteString("        ")
	}
	sb.WriteString(ins.Op.String())

	switch ins.Op {
	case OpImmI:
		fmt.Fprintf(&sb, " %d", ins.Imm)
	case OpImmD:
		fmt.Fprintf(&sb, " %g", ins.ImmD)
	case OpImmP:
		fmt.Fprintf(&sb, " %p", ins.Ref)
	case OpLdI, OpLdD, OpLdP:
		fmt.Fprintf(&sb, " sp[%d]", ins.Imm)
	case OpStI, OpStD, OpStP:
		fmt.Fprintf(&sb, " sp[%d], %s", ins.Imm, ref(ins.A))
	case OpLdSlot:
		fmt.Fprintf(&sb, " %s.slot[%d]", ref(ins.A), ins.Imm)
	case OpStSlot:
		fmt.Fprintf(&sb, " %s.slot[%d], %s", ref(ins.A), ins.Imm, ref(ins.B))
	case OpCall:
		sb.WriteString(" " + ins.Fid.String() + "(")
		for i, a := range ins.Operands() {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(ref(a))
		}
		sb.WriteString(")")
	default:
		for i, a := range ins.Operands() {
			if i == 0 {
				sb.WriteByte(' ')
			} else {
				sb.WriteString(", ")
			}
			sb.WriteString(ref(a))
		}
	}
	if ins.Exit != nil {
		sb.WriteString(" -> ")
		sb.WriteString(ins.Exit.String())
	}
	return sb.String()
}

func ref(ins *Ins) string {
	if ins == nil {
		return "nil"
	}
	return fmt.Sprintf("v%d", ins.ID)
}
