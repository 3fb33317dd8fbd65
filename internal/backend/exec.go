package backend

import (
	"math"
	"strings"

	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/lir"
)

// ============================================================================
// 交接帧
// ============================================================================

// Frame 解释器与编译代码之间的交接帧
// 每个槽位 8 字节: int32 / double / 布尔值放在 Bits, 对象与字符串放在 Refs
type Frame struct {
	Bits []uint64
	Refs []interface{}
}

// NewFrame 创建 n 个槽位的交接帧
func NewFrame(n int) *Frame {
	return &Frame{Bits: make([]uint64, n), Refs: make([]interface{}, n)}
}

// Len 槽位数
func (f *Frame) Len() int {
	return len(f.Bits)
}

// Int 读取 int32 槽位
func (f *Frame) Int(i int) int32 { return int32(uint32(f.Bits[i])) }

// Double 读取 double 槽位
func (f *Frame) Double(i int) float64 { return math.Float64frombits(f.Bits[i]) }

// SetInt 写入 int32 槽位
func (f *Frame) SetInt(i int, v int32) { f.Bits[i] = uint64(uint32(v)); f.Refs[i] = nil }

// SetDouble 写入 double 槽位
func (f *Frame) SetDouble(i int, v float64) { f.Bits[i] = math.Float64bits(v); f.Refs[i] = nil }

// SetRef 写入引用槽位
func (f *Frame) SetRef(i int, v interface{}) { f.Bits[i] = 0; f.Refs[i] = v }

// ============================================================================
// 可执行代码
// ============================================================================

// step 一条编译后的指令, 返回下一条指令的位置, -1 表示从侧出口离开
type step func(m *machine) int

// machine 寄存器文件, 每条指令一个寄存器
type machine struct {
	bits  []uint64
	refs  []interface{}
	ov    []bool
	frame *Frame
	exit  *lir.GuardRecord
}

func (m *machine) i32(r int) int32 { return int32(uint32(m.bits[r])) }
func (m *machine) f64(r int) float64 { return math.Float64frombits(m.bits[r]) }
func (m *machine) setInt(r int, v int32) { m.bits[r] = uint64(uint32(v)) }
func (m *machine) setDouble(r int, v float64) {
	m.bits[r] = math.Float64bits(v)
}
func (m *machine) setBool(r int, b bool) {
	if b {
		m.bits[r] = 1
	} else {
		m.bits[r] = 0
	}
}

// Code 编译产物, 编译后不可变, 可以重复进入
type Code struct {
	steps  []step
	ins    []*lir.Ins
	guards []*lir.GuardRecord
}

// Run 在交接帧上执行, 返回导致退出的守卫记录
func (c *Code) Run(f *Frame) *lir.GuardRecord {
	n := len(c.steps)
	m := &machine{
		bits:  make([]uint64, n),
		refs:  make([]interface{}, n),
		ov:    make([]bool, n),
		frame: f,
	}
	for pc := 0; pc >= 0; {
		pc = c.steps[pc](m)
	}
	return m.exit
}

// Len 编译后的指令数
func (c *Code) Len() int {
	return len(c.steps)
}

// Guards 守卫记录
func (c *Code) Guards() []*lir.GuardRecord {
	return c.guards
}

// Dump 打印优化后的指令
func (c *Code) Dump() string {
	var sb strings.Builder
	for _, ins := range c.ins {
		sb.WriteString(lir.Format(ins))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ============================================================================
// 编译
// ============================================================================

type compiler struct {
	t   *Trace
	reg map[*lir.Ins]int
}

func newCompiler(t *Trace) *compiler {
	return &compiler{t: t, reg: make(map[*lir.Ins]int, len(t.Ins))}
}

func (c *compiler) compile() *Code {
	code := &Code{
		steps: make([]step, len(c.t.Ins)),
		ins:   c.t.Ins,
	}
	for r, ins := range c.t.Ins {
		c.reg[ins] = r
		var g *lir.GuardRecord
		if ins.IsGuard() {
			g = &lir.GuardRecord{ID: len(code.guards), Guard: ins, Exit: ins.Exit}
			code.guards = append(code.guards, g)
		}
		code.steps[r] = c.step(ins, r, g)
	}
	return code
}

func (c *compiler) operand(ins *lir.Ins) int {
	if ins == nil {
		return -1
	}
	return c.reg[ins]
}

func (c *compiler) step(ins *lir.Ins, r int, g *lir.GuardRecord) step {
	a, b, cc := c.operand(ins.A), c.operand(ins.B), c.operand(ins.C)
	next := r + 1

	switch ins.Op {
	case lir.OpImmI:
		v := ins.Imm
		return func(m *machine) int { m.setInt(r, v); return next }
	case lir.OpImmD:
		v := ins.ImmD
		return func(m *machine) int { m.setDouble(r, v); return next }
	case lir.OpImmP:
		v := ins.Ref
		return func(m *machine) int { m.refs[r] = v; return next }

	case lir.OpLdI, lir.OpLdD:
		slot := int(ins.Imm)
		return func(m *machine) int { m.bits[r] = m.frame.Bits[slot]; return next }
	case lir.OpLdP:
		slot := int(ins.Imm)
		return func(m *machine) int { m.refs[r] = m.frame.Refs[slot]; return next }
	case lir.OpStI:
		slot := int(ins.Imm)
		return func(m *machine) int { m.frame.SetInt(slot, m.i32(a)); return next }
	case lir.OpStD:
		slot := int(ins.Imm)
		return func(m *machine) int { m.frame.SetDouble(slot, m.f64(a)); return next }
	case lir.OpStP:
		slot := int(ins.Imm)
		return func(m *machine) int { m.frame.SetRef(slot, m.refs[a]); return next }

	case lir.OpI2F:
		return func(m *machine) int { m.setDouble(r, float64(m.i32(a))); return next }
	case lir.OpU2F:
		return func(m *machine) int { m.setDouble(r, float64(uint32(m.i32(a)))); return next }

	case lir.OpAddI:
		return func(m *machine) int {
			s := int64(m.i32(a)) + int64(m.i32(b))
			m.setInt(r, int32(s))
			m.ov[r] = s != int64(int32(s))
			return next
		}
	case lir.OpSubI:
		return func(m *machine) int {
			s := int64(m.i32(a)) - int64(m.i32(b))
			m.setInt(r, int32(s))
			m.ov[r] = s != int64(int32(s))
			return next
		}
	case lir.OpMulI:
		return func(m *machine) int {
			x, y := int64(m.i32(a)), int64(m.i32(b))
			p := x * y
			m.setInt(r, int32(p))
			// 结果为 0 且有负操作数时 double 结果是 -0, int 无法表示
			m.ov[r] = p != int64(int32(p)) || (p == 0 && (x < 0 || y < 0))
			return next
		}
	case lir.OpNegI:
		return func(m *machine) int {
			x := m.i32(a)
			m.setInt(r, -x)
			m.ov[r] = x == 0 || x == math.MinInt32
			return next
		}
	case lir.OpAndI:
		return func(m *machine) int { m.setInt(r, m.i32(a)&m.i32(b)); return next }
	case lir.OpOrI:
		return func(m *machine) int { m.setInt(r, m.i32(a)|m.i32(b)); return next }
	case lir.OpXorI:
		return func(m *machine) int { m.setInt(r, m.i32(a)^m.i32(b)); return next }
	case lir.OpNotI:
		return func(m *machine) int { m.setInt(r, ^m.i32(a)); return next }
	case lir.OpLshI:
		return func(m *machine) int { m.setInt(r, m.i32(a)<<(uint32(m.i32(b))&31)); return next }
	case lir.OpRshI:
		return func(m *machine) int { m.setInt(r, m.i32(a)>>(uint32(m.i32(b))&31)); return next }
	case lir.OpUshI:
		return func(m *machine) int {
			m.setInt(r, int32(uint32(m.i32(a))>>(uint32(m.i32(b))&31)))
			return next
		}
	case lir.OpOv:
		return func(m *machine) int { m.setBool(r, m.ov[a]); return next }

	case lir.OpEqI:
		return func(m *machine) int { m.setBool(r, m.i32(a) == m.i32(b)); return next }
	case lir.OpLtI:
		return func(m *machine) int { m.setBool(r, m.i32(a) < m.i32(b)); return next }
	case lir.OpLeI:
		return func(m *machine) int { m.setBool(r, m.i32(a) <= m.i32(b)); return next }
	case lir.OpGtI:
		return func(m *machine) int { m.setBool(r, m.i32(a) > m.i32(b)); return next }
	case lir.OpGeI:
		return func(m *machine) int { m.setBool(r, m.i32(a) >= m.i32(b)); return next }
	case lir.OpLtU:
		return func(m *machine) int { m.setBool(r, uint32(m.i32(a)) < uint32(m.i32(b))); return next }
	case lir.OpLeU:
		return func(m *machine) int { m.setBool(r, uint32(m.i32(a)) <= uint32(m.i32(b))); return next }
	case lir.OpGtU:
		return func(m *machine) int { m.setBool(r, uint32(m.i32(a)) > uint32(m.i32(b))); return next }
	case lir.OpGeU:
		return func(m *machine) int { m.setBool(r, uint32(m.i32(a)) >= uint32(m.i32(b))); return next }

	case lir.OpAddD:
		return func(m *machine) int { m.setDouble(r, m.f64(a)+m.f64(b)); return next }
	case lir.OpSubD:
		return func(m *machine) int { m.setDouble(r, m.f64(a)-m.f64(b)); return next }
	case lir.OpMulD:
		return func(m *machine) int { m.setDouble(r, m.f64(a)*m.f64(b)); return next }
	case lir.OpDivD:
		return func(m *machine) int { m.setDouble(r, m.f64(a)/m.f64(b)); return next }
	case lir.OpNegD:
		return func(m *machine) int { m.setDouble(r, -m.f64(a)); return next }
	case lir.OpEqD:
		return func(m *machine) int { m.setBool(r, m.f64(a) == m.f64(b)); return next }
	case lir.OpLtD:
		return func(m *machine) int { m.setBool(r, m.f64(a) < m.f64(b)); return next }
	case lir.OpLeD:
		return func(m *machine) int { m.setBool(r, m.f64(a) <= m.f64(b)); return next }
	case lir.OpGtD:
		return func(m *machine) int { m.setBool(r, m.f64(a) > m.f64(b)); return next }
	case lir.OpGeD:
		return func(m *machine) int { m.setBool(r, m.f64(a) >= m.f64(b)); return next }
	case lir.OpEqP:
		return func(m *machine) int { m.setBool(r, m.refs[a] == m.refs[b]); return next }

	case lir.OpLdShape:
		return func(m *machine) int {
			var shape *bytecode.Shape
			if obj, _ := m.refs[a].(*bytecode.Object); obj != nil {
				shape = obj.Shape
			}
			m.refs[r] = shape
			return next
		}
	case lir.OpLdClass:
		return func(m *machine) int {
			cls := int32(-1)
			if obj, _ := m.refs[a].(*bytecode.Object); obj != nil {
				cls = int32(obj.Class)
			}
			m.setInt(r, cls)
			return next
		}
	case lir.OpLdLength:
		return func(m *machine) int { m.setInt(r, int32(m.refs[a].(*bytecode.Object).Length)); return next }
	case lir.OpLdDslots:
		return func(m *machine) int { m.setBool(r, m.refs[a].(*bytecode.Object).Elems != nil); return next }
	case lir.OpLdCapacity:
		return func(m *machine) int { m.setInt(r, int32(len(m.refs[a].(*bytecode.Object).Elems))); return next }
	case lir.OpLdSlot:
		slot := int(ins.Imm)
		return func(m *machine) int { m.refs[r] = m.refs[a].(*bytecode.Object).Slots[slot]; return next }
	case lir.OpStSlot:
		slot := int(ins.Imm)
		return func(m *machine) int {
			m.refs[a].(*bytecode.Object).Slots[slot] = m.refs[b].(bytecode.Value)
			return next
		}
	case lir.OpLdElem:
		return func(m *machine) int { m.refs[r] = m.refs[a].(*bytecode.Object).Elems[m.i32(b)]; return next }
	case lir.OpStElem:
		return func(m *machine) int {
			m.refs[a].(*bytecode.Object).Elems[m.i32(b)] = m.refs[cc].(bytecode.Value)
			return next
		}

	case lir.OpCall:
		return callStep(ins.Fid, r, a, b)

	case lir.OpXt:
		return func(m *machine) int {
			if m.i32(a) != 0 {
				m.exit = g
				return -1
			}
			return next
		}
	case lir.OpXf:
		return func(m *machine) int {
			if m.i32(a) == 0 {
				m.exit = g
				return -1
			}
			return next
		}
	case lir.OpLoop:
		return func(m *machine) int { return 0 }
	}

	panic("backend: cannot compile " + ins.Op.String())
}
