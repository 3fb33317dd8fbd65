package jit

import (
	"math"

	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/jit/types"
	"github.com/tangzhangming/novatrace/internal/lir"
)

// ============================================================================
// LIR 构造管道
// ============================================================================

// Stage 管道阶段, 按顺序执行
type Stage uint8

const (
	StageSpecialize Stage = iota // 整数特化
	StageExitMap                 // 侧出口类型映射合成
	StageSimplify                // 常量折叠与代数化简
	StageCSE                     // 公共子表达式消除
	StageBuffer                  // 写入缓冲区
)

func (s Stage) String() string {
	switch s {
	case StageSpecialize:
		return "specialize"
	case StageExitMap:
		return "exitmap"
	case StageSimplify:
		return "simplify"
	case StageCSE:
		return "cse"
	case StageBuffer:
		return "buffer"
	}
	return "unknown"
}

// ExitSource 提供侧出口需要的解释器状态
type ExitSource interface {
	// Snapshot 当前指令处的侧出口, TypeMap 由管道填写
	Snapshot(kind lir.ExitKind) *lir.SideExit
	// ExitTypeMap 按槽位枚举顺序给出当前的存储类型
	ExitTypeMap() types.TypeMap
}

type cseKey struct {
	op   lir.Opcode
	a    *lir.Ins
	b    *lir.Ins
	c    *lir.Ins
	imm  int32
	immD uint64
	ref  interface{}
	fid  lir.Fid
}

// Pipeline 每条指令依次经过特化、出口映射、化简和 CSE 后写入缓冲区
type Pipeline struct {
	buf   *lir.Buffer
	src   ExitSource
	exprs map[cseKey]*lir.Ins
	loads map[cseKey]*lir.Ins // 对象内存读取, 遇到存储时失效
}

// NewPipeline 创建管道
func NewPipeline(buf *lir.Buffer, src ExitSource) *Pipeline {
	return &Pipeline{
		buf:   buf,
		src:   src,
		exprs: make(map[cseKey]*lir.Ins),
		loads: make(map[cseKey]*lir.Ins),
	}
}

// Buffer 输出缓冲区
func (p *Pipeline) Buffer() *lir.Buffer {
	return p.buf
}

// Emit 从第一个阶段开始发射指令, 返回替代它的节点
// 被证明永远通过的守卫返回 nil
func (p *Pipeline) Emit(ins *lir.Ins) *lir.Ins {
	return p.emit(StageSpecialize, ins)
}

// EmitAt 从指定阶段开始发射指令
func (p *Pipeline) EmitAt(stage Stage, ins *lir.Ins) *lir.Ins {
	return p.emit(stage, ins)
}

func (p *Pipeline) emit(stage Stage, ins *lir.Ins) *lir.Ins {
	switch stage {
	case StageSpecialize:
		if out := p.specialize(ins); out != nil {
			return out
		}
		return p.emit(StageExitMap, ins)
	case StageExitMap:
		return p.emit(StageSimplify, p.exitMap(ins))
	case StageSimplify:
		out, fresh := p.simplify(ins)
		if out == nil || !fresh {
			return out
		}
		return p.emit(StageCSE, out)
	case StageCSE:
		return p.cse(ins)
	}
	return p.buf.Append(ins)
}

// ============================================================================
// 整数特化
// ============================================================================

// isPromoteInt 节点是否为 int32 提升成的 double
func isPromoteInt(ins *lir.Ins) bool {
	switch ins.Op {
	case lir.OpI2F:
		return true
	case lir.OpImmD:
		return lir.IsIntegralDouble(ins.ImmD)
	}
	return false
}

// isPromoteUint 节点是否为 uint32 提升成的 double
func isPromoteUint(ins *lir.Ins) bool {
	switch ins.Op {
	case lir.OpU2F:
		return true
	case lir.OpImmD:
		return lir.IsUint32Double(ins.ImmD)
	}
	return false
}

func isPromote(ins *lir.Ins) bool {
	return isPromoteInt(ins) || isPromoteUint(ins)
}

// isNeverNaN 提升值以及两个提升值的加减乘不可能是 NaN
func isNeverNaN(ins *lir.Ins) bool {
	switch ins.Op {
	case lir.OpAddD, lir.OpSubD, lir.OpMulD:
		return isPromote(ins.A) && isPromote(ins.B)
	}
	return isPromote(ins)
}

// demote 返回提升节点对应的整数节点
func (p *Pipeline) demote(ins *lir.Ins) *lir.Ins {
	if ins.Op == lir.OpI2F || ins.Op == lir.OpU2F {
		return ins.A
	}
	if ins.Op == lir.OpImmD {
		return p.emit(StageCSE, lir.ImmI(int32(uint32(int64(ins.ImmD)))))
	}
	panic("jit: demote of non-promoted " + ins.Op.String())
}

var intArithOf = map[lir.Opcode]lir.Opcode{
	lir.OpAddD: lir.OpAddI,
	lir.OpSubD: lir.OpSubI,
	lir.OpMulD: lir.OpMulI,
}

var intCompareOf = map[lir.Opcode]lir.Opcode{
	lir.OpEqD: lir.OpEqI,
	lir.OpLtD: lir.OpLtI,
	lir.OpLeD: lir.OpLeI,
	lir.OpGtD: lir.OpGtI,
	lir.OpGeD: lir.OpGeI,
}

var uintCompareOf = map[lir.Opcode]lir.Opcode{
	lir.OpEqD: lir.OpEqI,
	lir.OpLtD: lir.OpLtU,
	lir.OpLeD: lir.OpLeU,
	lir.OpGtD: lir.OpGtU,
	lir.OpGeD: lir.OpGeU,
}

// guardOverflow 发射整数运算及其溢出守卫, 返回提升回 double 的结果
func (p *Pipeline) guardOverflow(op lir.Opcode, a, b *lir.Ins) *lir.Ins {
	r := p.emit(StageExitMap, &lir.Ins{Op: op, A: a, B: b})
	ov := p.emit(StageExitMap, lir.Ins1(lir.OpOv, r))
	p.emit(StageExitMap, lir.Guard(lir.OpXt, ov, p.src.Snapshot(lir.ExitOverflow)))
	return p.emit(StageExitMap, lir.Ins1(lir.OpI2F, r))
}

// specialize 返回 nil 表示原样交给下一阶段
func (p *Pipeline) specialize(ins *lir.Ins) *lir.Ins {
	switch ins.Op {
	case lir.OpNegD:
		if isPromoteInt(ins.A) {
			return p.guardOverflow(lir.OpNegI, p.demote(ins.A), nil)
		}

	case lir.OpAddD, lir.OpSubD, lir.OpMulD:
		if isPromoteInt(ins.A) && isPromoteInt(ins.B) {
			return p.guardOverflow(intArithOf[ins.Op], p.demote(ins.A), p.demote(ins.B))
		}

	case lir.OpEqD, lir.OpLtD, lir.OpLeD, lir.OpGtD, lir.OpGeD:
		if ins.Op == lir.OpEqD && ins.A == ins.B && isNeverNaN(ins.A) {
			return p.emit(StageCSE, lir.ImmI(1))
		}
		if isPromoteInt(ins.A) && isPromoteInt(ins.B) {
			return p.emit(StageExitMap, lir.Ins2(intCompareOf[ins.Op], p.demote(ins.A), p.demote(ins.B)))
		}
		if isPromoteUint(ins.A) && isPromoteUint(ins.B) {
			return p.emit(StageExitMap, lir.Ins2(uintCompareOf[ins.Op], p.demote(ins.A), p.demote(ins.B)))
		}

	case lir.OpCall:
		return p.specializeCall(ins)
	}
	return nil
}

func (p *Pipeline) specializeCall(ins *lir.Ins) *lir.Ins {
	arg := ins.A
	switch ins.Fid {
	case lir.FidDoubleToInt32, lir.FidDoubleToUint32:
		switch {
		case arg.Op == lir.OpImmD:
			if ins.Fid == lir.FidDoubleToUint32 {
				return p.emit(StageCSE, lir.ImmI(int32(bytecode.ToUint32(arg.ImmD))))
			}
			return p.emit(StageCSE, lir.ImmI(bytecode.ToInt32(arg.ImmD)))
		case arg.Op == lir.OpI2F || arg.Op == lir.OpU2F:
			return arg.A
		}
		// 加减的精确结果小于 2^33, double 能精确表示, 取模 2^32 正是 ToInt32 的语义。
		// 乘积可能超过 2^53, double 已经舍入, 不能换成整数乘法
		if arg.Op == lir.OpAddD || arg.Op == lir.OpSubD {
			a, b := arg.A, arg.B
			if isPromote(a) && isPromote(b) {
				return p.emit(StageExitMap, lir.Ins2(intArithOf[arg.Op], p.demote(a), p.demote(b)))
			}
		}

	case lir.FidBoxDouble:
		if arg.Op == lir.OpI2F {
			return p.emit(StageExitMap, lir.Call(lir.FidBoxInt32, arg.A))
		}
	}
	return nil
}

// ============================================================================
// 侧出口映射
// ============================================================================

// exitMap 为守卫填写出口类型映射, 并把提升值的存储改为整数存储
func (p *Pipeline) exitMap(ins *lir.Ins) *lir.Ins {
	switch {
	case (ins.Op == lir.OpXt || ins.Op == lir.OpXf) && ins.Exit != nil && ins.Exit.TypeMap == nil:
		ins.Exit.TypeMap = p.src.ExitTypeMap()
	case ins.Op == lir.OpStD && isPromoteInt(ins.A):
		return lir.Store(lir.OpStI, p.demote(ins.A), int(ins.Imm))
	}
	return ins
}

// ============================================================================
// 化简
// ============================================================================

// simplify 返回替代节点; fresh 为 true 表示该节点还需要继续发射
func (p *Pipeline) simplify(ins *lir.Ins) (*lir.Ins, bool) {
	a, b := ins.A, ins.B

	switch ins.Op {
	case lir.OpXt, lir.OpXf:
		if a.IsImmI() && (a.Imm != 0) == (ins.Op == lir.OpXf) {
			return nil, false
		}
		return ins, true

	case lir.OpOv:
		if !a.IsIntArith() {
			return lir.ImmI(0), true
		}

	case lir.OpI2F:
		if a.IsImmI() {
			return lir.ImmD(float64(a.Imm)), true
		}
	case lir.OpU2F:
		if a.IsImmI() {
			return lir.ImmD(float64(uint32(a.Imm))), true
		}

	case lir.OpNegI:
		if a.IsImmI() && a.Imm != 0 && a.Imm != math.MinInt32 {
			return lir.ImmI(-a.Imm), true
		}
		if a.Op == lir.OpNegI {
			return a.A, false
		}
	case lir.OpNegD:
		if a.IsImmD() {
			return lir.ImmD(-a.ImmD), true
		}
		if a.Op == lir.OpNegD {
			return a.A, false
		}
	case lir.OpNotI:
		if a.IsImmI() {
			return lir.ImmI(^a.Imm), true
		}

	case lir.OpAddI, lir.OpSubI, lir.OpMulI:
		if a.IsImmI() && b.IsImmI() {
			if v, ok := foldIntArith(ins.Op, a.Imm, b.Imm); ok {
				return lir.ImmI(v), true
			}
			break
		}
		if x := intIdentity(ins.Op, a, b); x != nil {
			return x, false
		}

	case lir.OpAndI, lir.OpOrI, lir.OpXorI, lir.OpLshI, lir.OpRshI, lir.OpUshI:
		if a.IsImmI() && b.IsImmI() {
			return lir.ImmI(foldBitOp(ins.Op, a.Imm, b.Imm)), true
		}
		if x := intIdentity(ins.Op, a, b); x != nil {
			return x, false
		}

	case lir.OpEqI, lir.OpLtI, lir.OpLeI, lir.OpGtI, lir.OpGeI, lir.OpLtU, lir.OpLeU, lir.OpGtU, lir.OpGeU:
		if a.IsImmI() && b.IsImmI() {
			return lir.ImmI(boolInt(foldIntCompare(ins.Op, a.Imm, b.Imm))), true
		}

	case lir.OpAddD, lir.OpSubD, lir.OpMulD, lir.OpDivD:
		if a.IsImmD() && b.IsImmD() {
			return lir.ImmD(foldDoubleArith(ins.Op, a.ImmD, b.ImmD)), true
		}

	case lir.OpEqD, lir.OpLtD, lir.OpLeD, lir.OpGtD, lir.OpGeD:
		if a.IsImmD() && b.IsImmD() {
			return lir.ImmI(boolInt(foldDoubleCompare(ins.Op, a.ImmD, b.ImmD))), true
		}
	}
	return ins, true
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// foldIntArith 只在结果可以用 int32 精确表示时折叠
func foldIntArith(op lir.Opcode, x, y int32) (int32, bool) {
	a, b := int64(x), int64(y)
	var r int64
	switch op {
	case lir.OpAddI:
		r = a + b
	case lir.OpSubI:
		r = a - b
	case lir.OpMulI:
		r = a * b
		if r == 0 && (a < 0 || b < 0) {
			return 0, false
		}
	}
	if r != int64(int32(r)) {
		return 0, false
	}
	return int32(r), true
}

func foldBitOp(op lir.Opcode, x, y int32) int32 {
	s := uint32(y) & 31
	switch op {
	case lir.OpAndI:
		return x & y
	case lir.OpOrI:
		return x | y
	case lir.OpXorI:
		return x ^ y
	case lir.OpLshI:
		return x << s
	case lir.OpRshI:
		return x >> s
	}
	return int32(uint32(x) >> s)
}

func foldIntCompare(op lir.Opcode, x, y int32) bool {
	switch op {
	case lir.OpEqI:
		return x == y
	case lir.OpLtI:
		return x < y
	case lir.OpLeI:
		return x <= y
	case lir.OpGtI:
		return x > y
	case lir.OpGeI:
		return x >= y
	case lir.OpLtU:
		return uint32(x) < uint32(y)
	case lir.OpLeU:
		return uint32(x) <= uint32(y)
	case lir.OpGtU:
		return uint32(x) > uint32(y)
	}
	return uint32(x) >= uint32(y)
}

func foldDoubleArith(op lir.Opcode, x, y float64) float64 {
	switch op {
	case lir.OpAddD:
		return x + y
	case lir.OpSubD:
		return x - y
	case lir.OpMulD:
		return x * y
	}
	return x / y
}

func foldDoubleCompare(op lir.Opcode, x, y float64) bool {
	switch op {
	case lir.OpEqD:
		return x == y
	case lir.OpLtD:
		return x < y
	case lir.OpLeD:
		return x <= y
	case lir.OpGtD:
		return x > y
	}
	return x >= y
}

// intIdentity 代数恒等式, 不适用时返回 nil
func intIdentity(op lir.Opcode, a, b *lir.Ins) *lir.Ins {
	isImm := func(x *lir.Ins, v int32) bool { return x.IsImmI() && x.Imm == v }

	switch op {
	case lir.OpAddI, lir.OpOrI, lir.OpXorI:
		if isImm(b, 0) {
			return a
		}
		if isImm(a, 0) {
			return b
		}
	case lir.OpSubI, lir.OpLshI, lir.OpRshI, lir.OpUshI:
		if isImm(b, 0) {
			return a
		}
	case lir.OpMulI:
		if isImm(b, 1) {
			return a
		}
		if isImm(a, 1) {
			return b
		}
	case lir.OpAndI:
		if isImm(b, -1) {
			return a
		}
		if isImm(a, -1) {
			return b
		}
	}
	return nil
}

// ============================================================================
// 公共子表达式消除
// ============================================================================

func keyOf(ins *lir.Ins) cseKey {
	return cseKey{
		op:   ins.Op,
		a:    ins.A,
		b:    ins.B,
		c:    ins.C,
		imm:  ins.Imm,
		immD: math.Float64bits(ins.ImmD),
		ref:  ins.Ref,
		fid:  ins.Fid,
	}
}

func (p *Pipeline) cse(ins *lir.Ins) *lir.Ins {
	switch ins.Op {
	case lir.OpStSlot, lir.OpStElem:
		// 对象存储可能与任何已缓存的读取别名
		for k := range p.loads {
			delete(p.loads, k)
		}
		return p.buf.Append(ins)
	case lir.OpLdSlot, lir.OpLdElem:
		return p.lookup(p.loads, ins)
	}
	if ins.HasSideEffects() || ins.IsFrameLoad() {
		return p.buf.Append(ins)
	}
	return p.lookup(p.exprs, ins)
}

func (p *Pipeline) lookup(table map[cseKey]*lir.Ins, ins *lir.Ins) *lir.Ins {
	k := keyOf(ins)
	if old, ok := table[k]; ok {
		return old
	}
	table[k] = p.buf.Append(ins)
	return table[k]
}
