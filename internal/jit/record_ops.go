package jit

import (
	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/jit/types"
	"github.com/tangzhangming/novatrace/internal/lir"
	"github.com/tangzhangming/novatrace/internal/vm"
)

// ============================================================================
// 指令录制
// ============================================================================

var nativeFids = map[bytecode.NativeID]lir.Fid{
	bytecode.NativeMathSin:   lir.FidMathSin,
	bytecode.NativeMathCos:   lir.FidMathCos,
	bytecode.NativeMathPow:   lir.FidMathPow,
	bytecode.NativeMathFloor: lir.FidMathFloor,
	bytecode.NativeMathSqrt:  lir.FidMathSqrt,
}

var doubleArithOf = map[bytecode.OpCode]lir.Opcode{
	bytecode.OpAdd: lir.OpAddD,
	bytecode.OpSub: lir.OpSubD,
	bytecode.OpMul: lir.OpMulD,
	bytecode.OpDiv: lir.OpDivD,
}

var bitOpOf = map[bytecode.OpCode]lir.Opcode{
	bytecode.OpBitAnd: lir.OpAndI,
	bytecode.OpBitOr:  lir.OpOrI,
	bytecode.OpBitXor: lir.OpXorI,
	bytecode.OpLsh:    lir.OpLshI,
	bytecode.OpRsh:    lir.OpRshI,
}

var compareOf = map[bytecode.OpCode]lir.Opcode{
	bytecode.OpLt: lir.OpLtD,
	bytecode.OpLe: lir.OpLeD,
	bytecode.OpGt: lir.OpGtD,
	bytecode.OpGe: lir.OpGeD,
}

// recordOp 按操作码分派, 每个分支都给出结果
func (r *Recorder) recordOp(op bytecode.OpCode) Result {
	s := r.entry.Script

	switch op {
	case bytecode.OpNop, bytecode.OpPop, bytecode.OpPopN:
		return resContinue
	case bytecode.OpDup:
		r.setStack(r.sp, r.stack(0))
		return resContinue
	case bytecode.OpDup2:
		a, b := r.stack(1), r.stack(0)
		r.setStack(r.sp, a)
		r.setStack(r.sp+1, b)
		return resContinue

	case bytecode.OpUndefined:
		r.setStack(r.sp, r.immI(types.BooleanUndefined))
		return resContinue
	case bytecode.OpNull:
		r.setStack(r.sp, r.emit(lir.ImmP((*bytecode.Object)(nil))))
		return resContinue
	case bytecode.OpTrue:
		r.setStack(r.sp, r.immI(1))
		return resContinue
	case bytecode.OpFalse:
		r.setStack(r.sp, r.immI(0))
		return resContinue
	case bytecode.OpZero:
		r.setStack(r.sp, r.immD(0))
		return resContinue
	case bytecode.OpOne:
		r.setStack(r.sp, r.immD(1))
		return resContinue
	case bytecode.OpInt8, bytecode.OpUint16:
		r.setStack(r.sp, r.immD(float64(s.Operand(r.pc))))
		return resContinue
	case bytecode.OpDouble:
		r.setStack(r.sp, r.immD(s.Constants[s.Operand(r.pc)].AsNumber()))
		return resContinue
	case bytecode.OpString:
		return abortWith(AbortString)

	case bytecode.OpGetArg:
		r.setStack(r.sp, r.get(SlotID{Kind: vm.SlotArg, Index: s.Operand(r.pc)}))
		return resContinue
	case bytecode.OpSetArg:
		r.set(SlotID{Kind: vm.SlotArg, Index: s.Operand(r.pc)}, r.stack(0))
		return resContinue
	case bytecode.OpGetVar:
		r.setStack(r.sp, r.get(SlotID{Kind: vm.SlotVar, Index: s.Operand(r.pc)}))
		return resContinue
	case bytecode.OpSetVar:
		r.set(SlotID{Kind: vm.SlotVar, Index: s.Operand(r.pc)}, r.stack(0))
		return resContinue

	case bytecode.OpIncArg, bytecode.OpDecArg, bytecode.OpArgInc, bytecode.OpArgDec:
		return r.recordIncDec(op, SlotID{Kind: vm.SlotArg, Index: s.Operand(r.pc)}, r.entry.Args[s.Operand(r.pc)])
	case bytecode.OpIncVar, bytecode.OpDecVar, bytecode.OpVarInc, bytecode.OpVarDec:
		return r.recordIncDec(op, SlotID{Kind: vm.SlotVar, Index: s.Operand(r.pc)}, r.entry.Vars[s.Operand(r.pc)])

	case bytecode.OpGetGName, bytecode.OpSetGName:
		idx, ok := r.globalIndex(s.Atoms[s.Operand(r.pc)])
		if !ok {
			return abortWith(AbortUntrackedGlobal)
		}
		id := SlotID{Kind: vm.SlotGlobal, Index: idx}
		if op == bytecode.OpGetGName {
			r.setStack(r.sp, r.get(id))
		} else {
			r.set(id, r.stack(0))
		}
		return resContinue
	case bytecode.OpIncGName, bytecode.OpDecGName, bytecode.OpGNameInc, bytecode.OpGNameDec:
		name := s.Atoms[s.Operand(r.pc)]
		idx, ok := r.globalIndex(name)
		if !ok {
			return abortWith(AbortUntrackedGlobal)
		}
		v, _ := r.cx.GetGlobal(name)
		return r.recordIncDec(op, SlotID{Kind: vm.SlotGlobal, Index: idx}, v)

	case bytecode.OpGetProp:
		return r.recordGetProp(s.Atoms[s.Operand(r.pc)])
	case bytecode.OpSetProp:
		return r.recordSetProp()
	case bytecode.OpGetElem:
		return r.recordGetElem()
	case bytecode.OpSetElem:
		return r.recordSetElem()

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		a, b := r.stackValue(1), r.stackValue(0)
		if a.Type == bytecode.ValString || b.Type == bytecode.ValString {
			return abortWith(AbortString)
		}
		if !a.IsNumber() || !b.IsNumber() {
			return abortWith(AbortNonNumber)
		}
		var res *lir.Ins
		if op == bytecode.OpMod {
			res = r.call(lir.FidDoubleMod, r.stack(1), r.stack(0))
		} else {
			res = r.ins2(doubleArithOf[op], r.stack(1), r.stack(0))
		}
		r.setStack(r.sp-2, res)
		return resContinue
	case bytecode.OpNeg:
		if !r.stackValue(0).IsNumber() {
			return abortWith(AbortNonNumber)
		}
		r.setStack(r.sp-1, r.ins1(lir.OpNegD, r.stack(0)))
		return resContinue

	case bytecode.OpBitAnd, bytecode.OpBitOr, bytecode.OpBitXor, bytecode.OpLsh, bytecode.OpRsh, bytecode.OpUrsh:
		if !r.stackValue(1).IsNumber() || !r.stackValue(0).IsNumber() {
			return abortWith(AbortNonNumber)
		}
		b := r.call(lir.FidDoubleToInt32, r.stack(0))
		if op == bytecode.OpUrsh {
			a := r.call(lir.FidDoubleToUint32, r.stack(1))
			r.setStack(r.sp-2, r.ins1(lir.OpU2F, r.ins2(lir.OpUshI, a, b)))
			return resContinue
		}
		a := r.call(lir.FidDoubleToInt32, r.stack(1))
		r.setStack(r.sp-2, r.ins1(lir.OpI2F, r.ins2(bitOpOf[op], a, b)))
		return resContinue
	case bytecode.OpBitNot:
		if !r.stackValue(0).IsNumber() {
			return abortWith(AbortNonNumber)
		}
		x := r.call(lir.FidDoubleToInt32, r.stack(0))
		r.setStack(r.sp-1, r.ins1(lir.OpI2F, r.ins1(lir.OpNotI, x)))
		return resContinue

	case bytecode.OpNot:
		if types.TagOf(r.stackValue(0)) != types.TypeBoolean {
			return abortWith(AbortNonBoolean)
		}
		// false=0 与 undefined=2 的最低位都是 0
		low := r.ins2(lir.OpAndI, r.stack(0), r.immI(1))
		r.setStack(r.sp-1, r.ins2(lir.OpEqI, low, r.immI(0)))
		return resContinue
	case bytecode.OpEq, bytecode.OpNe:
		return r.recordEquality(op == bytecode.OpNe)
	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		a, b := r.stackValue(1), r.stackValue(0)
		if a.Type == bytecode.ValString || b.Type == bytecode.ValString {
			return abortWith(AbortString)
		}
		if !a.IsNumber() || !b.IsNumber() {
			return abortWith(AbortNonNumber)
		}
		r.setStack(r.sp-2, r.ins2(compareOf[op], r.stack(1), r.stack(0)))
		return resContinue

	case bytecode.OpGoto:
		return r.recordJump(s.JumpTarget(r.pc))
	case bytecode.OpIfEq, bytecode.OpIfNe:
		v := r.stackValue(0)
		if types.TagOf(v) != types.TypeBoolean {
			return abortWith(AbortNonBoolean)
		}
		truthy := v.IsTruthy()
		r.guard(truthy, r.ins2(lir.OpEqI, r.stack(0), r.immI(1)), lir.ExitBranch)
		if truthy == (op == bytecode.OpIfNe) {
			return r.recordJump(s.JumpTarget(r.pc))
		}
		return resContinue

	case bytecode.OpCall:
		return r.recordCall(s.Operand(r.pc))

	case bytecode.OpReturn, bytecode.OpStop:
		return abortWith(AbortLeftLoop)
	case bytecode.OpNewArray, bytecode.OpNewObject:
		return abortWith(AbortAllocation)
	case bytecode.OpThrow:
		return abortWith(AbortThrow)
	case bytecode.OpTypeof:
		return abortWith(AbortTypeof)
	}
	return abortWith(AbortUnsupported)
}

// recordJump 跳回录制起点时结束录制, 其他跳转由解释器继续
func (r *Recorder) recordJump(target int) Result {
	if target == r.entryPC {
		return Result{Kind: EndTrace}
	}
	return resContinue
}

func (r *Recorder) globalIndex(name string) (int, bool) {
	for i, g := range r.frag.Globals {
		if g.Name == name {
			return i, true
		}
	}
	return 0, false
}

// recordIncDec 自增自减: 槽位更新为 x±1, 前置形式压入新值, 后置形式压入旧值
func (r *Recorder) recordIncDec(op bytecode.OpCode, id SlotID, v bytecode.Value) Result {
	if !v.IsNumber() {
		return abortWith(AbortNonNumber)
	}
	delta := 1.0
	pre := false
	switch op {
	case bytecode.OpDecArg, bytecode.OpDecVar, bytecode.OpDecGName:
		delta, pre = -1, true
	case bytecode.OpArgDec, bytecode.OpVarDec, bytecode.OpGNameDec:
		delta = -1
	case bytecode.OpIncArg, bytecode.OpIncVar, bytecode.OpIncGName:
		pre = true
	}
	old := r.get(id)
	updated := r.ins2(lir.OpAddD, old, r.immD(delta))
	r.set(id, updated)
	if pre {
		r.setStack(r.sp, updated)
	} else {
		r.setStack(r.sp, old)
	}
	return resContinue
}

// recordEquality 严格相等; 类型不同的操作数在 trace 中是常量结果
func (r *Recorder) recordEquality(negate bool) Result {
	a, b := r.stackValue(1), r.stackValue(0)
	ta, tb := types.CoercedTagOf(a), types.CoercedTagOf(b)

	var eq *lir.Ins
	switch {
	case ta != tb:
		eq = r.immI(0)
	case ta == types.TypeDouble:
		eq = r.ins2(lir.OpEqD, r.stack(1), r.stack(0))
	case ta == types.TypeBoolean:
		eq = r.ins2(lir.OpEqI, r.stack(1), r.stack(0))
	case ta == types.TypeObject:
		eq = r.ins2(lir.OpEqP, r.stack(1), r.stack(0))
	default:
		return abortWith(AbortString)
	}
	if negate {
		eq = r.ins2(lir.OpEqI, eq, r.immI(0))
	}
	r.setStack(r.sp-2, eq)
	return resContinue
}

// ============================================================================
// 装箱值
// ============================================================================

// unboxValue 按录制时的类型守卫并拆箱
func (r *Recorder) unboxValue(boxed *lir.Ins, v bytecode.Value) *lir.Ins {
	tag := types.CoercedTagOf(v)
	r.guard(true, r.ins2(lir.OpEqI, r.call(lir.FidUnboxTag, boxed), r.immI(int32(tag))), lir.ExitType)
	switch tag {
	case types.TypeDouble:
		return r.call(lir.FidUnboxDouble, boxed)
	case types.TypeBoolean:
		return r.call(lir.FidUnboxBoolean, boxed)
	}
	return r.call(lir.FidUnboxRef, boxed)
}

// boxValue 把节点装箱, 以便写入对象
func (r *Recorder) boxValue(ins *lir.Ins, v bytecode.Value) *lir.Ins {
	switch types.CoercedTagOf(v) {
	case types.TypeDouble:
		return r.call(lir.FidBoxDouble, ins)
	case types.TypeBoolean:
		return r.call(lir.FidBoxBoolean, ins)
	}
	return r.call(lir.FidBoxRef, ins)
}

// ============================================================================
// 属性访问
// ============================================================================

// propTarget 复现解释器属性缓存的命中条件: 原生对象、按形状命中、自有数据属性
func (r *Recorder) propTarget(objv bytecode.Value) (*bytecode.Object, *vm.PropCacheEntry, AbortReason) {
	obj := objv.AsObject()
	if obj == nil {
		return nil, nil, AbortNotObject
	}
	if obj == r.cx.Global {
		return nil, nil, AbortGlobalObject
	}
	if !obj.Native {
		return nil, nil, AbortNonNative
	}
	e, ok := r.cx.PropertyCache().Probe(r.entry.Script, r.pc, obj)
	if !ok {
		return nil, nil, AbortCacheMiss
	}
	if !e.IsOwnDataHit() {
		return nil, nil, AbortProtoOrAccessor
	}
	return obj, e, AbortNone
}

func (r *Recorder) guardShape(objIns *lir.Ins, shape *bytecode.Shape) {
	cond := r.ins2(lir.OpEqP, r.ins1(lir.OpLdShape, objIns), r.emit(lir.ImmP(shape)))
	r.guard(true, cond, lir.ExitShape)
}

func (r *Recorder) recordGetProp(name string) Result {
	obj, e, reason := r.propTarget(r.stackValue(0))
	if reason != AbortNone {
		return abortWith(reason)
	}
	objIns := r.stack(0)
	r.guardShape(objIns, obj.Shape)
	boxed := r.emit(&lir.Ins{Op: lir.OpLdSlot, A: objIns, Imm: int32(e.Prop.Slot)})
	r.setStack(r.sp-1, r.unboxValue(boxed, obj.Slots[e.Prop.Slot]))
	return resContinue
}

func (r *Recorder) recordSetProp() Result {
	obj, e, reason := r.propTarget(r.stackValue(1))
	if reason != AbortNone {
		return abortWith(reason)
	}
	objIns, val := r.stack(1), r.stack(0)
	r.guardShape(objIns, obj.Shape)
	boxed := r.boxValue(val, r.stackValue(0))
	r.emit(&lir.Ins{Op: lir.OpStSlot, A: objIns, B: boxed, Imm: int32(e.Prop.Slot)})
	r.setStack(r.sp-2, val)
	return resContinue
}

// ============================================================================
// 稠密数组元素
// ============================================================================

// denseIndex 检查录制时的数组与下标, 然后按固定顺序发射守卫, 返回 int 下标
func (r *Recorder) denseIndex(objv, idxv bytecode.Value, objIns, idxIns *lir.Ins) (*lir.Ins, AbortReason) {
	obj := objv.AsObject()
	if obj == nil {
		return nil, AbortNotObject
	}
	if obj.Class != bytecode.ClassDenseArray {
		return nil, AbortNotDenseArray
	}
	if !idxv.IsNumber() {
		return nil, AbortNonNumber
	}
	d := idxv.AsNumber()
	if !lir.IsIntegralDouble(d) || d < 0 || int(d) >= obj.Length || int(d) >= len(obj.Elems) {
		return nil, AbortOutOfBounds
	}

	r.guard(true, r.ins2(lir.OpEqI, r.ins1(lir.OpLdClass, objIns), r.immI(int32(bytecode.ClassDenseArray))), lir.ExitClass)
	idx := r.call(lir.FidDoubleToInt32, idxIns)
	r.guard(true, r.ins2(lir.OpEqD, r.ins1(lir.OpI2F, idx), idxIns), lir.ExitIndex)
	r.guard(true, r.ins2(lir.OpGeI, idx, r.immI(0)), lir.ExitNegIndex)
	r.guard(true, r.ins2(lir.OpLtI, idx, r.ins1(lir.OpLdLength, objIns)), lir.ExitLength)
	r.guard(true, r.ins1(lir.OpLdDslots, objIns), lir.ExitDslots)
	r.guard(true, r.ins2(lir.OpLtI, idx, r.ins1(lir.OpLdCapacity, objIns)), lir.ExitCapacity)
	return idx, AbortNone
}

func (r *Recorder) recordGetElem() Result {
	objv, idxv := r.stackValue(1), r.stackValue(0)
	objIns := r.stack(1)
	idx, reason := r.denseIndex(objv, idxv, objIns, r.stack(0))
	if reason != AbortNone {
		return abortWith(reason)
	}
	elem := objv.AsObject().Elems[int(idxv.AsNumber())]
	boxed := r.ins2(lir.OpLdElem, objIns, idx)
	r.setStack(r.sp-2, r.unboxValue(boxed, elem))
	return resContinue
}

func (r *Recorder) recordSetElem() Result {
	objv, idxv := r.stackValue(2), r.stackValue(1)
	objIns, val := r.stack(2), r.stack(0)
	idx, reason := r.denseIndex(objv, idxv, objIns, r.stack(1))
	if reason != AbortNone {
		return abortWith(reason)
	}
	boxed := r.boxValue(val, r.stackValue(0))
	r.emit(&lir.Ins{Op: lir.OpStElem, A: objIns, B: idx, C: boxed})
	r.setStack(r.sp-3, val)
	return resContinue
}

// ============================================================================
// 调用
// ============================================================================

// recordCall 只追踪白名单中的 Math 内置函数
func (r *Recorder) recordCall(argc int) Result {
	calleev := r.stackValue(argc)
	callee := calleev.AsObject()
	if callee == nil || callee.Class != bytecode.ClassFunction {
		return abortWith(AbortNotFunction)
	}
	fn := callee.Func
	if !fn.IsNative() {
		return abortWith(AbortScriptedCall)
	}
	fid, ok := nativeFids[fn.ID]
	if !ok {
		return abortWith(AbortNativeCall)
	}
	arity := len(fid.Info().Args)
	if argc < arity {
		return abortWith(AbortNativeCall)
	}
	args := make([]*lir.Ins, arity)
	for i := range args {
		n := argc - 1 - i
		if !r.stackValue(n).IsNumber() {
			return abortWith(AbortNonNumber)
		}
		args[i] = r.stack(n)
	}

	cond := r.ins2(lir.OpEqP, r.stack(argc), r.emit(lir.ImmP(callee)))
	r.guard(true, cond, lir.ExitCallee)
	r.setStack(r.sp-1-argc, r.call(fid, args...))
	return resContinue
}
