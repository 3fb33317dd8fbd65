package vm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/tangzhangming/novatrace/internal/bytecode"
)

// ============================================================================
// VM 核心结构
// ============================================================================

// MaxCallDepth 默认调用栈深度上限
const MaxCallDepth = 256

// ErrStackOverflow 调用栈溢出
var ErrStackOverflow = errors.New("call stack overflow")

// RuntimeError 运行时错误, 带出错位置
type RuntimeError struct {
	Script string
	PC     int
	Msg    string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s:%04d: %s", e.Script, e.PC, e.Msg)
}

// Frame 调用帧
type Frame struct {
	Script *bytecode.Script
	Callee *bytecode.Function // 顶层脚本为 nil
	Args   []bytecode.Value
	Vars   []bytecode.Value
	Stack  []bytecode.Value
	SP     int // 栈指针 (指向下一个空位)
	PC     int
	RVal   bytecode.Value
	Down   *Frame // 调用者
	Depth  int
}

// push 压栈
func (f *Frame) push(v bytecode.Value) {
	f.Stack[f.SP] = v
	f.SP++
}

// pop 弹栈
func (f *Frame) pop() bytecode.Value {
	f.SP--
	return f.Stack[f.SP]
}

// peek 查看栈顶 (不弹出), distance 为距栈顶的距离
func (f *Frame) peek(distance int) bytecode.Value {
	return f.Stack[f.SP-1-distance]
}

// Context 执行上下文
// 一个上下文拥有自己的全局对象、属性缓存和至多一个追踪钩子
type Context struct {
	ID     uuid.UUID
	Global *bytecode.Object
	Frame  *Frame // 当前帧

	cache    *PropertyCache
	hook     TraceHook
	stats    Stats
	maxDepth int
}

// Stats 解释器统计信息
type Stats struct {
	InstructionsExecuted uint64 // 执行的指令数
	LoopEdges            uint64 // 向后跳转次数
	FunctionCalls        uint64 // 函数调用次数
	Reentries            uint64 // 追踪钩子修改执行位置的次数
}

// NewContext 创建执行上下文, 全局对象上预置 Math
func NewContext() *Context {
	global := bytecode.NewPlainObject(nil)
	global.Set("Math", bytecode.NewObject(bytecode.NewMathObject()))
	return &Context{
		ID:       uuid.New(),
		Global:   global,
		cache:    NewPropertyCache(),
		maxDepth: MaxCallDepth,
	}
}

// DefineGlobal 定义全局变量
func (cx *Context) DefineGlobal(name string, v bytecode.Value) {
	cx.Global.Set(name, v)
}

// GetGlobal 读取全局变量
func (cx *Context) GetGlobal(name string) (bytecode.Value, bool) {
	return cx.Global.Get(name)
}

// PropertyCache 返回属性缓存
func (cx *Context) PropertyCache() *PropertyCache {
	return cx.cache
}

// Stats 获取统计信息
func (cx *Context) Stats() Stats {
	return cx.stats
}

// CallDepth 当前帧相对于 base 的调用深度
func (cx *Context) CallDepth(base *Frame) int {
	return cx.Frame.Depth - base.Depth
}

// ============================================================================
// 执行入口
// ============================================================================

// Execute 执行顶层脚本, 返回 RETURN 的值 (STOP 时为 undefined)
func (cx *Context) Execute(s *bytecode.Script) (bytecode.Value, error) {
	f := cx.newFrame(s, nil, nil)
	return cx.run(f)
}

// Call 调用函数
func (cx *Context) Call(fn *bytecode.Function, args []bytecode.Value) (bytecode.Value, error) {
	if fn.IsNative() {
		return fn.Native(args), nil
	}
	f := cx.newFrame(fn.Script, fn, args)
	return cx.run(f)
}

func (cx *Context) newFrame(s *bytecode.Script, callee *bytecode.Function, args []bytecode.Value) *Frame {
	f := &Frame{
		Script: s,
		Callee: callee,
		Args:   make([]bytecode.Value, s.NArgs),
		Vars:   make([]bytecode.Value, s.NVars),
		Stack:  make([]bytecode.Value, s.MaxStack),
		RVal:   bytecode.UndefinedValue,
		Down:   cx.Frame,
	}
	for i := range f.Args {
		if i < len(args) {
			f.Args[i] = args[i]
		} else {
			f.Args[i] = bytecode.UndefinedValue
		}
	}
	for i := range f.Vars {
		f.Vars[i] = bytecode.UndefinedValue
	}
	if cx.Frame != nil {
		f.Depth = cx.Frame.Depth + 1
	}
	return f
}

func (cx *Context) errorf(f *Frame, format string, args ...interface{}) error {
	return &RuntimeError{Script: f.Script.Name, PC: f.PC, Msg: fmt.Sprintf(format, args...)}
}

// run 从 base 帧开始解释执行, base 帧返回时结束
func (cx *Context) run(base *Frame) (result bytecode.Value, err error) {
	if base.Depth >= cx.maxDepth {
		return bytecode.UndefinedValue, ErrStackOverflow
	}
	saved := cx.Frame
	cx.Frame = base
	defer func() {
		if err != nil {
			cx.Frame = saved
		}
	}()

	for {
		if cx.hook != nil && cx.hook.IsRecording() {
			cx.hook.MonitorOp(cx)
		}

		fp := cx.Frame
		s := fp.Script
		pc := fp.PC
		op := s.OpAt(pc)
		next := pc + op.Length()
		cx.stats.InstructionsExecuted++

		switch op {
		case bytecode.OpNop:
		case bytecode.OpPop:
			fp.SP--
		case bytecode.OpPopN:
			fp.SP -= s.Operand(pc)
		case bytecode.OpDup:
			fp.push(fp.peek(0))
		case bytecode.OpDup2:
			a, b := fp.peek(1), fp.peek(0)
			fp.push(a)
			fp.push(b)

		case bytecode.OpUndefined:
			fp.push(bytecode.UndefinedValue)
		case bytecode.OpNull:
			fp.push(bytecode.NullValue)
		case bytecode.OpTrue:
			fp.push(bytecode.TrueValue)
		case bytecode.OpFalse:
			fp.push(bytecode.FalseValue)
		case bytecode.OpZero:
			fp.push(bytecode.ZeroValue)
		case bytecode.OpOne:
			fp.push(bytecode.OneValue)
		case bytecode.OpInt8, bytecode.OpUint16:
			fp.push(bytecode.NewInt(int32(s.Operand(pc))))
		case bytecode.OpDouble, bytecode.OpString:
			fp.push(s.Constants[s.Operand(pc)])

		case bytecode.OpGetArg:
			fp.push(fp.Args[s.Operand(pc)])
		case bytecode.OpSetArg:
			fp.Args[s.Operand(pc)] = fp.peek(0)
		case bytecode.OpGetVar:
			fp.push(fp.Vars[s.Operand(pc)])
		case bytecode.OpSetVar:
			fp.Vars[s.Operand(pc)] = fp.peek(0)

		case bytecode.OpIncArg, bytecode.OpDecArg, bytecode.OpArgInc, bytecode.OpArgDec:
			fp.push(incdec(op, &fp.Args[s.Operand(pc)]))
		case bytecode.OpIncVar, bytecode.OpDecVar, bytecode.OpVarInc, bytecode.OpVarDec:
			fp.push(incdec(op, &fp.Vars[s.Operand(pc)]))

		case bytecode.OpGetGName:
			name := s.Atoms[s.Operand(pc)]
			v, ok := cx.Global.Get(name)
			if !ok {
				return bytecode.UndefinedValue, cx.errorf(fp, "ReferenceError: %s is not defined", name)
			}
			fp.push(v)
		case bytecode.OpSetGName:
			cx.Global.Set(s.Atoms[s.Operand(pc)], fp.peek(0))
		case bytecode.OpIncGName, bytecode.OpDecGName, bytecode.OpGNameInc, bytecode.OpGNameDec:
			name := s.Atoms[s.Operand(pc)]
			v, ok := cx.Global.Get(name)
			if !ok {
				return bytecode.UndefinedValue, cx.errorf(fp, "ReferenceError: %s is not defined", name)
			}
			fp.push(incdec(op, &v))
			cx.Global.Set(name, v)

		case bytecode.OpGetProp:
			objv := fp.pop()
			v, err := cx.getProp(fp, pc, objv, s.Atoms[s.Operand(pc)])
			if err != nil {
				return bytecode.UndefinedValue, err
			}
			fp.push(v)
		case bytecode.OpSetProp:
			v := fp.pop()
			objv := fp.pop()
			if err := cx.setProp(fp, pc, objv, s.Atoms[s.Operand(pc)], v); err != nil {
				return bytecode.UndefinedValue, err
			}
			fp.push(v)
		case bytecode.OpGetElem:
			idx := fp.pop()
			objv := fp.pop()
			if objv.Type == bytecode.ValUndefined || objv.Type == bytecode.ValNull {
				return bytecode.UndefinedValue, cx.errorf(fp, "TypeError: cannot read index of %s", objv)
			}
			v := bytecode.UndefinedValue
			if obj := objv.AsObject(); obj != nil && idx.IsNumber() {
				v = obj.GetElem(idx.AsNumber())
			}
			fp.push(v)
		case bytecode.OpSetElem:
			v := fp.pop()
			idx := fp.pop()
			objv := fp.pop()
			if objv.Type == bytecode.ValUndefined || objv.Type == bytecode.ValNull {
				return bytecode.UndefinedValue, cx.errorf(fp, "TypeError: cannot set index of %s", objv)
			}
			if obj := objv.AsObject(); obj != nil && idx.IsNumber() {
				obj.SetElem(idx.AsNumber(), v)
			}
			fp.push(v)

		case bytecode.OpAdd:
			b, a := fp.pop(), fp.pop()
			if a.Type == bytecode.ValString || b.Type == bytecode.ValString {
				fp.push(bytecode.NewString(a.AsString() + b.AsString()))
			} else {
				fp.push(bytecode.NewDouble(a.AsNumber() + b.AsNumber()))
			}
		case bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			b, a := fp.pop(), fp.pop()
			fp.push(bytecode.NewDouble(arith(op, a.AsNumber(), b.AsNumber())))
		case bytecode.OpNeg:
			fp.push(bytecode.NewDouble(-fp.pop().AsNumber()))

		case bytecode.OpBitAnd, bytecode.OpBitOr, bytecode.OpBitXor, bytecode.OpLsh, bytecode.OpRsh, bytecode.OpUrsh:
			b, a := fp.pop(), fp.pop()
			fp.push(bitop(op, a.AsNumber(), b.AsNumber()))
		case bytecode.OpBitNot:
			fp.push(bytecode.NewInt(^bytecode.ToInt32(fp.pop().AsNumber())))

		case bytecode.OpNot:
			fp.push(bytecode.NewBool(!fp.pop().IsTruthy()))
		case bytecode.OpEq:
			b, a := fp.pop(), fp.pop()
			fp.push(bytecode.NewBool(a.StrictEquals(b)))
		case bytecode.OpNe:
			b, a := fp.pop(), fp.pop()
			fp.push(bytecode.NewBool(!a.StrictEquals(b)))
		case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			b, a := fp.pop(), fp.pop()
			fp.push(bytecode.NewBool(compare(op, a, b)))

		case bytecode.OpGoto:
			next = s.JumpTarget(pc)
		case bytecode.OpIfEq:
			if !fp.pop().IsTruthy() {
				next = s.JumpTarget(pc)
			}
		case bytecode.OpIfNe:
			if fp.pop().IsTruthy() {
				next = s.JumpTarget(pc)
			}

		case bytecode.OpCall:
			argc := s.Operand(pc)
			calleev := fp.peek(argc)
			callee := calleev.AsObject()
			if callee == nil || callee.Class != bytecode.ClassFunction {
				return bytecode.UndefinedValue, cx.errorf(fp, "TypeError: %s is not a function", calleev)
			}
			args := make([]bytecode.Value, argc)
			copy(args, fp.Stack[fp.SP-argc:fp.SP])
			fn := callee.Func
			cx.stats.FunctionCalls++
			if fn.IsNative() {
				fp.SP -= argc + 1
				fp.push(fn.Native(args))
				break
			}
			fp.SP -= argc + 1
			fp.PC = next
			nf := cx.newFrame(fn.Script, fn, args)
			if nf.Depth >= cx.maxDepth {
				return bytecode.UndefinedValue, ErrStackOverflow
			}
			cx.Frame = nf
			continue

		case bytecode.OpReturn, bytecode.OpStop:
			v := bytecode.UndefinedValue
			if op == bytecode.OpReturn {
				v = fp.pop()
				fp.RVal = v
			}
			cx.Frame = fp.Down
			if fp == base {
				return v, nil
			}
			cx.Frame.push(v)
			continue

		case bytecode.OpNewArray:
			n := s.Operand(pc)
			arr := bytecode.NewArrayObject(fp.Stack[fp.SP-n : fp.SP])
			fp.SP -= n
			fp.push(bytecode.NewObject(arr))
		case bytecode.OpNewObject:
			fp.push(bytecode.NewObject(bytecode.NewPlainObject(nil)))
		case bytecode.OpThrow:
			return bytecode.UndefinedValue, cx.errorf(fp, "uncaught exception: %s", fp.pop())
		case bytecode.OpTypeof:
			fp.push(bytecode.NewString(fp.pop().TypeName()))

		default:
			return bytecode.UndefinedValue, cx.errorf(fp, "invalid opcode %s", op)
		}

		fp.PC = next
		if op.IsJump() && next <= pc {
			cx.stats.LoopEdges++
			if cx.hook != nil && cx.hook.LoopEdge(cx) {
				cx.stats.Reentries++
			}
		}
	}
}

// ============================================================================
// 运算辅助函数
// ============================================================================

// incdec 执行自增自减, 返回压栈的值
func incdec(op bytecode.OpCode, slot *bytecode.Value) bytecode.Value {
	old := slot.AsNumber()
	delta := 1.0
	switch op {
	case bytecode.OpDecArg, bytecode.OpArgDec, bytecode.OpDecVar, bytecode.OpVarDec,
		bytecode.OpDecGName, bytecode.OpGNameDec:
		delta = -1
	}
	updated := bytecode.NewDouble(old + delta)
	*slot = updated
	switch op {
	case bytecode.OpIncArg, bytecode.OpDecArg, bytecode.OpIncVar, bytecode.OpDecVar,
		bytecode.OpIncGName, bytecode.OpDecGName:
		return updated
	}
	return bytecode.NewDouble(old)
}

func arith(op bytecode.OpCode, a, b float64) float64 {
	switch op {
	case bytecode.OpSub:
		return a - b
	case bytecode.OpMul:
		return a * b
	case bytecode.OpDiv:
		return a / b
	case bytecode.OpMod:
		return math.Mod(a, b)
	}
	return math.NaN()
}

func bitop(op bytecode.OpCode, a, b float64) bytecode.Value {
	x, y := bytecode.ToInt32(a), bytecode.ToUint32(b)&31
	switch op {
	case bytecode.OpBitAnd:
		return bytecode.NewInt(x & bytecode.ToInt32(b))
	case bytecode.OpBitOr:
		return bytecode.NewInt(x | bytecode.ToInt32(b))
	case bytecode.OpBitXor:
		return bytecode.NewInt(x ^ bytecode.ToInt32(b))
	case bytecode.OpLsh:
		return bytecode.NewInt(x << y)
	case bytecode.OpRsh:
		return bytecode.NewInt(x >> y)
	case bytecode.OpUrsh:
		return bytecode.NewDouble(float64(bytecode.ToUint32(a) >> y))
	}
	return bytecode.UndefinedValue
}

func compare(op bytecode.OpCode, a, b bytecode.Value) bool {
	if a.Type == bytecode.ValString && b.Type == bytecode.ValString {
		c := strings.Compare(a.AsString(), b.AsString())
		switch op {
		case bytecode.OpLt:
			return c < 0
		case bytecode.OpLe:
			return c <= 0
		case bytecode.OpGt:
			return c > 0
		}
		return c >= 0
	}
	x, y := a.AsNumber(), b.AsNumber()
	switch op {
	case bytecode.OpLt:
		return x < y
	case bytecode.OpLe:
		return x <= y
	case bytecode.OpGt:
		return x > y
	}
	return x >= y
}

// ============================================================================
// 属性访问
// ============================================================================

func (cx *Context) getProp(fp *Frame, pc int, objv bytecode.Value, name string) (bytecode.Value, error) {
	obj := objv.AsObject()
	if obj == nil {
		if objv.Type == bytecode.ValUndefined || objv.Type == bytecode.ValNull {
			return bytecode.UndefinedValue, cx.errorf(fp, "TypeError: cannot read property %s of %s", name, objv)
		}
		return bytecode.UndefinedValue, nil
	}

	if e, ok := cx.cache.Lookup(fp.Script, pc, obj); ok {
		if e.Prop.Getter != nil {
			return e.Prop.Getter(obj), nil
		}
		return e.Holder.Slots[e.Prop.Slot], nil
	}

	hops := 0
	for holder := obj; holder != nil; holder = holder.Proto {
		if p, ok := holder.Shape.Lookup(name); ok {
			cx.cache.Fill(fp.Script, pc, obj, holder, hops, p)
			if p.IsAccessor() {
				if p.Getter == nil {
					return bytecode.UndefinedValue, nil
				}
				return p.Getter(obj), nil
			}
			return holder.Slots[p.Slot], nil
		}
		hops++
	}
	return bytecode.UndefinedValue, nil
}

func (cx *Context) setProp(fp *Frame, pc int, objv bytecode.Value, name string, v bytecode.Value) error {
	obj := objv.AsObject()
	if obj == nil {
		if objv.Type == bytecode.ValUndefined || objv.Type == bytecode.ValNull {
			return cx.errorf(fp, "TypeError: cannot set property %s of %s", name, objv)
		}
		return nil
	}

	if e, ok := cx.cache.Lookup(fp.Script, pc, obj); ok && e.IsOwnDataHit() {
		obj.Slots[e.Prop.Slot] = v
		return nil
	}

	before := obj.Shape
	obj.Set(name, v)
	// 只缓存对已有自有属性的写入, 添加属性会改变形状
	if obj.Shape == before {
		if p, ok := obj.Shape.Lookup(name); ok {
			cx.cache.Fill(fp.Script, pc, obj, obj, 0, p)
		}
	}
	return nil
}
