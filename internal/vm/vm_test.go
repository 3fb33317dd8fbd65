package vm

import (
	"errors"
	"testing"

	"github.com/tangzhangming/novatrace/internal/bytecode"
)

func run(t *testing.T, cx *Context, s *bytecode.Script) bytecode.Value {
	t.Helper()
	v, err := cx.Execute(s)
	if err != nil {
		t.Fatalf("execute %s: %v", s.Name, err)
	}
	return v
}

// TestArithmetic 测试算术与数字规范化
func TestArithmetic(t *testing.T) {
	// (7 + 3) * 2 - 9 / 4
	b := bytecode.NewScriptBuilder("arith", 0, 0)
	b.Int(7).Int(3).Op(bytecode.OpAdd).Int(2).Op(bytecode.OpMul)
	b.Int(9).Int(4).Op(bytecode.OpDiv).Op(bytecode.OpSub).Op(bytecode.OpReturn)

	v := run(t, NewContext(), b.MustBuild())
	if v.AsNumber() != 17.75 || v.IsInt() {
		t.Errorf("expected double 17.75, got %s", v)
	}

	b = bytecode.NewScriptBuilder("int", 0, 0)
	b.Number(2.5).Number(1.5).Op(bytecode.OpAdd).Op(bytecode.OpReturn)
	if v := run(t, NewContext(), b.MustBuild()); !v.IsInt() || v.AsInt() != 4 {
		t.Errorf("integral result should be an int, got %s", v)
	}
}

// TestBitOps 测试位运算
func TestBitOps(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		op   bytecode.OpCode
		want float64
	}{
		{"and", 12, 10, bytecode.OpBitAnd, 8},
		{"or", 12, 3, bytecode.OpBitOr, 15},
		{"xor", 5, 1, bytecode.OpBitXor, 4},
		{"lsh wraps", 1, 33, bytecode.OpLsh, 2},
		{"rsh sign", -8, 1, bytecode.OpRsh, -4},
		{"ursh", -1, 28, bytecode.OpUrsh, 15},
		{"truncates", 4294967297, 1, bytecode.OpBitAnd, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bytecode.NewScriptBuilder(tt.name, 0, 0)
			b.Number(tt.a).Number(tt.b).Op(tt.op).Op(bytecode.OpReturn)
			if v := run(t, NewContext(), b.MustBuild()); v.AsNumber() != tt.want {
				t.Errorf("got %s, want %v", v, tt.want)
			}
		})
	}
}

// TestIncDec 测试前置与后置自增
func TestIncDec(t *testing.T) {
	// var0 = 5; var1 = var0++; return var0 * 10 + var1
	b := bytecode.NewScriptBuilder("incdec", 0, 2)
	b.Int(5).OpU16(bytecode.OpSetVar, 0).Op(bytecode.OpPop)
	b.OpU16(bytecode.OpVarInc, 0).OpU16(bytecode.OpSetVar, 1).Op(bytecode.OpPop)
	b.OpU16(bytecode.OpGetVar, 0).Int(10).Op(bytecode.OpMul)
	b.OpU16(bytecode.OpGetVar, 1).Op(bytecode.OpAdd).Op(bytecode.OpReturn)

	if v := run(t, NewContext(), b.MustBuild()); v.AsNumber() != 65 {
		t.Errorf("got %s, want 65", v)
	}
}

// TestGlobalIncDec 测试全局变量的前置与后置自增
func TestGlobalIncDec(t *testing.T) {
	// g++ + ++g, 然后 g--
	b := bytecode.NewScriptBuilder("gincdec", 0, 0)
	b.Name(bytecode.OpGNameInc, "g").Name(bytecode.OpIncGName, "g").Op(bytecode.OpAdd)
	b.Name(bytecode.OpGNameDec, "g").Op(bytecode.OpPop).Op(bytecode.OpReturn)

	cx := NewContext()
	cx.DefineGlobal("g", bytecode.NewInt(5))
	if v := run(t, cx, b.MustBuild()); v.AsNumber() != 12 {
		t.Errorf("got %s, want 12", v)
	}
	if g, _ := cx.GetGlobal("g"); g.AsNumber() != 6 {
		t.Errorf("g = %s, want 6", g)
	}

	b = bytecode.NewScriptBuilder("undefined", 0, 0)
	b.Name(bytecode.OpDecGName, "missing").Op(bytecode.OpReturn)
	if _, err := NewContext().Execute(b.MustBuild()); err == nil {
		t.Error("incrementing an undefined global should fail")
	}
}

// countingHook 记录回调次数的钩子
type countingHook struct {
	recording bool
	ops       int
	edges     int
	pcs       []int
}

func (h *countingHook) IsRecording() bool { return h.recording }

func (h *countingHook) MonitorOp(cx *Context) { h.ops++ }

func (h *countingHook) LoopEdge(cx *Context) bool {
	h.edges++
	h.pcs = append(h.pcs, cx.Frame.PC)
	return false
}

// countLoop var0 从 0 数到 n
func countLoop(n int) (*bytecode.Script, int) {
	b := bytecode.NewScriptBuilder("loop", 0, 1)
	head, cond := b.NewLabel(), b.NewLabel()
	b.Op(bytecode.OpZero).OpU16(bytecode.OpSetVar, 0).Op(bytecode.OpPop)
	b.Jump(bytecode.OpGoto, cond)
	b.Bind(head)
	headPC := b.PC()
	b.OpU16(bytecode.OpIncVar, 0).Op(bytecode.OpPop)
	b.Bind(cond)
	b.OpU16(bytecode.OpGetVar, 0).Int(n).Op(bytecode.OpLt)
	b.Jump(bytecode.OpIfNe, head)
	b.OpU16(bytecode.OpGetVar, 0).Op(bytecode.OpReturn)
	return b.MustBuild(), headPC
}

// TestLoopEdgeHook 测试回边回调
func TestLoopEdgeHook(t *testing.T) {
	s, headPC := countLoop(5)
	cx := NewContext()
	h := &countingHook{}
	cx.SetTraceHook(h)

	if v := run(t, cx, s); v.AsNumber() != 5 {
		t.Fatalf("got %s", v)
	}
	if h.edges != 5 {
		t.Errorf("expected 5 loop edges, got %d", h.edges)
	}
	for _, pc := range h.pcs {
		if pc != headPC {
			t.Errorf("loop edge reported at pc %d, header is %d", pc, headPC)
		}
	}
	if h.ops != 0 {
		t.Errorf("MonitorOp must not run while idle, got %d", h.ops)
	}
	if cx.Stats().LoopEdges != 5 {
		t.Errorf("stats.LoopEdges = %d", cx.Stats().LoopEdges)
	}
}

// TestMonitorOpWhileRecording 测试录制期间每条指令都回调
func TestMonitorOpWhileRecording(t *testing.T) {
	s, _ := countLoop(3)
	cx := NewContext()
	h := &countingHook{recording: true}
	cx.SetTraceHook(h)
	run(t, cx, s)

	if uint64(h.ops) != cx.Stats().InstructionsExecuted {
		t.Errorf("MonitorOp called %d times for %d instructions", h.ops, cx.Stats().InstructionsExecuted)
	}
}

// reentryHook 在第一次回边时把执行位置移到循环出口
type reentryHook struct {
	exitPC int
	done   bool
}

func (h *reentryHook) IsRecording() bool      { return false }
func (h *reentryHook) MonitorOp(cx *Context) {}
func (h *reentryHook) LoopEdge(cx *Context) bool {
	if h.done {
		return false
	}
	h.done = true
	cx.Frame.Vars[0] = bytecode.NewInt(100)
	cx.Frame.PC = h.exitPC
	return true
}

// TestLoopEdgeReentry 测试钩子修改执行位置
func TestLoopEdgeReentry(t *testing.T) {
	s, _ := countLoop(1000)
	// 循环之后是 GETVAR 0; RETURN
	h := &reentryHook{exitPC: len(s.Code) - 4}
	cx := NewContext()
	cx.SetTraceHook(h)

	if v := run(t, cx, s); v.AsNumber() != 100 {
		t.Errorf("got %s, want 100", v)
	}
	if cx.Stats().Reentries != 1 {
		t.Errorf("Reentries = %d", cx.Stats().Reentries)
	}
}

// TestPropertyCache 测试属性缓存的填充与命中
func TestPropertyCache(t *testing.T) {
	obj := bytecode.NewPlainObject(nil)
	obj.Set("a", bytecode.NewInt(1))
	obj.Set("b", bytecode.NewInt(2))

	b := bytecode.NewScriptBuilder("props", 0, 1)
	head, cond := b.NewLabel(), b.NewLabel()
	b.Op(bytecode.OpZero).OpU16(bytecode.OpSetVar, 0).Op(bytecode.OpPop)
	b.Jump(bytecode.OpGoto, cond)
	b.Bind(head)
	getPC := b.PC() + 3
	b.Name(bytecode.OpGetGName, "o").Name(bytecode.OpGetProp, "b").Op(bytecode.OpPop)
	b.OpU16(bytecode.OpIncVar, 0).Op(bytecode.OpPop)
	b.Bind(cond)
	b.OpU16(bytecode.OpGetVar, 0).Int(4).Op(bytecode.OpLt)
	b.Jump(bytecode.OpIfNe, head)
	b.Name(bytecode.OpGetGName, "o").Name(bytecode.OpGetProp, "a").Op(bytecode.OpReturn)
	s := b.MustBuild()

	cx := NewContext()
	cx.DefineGlobal("o", bytecode.NewObject(obj))
	if v := run(t, cx, s); v.AsNumber() != 1 {
		t.Fatalf("got %s", v)
	}

	pc := cx.PropertyCache()
	if pc.State(s, getPC) != ICMonomorphic {
		t.Errorf("expected monomorphic entry at %d, got %s", getPC, pc.State(s, getPC))
	}
	e, ok := pc.Probe(s, getPC, obj)
	if !ok || !e.IsOwnDataHit() || e.Prop.Slot != 1 {
		t.Errorf("unexpected entry %+v", e)
	}
	hits, misses := pc.Stats()
	// 循环中 4 次读取 b 只有第一次未命中, 最后读取 a 未命中
	if hits != 3 || misses != 2 {
		t.Errorf("hits=%d misses=%d", hits, misses)
	}

	// 添加属性改变形状后不再命中
	obj.Set("c", bytecode.NewInt(3))
	if _, ok := pc.Probe(s, getPC, obj); ok {
		t.Error("lookup must miss after a shape change")
	}
}

// TestPrototypeHit 测试原型链上的属性
func TestPrototypeHit(t *testing.T) {
	proto := bytecode.NewPlainObject(nil)
	proto.Set("p", bytecode.NewInt(7))
	obj := bytecode.NewPlainObject(proto)

	b := bytecode.NewScriptBuilder("proto", 0, 0)
	b.Name(bytecode.OpGetGName, "o").Name(bytecode.OpGetProp, "p").Op(bytecode.OpReturn)
	s := b.MustBuild()

	cx := NewContext()
	cx.DefineGlobal("o", bytecode.NewObject(obj))
	if v := run(t, cx, s); v.AsNumber() != 7 {
		t.Fatalf("got %s", v)
	}
	e, ok := cx.PropertyCache().Probe(s, 3, obj)
	if !ok || e.ProtoHops != 1 || e.IsOwnDataHit() {
		t.Errorf("expected prototype hit, got %+v", e)
	}
}

// TestScriptedCall 测试脚本函数调用
func TestScriptedCall(t *testing.T) {
	// function add(a, b) { return a + b }
	fb := bytecode.NewScriptBuilder("add", 2, 0)
	fb.OpU16(bytecode.OpGetArg, 0).OpU16(bytecode.OpGetArg, 1).Op(bytecode.OpAdd).Op(bytecode.OpReturn)
	add := &bytecode.Function{Name: "add", Script: fb.MustBuild()}

	b := bytecode.NewScriptBuilder("main", 0, 0)
	b.Name(bytecode.OpGetGName, "add").Int(40).Int(2).Call(2).Op(bytecode.OpReturn)

	cx := NewContext()
	cx.DefineGlobal("add", bytecode.NewObject(bytecode.NewFunctionObject(add)))
	if v := run(t, cx, b.MustBuild()); v.AsNumber() != 42 {
		t.Errorf("got %s", v)
	}
	if cx.Stats().FunctionCalls != 1 {
		t.Errorf("FunctionCalls = %d", cx.Stats().FunctionCalls)
	}

	v, err := cx.Call(add, []bytecode.Value{bytecode.NewInt(1)})
	if err != nil {
		t.Fatal(err)
	}
	// 缺少的参数是 undefined, 结果为 NaN
	if v.IsInt() || v.AsNumber() == v.AsNumber() {
		t.Errorf("expected NaN, got %s", v)
	}
}

// TestNativeCall 测试 Math 内置函数
func TestNativeCall(t *testing.T) {
	b := bytecode.NewScriptBuilder("sqrt", 0, 0)
	b.Name(bytecode.OpGetGName, "Math").Name(bytecode.OpGetProp, "sqrt").Int(81).Call(1).Op(bytecode.OpReturn)

	if v := run(t, NewContext(), b.MustBuild()); v.AsNumber() != 9 {
		t.Errorf("got %s", v)
	}
}

// TestStackOverflow 测试无限递归
func TestStackOverflow(t *testing.T) {
	fb := bytecode.NewScriptBuilder("rec", 0, 0)
	fb.Name(bytecode.OpGetGName, "rec").Call(0).Op(bytecode.OpReturn)
	rec := &bytecode.Function{Name: "rec", Script: fb.MustBuild()}

	cx := NewContext()
	cx.DefineGlobal("rec", bytecode.NewObject(bytecode.NewFunctionObject(rec)))
	if _, err := cx.Call(rec, nil); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("expected ErrStackOverflow, got %v", err)
	}
}

// TestRuntimeErrors 测试运行时错误
func TestRuntimeErrors(t *testing.T) {
	b := bytecode.NewScriptBuilder("undef", 0, 0)
	b.Name(bytecode.OpGetGName, "nope").Op(bytecode.OpReturn)

	_, err := NewContext().Execute(b.MustBuild())
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if rerr.Script != "undef" || rerr.PC != 0 {
		t.Errorf("unexpected location %s:%d", rerr.Script, rerr.PC)
	}

	b = bytecode.NewScriptBuilder("notfn", 0, 0)
	b.Int(3).Call(0).Op(bytecode.OpReturn)
	if _, err := NewContext().Execute(b.MustBuild()); !errors.As(err, &rerr) {
		t.Errorf("expected RuntimeError, got %v", err)
	}
}

// TestDenseElements 测试数组读写与越界
func TestDenseElements(t *testing.T) {
	// a = [1, 2]; a[1] = 5; a[1] + a[3]
	b := bytecode.NewScriptBuilder("elems", 0, 1)
	b.Int(1).Int(2).OpU16(bytecode.OpNewArray, 2).OpU16(bytecode.OpSetVar, 0).Op(bytecode.OpPop)
	b.OpU16(bytecode.OpGetVar, 0).Int(1).Int(5).Op(bytecode.OpSetElem).Op(bytecode.OpPop)
	b.OpU16(bytecode.OpGetVar, 0).Int(1).Op(bytecode.OpGetElem)
	b.OpU16(bytecode.OpGetVar, 0).Int(3).Op(bytecode.OpGetElem)
	b.Op(bytecode.OpEq).Op(bytecode.OpReturn)

	if v := run(t, NewContext(), b.MustBuild()); v != bytecode.FalseValue {
		t.Errorf("got %s", v)
	}
}

// TestSlotAccess 测试追踪器使用的槽位访问
func TestSlotAccess(t *testing.T) {
	cx := NewContext()
	cx.DefineGlobal("g", bytecode.NewInt(4))
	slot, ok := cx.GlobalSlot("g")
	if !ok {
		t.Fatal("expected global slot")
	}
	if v := cx.SlotValue(nil, SlotGlobal, slot); v.AsNumber() != 4 {
		t.Errorf("global slot = %s", v)
	}
	cx.SetSlotValue(nil, SlotGlobal, slot, bytecode.NewInt(9))
	if v, _ := cx.GetGlobal("g"); v.AsNumber() != 9 {
		t.Errorf("global = %s", v)
	}

	f := &Frame{Vars: []bytecode.Value{bytecode.UndefinedValue}, Stack: make([]bytecode.Value, 2), SP: 1}
	cx.SetSlotValue(f, SlotStack, 0, bytecode.TrueValue)
	cx.SetSlotValue(f, SlotRVal, 0, bytecode.NewInt(1))
	if f.Stack[0] != bytecode.TrueValue || f.RVal.AsNumber() != 1 {
		t.Error("SetSlotValue did not write the frame")
	}

	if _, ok := cx.GlobalSlot("missing"); ok {
		t.Error("missing global must not have a slot")
	}
}
