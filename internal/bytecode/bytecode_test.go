package bytecode

import (
	"math"
	"strings"
	"testing"
)

// TestBuilderJumps 测试跳转回填与栈深度计算
func TestBuilderJumps(t *testing.T) {
	b := NewScriptBuilder("loop", 0, 1)
	head := b.NewLabel()
	cond := b.NewLabel()
	b.Op(OpZero).OpU16(OpSetVar, 0).Op(OpPop)
	b.Jump(OpGoto, cond)
	b.Bind(head)
	b.OpU16(OpVarInc, 0).Op(OpPop)
	b.Bind(cond)
	b.OpU16(OpGetVar, 0).Int(10).Op(OpLt)
	b.Jump(OpIfNe, head)
	b.Op(OpStop)

	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.MaxStack != 2 {
		t.Errorf("MaxStack = %d, want 2", s.MaxStack)
	}

	// 找到 IFNE 并检查它跳回循环头
	for pc := 0; pc < len(s.Code); pc += s.OpAt(pc).Length() {
		if s.OpAt(pc) == OpIfNe {
			if got := s.JumpTarget(pc); got != 8 {
				t.Errorf("IFNE target = %d, want 8", got)
			}
		}
	}

	dis := s.Disassemble()
	if !strings.Contains(dis, "VARINC") || !strings.Contains(dis, "-> 0008") {
		t.Errorf("unexpected disassembly:\n%s", dis)
	}
}

// TestBuilderUnboundLabel 测试未绑定标签报错
func TestBuilderUnboundLabel(t *testing.T) {
	b := NewScriptBuilder("bad", 0, 0)
	b.Jump(OpGoto, b.NewLabel())
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error for unbound label")
	}
}

// TestNumberNormalization 测试数字规范化
func TestNumberNormalization(t *testing.T) {
	tests := []struct {
		in      float64
		wantInt bool
	}{
		{0, true},
		{math.Copysign(0, -1), false},
		{3, true},
		{3.5, false},
		{2147483647, true},
		{2147483648, false},
		{-2147483648, true},
		{math.NaN(), false},
	}
	for _, tt := range tests {
		v := NewDouble(tt.in)
		if v.IsInt() != tt.wantInt {
			t.Errorf("NewDouble(%v).IsInt() = %v, want %v", tt.in, v.IsInt(), tt.wantInt)
		}
	}
}

// TestToInt32 测试 ECMA ToInt32
func TestToInt32(t *testing.T) {
	tests := []struct {
		in   float64
		want int32
	}{
		{1.9, 1},
		{-1.9, -1},
		{4294967296, 0},
		{2147483648, -2147483648},
		{math.Inf(1), 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := ToInt32(tt.in); got != tt.want {
			t.Errorf("ToInt32(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if got := ToUint32(-1); got != 4294967295 {
		t.Errorf("ToUint32(-1) = %d", got)
	}
}

// TestShapeTransitions 测试相同添加顺序共享形状
func TestShapeTransitions(t *testing.T) {
	a := NewPlainObject(nil)
	b := NewPlainObject(nil)
	a.Set("x", NewInt(1))
	a.Set("y", NewInt(2))
	b.Set("x", NewInt(3))
	b.Set("y", NewInt(4))
	if a.Shape != b.Shape {
		t.Error("objects built the same way should share a shape")
	}

	c := NewPlainObject(nil)
	c.Set("y", NewInt(1))
	if c.Shape == a.Shape {
		t.Error("different property order must not share a shape")
	}

	a.Set("x", NewInt(10))
	if v, _ := a.Get("x"); v.AsInt() != 10 {
		t.Errorf("a.x = %v", v)
	}

	proto := NewPlainObject(nil)
	proto.Set("z", NewInt(7))
	d := NewPlainObject(proto)
	if v, ok := d.Get("z"); !ok || v.AsInt() != 7 {
		t.Errorf("proto lookup failed: %v %v", v, ok)
	}
}

// TestDenseArray 测试稠密数组读写
func TestDenseArray(t *testing.T) {
	arr := NewArrayObject([]Value{NewInt(1), NewInt(2), NewInt(3)})
	if v := arr.GetElem(5); v.Type != ValUndefined {
		t.Errorf("out of bounds read = %v, want undefined", v)
	}
	arr.SetElem(3, NewInt(4))
	if arr.Length != 4 || len(arr.Elems) < 4 {
		t.Fatalf("length=%d cap=%d", arr.Length, len(arr.Elems))
	}
	if v := arr.GetElem(3); v.AsInt() != 4 {
		t.Errorf("arr[3] = %v", v)
	}
	if v := arr.GetElem(1.5); v.Type != ValUndefined {
		t.Errorf("non-integer index read = %v", v)
	}
}
