package lir

import (
	"math"
	"strings"
	"testing"

	"github.com/tangzhangming/novatrace/internal/jit/types"
)

// TestResultKinds 测试指令结果表示
func TestResultKinds(t *testing.T) {
	tests := []struct {
		ins  *Ins
		want Kind
	}{
		{ImmI(1), KindInt},
		{ImmD(1), KindDouble},
		{ImmP(nil), KindRef},
		{Ins2(OpLtD, ImmD(1), ImmD(2)), KindInt},
		{Ins1(OpI2F, ImmI(1)), KindDouble},
		{Call(FidUnboxTag, ImmP(nil)), KindInt},
		{Call(FidMathPow, ImmD(2), ImmD(3)), KindDouble},
		{Store(OpStI, ImmI(1), 0), KindNone},
		{Guard(OpXt, ImmI(0), &SideExit{}), KindNone},
	}
	for _, tt := range tests {
		if got := tt.ins.Result(); got != tt.want {
			t.Errorf("%s: Result() = %s, want %s", tt.ins.Op, got, tt.want)
		}
	}
}

// TestInsPredicates 测试指令分类
func TestInsPredicates(t *testing.T) {
	loop := Guard(OpLoop, nil, &SideExit{Kind: ExitLoop})
	if !loop.IsGuard() || !loop.HasSideEffects() || len(loop.Operands()) != 0 {
		t.Error("loop is a guard without operands")
	}
	st := &Ins{Op: OpStElem, A: ImmP(nil), B: ImmI(0), C: ImmP(nil)}
	if !st.IsStore() || len(st.Operands()) != 3 {
		t.Error("stelem is a store with three operands")
	}
	if !Load(OpLdP, 0).IsFrameLoad() || ImmI(0).IsFrameLoad() {
		t.Error("IsFrameLoad wrong")
	}
	if !Ins2(OpMulI, ImmI(1), ImmI(2)).IsIntArith() || Ins2(OpAndI, ImmI(1), ImmI(2)).IsIntArith() {
		t.Error("IsIntArith wrong")
	}
}

// TestIntegralDouble 测试可降级的 double
func TestIntegralDouble(t *testing.T) {
	tests := []struct {
		d          float64
		int32, u32 bool
	}{
		{0, true, true},
		{math.Copysign(0, -1), false, false},
		{-5, true, false},
		{2.5, false, false},
		{math.MaxInt32, true, true},
		{math.MaxInt32 + 1, false, true},
		{math.MaxUint32 + 1, false, false},
		{math.NaN(), false, false},
	}
	for _, tt := range tests {
		if got := IsIntegralDouble(tt.d); got != tt.int32 {
			t.Errorf("IsIntegralDouble(%v) = %v", tt.d, got)
		}
		if got := IsUint32Double(tt.d); got != tt.u32 {
			t.Errorf("IsUint32Double(%v) = %v", tt.d, got)
		}
	}
}

// TestBufferDump 测试缓冲区与格式化
func TestBufferDump(t *testing.T) {
	b := NewBuffer()
	x := b.Append(Load(OpLdI, 2))
	one := b.Append(ImmI(1))
	sum := b.Append(Ins2(OpAddI, x, one))
	b.Append(Guard(OpXt, b.Append(Ins1(OpOv, sum)), &SideExit{Kind: ExitOverflow, IPAdj: 3, TypeMap: types.TypeMap{types.TypeInt}}))
	b.Append(Store(OpStI, sum, 2))
	b.Append(Guard(OpLoop, nil, &SideExit{Kind: ExitLoop}))

	if b.Len() != 7 || sum.ID != 2 || b.At(2) != sum {
		t.Fatalf("unexpected IDs: len=%d sum=v%d", b.Len(), sum.ID)
	}
	if g := b.Guards(); len(g) != 2 || g[1] != b.Last() {
		t.Errorf("Guards() = %d", len(g))
	}

	dump := b.Dump()
	for _, want := range []string{
		"v0 = ldi sp[2]",
		"v2 = addi v0, v1",
		"xt v3 -> exit(overflow ip+3 sp+0 depth=0 [I])",
		"sti sp[2], v2",
		"loop -> exit(loop",
	} {
		if !strings.Contains(dump, want) {
			t.Errorf("dump missing %q:\n%s", want, dump)
		}
	}

	b.Reset()
	if b.Len() != 0 || b.Last() != nil {
		t.Error("Reset must empty the buffer")
	}
}

// TestNames 测试名字
func TestNames(t *testing.T) {
	if OpLdCapacity.String() != "ldcap" || Opcode(250).String() != "op(250)" {
		t.Error("opcode names wrong")
	}
	if FidMathSin.String() != "Math.sin" || Fid(200).String() != "fid(200)" {
		t.Error("fid names wrong")
	}
	if ExitNegIndex.String() != "neg-index" || ExitKind(99).String() != "exit(99)" {
		t.Error("exit names wrong")
	}
}
