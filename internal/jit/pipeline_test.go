package jit

import (
	"testing"

	"github.com/tangzhangming/novatrace/internal/jit/types"
	"github.com/tangzhangming/novatrace/internal/lir"
)

// fakeExits 固定的出口来源
type fakeExits struct {
	tm        types.TypeMap
	snapshots int
}

func (f *fakeExits) Snapshot(kind lir.ExitKind) *lir.SideExit {
	f.snapshots++
	return &lir.SideExit{Kind: kind}
}

func (f *fakeExits) ExitTypeMap() types.TypeMap {
	return f.tm.Clone()
}

func newTestPipeline() (*Pipeline, *fakeExits) {
	src := &fakeExits{tm: types.TypeMap{types.TypeInt, types.TypeDouble}}
	return NewPipeline(lir.NewBuffer(), src), src
}

// TestCSEReusesPureExpressions 测试纯表达式去重
func TestCSEReusesPureExpressions(t *testing.T) {
	p, _ := newTestPipeline()

	x := p.Emit(lir.Load(lir.OpLdD, 0))
	y := p.Emit(lir.Load(lir.OpLdD, 0))
	if x == y {
		t.Fatal("frame loads must not be shared")
	}

	a := p.Emit(lir.Ins2(lir.OpMulD, x, y))
	b := p.Emit(lir.Ins2(lir.OpMulD, x, y))
	if a != b {
		t.Errorf("expected the second MulD to be reused")
	}
	if p.Buffer().Len() != 3 {
		t.Errorf("expected 3 instructions, got %d:\n%s", p.Buffer().Len(), p.Buffer().Dump())
	}
}

// TestCSEStoreInvalidatesLoads 测试对象存储使缓存的读取失效
func TestCSEStoreInvalidatesLoads(t *testing.T) {
	p, _ := newTestPipeline()

	obj := p.Emit(lir.Load(lir.OpLdP, 0))
	l1 := p.Emit(&lir.Ins{Op: lir.OpLdSlot, A: obj, Imm: 2})
	l2 := p.Emit(&lir.Ins{Op: lir.OpLdSlot, A: obj, Imm: 2})
	if l1 != l2 {
		t.Fatal("expected repeated slot load to be reused")
	}

	p.Emit(&lir.Ins{Op: lir.OpStSlot, A: obj, B: l1, Imm: 3})
	l3 := p.Emit(&lir.Ins{Op: lir.OpLdSlot, A: obj, Imm: 2})
	if l3 == l1 {
		t.Error("slot load after a store must be re-emitted")
	}
}

// TestSimplifyFolds 测试常量折叠
func TestSimplifyFolds(t *testing.T) {
	p, _ := newTestPipeline()

	sum := p.Emit(lir.Ins2(lir.OpAddD, p.Emit(lir.ImmD(1.5)), p.Emit(lir.ImmD(2))))
	if !sum.IsImmD() || sum.ImmD != 3.5 {
		t.Errorf("expected 3.5, got %s", lir.Format(sum))
	}

	lt := p.Emit(lir.Ins2(lir.OpLtD, p.Emit(lir.ImmD(1.5)), p.Emit(lir.ImmD(2.5))))
	if !lt.IsImmI() || lt.Imm != 1 {
		t.Errorf("expected folded compare 1, got %s", lir.Format(lt))
	}

	trunc := p.Emit(lir.Call(lir.FidDoubleToInt32, p.Emit(lir.ImmD(3.7))))
	if !trunc.IsImmI() || trunc.Imm != 3 {
		t.Errorf("expected ToInt32(3.7) = 3, got %s", lir.Format(trunc))
	}

	neg := p.Emit(lir.Call(lir.FidDoubleToInt32, p.Emit(lir.ImmD(-4294967297))))
	if !neg.IsImmI() || neg.Imm != -1 {
		t.Errorf("expected ToInt32(-4294967297) = -1, got %s", lir.Format(neg))
	}
}

// TestSimplifyIdentities 测试代数恒等式
func TestSimplifyIdentities(t *testing.T) {
	p, _ := newTestPipeline()
	x := p.Emit(lir.Load(lir.OpLdI, 0))

	tests := []struct {
		name string
		ins  *lir.Ins
	}{
		{"x|0", lir.Ins2(lir.OpOrI, x, p.Emit(lir.ImmI(0)))},
		{"0^x", lir.Ins2(lir.OpXorI, p.Emit(lir.ImmI(0)), x)},
		{"x&-1", lir.Ins2(lir.OpAndI, x, p.Emit(lir.ImmI(-1)))},
		{"x<<0", lir.Ins2(lir.OpLshI, x, p.Emit(lir.ImmI(0)))},
		{"x*1", lir.Ins2(lir.OpMulI, x, p.Emit(lir.ImmI(1)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Emit(tt.ins); got != x {
				t.Errorf("expected x, got %s", lir.Format(got))
			}
		})
	}

	if got := p.Emit(lir.Ins1(lir.OpNegD, p.Emit(lir.Ins1(lir.OpNegD, p.Emit(lir.Load(lir.OpLdD, 1)))))); got.Op != lir.OpLdD {
		t.Errorf("expected double negation to cancel, got %s", lir.Format(got))
	}
}

// TestSpecializeIntArithmetic 测试整数特化与溢出守卫
func TestSpecializeIntArithmetic(t *testing.T) {
	p, src := newTestPipeline()

	x := p.Emit(lir.Load(lir.OpLdI, 0))
	xf := p.Emit(lir.Ins1(lir.OpI2F, x))
	sum := p.Emit(lir.Ins2(lir.OpAddD, xf, p.Emit(lir.ImmD(1))))

	if sum.Op != lir.OpI2F || sum.A.Op != lir.OpAddI {
		t.Fatalf("expected i2f(addi), got %s", lir.Format(sum))
	}
	if sum.A.A != x || !sum.A.B.IsImmI() || sum.A.B.Imm != 1 {
		t.Errorf("unexpected operands: %s", lir.Format(sum.A))
	}

	guards := p.Buffer().Guards()
	if len(guards) != 1 {
		t.Fatalf("expected 1 overflow guard, got %d", len(guards))
	}
	g := guards[0]
	if g.Op != lir.OpXt || g.A.Op != lir.OpOv || g.A.A != sum.A {
		t.Errorf("unexpected guard %s", lir.Format(g))
	}
	if g.Exit.Kind != lir.ExitOverflow {
		t.Errorf("expected overflow exit, got %s", g.Exit.Kind)
	}
	if !g.Exit.TypeMap.Equal(src.tm) {
		t.Errorf("exit type map %s, want %s", g.Exit.TypeMap, src.tm)
	}
}

// TestSpecializeAddZeroDropsGuard 测试加零不产生运算和守卫
func TestSpecializeAddZeroDropsGuard(t *testing.T) {
	p, _ := newTestPipeline()

	xf := p.Emit(lir.Ins1(lir.OpI2F, p.Emit(lir.Load(lir.OpLdI, 0))))
	if got := p.Emit(lir.Ins2(lir.OpAddD, xf, p.Emit(lir.ImmD(0)))); got != xf {
		t.Errorf("expected x+0 to be x, got %s", lir.Format(got))
	}
	if n := len(p.Buffer().Guards()); n != 0 {
		t.Errorf("expected no guards, got %d:\n%s", n, p.Buffer().Dump())
	}
}

// TestSpecializeCompare 测试比较特化
func TestSpecializeCompare(t *testing.T) {
	p, _ := newTestPipeline()

	x := p.Emit(lir.Load(lir.OpLdI, 0))
	xf := p.Emit(lir.Ins1(lir.OpI2F, x))
	lt := p.Emit(lir.Ins2(lir.OpLtD, xf, p.Emit(lir.ImmD(10))))
	if lt.Op != lir.OpLtI || lt.A != x {
		t.Errorf("expected lti, got %s", lir.Format(lt))
	}

	u := p.Emit(lir.Ins1(lir.OpU2F, x))
	ge := p.Emit(lir.Ins2(lir.OpGeD, u, p.Emit(lir.ImmD(3000000000))))
	if ge.Op != lir.OpGeU {
		t.Errorf("expected geu, got %s", lir.Format(ge))
	}

	same := p.Emit(lir.Ins2(lir.OpEqD, xf, xf))
	if !same.IsImmI() || same.Imm != 1 {
		t.Errorf("expected x == x to fold, got %s", lir.Format(same))
	}

	d := p.Emit(lir.Load(lir.OpLdD, 1))
	mixed := p.Emit(lir.Ins2(lir.OpLtD, xf, d))
	if mixed.Op != lir.OpLtD {
		t.Errorf("mixed compare must stay double, got %s", lir.Format(mixed))
	}
}

// TestExitMapDemotesStores 测试提升值写回交接帧时使用整数存储
func TestExitMapDemotesStores(t *testing.T) {
	p, _ := newTestPipeline()

	x := p.Emit(lir.Load(lir.OpLdI, 0))
	p.Emit(lir.Store(lir.OpStD, p.Emit(lir.Ins1(lir.OpI2F, x)), 3))
	st := p.Buffer().Last()
	if st.Op != lir.OpStI || st.A != x || st.Imm != 3 {
		t.Errorf("expected sti x -> 3, got %s", lir.Format(st))
	}

	p.Emit(lir.Store(lir.OpStD, p.Emit(lir.ImmD(7)), 4))
	st = p.Buffer().Last()
	if st.Op != lir.OpStI || !st.A.IsImmI() || st.A.Imm != 7 {
		t.Errorf("expected sti 7 -> 4, got %s", lir.Format(st))
	}

	p.EmitAt(StageSimplify, lir.Store(lir.OpStD, p.Emit(lir.ImmD(7)), 4))
	if st = p.Buffer().Last(); st.Op != lir.OpStD {
		t.Errorf("stores emitted past the exit map must stay double, got %s", lir.Format(st))
	}
}

// TestConstantGuards 测试常量守卫
func TestConstantGuards(t *testing.T) {
	p, src := newTestPipeline()

	one := p.Emit(lir.ImmI(1))
	if g := p.Emit(lir.Guard(lir.OpXf, one, &lir.SideExit{Kind: lir.ExitBranch})); g != nil {
		t.Errorf("guard that always passes must be dropped, got %s", lir.Format(g))
	}
	if n := len(p.Buffer().Guards()); n != 0 {
		t.Errorf("expected no guards, got %d", n)
	}

	// 永远失败的守卫保留
	g := p.Emit(lir.Guard(lir.OpXt, one, &lir.SideExit{Kind: lir.ExitBranch}))
	if g == nil {
		t.Fatal("guard that always fails must be kept")
	}
	if !g.Exit.TypeMap.Equal(src.tm) {
		t.Errorf("exit type map %s, want %s", g.Exit.TypeMap, src.tm)
	}
}

// TestDemotePanicsOnDouble 测试对非提升节点降级
func TestDemotePanicsOnDouble(t *testing.T) {
	p, _ := newTestPipeline()
	d := p.Emit(lir.Load(lir.OpLdD, 1))

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	p.demote(d)
}

// TestSpecializeTruncatedArithmetic 测试 ToInt32 包住的加减可以换成整数运算, 乘法不行
func TestSpecializeTruncatedArithmetic(t *testing.T) {
	p, _ := newTestPipeline()

	x := p.Emit(lir.Load(lir.OpLdI, 0))
	u := p.Emit(lir.Ins1(lir.OpU2F, x))

	sum := p.Emit(lir.Call(lir.FidDoubleToInt32, p.Emit(lir.Ins2(lir.OpAddD, u, u))))
	if sum.Op != lir.OpAddI || sum.A != x || sum.B != x {
		t.Errorf("expected addi x, x, got %s", lir.Format(sum))
	}

	// (2^32-1)^2 超过 2^53, double 乘积已经舍入, 低 32 位与整数乘法不同
	prod := p.Emit(lir.Ins2(lir.OpMulD, u, u))
	if prod.Op != lir.OpMulD {
		t.Fatalf("uint product must stay double, got %s", lir.Format(prod))
	}
	trunc := p.Emit(lir.Call(lir.FidDoubleToInt32, prod))
	if trunc.Op != lir.OpCall || trunc.Fid != lir.FidDoubleToInt32 || trunc.A != prod {
		t.Errorf("expected DoubleToInt32 of the double product, got %s", lir.Format(trunc))
	}
	if n := len(p.Buffer().Guards()); n != 0 {
		t.Errorf("truncated arithmetic needs no guards, got %d", n)
	}
}

// TestSelfEqualityOfPromotedArithmetic 测试提升值运算结果与自身比较恒为真
func TestSelfEqualityOfPromotedArithmetic(t *testing.T) {
	p, _ := newTestPipeline()

	x := p.Emit(lir.Load(lir.OpLdI, 0))
	mixed := p.Emit(lir.Ins2(lir.OpAddD, p.Emit(lir.Ins1(lir.OpI2F, x)), p.Emit(lir.Ins1(lir.OpU2F, x))))
	if mixed.Op != lir.OpAddD {
		t.Fatalf("int plus uint stays double, got %s", lir.Format(mixed))
	}
	if eq := p.Emit(lir.Ins2(lir.OpEqD, mixed, mixed)); !eq.IsImmI() || eq.Imm != 1 {
		t.Errorf("expected x == x to fold, got %s", lir.Format(eq))
	}

	d := p.Emit(lir.Load(lir.OpLdD, 1))
	sq := p.Emit(lir.Ins2(lir.OpMulD, d, d))
	if eq := p.Emit(lir.Ins2(lir.OpEqD, sq, sq)); eq.Op != lir.OpEqD {
		t.Errorf("a double product may be NaN, got %s", lir.Format(eq))
	}
}
