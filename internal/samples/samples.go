// Package samples 提供一组用于演示和测试追踪器的循环程序
package samples

import (
	"sort"

	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/vm"
)

// Sample 一个样例程序
type Sample struct {
	Name  string
	About string
	// Setup 定义全局变量并构建脚本
	Setup func(cx *vm.Context) *bytecode.Script
}

var registry = map[string]Sample{}

func register(s Sample) {
	registry[s.Name] = s
}

// All 按名字排序返回所有样例
func All() []Sample {
	out := make([]Sample, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup 按名字查找样例
func Lookup(name string) (Sample, bool) {
	s, ok := registry[name]
	return s, ok
}

// Loop 生成 for (var[i] = 0; var[i] < n; ++var[i]) { body }
// 循环头是循环体的第一条指令
func Loop(b *bytecode.ScriptBuilder, i, n int, body func()) {
	head, cond := b.NewLabel(), b.NewLabel()
	b.Op(bytecode.OpZero).OpU16(bytecode.OpSetVar, i).Op(bytecode.OpPop)
	b.Jump(bytecode.OpGoto, cond)
	b.Bind(head)
	body()
	b.OpU16(bytecode.OpIncVar, i).Op(bytecode.OpPop)
	b.Bind(cond)
	b.OpU16(bytecode.OpGetVar, i).Int(n).Op(bytecode.OpLt)
	b.Jump(bytecode.OpIfNe, head)
}

// setVar 生成 var[v] = <栈顶>; 并弹出
func setVar(b *bytecode.ScriptBuilder, v int) {
	b.OpU16(bytecode.OpSetVar, v).Op(bytecode.OpPop)
}

func returnVar(b *bytecode.ScriptBuilder, v int) *bytecode.Script {
	b.OpU16(bytecode.OpGetVar, v).Op(bytecode.OpReturn)
	return b.MustBuild()
}

func init() {
	register(Sample{
		Name:  "count",
		About: "int counter, demoted after the first recording",
		Setup: func(cx *vm.Context) *bytecode.Script {
			return Count(1000)
		},
	})
	register(Sample{
		Name:  "sum-array",
		About: "sums a dense array held in a global",
		Setup: func(cx *vm.Context) *bytecode.Script {
			elems := make([]bytecode.Value, 100)
			for i := range elems {
				elems[i] = bytecode.NewDouble(float64(i) * 1.5)
			}
			cx.DefineGlobal("arr", bytecode.NewObject(bytecode.NewArrayObject(elems)))
			return SumArray(len(elems))
		},
	})
	register(Sample{
		Name:  "trig",
		About: "calls Math.sin and Math.cos inside the loop",
		Setup: func(cx *vm.Context) *bytecode.Script {
			return Trig(200)
		},
	})
	register(Sample{
		Name:  "swap",
		About: "swaps a number and a boolean, never type stable",
		Setup: func(cx *vm.Context) *bytecode.Script {
			return Swap(100)
		},
	})
	register(Sample{
		Name:  "overflow",
		About: "int counter that overflows int32 and leaves through the overflow guard",
		Setup: func(cx *vm.Context) *bytecode.Script {
			return Overflow(2147483600, 100)
		},
	})
	register(Sample{
		Name:  "oob",
		About: "reads past the end of an array, aborted and blacklisted",
		Setup: func(cx *vm.Context) *bytecode.Script {
			cx.DefineGlobal("arr", bytecode.NewObject(bytecode.NewArrayObject([]bytecode.Value{
				bytecode.OneValue, bytecode.NewInt(2), bytecode.NewInt(3),
			})))
			return OutOfBounds(5, 100)
		},
	})
	register(Sample{
		Name:  "branchy",
		About: "branch flips halfway, the trace keeps taking side exits",
		Setup: func(cx *vm.Context) *bytecode.Script {
			return Branchy(100)
		},
	})
	register(Sample{
		Name:  "object",
		About: "increments a property through the shape guard",
		Setup: func(cx *vm.Context) *bytecode.Script {
			obj := bytecode.NewPlainObject(nil)
			obj.Set("x", bytecode.ZeroValue)
			cx.DefineGlobal("obj", bytecode.NewObject(obj))
			return ObjectCounter(100)
		},
	})
	register(Sample{
		Name:  "bits",
		About: "xor and mask, specialized to int ops",
		Setup: func(cx *vm.Context) *bytecode.Script {
			return Bits(300)
		},
	})
	register(Sample{
		Name:  "umul",
		About: "uint32 product wider than 2^53, truncated with |0",
		Setup: func(cx *vm.Context) *bytecode.Script {
			return UintProduct(-1, 100)
		},
	})
	register(Sample{
		Name:  "widen",
		About: "counter that turns fractional halfway, widened back to double",
		Setup: func(cx *vm.Context) *bytecode.Script {
			return Widen(13, 100)
		},
	})
	register(Sample{
		Name:  "gcount",
		About: "increments a global with g++",
		Setup: func(cx *vm.Context) *bytecode.Script {
			cx.DefineGlobal("g", bytecode.ZeroValue)
			return GlobalCounter(500)
		},
	})
}

// Count var1 每次迭代加一, 返回 var1
func Count(n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("count", 0, 2)
	b.Op(bytecode.OpZero)
	setVar(b, 1)
	Loop(b, 0, n, func() {
		b.OpU16(bytecode.OpGetVar, 1).Op(bytecode.OpOne).Op(bytecode.OpAdd)
		setVar(b, 1)
	})
	return returnVar(b, 1)
}

// SumArray 累加全局数组 arr 的前 n 个元素
func SumArray(n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("sum-array", 0, 2)
	b.Op(bytecode.OpZero)
	setVar(b, 1)
	Loop(b, 0, n, func() {
		b.OpU16(bytecode.OpGetVar, 1)
		b.Name(bytecode.OpGetGName, "arr").OpU16(bytecode.OpGetVar, 0).Op(bytecode.OpGetElem)
		b.Op(bytecode.OpAdd)
		setVar(b, 1)
	})
	return returnVar(b, 1)
}

// Trig 累加 sin(i) * cos(i)
func Trig(n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("trig", 0, 2)
	b.Op(bytecode.OpZero)
	setVar(b, 1)
	Loop(b, 0, n, func() {
		b.OpU16(bytecode.OpGetVar, 1)
		b.Name(bytecode.OpGetGName, "Math").Name(bytecode.OpGetProp, "sin")
		b.OpU16(bytecode.OpGetVar, 0).Call(1)
		b.Name(bytecode.OpGetGName, "Math").Name(bytecode.OpGetProp, "cos")
		b.OpU16(bytecode.OpGetVar, 0).Call(1)
		b.Op(bytecode.OpMul).Op(bytecode.OpAdd)
		setVar(b, 1)
	})
	return returnVar(b, 1)
}

// Swap 每次迭代交换 var1 (数字) 和 var2 (布尔), 返回 var1
func Swap(n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("swap", 0, 3)
	b.Op(bytecode.OpZero)
	setVar(b, 1)
	b.Op(bytecode.OpTrue)
	setVar(b, 2)
	Loop(b, 0, n, func() {
		b.OpU16(bytecode.OpGetVar, 1).OpU16(bytecode.OpGetVar, 2)
		setVar(b, 1)
		setVar(b, 2)
	})
	return returnVar(b, 1)
}

// Overflow 从 start 开始自增 n 次
func Overflow(start float64, n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("overflow", 0, 2)
	b.Number(start)
	setVar(b, 1)
	Loop(b, 0, n, func() {
		b.OpU16(bytecode.OpIncVar, 1).Op(bytecode.OpPop)
	})
	return returnVar(b, 1)
}

// OutOfBounds 每次迭代读取 arr[index]
func OutOfBounds(index, n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("oob", 0, 2)
	Loop(b, 0, n, func() {
		b.Name(bytecode.OpGetGName, "arr").Int(index).Op(bytecode.OpGetElem)
		setVar(b, 1)
	})
	return returnVar(b, 1)
}

// Branchy i < n/2 时 x += 1, 否则 x += 2
func Branchy(n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("branchy", 0, 2)
	b.Op(bytecode.OpZero)
	setVar(b, 1)
	Loop(b, 0, n, func() {
		other, join := b.NewLabel(), b.NewLabel()
		b.OpU16(bytecode.OpGetVar, 0).Int(n / 2).Op(bytecode.OpLt)
		b.Jump(bytecode.OpIfEq, other)
		b.OpU16(bytecode.OpGetVar, 1).Op(bytecode.OpOne).Op(bytecode.OpAdd)
		setVar(b, 1)
		b.Jump(bytecode.OpGoto, join)
		b.Bind(other)
		b.OpU16(bytecode.OpGetVar, 1).Int(2).Op(bytecode.OpAdd)
		setVar(b, 1)
		b.Bind(join)
	})
	return returnVar(b, 1)
}

// ObjectCounter obj.x = obj.x + 1, 返回 obj.x
func ObjectCounter(n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("object", 0, 1)
	Loop(b, 0, n, func() {
		b.Name(bytecode.OpGetGName, "obj")
		b.Name(bytecode.OpGetGName, "obj").Name(bytecode.OpGetProp, "x")
		b.Op(bytecode.OpOne).Op(bytecode.OpAdd)
		b.Name(bytecode.OpSetProp, "x").Op(bytecode.OpPop)
	})
	b.Name(bytecode.OpGetGName, "obj").Name(bytecode.OpGetProp, "x").Op(bytecode.OpReturn)
	return b.MustBuild()
}

// Bits x = (x ^ i) & 255
func Bits(n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("bits", 0, 2)
	b.Op(bytecode.OpZero)
	setVar(b, 1)
	Loop(b, 0, n, func() {
		b.OpU16(bytecode.OpGetVar, 1).OpU16(bytecode.OpGetVar, 0).Op(bytecode.OpBitXor)
		b.Int(255).Op(bytecode.OpBitAnd)
		setVar(b, 1)
	})
	return returnVar(b, 1)
}

// UintProduct var1 = ((v >>> 0) * (v >>> 0)) | 0
func UintProduct(v float64, n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("umul", 0, 3)
	b.Op(bytecode.OpZero)
	setVar(b, 1)
	b.Number(v)
	setVar(b, 2)
	Loop(b, 0, n, func() {
		b.OpU16(bytecode.OpGetVar, 2).Op(bytecode.OpZero).Op(bytecode.OpUrsh)
		b.OpU16(bytecode.OpGetVar, 2).Op(bytecode.OpZero).Op(bytecode.OpUrsh)
		b.Op(bytecode.OpMul).Op(bytecode.OpZero).Op(bytecode.OpBitOr)
		setVar(b, 1)
	})
	return returnVar(b, 1)
}

// Widen i < k 时 x += 1, 否则 x += 0.5
func Widen(k, n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("widen", 0, 2)
	b.Op(bytecode.OpZero)
	setVar(b, 1)
	Loop(b, 0, n, func() {
		other, join := b.NewLabel(), b.NewLabel()
		b.OpU16(bytecode.OpGetVar, 0).Int(k).Op(bytecode.OpLt)
		b.Jump(bytecode.OpIfEq, other)
		b.OpU16(bytecode.OpGetVar, 1).Op(bytecode.OpOne).Op(bytecode.OpAdd)
		setVar(b, 1)
		b.Jump(bytecode.OpGoto, join)
		b.Bind(other)
		b.OpU16(bytecode.OpGetVar, 1).Number(0.5).Op(bytecode.OpAdd)
		setVar(b, 1)
		b.Bind(join)
	})
	return returnVar(b, 1)
}

// GlobalCounter 每次迭代执行 g++, 返回 g
func GlobalCounter(n int) *bytecode.Script {
	b := bytecode.NewScriptBuilder("gcount", 0, 1)
	Loop(b, 0, n, func() {
		b.Name(bytecode.OpGNameInc, "g").Op(bytecode.OpPop)
	})
	b.Name(bytecode.OpGetGName, "g").Op(bytecode.OpReturn)
	return b.MustBuild()
}
