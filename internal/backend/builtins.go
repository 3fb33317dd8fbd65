package backend

import (
	"math"

	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/jit/types"
	"github.com/tangzhangming/novatrace/internal/lir"
)

// ============================================================================
// 内置函数
// ============================================================================

// ValueToRef 把对象/字符串值转换为交接帧中的引用表示
// 对象槽位总是保存 *bytecode.Object (null 为 nil 指针), 字符串槽位保存 string
func ValueToRef(v bytecode.Value) interface{} {
	switch v.Type {
	case bytecode.ValObject:
		return v.Data.(*bytecode.Object)
	case bytecode.ValString:
		return v.Data.(string)
	}
	return (*bytecode.Object)(nil)
}

// RefToValue 把引用表示转换回值
func RefToValue(ref interface{}) bytecode.Value {
	switch r := ref.(type) {
	case *bytecode.Object:
		return bytecode.NewObject(r)
	case string:
		return bytecode.NewString(r)
	}
	return bytecode.NullValue
}

// BooleanToNative 布尔值 (含 undefined) 的原生表示
func BooleanToNative(v bytecode.Value) int32 {
	switch v.Type {
	case bytecode.ValBool:
		if v.Data.(bool) {
			return 1
		}
		return 0
	}
	return types.BooleanUndefined
}

// NativeToBoolean 原生表示转换回布尔值 (含 undefined)
func NativeToBoolean(n int32) bytecode.Value {
	switch n {
	case 0:
		return bytecode.FalseValue
	case 1:
		return bytecode.TrueValue
	}
	return bytecode.UndefinedValue
}

func callStep(fid lir.Fid, r, a, b int) step {
	next := r + 1
	switch fid {
	case lir.FidDoubleToInt32:
		return func(m *machine) int { m.setInt(r, bytecode.ToInt32(m.f64(a))); return next }
	case lir.FidDoubleToUint32:
		return func(m *machine) int { m.setInt(r, int32(bytecode.ToUint32(m.f64(a)))); return next }
	case lir.FidBoxDouble:
		return func(m *machine) int { m.refs[r] = bytecode.NewDouble(m.f64(a)); return next }
	case lir.FidBoxInt32:
		return func(m *machine) int { m.refs[r] = bytecode.NewInt(m.i32(a)); return next }
	case lir.FidBoxBoolean:
		return func(m *machine) int { m.refs[r] = NativeToBoolean(m.i32(a)); return next }
	case lir.FidBoxRef:
		return func(m *machine) int { m.refs[r] = RefToValue(m.refs[a]); return next }
	case lir.FidUnboxTag:
		return func(m *machine) int {
			m.setInt(r, int32(types.CoercedTagOf(m.refs[a].(bytecode.Value))))
			return next
		}
	case lir.FidUnboxDouble:
		return func(m *machine) int { m.setDouble(r, m.refs[a].(bytecode.Value).AsNumber()); return next }
	case lir.FidUnboxBoolean:
		return func(m *machine) int { m.setInt(r, BooleanToNative(m.refs[a].(bytecode.Value))); return next }
	case lir.FidUnboxRef:
		return func(m *machine) int { m.refs[r] = ValueToRef(m.refs[a].(bytecode.Value)); return next }
	case lir.FidMathSin:
		return func(m *machine) int { m.setDouble(r, math.Sin(m.f64(a))); return next }
	case lir.FidMathCos:
		return func(m *machine) int { m.setDouble(r, math.Cos(m.f64(a))); return next }
	case lir.FidMathPow:
		return func(m *machine) int { m.setDouble(r, math.Pow(m.f64(a), m.f64(b))); return next }
	case lir.FidMathFloor:
		return func(m *machine) int { m.setDouble(r, math.Floor(m.f64(a))); return next }
	case lir.FidMathSqrt:
		return func(m *machine) int { m.setDouble(r, math.Sqrt(m.f64(a))); return next }
	case lir.FidDoubleMod:
		return func(m *machine) int { m.setDouble(r, math.Mod(m.f64(a), m.f64(b))); return next }
	}
	panic("backend: unknown builtin " + fid.String())
}
