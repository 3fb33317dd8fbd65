package jit

import (
	"github.com/tangzhangming/novatrace/internal/backend"
	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/jit/types"
)

// ============================================================================
// 交接帧装箱与拆箱
// ============================================================================

// unboxSlot 按标签把解释器值写入交接帧, 值不被标签接受时返回 false
func unboxSlot(f *backend.Frame, i int, tag types.Tag, v bytecode.Value) bool {
	if !tag.Accepts(v) {
		return false
	}
	switch tag.Type() {
	case types.TypeInt:
		n, _ := bytecode.DoubleIsInt32(v.AsNumber())
		f.SetInt(i, n)
	case types.TypeDouble:
		f.SetDouble(i, v.AsNumber())
	case types.TypeBoolean:
		f.SetInt(i, backend.BooleanToNative(v))
	case types.TypeObject, types.TypeString:
		f.SetRef(i, backend.ValueToRef(v))
	}
	return true
}

// boxSlot 按标签从交接帧读出值, TypeAny 返回 false
func boxSlot(f *backend.Frame, i int, tag types.Tag) (bytecode.Value, bool) {
	switch tag.Type() {
	case types.TypeInt:
		return bytecode.NewInt(f.Int(i)), true
	case types.TypeDouble:
		return bytecode.NewDouble(f.Double(i)), true
	case types.TypeBoolean:
		return backend.NativeToBoolean(f.Int(i)), true
	case types.TypeObject, types.TypeString:
		return backend.RefToValue(f.Refs[i]), true
	}
	return bytecode.UndefinedValue, false
}
