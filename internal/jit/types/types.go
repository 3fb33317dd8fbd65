// Package types 定义追踪器、LIR 与后端共享的类型标签，用于避免循环导入
package types

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/novatrace/internal/bytecode"
)

// ============================================================================
// 类型标签
// ============================================================================

// Tag 槽位类型标签: 低 4 位为基本类型, 高位为修饰标志
type Tag uint8

const (
	TypeObject  Tag = iota // 对象或 null
	TypeInt                // int32 (降级后的数字)
	TypeDouble             // double (数字的默认表示)
	TypeString             // 字符串
	TypeBoolean            // 布尔值, undefined 也归入此类
	TypeAny                // 未使用的槽位
)

const (
	typeMask Tag = 0x0f

	// FlagDemote 在下一次录制时把该槽位按整数导入
	FlagDemote Tag = 0x10
	// FlagDontDemote 禁止再对该槽位做整数降级
	FlagDontDemote Tag = 0x20
)

// BooleanUndefined undefined 在布尔表示下的原生值 (false=0, true=1)
const BooleanUndefined = 2

// Type 去掉修饰标志后的基本类型
func (t Tag) Type() Tag {
	return t & typeMask
}

// Has 是否带有指定标志
func (t Tag) Has(flag Tag) bool {
	return t&flag != 0
}

// WithType 保留标志, 替换基本类型
func (t Tag) WithType(kind Tag) Tag {
	return (t &^ typeMask) | kind.Type()
}

// IsNumber 是否为数字类型
func (t Tag) IsNumber() bool {
	k := t.Type()
	return k == TypeInt || k == TypeDouble
}

func (t Tag) String() string {
	var s string
	switch t.Type() {
	case TypeObject:
		s = "O"
	case TypeInt:
		s = "I"
	case TypeDouble:
		s = "D"
	case TypeString:
		s = "S"
	case TypeBoolean:
		s = "B"
	case TypeAny:
		s = "?"
	default:
		s = fmt.Sprintf("<%d>", uint8(t.Type()))
	}
	if t.Has(FlagDemote) {
		s += "!"
	}
	if t.Has(FlagDontDemote) {
		s += "~"
	}
	return s
}

// TagOf 返回值的精确类型标签 (int32 数字为 TypeInt)
func TagOf(v bytecode.Value) Tag {
	switch v.Type {
	case bytecode.ValInt:
		return TypeInt
	case bytecode.ValDouble:
		return TypeDouble
	case bytecode.ValBool, bytecode.ValUndefined:
		return TypeBoolean
	case bytecode.ValString:
		return TypeString
	case bytecode.ValObject, bytecode.ValNull:
		return TypeObject
	}
	return TypeAny
}

// CoercedTagOf 返回值的推测类型标签: 所有数字都视为 double
func CoercedTagOf(v bytecode.Value) Tag {
	t := TagOf(v)
	if t == TypeInt {
		return TypeDouble
	}
	return t
}

// ============================================================================
// 类型映射
// ============================================================================

// TypeMap 按槽位枚举顺序排列的类型标签序列
type TypeMap []Tag

// Clone 复制类型映射
func (m TypeMap) Clone() TypeMap {
	if m == nil {
		return nil
	}
	out := make(TypeMap, len(m))
	copy(out, m)
	return out
}

// Equal 逐个比较标签 (含标志)
func (m TypeMap) Equal(other TypeMap) bool {
	if len(m) != len(other) {
		return false
	}
	for i := range m {
		if m[i] != other[i] {
			return false
		}
	}
	return true
}

// String 紧凑表示, 例如 "[D I! B O]"
func (m TypeMap) String() string {
	parts := make([]string, len(m))
	for i, t := range m {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Accepts 判断值能否按该标签无损拆箱
func (t Tag) Accepts(v bytecode.Value) bool {
	switch t.Type() {
	case TypeInt:
		if v.IsInt() {
			return true
		}
		if v.Type == bytecode.ValDouble {
			_, ok := bytecode.DoubleIsInt32(v.Data.(float64))
			return ok
		}
		return false
	case TypeDouble:
		return v.IsNumber()
	case TypeAny:
		return true
	}
	return TagOf(v) == t.Type()
}
