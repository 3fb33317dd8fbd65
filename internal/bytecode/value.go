package bytecode

import (
	"fmt"
	"math"
	"strconv"
)

// ValueType 值类型
type ValueType byte

const (
	ValUndefined ValueType = iota
	ValNull
	ValBool
	ValInt    // int32 表示的数字
	ValDouble // float64 表示的数字
	ValString
	ValObject
)

// Value 运行时值
type Value struct {
	Type ValueType
	Data interface{}
}

// 预定义常量值
var (
	UndefinedValue = Value{Type: ValUndefined}
	NullValue      = Value{Type: ValNull}
	TrueValue      = Value{Type: ValBool, Data: true}
	FalseValue     = Value{Type: ValBool, Data: false}
	ZeroValue      = Value{Type: ValInt, Data: int32(0)}
	OneValue       = Value{Type: ValInt, Data: int32(1)}
)

// NewBool 创建布尔值
func NewBool(b bool) Value {
	if b {
		return TrueValue
	}
	return FalseValue
}

// NewInt 创建整数值
func NewInt(n int32) Value {
	return Value{Type: ValInt, Data: n}
}

// NewDouble 创建数字值, 可以无损表示为 int32 的数字会被规范化为整数
func NewDouble(f float64) Value {
	if i, ok := DoubleIsInt32(f); ok {
		return NewInt(i)
	}
	return Value{Type: ValDouble, Data: f}
}

// NewRawDouble 创建不做规范化的 double 值
func NewRawDouble(f float64) Value {
	return Value{Type: ValDouble, Data: f}
}

// NewString 创建字符串值
func NewString(s string) Value {
	return Value{Type: ValString, Data: s}
}

// NewObject 创建对象值, nil 对象即 null
func NewObject(obj *Object) Value {
	if obj == nil {
		return NullValue
	}
	return Value{Type: ValObject, Data: obj}
}

// DoubleIsInt32 判断 double 是否可以无损表示为 int32 (-0 不可以)
func DoubleIsInt32(f float64) (int32, bool) {
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	if f == 0 && math.Signbit(f) {
		return 0, false
	}
	return int32(f), true
}

// IsNumber 是否为数字
func (v Value) IsNumber() bool {
	return v.Type == ValInt || v.Type == ValDouble
}

// IsInt 是否为 int32 表示的数字
func (v Value) IsInt() bool {
	return v.Type == ValInt
}

// IsBool 是否为布尔值
func (v Value) IsBool() bool {
	return v.Type == ValBool
}

// IsObject 是否为对象 (不含 null)
func (v Value) IsObject() bool {
	return v.Type == ValObject
}

// IsTruthy 检查是否为真值
func (v Value) IsTruthy() bool {
	switch v.Type {
	case ValUndefined, ValNull:
		return false
	case ValBool:
		return v.Data.(bool)
	case ValInt:
		return v.Data.(int32) != 0
	case ValDouble:
		f := v.Data.(float64)
		return f != 0 && !math.IsNaN(f)
	case ValString:
		return v.Data.(string) != ""
	}
	return true
}

// AsInt 获取 int32 (仅对 ValInt 有意义)
func (v Value) AsInt() int32 {
	if v.Type == ValInt {
		return v.Data.(int32)
	}
	return 0
}

// AsBool 获取布尔值
func (v Value) AsBool() bool {
	if v.Type == ValBool {
		return v.Data.(bool)
	}
	return v.IsTruthy()
}

// AsNumber 转换为数字 (ToNumber)
func (v Value) AsNumber() float64 {
	switch v.Type {
	case ValInt:
		return float64(v.Data.(int32))
	case ValDouble:
		return v.Data.(float64)
	case ValBool:
		if v.Data.(bool) {
			return 1
		}
		return 0
	case ValNull:
		return 0
	case ValString:
		f, err := strconv.ParseFloat(v.Data.(string), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

// AsString 获取字符串
func (v Value) AsString() string {
	if v.Type == ValString {
		return v.Data.(string)
	}
	return v.String()
}

// AsObject 获取对象
func (v Value) AsObject() *Object {
	if v.Type == ValObject {
		return v.Data.(*Object)
	}
	return nil
}

// StrictEquals 严格相等比较
func (v Value) StrictEquals(other Value) bool {
	if v.IsNumber() && other.IsNumber() {
		return v.AsNumber() == other.AsNumber()
	}
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case ValUndefined, ValNull:
		return true
	case ValBool:
		return v.Data.(bool) == other.Data.(bool)
	case ValString:
		return v.Data.(string) == other.Data.(string)
	case ValObject:
		return v.Data.(*Object) == other.Data.(*Object)
	}
	return false
}

// Identical 判断两个值是否完全一致 (区分 int 与 double 表示之外的一切)
// 用于比较解释执行与追踪执行的结果
func (v Value) Identical(other Value) bool {
	if v.IsNumber() && other.IsNumber() {
		a, b := v.AsNumber(), other.AsNumber()
		if math.IsNaN(a) && math.IsNaN(b) {
			return true
		}
		return a == b && math.Signbit(a) == math.Signbit(b)
	}
	return v.StrictEquals(other)
}

// TypeName 返回值的类型名
func (v Value) TypeName() string {
	switch v.Type {
	case ValUndefined:
		return "undefined"
	case ValNull:
		return "null"
	case ValBool:
		return "boolean"
	case ValInt, ValDouble:
		return "number"
	case ValString:
		return "string"
	case ValObject:
		if v.Data.(*Object).Class == ClassFunction {
			return "function"
		}
		return "object"
	}
	return "unknown"
}

// String 返回字符串表示
func (v Value) String() string {
	switch v.Type {
	case ValUndefined:
		return "undefined"
	case ValNull:
		return "null"
	case ValBool:
		if v.Data.(bool) {
			return "true"
		}
		return "false"
	case ValInt:
		return strconv.Itoa(int(v.Data.(int32)))
	case ValDouble:
		return formatNumber(v.Data.(float64))
	case ValString:
		return v.Data.(string)
	case ValObject:
		return v.Data.(*Object).String()
	}
	return fmt.Sprintf("<value %d>", v.Type)
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ============================================================================
// 数字转换 (ECMA ToInt32 / ToUint32)
// ============================================================================

// ToInt32 按 ECMA-262 语义把 double 转换为 int32
func ToInt32(f float64) int32 {
	if i, ok := DoubleIsInt32(f); ok {
		return i
	}
	return int32(ToUint32(f))
}

// ToUint32 按 ECMA-262 语义把 double 转换为 uint32
func ToUint32(f float64) uint32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	t := math.Trunc(f)
	m := math.Mod(t, 4294967296.0)
	if m < 0 {
		m += 4294967296.0
	}
	return uint32(m)
}
