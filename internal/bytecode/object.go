package bytecode

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/atomic"
)

// ============================================================================
// 对象模型
// ============================================================================

// Class 对象类别
type Class int32

const (
	ClassObject     Class = iota // 普通对象
	ClassDenseArray              // 稠密数组
	ClassFunction                // 函数
)

func (c Class) String() string {
	switch c {
	case ClassObject:
		return "Object"
	case ClassDenseArray:
		return "Array"
	case ClassFunction:
		return "Function"
	}
	return fmt.Sprintf("Class(%d)", int32(c))
}

// PropInfo 属性描述
type PropInfo struct {
	Slot   int                      // 数据属性的槽位
	Getter func(*Object) Value      // 访问器属性的 getter
	Setter func(*Object, Value)     // 访问器属性的 setter
}

// IsAccessor 是否为访问器属性
func (p *PropInfo) IsAccessor() bool {
	return p.Getter != nil || p.Setter != nil
}

// shapeIDs 形状编号分配器
var shapeIDs atomic.Uint32

// Shape 对象形状 (隐藏类)
// 相同的属性添加顺序得到同一个形状, 因此形状可以作为属性缓存的键
type Shape struct {
	ID          uint32
	props       map[string]*PropInfo
	slotCount   int
	transitions map[string]*Shape
}

// NewEmptyShape 创建没有属性的根形状
func NewEmptyShape() *Shape {
	return &Shape{
		ID:          shapeIDs.Inc(),
		props:       make(map[string]*PropInfo),
		transitions: make(map[string]*Shape),
	}
}

// Lookup 查找自有属性
func (s *Shape) Lookup(name string) (*PropInfo, bool) {
	p, ok := s.props[name]
	return p, ok
}

// SlotCount 数据属性槽位数
func (s *Shape) SlotCount() int {
	return s.slotCount
}

// addProperty 添加属性后的形状, 走转换表复用已有形状
func (s *Shape) addProperty(name string, accessor *PropInfo) *Shape {
	if accessor == nil {
		if next, ok := s.transitions[name]; ok {
			return next
		}
	}
	next := &Shape{
		ID:          shapeIDs.Inc(),
		props:       make(map[string]*PropInfo, len(s.props)+1),
		slotCount:   s.slotCount,
		transitions: make(map[string]*Shape),
	}
	for k, v := range s.props {
		next.props[k] = v
	}
	if accessor != nil {
		next.props[name] = accessor
		return next
	}
	next.props[name] = &PropInfo{Slot: next.slotCount}
	next.slotCount++
	s.transitions[name] = next
	return next
}

// rootShape 所有普通对象共享的根形状
var rootShape = NewEmptyShape()

// NativeID 内置函数编号
type NativeID int

const (
	NativeNone NativeID = iota
	NativeMathSin
	NativeMathCos
	NativeMathPow
	NativeMathFloor
	NativeMathSqrt
)

// Function 函数
type Function struct {
	Name   string
	Script *Script                  // 脚本函数
	Native func(args []Value) Value // 内置函数
	ID     NativeID
}

// IsNative 是否为内置函数
func (f *Function) IsNative() bool {
	return f.Native != nil
}

// Object 对象
type Object struct {
	Class  Class
	Shape  *Shape
	Slots  []Value
	Proto  *Object
	Native bool // 使用原生槽位布局, 属性缓存只对原生布局有效

	// 稠密数组存储: len(Elems) 即容量, Length 为逻辑长度
	Elems  []Value
	Length int

	Func *Function
}

// NewPlainObject 创建普通对象
func NewPlainObject(proto *Object) *Object {
	return &Object{Class: ClassObject, Shape: rootShape, Proto: proto, Native: true}
}

// NewArrayObject 创建稠密数组
func NewArrayObject(elems []Value) *Object {
	store := make([]Value, len(elems))
	copy(store, elems)
	return &Object{
		Class:  ClassDenseArray,
		Shape:  rootShape,
		Native: true,
		Elems:  store,
		Length: len(elems),
	}
}

// NewFunctionObject 创建函数对象
func NewFunctionObject(fn *Function) *Object {
	return &Object{Class: ClassFunction, Shape: rootShape, Native: true, Func: fn}
}

// Get 读取属性 (沿原型链)
func (o *Object) Get(name string) (Value, bool) {
	for obj := o; obj != nil; obj = obj.Proto {
		if p, ok := obj.Shape.Lookup(name); ok {
			if p.Getter != nil {
				return p.Getter(o), true
			}
			if p.IsAccessor() {
				return UndefinedValue, true
			}
			return obj.Slots[p.Slot], true
		}
	}
	return UndefinedValue, false
}

// Set 写入自有属性, 不存在时添加
func (o *Object) Set(name string, v Value) {
	if p, ok := o.Shape.Lookup(name); ok {
		if p.Setter != nil {
			p.Setter(o, v)
			return
		}
		if !p.IsAccessor() {
			o.Slots[p.Slot] = v
		}
		return
	}
	o.Shape = o.Shape.addProperty(name, nil)
	o.Slots = append(o.Slots, v)
}

// DefineAccessor 定义访问器属性
func (o *Object) DefineAccessor(name string, getter func(*Object) Value, setter func(*Object, Value)) {
	o.Shape = o.Shape.addProperty(name, &PropInfo{Slot: -1, Getter: getter, Setter: setter})
}

// GetElem 读取数组元素, 越界返回 undefined
func (o *Object) GetElem(idx float64) Value {
	if o.Class != ClassDenseArray {
		return UndefinedValue
	}
	i, ok := DoubleIsInt32(idx)
	if !ok || i < 0 || int(i) >= o.Length {
		return UndefinedValue
	}
	return o.Elems[i]
}

// SetElem 写入数组元素, 写到末尾时扩展数组
func (o *Object) SetElem(idx float64, v Value) {
	if o.Class != ClassDenseArray {
		return
	}
	i, ok := DoubleIsInt32(idx)
	if !ok || i < 0 {
		return
	}
	n := int(i)
	if n >= len(o.Elems) {
		grown := make([]Value, 2*(n+1))
		copy(grown, o.Elems)
		for k := len(o.Elems); k < len(grown); k++ {
			grown[k] = UndefinedValue
		}
		o.Elems = grown
	}
	o.Elems[n] = v
	if n >= o.Length {
		o.Length = n + 1
	}
}

func (o *Object) String() string {
	switch o.Class {
	case ClassDenseArray:
		parts := make([]string, o.Length)
		for i := 0; i < o.Length; i++ {
			parts[i] = o.Elems[i].String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case ClassFunction:
		return "function " + o.Func.Name
	}
	return "[object Object]"
}

// ============================================================================
// 内置 Math 对象
// ============================================================================

// NewMathObject 创建带 sin/cos/pow/floor/sqrt 的 Math 对象
func NewMathObject() *Object {
	math1 := func(name string, id NativeID, f func(float64) float64) *Object {
		return NewFunctionObject(&Function{
			Name: name,
			ID:   id,
			Native: func(args []Value) Value {
				x := math.NaN()
				if len(args) > 0 {
					x = args[0].AsNumber()
				}
				return NewDouble(f(x))
			},
		})
	}

	m := NewPlainObject(nil)
	m.Set("sin", NewObject(math1("sin", NativeMathSin, math.Sin)))
	m.Set("cos", NewObject(math1("cos", NativeMathCos, math.Cos)))
	m.Set("floor", NewObject(math1("floor", NativeMathFloor, math.Floor)))
	m.Set("sqrt", NewObject(math1("sqrt", NativeMathSqrt, math.Sqrt)))
	m.Set("pow", NewObject(NewFunctionObject(&Function{
		Name: "pow",
		ID:   NativeMathPow,
		Native: func(args []Value) Value {
			if len(args) < 2 {
				return NewDouble(math.NaN())
			}
			return NewDouble(math.Pow(args[0].AsNumber(), args[1].AsNumber()))
		},
	})))
	return m
}
