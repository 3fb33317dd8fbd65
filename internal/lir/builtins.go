package lir

import "fmt"

// Fid 内置函数编号
type Fid uint8

const (
	FidDoubleToInt32 Fid = iota
	FidDoubleToUint32
	FidBoxDouble
	FidBoxInt32
	FidBoxBoolean
	FidBoxRef
	FidUnboxTag
	FidUnboxDouble
	FidUnboxBoolean
	FidUnboxRef
	FidMathSin
	FidMathCos
	FidMathPow
	FidMathFloor
	FidMathSqrt
	FidDoubleMod

	fidCount
)

// FuncInfo 内置函数签名
// 所有内置函数都是纯函数, 可以参与公共子表达式消除和死代码删除
type FuncInfo struct {
	Name   string
	Args   []Kind
	Result Kind
}

var builtins = [fidCount]FuncInfo{
	FidDoubleToInt32:  {"DoubleToInt32", []Kind{KindDouble}, KindInt},
	FidDoubleToUint32: {"DoubleToUint32", []Kind{KindDouble}, KindInt},
	FidBoxDouble:      {"BoxDouble", []Kind{KindDouble}, KindRef},
	FidBoxInt32:       {"BoxInt32", []Kind{KindInt}, KindRef},
	FidBoxBoolean:     {"BoxBoolean", []Kind{KindInt}, KindRef},
	FidBoxRef:         {"BoxRef", []Kind{KindRef}, KindRef},
	FidUnboxTag:       {"UnboxTag", []Kind{KindRef}, KindInt},
	FidUnboxDouble:    {"UnboxDouble", []Kind{KindRef}, KindDouble},
	FidUnboxBoolean:   {"UnboxBoolean", []Kind{KindRef}, KindInt},
	FidUnboxRef:       {"UnboxRef", []Kind{KindRef}, KindRef},
	FidMathSin:        {"Math.sin", []Kind{KindDouble}, KindDouble},
	FidMathCos:        {"Math.cos", []Kind{KindDouble}, KindDouble},
	FidMathPow:        {"Math.pow", []Kind{KindDouble, KindDouble}, KindDouble},
	FidMathFloor:      {"Math.floor", []Kind{KindDouble}, KindDouble},
	FidMathSqrt:       {"Math.sqrt", []Kind{KindDouble}, KindDouble},
	FidDoubleMod:      {"DoubleMod", []Kind{KindDouble, KindDouble}, KindDouble},
}

// Info 返回签名
func (f Fid) Info() FuncInfo {
	if f < fidCount {
		return builtins[f]
	}
	return FuncInfo{Name: fmt.Sprintf("fid(%d)", uint8(f))}
}

func (f Fid) String() string {
	return f.Info().Name
}
