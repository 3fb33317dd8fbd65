package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// OpCode 操作码类型
type OpCode byte

const (
	// 空操作与栈操作
	OpNop  OpCode = iota // 空操作
	OpPop                // 弹出栈顶
	OpPopN               // 弹出 n 个值 (n: u16)
	OpDup                // 复制栈顶
	OpDup2               // 复制栈顶两个元素

	// 常量
	OpUndefined // 压入 undefined
	OpNull      // 压入 null
	OpTrue      // 压入 true
	OpFalse     // 压入 false
	OpZero      // 压入 0
	OpOne       // 压入 1
	OpInt8      // 压入小整数 (value: i8)
	OpUint16    // 压入无符号整数 (value: u16)
	OpDouble    // 压入数字常量 (index: u16)
	OpString    // 压入字符串常量 (index: u16)

	// 参数与局部变量
	OpGetArg // 读参数 (slot: u16)
	OpSetArg // 写参数, 值保留在栈顶 (slot: u16)
	OpGetVar // 读局部变量 (slot: u16)
	OpSetVar // 写局部变量, 值保留在栈顶 (slot: u16)

	// 自增自减 (前缀压入新值, 后缀压入旧值)
	OpIncArg // ++arg (slot: u16)
	OpDecArg // --arg (slot: u16)
	OpArgInc // arg++ (slot: u16)
	OpArgDec // arg-- (slot: u16)
	OpIncVar // ++var (slot: u16)
	OpDecVar // --var (slot: u16)
	OpVarInc // var++ (slot: u16)
	OpVarDec // var-- (slot: u16)

	// 全局名字 (atom: u16)
	OpGetGName
	OpSetGName
	OpIncGName // ++name
	OpDecGName // --name
	OpGNameInc // name++
	OpGNameDec // name--

	// 属性与元素
	OpGetProp // obj -> obj.atom (atom: u16)
	OpSetProp // obj val -> val (atom: u16)
	OpGetElem // obj idx -> obj[idx]
	OpSetElem // obj idx val -> val

	// 算术运算
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	// 位运算
	OpBitAnd
	OpBitOr
	OpBitXor
	OpBitNot
	OpLsh
	OpRsh
	OpUrsh

	// 逻辑与比较
	OpNot
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// 控制流 (offset: i16, 相对于操作码起始位置)
	OpGoto
	OpIfEq // 弹出, 为假时跳转
	OpIfNe // 弹出, 为真时跳转

	// 调用与返回
	OpCall   // callee args... -> result (argc: u8)
	OpReturn // 弹出返回值并返回
	OpStop   // 脚本结束

	// 追踪器不支持的操作
	OpNewArray  // n 个元素 -> 数组 (count: u16)
	OpNewObject // -> {}
	OpThrow
	OpTypeof

	opCount
)

// opNames 操作码名称
var opNames = map[OpCode]string{
	OpNop:       "NOP",
	OpPop:       "POP",
	OpPopN:      "POPN",
	OpDup:       "DUP",
	OpDup2:      "DUP2",
	OpUndefined: "UNDEFINED",
	OpNull:      "NULL",
	OpTrue:      "TRUE",
	OpFalse:     "FALSE",
	OpZero:      "ZERO",
	OpOne:       "ONE",
	OpInt8:      "INT8",
	OpUint16:    "UINT16",
	OpDouble:    "DOUBLE",
	OpString:    "STRING",
	OpGetArg:    "GETARG",
	OpSetArg:    "SETARG",
	OpGetVar:    "GETVAR",
	OpSetVar:    "SETVAR",
	OpIncArg:    "INCARG",
	OpDecArg:    "DECARG",
	OpArgInc:    "ARGINC",
	OpArgDec:    "ARGDEC",
	OpIncVar:    "INCVAR",
	OpDecVar:    "DECVAR",
	OpVarInc:    "VARINC",
	OpVarDec:    "VARDEC",
	OpGetGName:  "GETGNAME",
	OpSetGName:  "SETGNAME",
	OpIncGName:  "INCGNAME",
	OpDecGName:  "DECGNAME",
	OpGNameInc:  "GNAMEINC",
	OpGNameDec:  "GNAMEDEC",
	OpGetProp:   "GETPROP",
	OpSetProp:   "SETPROP",
	OpGetElem:   "GETELEM",
	OpSetElem:   "SETELEM",
	OpAdd:       "ADD",
	OpSub:       "SUB",
	OpMul:       "MUL",
	OpDiv:       "DIV",
	OpMod:       "MOD",
	OpNeg:       "NEG",
	OpBitAnd:    "BITAND",
	OpBitOr:     "BITOR",
	OpBitXor:    "BITXOR",
	OpBitNot:    "BITNOT",
	OpLsh:       "LSH",
	OpRsh:       "RSH",
	OpUrsh:      "URSH",
	OpNot:       "NOT",
	OpEq:        "EQ",
	OpNe:        "NE",
	OpLt:        "LT",
	OpLe:        "LE",
	OpGt:        "GT",
	OpGe:        "GE",
	OpGoto:      "GOTO",
	OpIfEq:      "IFEQ",
	OpIfNe:      "IFNE",
	OpCall:      "CALL",
	OpReturn:    "RETURN",
	OpStop:      "STOP",
	OpNewArray:  "NEWARRAY",
	OpNewObject: "NEWOBJECT",
	OpThrow:     "THROW",
	OpTypeof:    "TYPEOF",
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", op)
}

// operandFormat 操作数格式
type operandFormat byte

const (
	fmtNone operandFormat = iota
	fmtI8
	fmtU8
	fmtU16
	fmtJump
)

// Length 返回指令总长度 (含操作码)
func (op OpCode) Length() int {
	switch op.format() {
	case fmtI8, fmtU8:
		return 2
	case fmtU16, fmtJump:
		return 3
	}
	return 1
}

func (op OpCode) format() operandFormat {
	switch op {
	case OpInt8:
		return fmtI8
	case OpCall:
		return fmtU8
	case OpPopN, OpUint16, OpDouble, OpString,
		OpGetArg, OpSetArg, OpGetVar, OpSetVar,
		OpIncArg, OpDecArg, OpArgInc, OpArgDec,
		OpIncVar, OpDecVar, OpVarInc, OpVarDec,
		OpGetGName, OpSetGName, OpIncGName, OpDecGName, OpGNameInc, OpGNameDec,
		OpGetProp, OpSetProp, OpNewArray:
		return fmtU16
	case OpGoto, OpIfEq, OpIfNe:
		return fmtJump
	}
	return fmtNone
}

// IsJump 是否为跳转指令
func (op OpCode) IsJump() bool {
	return op.format() == fmtJump
}

// ============================================================================
// Script
// ============================================================================

// Script 一段已编译的字节码 (脚本顶层或函数体)
type Script struct {
	Name      string
	Code      []byte
	Constants []Value  // 常量池
	Atoms     []string // 名字表 (全局名与属性名)
	NArgs     int      // 参数个数
	NVars     int      // 局部变量个数
	MaxStack  int      // 操作数栈最大深度
}

// ReadU16 从指定位置读取 uint16
func (s *Script) ReadU16(offset int) uint16 {
	return binary.BigEndian.Uint16(s.Code[offset:])
}

// ReadI16 从指定位置读取 int16
func (s *Script) ReadI16(offset int) int16 {
	return int16(s.ReadU16(offset))
}

// OpAt 读取指定位置的操作码
func (s *Script) OpAt(pc int) OpCode {
	return OpCode(s.Code[pc])
}

// Operand 读取 pc 处指令的整型操作数
func (s *Script) Operand(pc int) int {
	switch s.OpAt(pc).format() {
	case fmtI8:
		return int(int8(s.Code[pc+1]))
	case fmtU8:
		return int(s.Code[pc+1])
	case fmtU16:
		return int(s.ReadU16(pc + 1))
	case fmtJump:
		return int(s.ReadI16(pc + 1))
	}
	return 0
}

// JumpTarget 跳转指令的目标地址
func (s *Script) JumpTarget(pc int) int {
	return pc + int(s.ReadI16(pc+1))
}

// Disassemble 反汇编字节码
func (s *Script) Disassemble() string {
	var sb strings.Builder
	sb.Grow(len(s.Code) * 24)

	sb.WriteString("=== ")
	sb.WriteString(s.Name)
	sb.WriteString(" ===\n")

	for pc := 0; pc < len(s.Code); pc += s.OpAt(pc).Length() {
		s.disassembleInstruction(&sb, pc)
	}
	return sb.String()
}

func (s *Script) disassembleInstruction(sb *strings.Builder, pc int) {
	op := s.OpAt(pc)
	fmt.Fprintf(sb, "%04d %-10s", pc, op)

	switch op {
	case OpDouble, OpString:
		idx := s.Operand(pc)
		fmt.Fprintf(sb, " %d '%s'", idx, s.Constants[idx])
	case OpGetGName, OpSetGName, OpIncGName, OpDecGName, OpGNameInc, OpGNameDec,
		OpGetProp, OpSetProp:
		idx := s.Operand(pc)
		fmt.Fprintf(sb, " %d '%s'", idx, s.Atoms[idx])
	case OpGoto, OpIfEq, OpIfNe:
		fmt.Fprintf(sb, " -> %04d", s.JumpTarget(pc))
	default:
		if op.Length() > 1 {
			fmt.Fprintf(sb, " %d", s.Operand(pc))
		}
	}
	sb.WriteByte('\n')
}
