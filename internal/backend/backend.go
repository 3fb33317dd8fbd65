// Package backend 把 LIR trace 编译为可执行代码
//
// 这里的"机器码"是闭包串联的指令序列: 每条 LIR 指令编译成一个闭包,
// 闭包读写寄存器文件并返回下一条指令的位置。对追踪器而言后端是黑盒:
// 输入 LIR 和守卫的侧出口, 输出可执行的 Code 以及守卫身份到侧出口的映射。
package backend

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novatrace/internal/lir"
)

// ErrEmptyTrace 空 trace
var ErrEmptyTrace = errors.New("backend: empty trace")

// maxPassRounds Pass 管道最多迭代的轮数
const maxPassRounds = 4

// Options 编译选项
type Options struct {
	Optimize bool        // 运行 Pass 管道
	Logger   *zap.Logger // nil 时不输出
}

// Compile 编译 LIR 缓冲区
func Compile(buf *lir.Buffer, opts Options) (*Code, error) {
	if buf == nil || buf.Len() == 0 {
		return nil, ErrEmptyTrace
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	t := &Trace{Ins: append([]*lir.Ins(nil), buf.Ins()...)}
	if err := Validate(t); err != nil {
		return nil, fmt.Errorf("backend: invalid trace: %w", err)
	}

	if opts.Optimize {
		// 删除读取之后可能暴露出新的冗余存储, 所以迭代到不动点
		pm := CreateStandardPipeline()
		pm.RunUntilFixed(t, maxPassRounds)
		stats := pm.Stats()
		log.Debug("backend passes",
			zap.Int("before", buf.Len()),
			zap.Int("after", len(t.Ins)),
			zap.Int("runs", stats.PassesRun),
			zap.Int("changes", stats.TotalChanges))
	}

	return newCompiler(t).compile(), nil
}

// Validate 检查 trace 的结构, 一次报告所有问题
func Validate(t *Trace) error {
	var err error
	pos := make(map[*lir.Ins]int, len(t.Ins))
	for i, ins := range t.Ins {
		for _, op := range ins.Operands() {
			if j, ok := pos[op]; !ok || j >= i {
				err = multierr.Append(err, fmt.Errorf("v%d: operand v%d is not defined before use", ins.ID, op.ID))
			}
		}
		if ins.IsGuard() && ins.Exit == nil {
			err = multierr.Append(err, fmt.Errorf("v%d: guard %s has no side exit", ins.ID, ins.Op))
		}
		if e := checkKinds(ins); e != nil {
			err = multierr.Append(err, e)
		}
		pos[ins] = i
	}
	if last := t.Ins[len(t.Ins)-1]; last.Op != lir.OpLoop {
		err = multierr.Append(err, fmt.Errorf("trace must end with loop, found %s", last.Op))
	}
	return err
}

// checkKinds 检查操作数表示
func checkKinds(ins *lir.Ins) error {
	want := func(op *lir.Ins, k lir.Kind) error {
		if op == nil {
			return fmt.Errorf("v%d: %s is missing an operand", ins.ID, ins.Op)
		}
		if op.Result() != k {
			return fmt.Errorf("v%d: %s expects %s operand, v%d is %s", ins.ID, ins.Op, k, op.ID, op.Result())
		}
		return nil
	}

	switch ins.Op {
	case lir.OpStI, lir.OpI2F, lir.OpU2F, lir.OpNegI, lir.OpNotI, lir.OpXt, lir.OpXf:
		return want(ins.A, lir.KindInt)
	case lir.OpStD, lir.OpNegD:
		return want(ins.A, lir.KindDouble)
	case lir.OpStP, lir.OpLdShape, lir.OpLdClass, lir.OpLdLength, lir.OpLdDslots, lir.OpLdCapacity, lir.OpLdSlot:
		return want(ins.A, lir.KindRef)
	case lir.OpAddI, lir.OpSubI, lir.OpMulI, lir.OpAndI, lir.OpOrI, lir.OpXorI, lir.OpLshI, lir.OpRshI, lir.OpUshI,
		lir.OpEqI, lir.OpLtI, lir.OpLeI, lir.OpGtI, lir.OpGeI, lir.OpLtU, lir.OpLeU, lir.OpGtU, lir.OpGeU:
		return multierr.Combine(want(ins.A, lir.KindInt), want(ins.B, lir.KindInt))
	case lir.OpAddD, lir.OpSubD, lir.OpMulD, lir.OpDivD, lir.OpEqD, lir.OpLtD, lir.OpLeD, lir.OpGtD, lir.OpGeD:
		return multierr.Combine(want(ins.A, lir.KindDouble), want(ins.B, lir.KindDouble))
	case lir.OpEqP, lir.OpStSlot:
		return multierr.Combine(want(ins.A, lir.KindRef), want(ins.B, lir.KindRef))
	case lir.OpLdElem:
		return multierr.Combine(want(ins.A, lir.KindRef), want(ins.B, lir.KindInt))
	case lir.OpStElem:
		return multierr.Combine(want(ins.A, lir.KindRef), want(ins.B, lir.KindInt), want(ins.C, lir.KindRef))
	case lir.OpOv:
		if ins.A == nil || !ins.A.IsIntArith() {
			return fmt.Errorf("v%d: ov needs an int arithmetic operand", ins.ID)
		}
	case lir.OpCall:
		info := ins.Fid.Info()
		args := ins.Operands()
		if len(args) != len(info.Args) {
			return fmt.Errorf("v%d: %s takes %d arguments, got %d", ins.ID, info.Name, len(info.Args), len(args))
		}
		var err error
		for i, a := range args {
			err = multierr.Append(err, want(a, info.Args[i]))
		}
		return err
	}
	return nil
}
