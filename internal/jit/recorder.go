package jit

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/novatrace/internal/backend"
	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/jit/types"
	"github.com/tangzhangming/novatrace/internal/lir"
	"github.com/tangzhangming/novatrace/internal/vm"
)

// ErrRecorderActive 已有录制正在进行
var ErrRecorderActive = errors.New("jit: a recording is already active")

// ============================================================================
// 录制状态与结果
// ============================================================================

// RecorderState 录制器状态
type RecorderState uint8

const (
	StateIdle RecorderState = iota
	StateRecording
	StateClosed
	StateAborted
	StateBlacklisted
)

func (s RecorderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	case StateBlacklisted:
		return "blacklisted"
	}
	return "unknown"
}

// ResultKind 单条指令的录制结果
type ResultKind uint8

const (
	Continue ResultKind = iota // 继续录制
	Abort                      // 放弃录制
	EndTrace                   // 到达循环回边, 等待闭合
)

// Result 录制结果
type Result struct {
	Kind   ResultKind
	Reason AbortReason
}

var resContinue = Result{Kind: Continue}

func abortWith(reason AbortReason) Result {
	return Result{Kind: Abort, Reason: reason}
}

// AbortReason 中止原因
type AbortReason uint8

const (
	AbortNone AbortReason = iota

	// 结构性原因: 重新录制也不会成功, 立即列入黑名单
	AbortUnsupported
	AbortThrow
	AbortAllocation
	AbortString
	AbortTypeof
	AbortScriptedCall
	AbortNativeCall
	AbortNotFunction
	AbortNonNumber
	AbortNonBoolean
	AbortNotObject
	AbortNotDenseArray
	AbortGlobalObject
	AbortNonNative
	AbortProtoOrAccessor

	// 可恢复原因: 计入中止次数
	AbortCacheMiss
	AbortOutOfBounds
	AbortUntrackedGlobal
	AbortInnerLoop
	AbortLeftLoop
	AbortTraceTooLong
	AbortCallDepth
	AbortBackend
)

var abortNames = [...]string{
	AbortNone:            "none",
	AbortUnsupported:     "unsupported opcode",
	AbortThrow:           "throw",
	AbortAllocation:      "object allocation",
	AbortString:          "string operation",
	AbortTypeof:          "typeof",
	AbortScriptedCall:    "scripted call",
	AbortNativeCall:      "untraceable native call",
	AbortNotFunction:     "call of non-function",
	AbortNonNumber:       "non-number arithmetic",
	AbortNonBoolean:      "non-boolean condition",
	AbortNotObject:       "property access on non-object",
	AbortNotDenseArray:   "element access on non-dense-array",
	AbortGlobalObject:    "property access on the global object",
	AbortNonNative:       "non-native object",
	AbortProtoOrAccessor: "prototype or accessor property",
	AbortCacheMiss:       "property cache miss",
	AbortOutOfBounds:     "index out of bounds",
	AbortUntrackedGlobal: "untracked global",
	AbortInnerLoop:       "inner loop",
	AbortLeftLoop:        "left the loop",
	AbortTraceTooLong:    "trace too long",
	AbortCallDepth:       "call depth changed",
	AbortBackend:         "backend failure",
}

func (r AbortReason) String() string {
	if int(r) < len(abortNames) {
		return abortNames[r]
	}
	return fmt.Sprintf("abort(%d)", uint8(r))
}

// Structural 是否为重新录制也无法避免的原因
func (r AbortReason) Structural() bool {
	return r >= AbortUnsupported && r < AbortCacheMiss
}

// CloseOutcome 闭合结果
type CloseOutcome uint8

const (
	CloseCompiled  CloseOutcome = iota // 类型稳定, 已编译
	CloseRecompile                     // 入口类型映射已修正, 需要重新录制
	CloseUnstable                      // 类型不匹配
	CloseFailed                        // 后端编译失败
)

func (o CloseOutcome) String() string {
	switch o {
	case CloseCompiled:
		return "compiled"
	case CloseRecompile:
		return "recompile"
	case CloseUnstable:
		return "unstable"
	}
	return "failed"
}

// ============================================================================
// 录制器
// ============================================================================

// Recorder 录制一次循环迭代, 生成 LIR
type Recorder struct {
	cx   *vm.Context
	frag *Fragment
	cfg  *Config
	log  *zap.Logger

	entry   *vm.Frame
	entryPC int
	entrySP int
	layout  frameLayout

	tracker *Tracker
	pipe    *Pipeline
	state   RecorderState
	reason  AbortReason

	// 当前指令执行前的位置
	pc int
	sp int
}

// NewRecorder 在当前循环头开始录制
func NewRecorder(cx *vm.Context, frag *Fragment, cfg *Config) *Recorder {
	fp := cx.Frame
	if frag.Recordings == 0 {
		frag.Globals = collectGlobals(cx, fp.Script)
	}
	frag.Recordings++
	frag.Owner = cx.ID

	r := &Recorder{
		cx:      cx,
		frag:    frag,
		cfg:     cfg,
		log:     cfg.logger(),
		entry:   fp,
		entryPC: fp.PC,
		entrySP: fp.SP,
		layout:  newFrameLayout(len(frag.Globals), fp.Script),
		tracker: NewTracker(),
		state:   StateRecording,
		pc:      fp.PC,
		sp:      fp.SP,
	}
	r.pipe = NewPipeline(lir.NewBuffer(), r)

	slots := liveSlots(cx, fp, frag.Globals)
	frag.Info.TypeMap = r.entryTypeMap(slots, frag.Info.TypeMap)
	frag.Info.NativeStackBase = (len(slots) - fp.SP) * 8
	r.growFrame(len(slots))
	r.importSlots(slots)
	return r
}

// State 当前状态
func (r *Recorder) State() RecorderState {
	return r.state
}

// Reason 中止原因
func (r *Recorder) Reason() AbortReason {
	return r.reason
}

// Fragment 正在录制的片段
func (r *Recorder) Fragment() *Fragment {
	return r.frag
}

// Context 录制所在的执行上下文
func (r *Recorder) Context() *vm.Context {
	return r.cx
}

// Buffer 录制产生的 LIR
func (r *Recorder) Buffer() *lir.Buffer {
	return r.pipe.Buffer()
}

// IsLoopHeader 当前位置是否为录制开始的循环头
func (r *Recorder) IsLoopHeader(cx *vm.Context) bool {
	return cx.Frame == r.entry && cx.Frame.PC == r.entryPC
}

// entryTypeMap 计算入口类型映射: 数字一律为 double, 带降级标志的整数槽位为 int
func (r *Recorder) entryTypeMap(slots []liveSlot, old types.TypeMap) types.TypeMap {
	tm := make(types.TypeMap, len(slots))
	keep := len(old) == len(slots)
	for i, s := range slots {
		v := s.value(r.cx)
		t := types.CoercedTagOf(v)
		if keep {
			t |= old[i] & (types.FlagDemote | types.FlagDontDemote)
			if t.Type() == types.TypeDouble && t.Has(types.FlagDemote) && !t.Has(types.FlagDontDemote) &&
				types.TypeInt.Accepts(v) {
				t = t.WithType(types.TypeInt)
			}
		}
		tm[i] = t
	}
	return tm
}

// importSlots 从交接帧导入每个槽位
func (r *Recorder) importSlots(slots []liveSlot) {
	for i, s := range slots {
		var ins *lir.Ins
		switch r.frag.Info.TypeMap[i].Type() {
		case types.TypeInt:
			ins = r.emit(lir.Ins1(lir.OpI2F, r.emit(lir.Load(lir.OpLdI, i))))
		case types.TypeDouble:
			ins = r.emit(lir.Load(lir.OpLdD, i))
		case types.TypeBoolean:
			ins = r.emit(lir.Load(lir.OpLdI, i))
		case types.TypeObject, types.TypeString:
			ins = r.emit(lir.Load(lir.OpLdP, i))
		default:
			continue
		}
		r.tracker.Set(s.ID, ins)
	}
}

func (r *Recorder) growFrame(n int) {
	if n > r.frag.Info.MaxNativeFrameSlots {
		r.frag.Info.MaxNativeFrameSlots = n
	}
}

// ============================================================================
// 侧出口
// ============================================================================

// Snapshot 当前指令处的侧出口
func (r *Recorder) Snapshot(kind lir.ExitKind) *lir.SideExit {
	return &lir.SideExit{
		Kind:      kind,
		IPAdj:     r.pc - r.entryPC,
		SPAdj:     r.sp - r.entrySP,
		CallDepth: r.cx.CallDepth(r.entry),
	}
}

// ExitTypeMap 当前每个活跃槽位在交接帧中的存储类型
func (r *Recorder) ExitTypeMap() types.TypeMap {
	slots := liveSlots(r.cx, r.entry, r.frag.Globals)
	r.growFrame(len(slots))
	tm := make(types.TypeMap, len(slots))
	for i, s := range slots {
		if !r.tracker.Has(s.ID) {
			tm[i] = types.TypeAny
			continue
		}
		v := s.value(r.cx)
		switch {
		case !v.IsNumber():
			tm[i] = types.TagOf(v)
		case isPromoteInt(r.tracker.Get(s.ID)):
			tm[i] = types.TypeInt
		default:
			tm[i] = types.TypeDouble
		}
	}
	return tm
}

// ============================================================================
// 发射辅助函数
// ============================================================================

func (r *Recorder) emit(ins *lir.Ins) *lir.Ins {
	return r.pipe.Emit(ins)
}

func (r *Recorder) immI(v int32) *lir.Ins {
	return r.emit(lir.ImmI(v))
}

func (r *Recorder) immD(v float64) *lir.Ins {
	return r.emit(lir.ImmD(v))
}

func (r *Recorder) ins1(op lir.Opcode, a *lir.Ins) *lir.Ins {
	return r.emit(lir.Ins1(op, a))
}

func (r *Recorder) ins2(op lir.Opcode, a, b *lir.Ins) *lir.Ins {
	return r.emit(lir.Ins2(op, a, b))
}

func (r *Recorder) call(fid lir.Fid, args ...*lir.Ins) *lir.Ins {
	return r.emit(lir.Call(fid, args...))
}

// guard 要求 cond 等于 expected, 否则从侧出口离开
func (r *Recorder) guard(expected bool, cond *lir.Ins, kind lir.ExitKind) {
	op := lir.OpXt
	if expected {
		op = lir.OpXf
	}
	r.emit(lir.Guard(op, cond, r.Snapshot(kind)))
}

// get 槽位当前的节点
func (r *Recorder) get(id SlotID) *lir.Ins {
	return r.tracker.Get(id)
}

// set 更新槽位的节点并写回交接帧
func (r *Recorder) set(id SlotID, ins *lir.Ins) {
	r.tracker.Set(id, ins)
	idx := r.layout.nativeIndex(id)
	r.growFrame(idx + 1)

	op := lir.OpStP
	switch ins.Result() {
	case lir.KindInt:
		op = lir.OpStI
	case lir.KindDouble:
		op = lir.OpStD
	}
	r.emit(lir.Store(op, ins, idx))
}

func stackSlot(i int) SlotID {
	return SlotID{Kind: vm.SlotStack, Index: i}
}

// stack 距栈顶 n 的单元对应的节点
func (r *Recorder) stack(n int) *lir.Ins {
	return r.get(stackSlot(r.sp - 1 - n))
}

// setStack 设置指令执行后栈上第 i 个单元
func (r *Recorder) setStack(i int, ins *lir.Ins) {
	r.set(stackSlot(i), ins)
}

// stackValue 距栈顶 n 的运行时值
func (r *Recorder) stackValue(n int) bytecode.Value {
	return r.cx.Frame.Stack[r.sp-1-n]
}

// ============================================================================
// 录制入口
// ============================================================================

// Record 在解释器执行当前指令之前录制它
func (r *Recorder) Record(cx *vm.Context) Result {
	if r.state != StateRecording {
		return abortWith(r.reason)
	}
	fp := cx.Frame
	if fp != r.entry {
		return r.fail(AbortCallDepth)
	}
	r.pc, r.sp = fp.PC, fp.SP

	res := r.recordOp(fp.Script.OpAt(r.pc))
	if res.Kind == Abort {
		return r.fail(res.Reason)
	}
	if r.pipe.Buffer().Len() > r.cfg.MaxTraceLength {
		return r.fail(AbortTraceTooLong)
	}
	return res
}

// fail 中止录制
func (r *Recorder) fail(reason AbortReason) Result {
	r.state = StateAborted
	r.reason = reason
	r.tracker.Clear()
	return abortWith(reason)
}

// Abort 从外部中止录制
func (r *Recorder) Abort(reason AbortReason) {
	if r.state == StateRecording {
		r.fail(reason)
	}
}

// Close 在循环头闭合 trace: 检查类型稳定性, 稳定时编译
func (r *Recorder) Close() (CloseOutcome, error) {
	defer r.tracker.Clear()

	recompile, err := r.verifyTypeStability()
	if err != nil {
		r.state = StateAborted
		return CloseUnstable, err
	}
	if recompile {
		r.frag.Recompiles++
		r.state = StateAborted
		return CloseRecompile, nil
	}

	exit := &lir.SideExit{Kind: lir.ExitLoop, TypeMap: r.frag.Info.TypeMap.Clone()}
	r.emit(lir.Guard(lir.OpLoop, nil, exit))

	buf := r.pipe.Buffer()
	code, err := backend.Compile(buf, backend.Options{Optimize: r.cfg.Optimize, Logger: r.log})
	if err != nil {
		r.state = StateAborted
		r.reason = AbortBackend
		return CloseFailed, fmt.Errorf("jit: compile trace at %s:%d: %w", r.frag.Script.Name, r.frag.PC, err)
	}
	r.frag.Code = code
	r.frag.LIR = buf
	r.state = StateClosed
	return CloseCompiled, nil
}
