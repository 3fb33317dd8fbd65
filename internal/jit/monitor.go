// Package jit 实现追踪 JIT: 在热循环的一次迭代中录制类型特化的 LIR,
// 闭合时检查类型稳定性并交给后端编译, 之后在循环回边处直接执行编译代码
package jit

import (
	"strconv"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/novatrace/internal/backend"
	"github.com/tangzhangming/novatrace/internal/bytecode"
	"github.com/tangzhangming/novatrace/internal/vm"
)

// ============================================================================
// 统计
// ============================================================================

// Stats 追踪器统计信息
type Stats struct {
	RecordingsStarted int64
	TracesCompiled    int64
	Aborts            int64
	Recompiles        int64
	Unstable          int64
	Blacklisted       int64
	TraceEntries      int64
	SideExits         int64
	TypeMismatches    int64 // 入口类型不符, 退回解释器
	ForeignContext    int64 // 其他上下文请求执行, 被拒绝
}

type monitorStats struct {
	recordings     atomic.Int64
	compiled       atomic.Int64
	aborts         atomic.Int64
	recompiles     atomic.Int64
	unstable       atomic.Int64
	blacklisted    atomic.Int64
	entries        atomic.Int64
	sideExits      atomic.Int64
	typeMismatches atomic.Int64
	foreign        atomic.Int64
}

// ============================================================================
// 执行分派器
// ============================================================================

// Monitor 在循环回边处决定解释、录制还是执行编译代码
// 同一时刻至多有一个录制
type Monitor struct {
	cfg      *Config
	log      *zap.Logger
	frags    *FragmentTable
	recorder *Recorder
	stats    monitorStats
}

var _ vm.TraceHook = (*Monitor)(nil)

// NewMonitor 创建分派器, cfg 为 nil 时使用默认配置
func NewMonitor(cfg *Config) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:   cfg,
		log:   cfg.logger(),
		frags: NewFragmentTable(),
	}
}

// Attach 把分派器安装到执行上下文
func (m *Monitor) Attach(cx *vm.Context) {
	cx.SetTraceHook(m)
}

// Config 返回配置
func (m *Monitor) Config() *Config {
	return m.cfg
}

// Fragments 片段表
func (m *Monitor) Fragments() *FragmentTable {
	return m.frags
}

// Recorder 当前录制器, 没有录制时为 nil
func (m *Monitor) Recorder() *Recorder {
	return m.recorder
}

// IsRecording 是否正在录制
func (m *Monitor) IsRecording() bool {
	return m.recorder != nil
}

// Stats 获取统计信息
func (m *Monitor) Stats() Stats {
	return Stats{
		RecordingsStarted: m.stats.recordings.Load(),
		TracesCompiled:    m.stats.compiled.Load(),
		Aborts:            m.stats.aborts.Load(),
		Recompiles:        m.stats.recompiles.Load(),
		Unstable:          m.stats.unstable.Load(),
		Blacklisted:       m.stats.blacklisted.Load(),
		TraceEntries:      m.stats.entries.Load(),
		SideExits:         m.stats.sideExits.Load(),
		TypeMismatches:    m.stats.typeMismatches.Load(),
		ForeignContext:    m.stats.foreign.Load(),
	}
}

// StartRecording 在当前循环头开始录制
func (m *Monitor) StartRecording(cx *vm.Context, frag *Fragment) error {
	if m.recorder != nil {
		return ErrRecorderActive
	}
	m.recorder = NewRecorder(cx, frag, m.cfg)
	m.stats.recordings.Inc()
	m.log.Debug("start recording",
		zapFrag(frag), zap.Int("hits", frag.Hits), zap.Stringer("typemap", frag.Info.TypeMap))
	return nil
}

// MonitorOp 录制期间在每条指令执行前调用
func (m *Monitor) MonitorOp(cx *vm.Context) {
	r := m.recorder
	if r == nil || r.cx != cx {
		return
	}
	if res := r.Record(cx); res.Kind == Abort {
		m.abort(res.Reason)
	}
}

// LoopEdge 向后跳转之后调用, 返回 true 表示执行位置已被编译代码修改
func (m *Monitor) LoopEdge(cx *vm.Context) bool {
	if !m.cfg.Enabled {
		return false
	}
	fp := cx.Frame

	if r := m.recorder; r != nil {
		if r.cx != cx {
			return false
		}
		if !r.IsLoopHeader(cx) {
			m.abort(AbortInnerLoop)
			return false
		}
		frag := r.frag
		m.close(r)
		if frag.Compiled() {
			return m.execute(cx, frag)
		}
		return false
	}

	frag := m.frags.GetOrCreate(fp.Script, fp.PC)
	if frag.Compiled() {
		return m.execute(cx, frag)
	}

	frag.Hits++
	if frag.Blacklisted {
		return false
	}
	if frag.Hits > m.cfg.BlacklistCeiling {
		m.blacklist(frag, "never became type stable")
		return false
	}
	// 最后一个阈值之后的重新录制不必等待下一个阈值
	if m.cfg.isHotHit(frag.Hits) || (frag.retry && frag.Hits > m.cfg.HotLoop3) {
		if err := m.StartRecording(cx, frag); err != nil {
			m.log.Debug("cannot start recording", zapFrag(frag), zap.Error(err))
		}
	}
	return false
}

// abort 中止当前录制
func (m *Monitor) abort(reason AbortReason) {
	r := m.recorder
	m.recorder = nil
	r.Abort(reason)
	m.stats.aborts.Inc()

	frag := r.frag
	if !reason.Structural() {
		frag.Aborts++
	}
	m.log.Debug("recording aborted",
		zapFrag(frag), zapReason(reason), zap.Int("pc", r.pc), zap.Int("aborts", frag.Aborts))

	if reason.Structural() || frag.Aborts >= m.cfg.MaxAborts {
		m.blacklist(frag, reason.String())
		r.state = StateBlacklisted
	}
}

// close 在循环头闭合录制
func (m *Monitor) close(r *Recorder) {
	m.recorder = nil
	frag := r.frag

	outcome, err := r.Close()
	frag.retry = outcome == CloseRecompile
	switch outcome {
	case CloseCompiled:
		m.stats.compiled.Inc()
		m.log.Debug("trace compiled",
			zapFrag(frag), zap.Int("lir", frag.LIR.Len()), zap.Int("code", frag.Code.Len()),
			zap.Int("guards", len(frag.Code.Guards())))
	case CloseRecompile:
		m.stats.recompiles.Inc()
		m.log.Debug("trace needs recompile", zapFrag(frag), zap.Stringer("typemap", frag.Info.TypeMap))
	case CloseUnstable:
		m.stats.unstable.Inc()
		m.log.Debug("trace is not type stable", zapFrag(frag), zap.Error(err))
	case CloseFailed:
		m.stats.aborts.Inc()
		frag.Aborts++
		m.log.Warn("trace compilation failed", zapFrag(frag), zap.Error(err))
		if frag.Aborts >= m.cfg.MaxAborts {
			m.blacklist(frag, AbortBackend.String())
		}
	}
}

func (m *Monitor) blacklist(frag *Fragment, why string) {
	if frag.Blacklisted {
		return
	}
	frag.Blacklisted = true
	m.stats.blacklisted.Inc()
	m.log.Debug("fragment blacklisted", zapFrag(frag), zap.String("why", why))
}

// execute 拆箱进入编译代码, 从侧出口离开后按出口类型映射装箱
func (m *Monitor) execute(cx *vm.Context, frag *Fragment) bool {
	if frag.Owner != cx.ID {
		m.stats.foreign.Inc()
		return false
	}
	fp := cx.Frame
	tm := frag.Info.TypeMap
	slots := liveSlots(cx, fp, frag.Globals)
	if len(slots) != len(tm) {
		m.stats.typeMismatches.Inc()
		return false
	}

	f := backend.NewFrame(frag.Info.MaxNativeFrameSlots)
	for i, s := range slots {
		if !unboxSlot(f, i, tm[i], s.value(cx)) {
			m.stats.typeMismatches.Inc()
			m.log.Debug("entry type mismatch",
				zapFrag(frag), zapSlot(s.ID), zap.Stringer("want", tm[i]), zap.Stringer("value", s.value(cx)))
			return false
		}
	}

	m.stats.entries.Inc()
	g := frag.Code.Run(f)
	m.stats.sideExits.Inc()

	exit := g.Exit
	fp.SP += exit.SPAdj
	fp.PC = frag.PC + exit.IPAdj
	for i, s := range liveSlots(cx, fp, frag.Globals) {
		if i >= len(exit.TypeMap) || i >= f.Len() {
			break
		}
		if v, ok := boxSlot(f, i, exit.TypeMap[i]); ok {
			s.set(cx, v)
		}
	}
	m.log.Debug("side exit",
		zapFrag(frag), zap.Int("guard", g.ID), zap.Stringer("kind", exit.Kind), zap.Int("resume", fp.PC))
	return true
}

// ============================================================================
// 日志字段
// ============================================================================

func zapFrag(f *Fragment) zap.Field {
	return zap.String("loop", fragName(f.Script, f.PC))
}

func fragName(s *bytecode.Script, pc int) string {
	return s.Name + ":" + strconv.Itoa(pc)
}

func zapPC(pc int) zap.Field {
	return zap.Int("pc", pc)
}

func zapSlot(id SlotID) zap.Field {
	return zap.Stringer("slot", id)
}

func zapReason(r AbortReason) zap.Field {
	return zap.Stringer("reason", r)
}
