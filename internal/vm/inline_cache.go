package vm

import (
	"github.com/tangzhangming/novatrace/internal/bytecode"
)

// ============================================================================
// 属性缓存 (Inline Cache)
// ============================================================================

// ICState 内联缓存状态
type ICState byte

const (
	ICUninitialized ICState = iota // 未初始化
	ICMonomorphic                  // 单态（只见过一个形状）
	ICMegamorphic                  // 超多态（失效太多次，放弃缓存）
)

func (s ICState) String() string {
	switch s {
	case ICUninitialized:
		return "uninitialized"
	case ICMonomorphic:
		return "monomorphic"
	case ICMegamorphic:
		return "megamorphic"
	}
	return "unknown"
}

// MaxCacheMisses 同一位置失效多少次后放弃缓存
const MaxCacheMisses = 8

// PropCacheEntry 缓存条目
// 以接收者形状为键: 形状相同则属性位置相同
type PropCacheEntry struct {
	state       ICState
	Shape       *bytecode.Shape    // 接收者形状
	Holder      *bytecode.Object   // 拥有该属性的对象
	HolderShape *bytecode.Shape    // 原型命中时持有者的形状
	ProtoHops   int                // 0 表示自有属性
	Prop        *bytecode.PropInfo // 属性描述
	hits        int64
	misses      int64
}

// IsOwnDataHit 是否为自有数据属性 (追踪器只接受这种命中)
func (e *PropCacheEntry) IsOwnDataHit() bool {
	return e.ProtoHops == 0 && !e.Prop.IsAccessor()
}

type cacheKey struct {
	script *bytecode.Script
	pc     int
}

// PropertyCache 按 (脚本, pc) 组织的属性缓存
type PropertyCache struct {
	entries map[cacheKey]*PropCacheEntry
	hits    int64
	misses  int64
}

// NewPropertyCache 创建属性缓存
func NewPropertyCache() *PropertyCache {
	return &PropertyCache{entries: make(map[cacheKey]*PropCacheEntry)}
}

// Lookup 查找缓存
// 只有接收者形状匹配 (原型命中时还要求持有者形状未变) 才算命中
func (pc *PropertyCache) Lookup(s *bytecode.Script, at int, obj *bytecode.Object) (*PropCacheEntry, bool) {
	e, ok := pc.Probe(s, at, obj)
	if !ok {
		if e != nil {
			e.misses++
		}
		pc.misses++
		return nil, false
	}
	e.hits++
	pc.hits++
	return e, true
}

// Probe 同 Lookup 但不更新统计, 失效时返回旧条目 (可能为 nil)
func (pc *PropertyCache) Probe(s *bytecode.Script, at int, obj *bytecode.Object) (*PropCacheEntry, bool) {
	e, ok := pc.entries[cacheKey{s, at}]
	if !ok {
		return nil, false
	}
	if e.state != ICMonomorphic || !obj.Native {
		return e, false
	}
	if e.Shape != obj.Shape || (e.ProtoHops > 0 && e.Holder.Shape != e.HolderShape) {
		return e, false
	}
	return e, true
}

// Fill 更新缓存
func (pc *PropertyCache) Fill(s *bytecode.Script, at int, obj, holder *bytecode.Object, hops int, prop *bytecode.PropInfo) {
	if !obj.Native {
		return
	}
	key := cacheKey{s, at}
	e, ok := pc.entries[key]
	if !ok {
		e = &PropCacheEntry{}
		pc.entries[key] = e
	}
	if e.state == ICMegamorphic {
		return // 已放弃缓存
	}
	if e.misses >= MaxCacheMisses {
		e.state = ICMegamorphic
		return
	}
	e.state = ICMonomorphic
	e.Shape = obj.Shape
	e.Holder = holder
	e.HolderShape = holder.Shape
	e.ProtoHops = hops
	e.Prop = prop
}

// State 返回指定位置的缓存状态
func (pc *PropertyCache) State(s *bytecode.Script, at int) ICState {
	if e, ok := pc.entries[cacheKey{s, at}]; ok {
		return e.state
	}
	return ICUninitialized
}

// Reset 重置缓存
func (pc *PropertyCache) Reset() {
	pc.entries = make(map[cacheKey]*PropCacheEntry)
}

// Stats 获取统计信息
func (pc *PropertyCache) Stats() (hits, misses int64) {
	return pc.hits, pc.misses
}

// HitRate 计算命中率
func (pc *PropertyCache) HitRate() float64 {
	total := pc.hits + pc.misses
	if total == 0 {
		return 0
	}
	return float64(pc.hits) / float64(total)
}
