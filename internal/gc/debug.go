// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现垃圾引用追踪与回收历史：
// 1. 追踪器记录指向垃圾对象的非 killable 引用；详细级别 1 逐条
//    记录，级别 2 按（引用方布局成员）去重
// 2. 历史环保存最近若干轮的垃圾引用记录，可序列化导出
package gc

import (
	"sync"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// 垃圾引用记录
// ============================================================================

// GarbageReference 一条指向垃圾对象的引用
type GarbageReference struct {
	// Referencer 引用方对象下标
	Referencer int32 `json:"referencer"`

	// ReferencerName 引用方调试名
	ReferencerName string `json:"referencerName"`

	// Target 目标对象下标
	Target int32 `json:"target"`

	// TargetName 目标调试名
	TargetName string `json:"targetName"`

	// Member 产生引用的布局成员（类.属性）；ARO 上报为空
	Member string `json:"member,omitempty"`
}

// ============================================================================
// 追踪器
// ============================================================================

// TrackingVerbosity 追踪详细级别
type TrackingVerbosity int

const (
	// TrackingOff 关闭追踪
	TrackingOff TrackingVerbosity = 0

	// TrackingAll 逐条记录
	TrackingAll TrackingVerbosity = 1

	// TrackingDeduped 按布局成员去重
	TrackingDeduped TrackingVerbosity = 2
)

// GarbageRefTracker 垃圾引用追踪器（worker 并发写入）
type GarbageRefTracker struct {
	mu        sync.Mutex
	verbosity TrackingVerbosity
	refs      []GarbageReference
	seen      map[string]struct{}
}

// NewGarbageRefTracker 创建追踪器
func NewGarbageRefTracker(verbosity TrackingVerbosity) *GarbageRefTracker {
	return &GarbageRefTracker{
		verbosity: verbosity,
		seen:      make(map[string]struct{}),
	}
}

// Enabled 追踪是否开启
func (t *GarbageRefTracker) Enabled() bool { return t.verbosity != TrackingOff }

// Reset 清空已记录引用，供调试重跑前调用
func (t *GarbageRefTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs = nil
	t.seen = make(map[string]struct{})
}

// Record 记录一条垃圾引用
func (t *GarbageRefTracker) Record(store *objects.Store, referencer, target objects.ObjectIndex, member *objects.Member) {
	memberName := ""
	if member != nil {
		memberName = member.Name
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.verbosity == TrackingDeduped {
		if _, dup := t.seen[memberName]; dup {
			return
		}
		t.seen[memberName] = struct{}{}
	}

	ref := GarbageReference{
		Referencer: int32(referencer),
		Target:     int32(target),
		Member:     memberName,
	}
	if it := store.ResolveItem(referencer); it != nil {
		ref.ReferencerName = objects.DebugName(it.Object())
	}
	if it := store.ResolveItem(target); it != nil {
		ref.TargetName = objects.DebugName(it.Object())
	}
	t.refs = append(t.refs, ref)
}

// Refs 已记录引用快照
func (t *GarbageRefTracker) Refs() []GarbageReference {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]GarbageReference, len(t.refs))
	copy(out, t.refs)
	return out
}

// NumRefs 已记录引用数
func (t *GarbageRefTracker) NumRefs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}

// ============================================================================
// 回收历史
// ============================================================================

// historyCapacity 历史环容量
const historyCapacity = 8

// HistoryEntry 一轮回收的历史记录
type HistoryEntry struct {
	// Time 回收时刻
	Time time.Time `json:"time"`

	// NumUnreachable 本轮回收对象数
	NumUnreachable int `json:"numUnreachable"`

	// GarbageRefs 本轮发现的垃圾引用
	GarbageRefs []GarbageReference `json:"garbageRefs,omitempty"`
}

// History 最近若干轮的回收历史环
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

// Update 追加一轮历史，超容量时淘汰最旧的一轮
func (h *History) Update(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if len(h.entries) > historyCapacity {
		h.entries = h.entries[1:]
	}
}

// Entries 历史快照
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// DumpJSON 导出历史为 JSON
func (h *History) DumpJSON() ([]byte, error) {
	return json.Marshal(h.Entries())
}
