// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现回收统计与内存占用统计。
package gc

import (
	"sync"
	"time"

	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// 回收统计
// ============================================================================

// cycleStats 一轮回收的原始数据
type cycleStats struct {
	start           time.Time
	duration        time.Duration
	mark            time.Duration
	reachability    time.Duration
	gather          time.Duration
	numObjects      int64
	numReferences   int64
	numUnreachable  int
	foundGarbageRef bool
	parallel        bool
}

// StatsSnapshot 对外暴露的统计快照
type StatsSnapshot struct {
	// LastGCTime 最近一轮回收的开始时刻
	LastGCTime time.Time `json:"lastGcTime"`

	// LastGCDuration 最近一轮回收耗时（不含增量清理）
	LastGCDuration time.Duration `json:"lastGcDuration"`

	// MarkDuration 标记阶段耗时
	MarkDuration time.Duration `json:"markDuration"`

	// ReachabilityDuration 可达性分析耗时
	ReachabilityDuration time.Duration `json:"reachabilityDuration"`

	// GatherDuration 收集不可达对象耗时
	GatherDuration time.Duration `json:"gatherDuration"`

	// NumObjectsVisited 最近一轮遍历对象数
	NumObjectsVisited int64 `json:"numObjectsVisited"`

	// NumReferencesFollowed 最近一轮追踪引用数
	NumReferencesFollowed int64 `json:"numReferencesFollowed"`

	// NumUnreachable 最近一轮判定不可达的对象数
	NumUnreachable int `json:"numUnreachable"`

	// NumCollectedObjects 累计回收对象数
	NumCollectedObjects int64 `json:"numCollectedObjects"`

	// NumCycles 累计回收轮数
	NumCycles int64 `json:"numCycles"`

	// FoundGarbageRef 最近一轮是否发现垃圾引用
	FoundGarbageRef bool `json:"foundGarbageRef"`

	// Parallel 最近一轮是否并行
	Parallel bool `json:"parallel"`
}

// GCStats 跨轮统计（调试服务 goroutine 并发读取）
type GCStats struct {
	mu       sync.Mutex
	last     cycleStats
	cycles   int64
	purged   int64
}

// record 记录一轮回收
func (s *GCStats) record(c cycleStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = c
	s.cycles++
}

// addPurged 累计清理完成的对象数
func (s *GCStats) addPurged(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged += n
}

// Snapshot 统计快照
func (s *GCStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		LastGCTime:            s.last.start,
		LastGCDuration:        s.last.duration,
		MarkDuration:          s.last.mark,
		ReachabilityDuration:  s.last.reachability,
		GatherDuration:        s.last.gather,
		NumObjectsVisited:     s.last.numObjects,
		NumReferencesFollowed: s.last.numReferences,
		NumUnreachable:        s.last.numUnreachable,
		NumCollectedObjects:   s.purged,
		NumCycles:             s.cycles,
		FoundGarbageRef:       s.last.foundGarbageRef,
		Parallel:              s.last.parallel,
	}
}

// Stats 统计访问器
func (s *GCState) Stats() *GCStats { return &s.stats }

// GetLastGCTime 最近一轮回收的开始时刻
func (s *GCState) GetLastGCTime() time.Time { return s.stats.Snapshot().LastGCTime }

// GetLastGCDuration 最近一轮回收耗时
func (s *GCState) GetLastGCDuration() time.Duration { return s.stats.Snapshot().LastGCDuration }

// GetNumCollectedObjects 累计回收对象数
func (s *GCState) GetNumCollectedObjects() int64 { return s.stats.Snapshot().NumCollectedObjects }

// ============================================================================
// 内存占用统计
// ============================================================================

// MemoryStats 回收器自身的内存占用
type MemoryStats struct {
	// ScratchPageBytes 暂存页占用字节数
	ScratchPageBytes int64 `json:"scratchPageBytes"`

	// NumFreeContexts 空闲 worker 上下文数
	NumFreeContexts int `json:"numFreeContexts"`

	// NumSchemas 已组装布局数
	NumSchemas int64 `json:"numSchemas"`

	// NumSchemaMembers 已组装布局成员总数
	NumSchemaMembers int64 `json:"numSchemaMembers"`

	// NumLiveObjects 存活对象数
	NumLiveObjects int32 `json:"numLiveObjects"`

	// NumClusters 存活簇数
	NumClusters int `json:"numClusters"`
}

// MemoryStats 当前内存占用快照
func (s *GCState) MemoryStats() MemoryStats {
	schemas, members := objects.CountSchemas()
	return MemoryStats{
		ScratchPageBytes: s.scratchPages.CountBytes(),
		NumFreeContexts:  len(s.contexts.PeekFree()),
		NumSchemas:       schemas,
		NumSchemaMembers: members,
		NumLiveObjects:   s.store.NumLive(),
		NumClusters:      s.clusters.NumClusters(),
	}
}
