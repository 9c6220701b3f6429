// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现回收驱动：
// 1. GCState 持有一轮回收的全部状态，不依赖包级可变全局
// 2. GCLock 回收临界区：可达性分析期间禁止对象操作
// 3. CollectGarbage 固定阶段顺序：收尾上一轮增量清理 -> 标记 ->
//    可达性分析 -> 簇解散 -> 收集不可达 -> 清弱引用 -> 清理
// 4. TryCollectGarbage 带重试计数，多次失败后强制阻塞回收
package gc

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// 配置
// ============================================================================

// Settings 回收器运行参数
type Settings struct {
	// AllowParallel 允许并行可达性分析
	AllowParallel bool

	// MaxWorkersOverride 并行 worker 数上限；0 表示取 CPU 数
	MaxWorkersOverride int

	// IncrementalBeginDestroy 允许增量 unhash 与增量销毁
	IncrementalBeginDestroy bool

	// MultithreadedDestruction 允许后台清理 goroutine
	MultithreadedDestruction bool

	// TimeLimit 单次增量切片的时间预算
	TimeLimit time.Duration

	// NumRetriesBeforeForcing TryCollectGarbage 失败多少次后强制阻塞回收
	NumRetriesBeforeForcing int

	// AdditionalFinishDestroyTime 首次长销毁警告后再等多久进入超时处理
	AdditionalFinishDestroyTime time.Duration

	// TimeoutOnPendingDestroy 销毁超时是否视为致命错误
	TimeoutOnPendingDestroy bool

	// GarbageTracking 垃圾引用追踪详细程度
	GarbageTracking TrackingVerbosity

	// ForceEnableDebugProcessor 每轮都启用调试遍历（而非仅在发现垃圾引用后重跑）
	ForceEnableDebugProcessor bool

	// ClustersEnabled 是否启用对象簇
	ClustersEnabled bool

	// FlushAsyncWorkOnGC 回收前先排空注册的异步生产者
	FlushAsyncWorkOnGC bool
}

// DefaultSettings 默认运行参数
func DefaultSettings() Settings {
	return Settings{
		AllowParallel:               true,
		IncrementalBeginDestroy:     true,
		MultithreadedDestruction:    true,
		TimeLimit:                   2 * time.Millisecond,
		NumRetriesBeforeForcing:     10,
		AdditionalFinishDestroyTime: 40 * time.Second,
		TimeoutOnPendingDestroy:     true,
		ClustersEnabled:             true,
		FlushAsyncWorkOnGC:          true,
	}
}

// ============================================================================
// 回收临界区
// ============================================================================

// GCLock 回收临界区锁
//
// 对象分配、销毁等操作与可达性分析互斥。TryAcquire 供
// TryCollectGarbage 在不阻塞调用方的前提下尝试回收。
type GCLock struct {
	mu sync.Mutex
}

// Acquire 阻塞获取
func (l *GCLock) Acquire() { l.mu.Lock() }

// TryAcquire 非阻塞获取
func (l *GCLock) TryAcquire() bool { return l.mu.TryLock() }

// Release 释放
func (l *GCLock) Release() { l.mu.Unlock() }

// ============================================================================
// 回收器状态
// ============================================================================

// GCState 回收器全部状态
//
// 除标注为原子的字段外，其余字段只允许持有 GCLock 的驱动
// goroutine 访问。
type GCState struct {
	settings Settings
	log      *zap.Logger

	store    *objects.Store
	clusters *objects.ClusterTable

	scratchPages  PageAllocator
	workerIndices WorkerIndexAllocator
	stealManager  WorkstealingManager
	slowARO       *SlowAROManager
	contexts      ContextPool

	lock GCLock

	// tryCollectAttempts TryCollectGarbage 连续失败计数
	tryCollectAttempts atomic.Int32

	// 标记阶段累积
	clustersToDissolve objects.LockFreeIndexList
	keepClusterRefs    objects.LockFreeIndexList

	// 增量清理状态
	unreachable        []objects.ObjectIndex
	unhashCursor       int
	destroyCursor      int
	pendingDestruction []objects.ObjectIndex
	purgeInProgress    bool
	purgeStats         purgeProgress

	// asyncFlushers 回收前排空的异步生产者
	asyncFlushers []func()

	asyncPurge *AsyncPurge

	tracker *GarbageRefTracker
	history History
	stats   GCStats
}

// NewGCState 创建回收器
func NewGCState(store *objects.Store, settings Settings, log *zap.Logger) *GCState {
	if log == nil {
		log = zap.NewNop()
	}
	s := &GCState{
		settings: settings,
		log:      log,
		store:    store,
		clusters: objects.NewClusterTable(store),
	}
	s.slowARO = NewSlowAROManager(store, &s.scratchPages)
	s.contexts.state = s
	s.tracker = NewGarbageRefTracker(settings.GarbageTracking)
	if settings.MultithreadedDestruction {
		s.asyncPurge = newAsyncPurge(s)
	}
	return s
}

// Store 对象存储
func (s *GCState) Store() *objects.Store { return s.store }

// Clusters 簇表
func (s *GCState) Clusters() *objects.ClusterTable { return s.clusters }

// Lock 回收临界区锁
func (s *GCState) Lock() *GCLock { return &s.lock }

// History 垃圾引用历史
func (s *GCState) History() *History { return &s.history }

// RegisterSlowARO 注册慢速引用收集钩子；注册表满时返回 ErrQueueFull
func (s *GCState) RegisterSlowARO(name string, fn objects.ObjectAROFunc, flags AROFlags) (int, error) {
	if s.slowARO.NumAROs() >= slowAROCapacity {
		return -1, ErrQueueFull
	}
	return s.slowARO.Register(name, fn, flags), nil
}

// RegisterAsyncFlusher 注册回收前需要排空的异步生产者
func (s *GCState) RegisterAsyncFlusher(fn func()) {
	s.asyncFlushers = append(s.asyncFlushers, fn)
}

// numWorkers 本轮并行 worker 数
func (s *GCState) numWorkers() int {
	n := s.settings.MaxWorkersOverride
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// shouldForceSingleThreaded 是否强制单线程回收
func (s *GCState) shouldForceSingleThreaded() bool {
	return !s.settings.AllowParallel || s.numWorkers() == 1 || runtime.NumCPU() == 1
}

// Cleanup 释放回收器资源；存在未完成的增量清理时返回 ErrPurgePending
func (s *GCState) Cleanup() error {
	if s.purgeInProgress {
		return ErrPurgePending
	}
	if s.asyncPurge != nil {
		s.asyncPurge.shutdown()
		s.asyncPurge = nil
	}
	s.contexts.Cleanup()
	s.scratchPages.PushSurplus(0)
	return nil
}

// ============================================================================
// 回收入口
// ============================================================================

// CollectGarbage 执行一轮完整回收
//
// keepFlags 与载荷级标志匹配的对象无条件保留。fullPurge 为 true
// 时阻塞清理到底；否则按时间预算增量清理。
func (s *GCState) CollectGarbage(keepFlags uint32, fullPurge bool) {
	s.lock.Acquire()
	s.collectGarbageLocked(keepFlags, fullPurge)
	s.lock.Release()

	s.purgeAfterCollect(fullPurge)
}

// TryCollectGarbage 尝试执行一轮回收
//
// 临界区被占用时返回 ErrGCLocked 并累计失败次数；连续失败超过
// 阈值后改为阻塞回收，保证回收最终会发生。
func (s *GCState) TryCollectGarbage(keepFlags uint32, fullPurge bool) error {
	if !s.lock.TryAcquire() {
		attempts := s.tryCollectAttempts.Inc()
		if int(attempts) <= s.settings.NumRetriesBeforeForcing {
			return ErrGCLocked
		}
		s.log.Warn("垃圾回收多次让步后强制执行", zap.Int32("attempts", attempts))
		s.lock.Acquire()
	}
	s.tryCollectAttempts.Store(0)

	s.collectGarbageLocked(keepFlags, fullPurge)
	s.lock.Release()

	s.purgeAfterCollect(fullPurge)
	return nil
}

// collectGarbageLocked 锁内的回收主体：标记到弱引用清理
func (s *GCState) collectGarbageLocked(keepFlags uint32, fullPurge bool) {
	cycleStart := time.Now()

	// 上一轮增量清理必须先收尾，不可达列表才能复用
	if s.purgeInProgress {
		s.log.Info("回收前收尾上一轮增量清理")
		s.finishPendingPurge()
	}

	if s.settings.FlushAsyncWorkOnGC {
		for _, fn := range s.asyncFlushers {
			fn()
		}
	}

	// 簇被禁用但仍有存量簇：整体解散后按普通对象回收
	if !s.settings.ClustersEnabled && s.clusters.NumClusters() > 0 {
		n := s.clusters.DissolveAll()
		s.log.Info("对象簇已禁用，解散存量簇", zap.Int("clusters", n))
	}

	opts := ProcessorOptions{
		Parallel:        !s.shouldForceSingleThreaded(),
		WithPendingKill: s.store.PendingKillEnabled(),
	}

	markStart := time.Now()
	initialObjects := s.markPhase(keepFlags, opts)
	markDuration := time.Since(markStart)

	reachStart := time.Now()
	stats, weakSlots := s.runReachabilityAnalysis(initialObjects, opts, false)
	reachDuration := time.Since(reachStart)

	// 发现指向垃圾对象的引用：重新标记后用调试遍历完整重跑，
	// 否则首轮已可达对象不再入队，只能看到根对象直接持有的垃圾引用
	if (stats.FoundGarbageRef && s.tracker.Enabled()) || s.settings.ForceEnableDebugProcessor {
		s.tracker.Reset()
		debugInitial := s.markPhase(keepFlags, opts)
		debugStats, _ := s.runReachabilityAnalysis(debugInitial, opts, true)
		stats.NumObjects += debugStats.NumObjects
		s.log.Warn("存在指向垃圾对象的引用",
			zap.Int("referencers", s.tracker.NumRefs()))
	}

	dissolved := s.clusters.DissolveMarked()
	if dissolved > 0 {
		s.log.Info("解散被标记的簇", zap.Int("clusters", dissolved))
	}

	gatherStart := time.Now()
	unreachable := s.gatherUnreachableObjects(opts)
	gatherDuration := time.Since(gatherStart)

	s.clearWeakReferences(weakSlots)

	s.unreachable = unreachable
	s.unhashCursor = 0
	s.destroyCursor = 0
	s.purgeInProgress = len(unreachable) > 0
	s.purgeStats = purgeProgress{}

	s.history.Update(HistoryEntry{
		Time:           cycleStart,
		NumUnreachable: len(unreachable),
		GarbageRefs:    s.tracker.Refs(),
	})

	s.stats.record(cycleStats{
		start:           cycleStart,
		duration:        time.Since(cycleStart),
		mark:            markDuration,
		reachability:    reachDuration,
		gather:          gatherDuration,
		numObjects:      stats.NumObjects,
		numReferences:   stats.NumReferences,
		numUnreachable:  len(unreachable),
		foundGarbageRef: stats.FoundGarbageRef,
		parallel:        opts.Parallel,
	})

	s.log.Info("可达性分析完成",
		zap.Int64("objects", stats.NumObjects),
		zap.Int64("references", stats.NumReferences),
		zap.Int("unreachable", len(unreachable)),
		zap.Bool("parallel", opts.Parallel),
		zap.Duration("elapsed", time.Since(cycleStart)))
}

// purgeAfterCollect 锁外阶段：unhash 与清理
func (s *GCState) purgeAfterCollect(fullPurge bool) {
	if !s.purgeInProgress {
		return
	}

	useTimeLimit := !fullPurge && s.settings.IncrementalBeginDestroy
	timedOut := s.unhashUnreachableObjects(useTimeLimit, s.settings.TimeLimit)

	if s.asyncPurge != nil && !fullPurge {
		// unhash 未完成时交给后续 TickPurge 推进并启动后台清理
		if !timedOut {
			s.asyncPurge.begin()
		}
		return
	}
	s.incrementalDestroyGarbage(!fullPurge)
}

// runReachabilityAnalysis 构建处理器与主上下文并执行遍历
//
// 返回统计与遍历期间收集到的弱引用槽位。
func (s *GCState) runReachabilityAnalysis(initialObjects []objects.ObjectIndex, opts ProcessorOptions, debug bool) (ContextStats, []*objects.WeakRef) {
	p := NewReachabilityProcessor(s, opts)
	if debug {
		p.SetTracker(s.tracker)
	}

	ctx := s.contexts.Acquire()
	ctx.SetInitialObjects(initialObjects)

	if opts.Parallel {
		p.processAsync(s, ctx)
	} else {
		p.ProcessObjectArray(ctx)
	}

	stats := ctx.Stats
	weak := append([]*objects.WeakRef(nil), ctx.WeakSlots...)
	s.contexts.Release(ctx)

	s.scratchPages.PushSurplus(2 + s.slowARO.NumAROs())
	return stats, weak
}
