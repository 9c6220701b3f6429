// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现后台清理：
// 1. 销毁阶段在专用 goroutine 上执行，驱动 goroutine 不被阻塞
// 2. 析构不保证线程安全的对象被送回驱动侧遗留列表，由 TickPurge 排空
// 3. Begin/Finished 成对记录，便于对齐一轮清理的起止
package gc

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/titan/internal/objects"
)

// AsyncPurge 后台清理器
type AsyncPurge struct {
	state *GCState

	jobs chan []objects.ObjectIndex
	quit chan struct{}
	wg   sync.WaitGroup

	active     atomic.Bool
	workerDone atomic.Bool

	mu        sync.Mutex
	leftovers []objects.ObjectIndex
}

// newAsyncPurge 创建后台清理器并启动 worker
func newAsyncPurge(state *GCState) *AsyncPurge {
	a := &AsyncPurge{
		state: state,
		jobs:  make(chan []objects.ObjectIndex, 1),
		quit:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// running 是否有进行中的后台清理
func (a *AsyncPurge) running() bool { return a.active.Load() }

// begin 把本轮不可达对象交给后台 worker
//
// 调用前 unhash 必须已全部完成。
func (a *AsyncPurge) begin() {
	if a.active.Load() {
		panic("gc: async purge already in flight")
	}
	if a.state.unhashCursor < len(a.state.unreachable) {
		panic("gc: async purge requires completed unhash")
	}
	a.active.Store(true)
	a.workerDone.Store(false)
	a.state.log.Info("后台清理开始", zap.Int("objects", len(a.state.unreachable)))
	a.jobs <- a.state.unreachable
}

// tick 驱动侧推进：排空遗留对象并检查 worker 是否完成
//
// workerDone 必须在快照遗留列表之前读取：worker 先追加遗留再置
// 完成标志，读到 true 即保证快照包含全部遗留对象。
func (a *AsyncPurge) tick() bool {
	done := a.workerDone.Load()

	a.mu.Lock()
	leftovers := a.leftovers
	a.leftovers = nil
	a.mu.Unlock()

	var still []objects.ObjectIndex
	for _, idx := range leftovers {
		if !a.state.finishDestroyIfReady(idx) {
			still = append(still, idx)
			continue
		}
		it := a.state.store.Item(idx)
		it.AdvanceState(objects.StateFinishDestroyed, objects.StateDestructed)
		a.state.store.FreeSlot(idx)
	}
	if len(still) > 0 {
		a.mu.Lock()
		a.leftovers = append(still, a.leftovers...)
		a.mu.Unlock()
		return false
	}

	if !done {
		return false
	}

	a.active.Store(false)
	a.state.log.Info("后台清理结束")
	a.state.finishPurge()
	return true
}

// shutdown 停止 worker
func (a *AsyncPurge) shutdown() {
	close(a.quit)
	a.wg.Wait()
}

// run 后台 worker 主循环
func (a *AsyncPurge) run() {
	defer a.wg.Done()
	for {
		select {
		case job := <-a.jobs:
			a.destroyJob(job)
			a.workerDone.Store(true)
		case <-a.quit:
			return
		}
	}
}

// destroyJob 对一批对象执行两阶段销毁
func (a *AsyncPurge) destroyJob(job []objects.ObjectIndex) {
	store := a.state.store
	var revisit []objects.ObjectIndex

	for _, idx := range job {
		it := store.Item(idx)
		obj := it.Object()

		// 析构不保证线程安全：送回驱动侧
		if !obj.IsDestructionThreadSafe() {
			a.mu.Lock()
			a.leftovers = append(a.leftovers, idx)
			a.mu.Unlock()
			continue
		}

		if !obj.IsReadyForFinishDestroy() {
			revisit = append(revisit, idx)
			continue
		}
		obj.FinishDestroy()
		it.AdvanceState(objects.StateBeginDestroyed, objects.StateFinishDestroyed)
		it.AdvanceState(objects.StateFinishDestroyed, objects.StateDestructed)
		store.FreeSlot(idx)
	}

	waitStart := time.Time{}
	warned := false
	for len(revisit) > 0 {
		progressed := false
		for i := 0; i < len(revisit); {
			idx := revisit[i]
			it := store.Item(idx)
			obj := it.Object()
			if !obj.IsReadyForFinishDestroy() {
				i++
				continue
			}
			obj.FinishDestroy()
			it.AdvanceState(objects.StateBeginDestroyed, objects.StateFinishDestroyed)
			it.AdvanceState(objects.StateFinishDestroyed, objects.StateDestructed)
			store.FreeSlot(idx)
			last := len(revisit) - 1
			revisit[i] = revisit[last]
			revisit = revisit[:last]
			progressed = true
		}
		if progressed || len(revisit) == 0 {
			continue
		}

		now := time.Now()
		if waitStart.IsZero() {
			waitStart = now
		}
		waited := now.Sub(waitStart)
		if !warned && waited > destroyWarningDelay {
			warned = true
			a.state.log.Warn("后台清理等待未就绪对象",
				zap.Duration("waited", waited),
				zap.Int("pending", len(revisit)))
		}
		if waited > destroyWarningDelay+a.state.settings.AdditionalFinishDestroyTime &&
			a.state.settings.TimeoutOnPendingDestroy {
			panic(fmt.Sprintf("gc: async purge timed out waiting for %d objects", len(revisit)))
		}
		runtime.Gosched()
	}
}
