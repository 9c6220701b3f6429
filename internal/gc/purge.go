// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现不可达对象的增量清理：
// 1. unhash：调用 BeginDestroy，槽位推进到 BeginDestroyed；
//    增量模式下每 10 个对象查一次时钟，只记录首末两次切片日志
// 2. 销毁阶段 A：就绪对象 FinishDestroy；未就绪对象进入重访列表
//    （完成后交换删除），长时间未就绪先警告再按配置超时处理
// 3. 销毁阶段 B：析构并释放槽位，每 100 个对象查一次时钟
package gc

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/titan/internal/objects"
)

// destroyWarningDelay 首次长销毁警告前的等待时间
const destroyWarningDelay = 10 * time.Second

// purgeProgress 一轮清理的进度与计时
type purgeProgress struct {
	unhashLoggedFirst bool
	deleteCursor      int
	waitStart         time.Time
	warned            bool
	lastWaitLog       time.Time
}

// IsIncrementalPurgePending 是否存在未完成的增量清理
func (s *GCState) IsIncrementalPurgePending() bool {
	return s.purgeInProgress
}

// TickPurge 推进一个增量清理切片；返回清理是否已全部完成
//
// 调用方在驱动 goroutine 上周期调用，直到返回 true。
func (s *GCState) TickPurge() bool {
	if !s.purgeInProgress {
		return true
	}

	if s.asyncPurge != nil {
		if s.asyncPurge.running() {
			return s.asyncPurge.tick()
		}
		if s.unhashCursor < len(s.unreachable) {
			if s.unhashUnreachableObjects(true, s.settings.TimeLimit) {
				return false
			}
		}
		s.asyncPurge.begin()
		return s.asyncPurge.tick()
	}

	if s.unhashCursor < len(s.unreachable) {
		if s.unhashUnreachableObjects(true, s.settings.TimeLimit) {
			return false
		}
	}
	return s.incrementalDestroyGarbage(true)
}

// finishPendingPurge 阻塞收尾当前清理（新一轮回收开始前调用）
func (s *GCState) finishPendingPurge() {
	if !s.purgeInProgress {
		return
	}
	if s.asyncPurge != nil && s.asyncPurge.running() {
		for !s.asyncPurge.tick() {
			runtime.Gosched()
		}
		return
	}
	s.incrementalDestroyGarbage(false)
}

// unhashUnreachableObjects 对不可达对象调用 BeginDestroy
//
// 返回是否因时间预算耗尽而中断。
func (s *GCState) unhashUnreachableObjects(useTimeLimit bool, limit time.Duration) bool {
	if s.unhashCursor >= len(s.unreachable) {
		return false
	}

	start := time.Now()
	if useTimeLimit && !s.purgeStats.unhashLoggedFirst {
		s.purgeStats.unhashLoggedFirst = true
		s.log.Info("开始增量 unhash", zap.Int("objects", len(s.unreachable)))
	}

	processed := 0
	for s.unhashCursor < len(s.unreachable) {
		idx := s.unreachable[s.unhashCursor]
		it := s.store.Item(idx)
		it.AdvanceState(objects.StateUnreachable, objects.StateBeginDestroyed)
		it.Object().BeginDestroy()
		s.unhashCursor++
		processed++

		if useTimeLimit && processed%10 == 0 && time.Since(start) > limit {
			return true
		}
	}

	if useTimeLimit {
		s.log.Info("增量 unhash 完成",
			zap.Int("objects", len(s.unreachable)),
			zap.Duration("lastSlice", time.Since(start)))
	}
	return false
}

// incrementalDestroyGarbage 销毁阶段；返回清理是否已全部完成
func (s *GCState) incrementalDestroyGarbage(useTimeLimit bool) bool {
	limit := s.settings.TimeLimit
	start := time.Now()

	// 先收尾 unhash（全量路径直接走到底）
	if s.unhashCursor < len(s.unreachable) {
		if s.unhashUnreachableObjects(useTimeLimit, limit) {
			return false
		}
	}

	// 阶段 A：FinishDestroy
	for s.destroyCursor < len(s.unreachable) {
		idx := s.unreachable[s.destroyCursor]
		s.destroyCursor++

		if !s.finishDestroyIfReady(idx) {
			s.pendingDestruction = append(s.pendingDestruction, idx)
		}
		if useTimeLimit && s.destroyCursor%10 == 0 && time.Since(start) > limit {
			return false
		}
	}

	if !s.drainPendingDestruction(useTimeLimit, start, limit) {
		return false
	}

	// 阶段 B：析构并释放槽位
	for s.purgeStats.deleteCursor < len(s.unreachable) {
		idx := s.unreachable[s.purgeStats.deleteCursor]
		s.purgeStats.deleteCursor++

		it := s.store.Item(idx)
		it.AdvanceState(objects.StateFinishDestroyed, objects.StateDestructed)
		s.store.FreeSlot(idx)

		if useTimeLimit && s.purgeStats.deleteCursor%100 == 0 && time.Since(start) > limit {
			return false
		}
	}

	s.finishPurge()
	return true
}

// finishDestroyIfReady 就绪则执行 FinishDestroy
func (s *GCState) finishDestroyIfReady(idx objects.ObjectIndex) bool {
	it := s.store.Item(idx)
	obj := it.Object()
	if !obj.IsReadyForFinishDestroy() {
		return false
	}
	obj.FinishDestroy()
	it.AdvanceState(objects.StateBeginDestroyed, objects.StateFinishDestroyed)
	return true
}

// drainPendingDestruction 重访未就绪对象，直到清空或预算耗尽
//
// 全量路径会一直等待；等待过久先警告，超过追加预算后按配置
// panic 或继续带日志等待。
func (s *GCState) drainPendingDestruction(useTimeLimit bool, start time.Time, limit time.Duration) bool {
	for len(s.pendingDestruction) > 0 {
		progressed := false
		for i := 0; i < len(s.pendingDestruction); {
			if s.finishDestroyIfReady(s.pendingDestruction[i]) {
				last := len(s.pendingDestruction) - 1
				s.pendingDestruction[i] = s.pendingDestruction[last]
				s.pendingDestruction = s.pendingDestruction[:last]
				progressed = true
				continue
			}
			i++
		}
		if len(s.pendingDestruction) == 0 {
			s.purgeStats.waitStart = time.Time{}
			s.purgeStats.warned = false
			return true
		}

		if useTimeLimit && time.Since(start) > limit {
			return false
		}
		if !progressed {
			s.waitForPendingDestruction()
			runtime.Gosched()
		}
	}
	return true
}

// waitForPendingDestruction 等待期间的警告与超时处理
func (s *GCState) waitForPendingDestruction() {
	now := time.Now()
	if s.purgeStats.waitStart.IsZero() {
		s.purgeStats.waitStart = now
		return
	}
	waited := now.Sub(s.purgeStats.waitStart)

	if !s.purgeStats.warned && waited > destroyWarningDelay {
		s.purgeStats.warned = true
		s.log.Warn("对象长时间未就绪销毁",
			zap.Duration("waited", waited),
			zap.Int("pending", len(s.pendingDestruction)),
			zap.Strings("offenders", s.pendingOffenders()))
		return
	}

	if waited > destroyWarningDelay+s.settings.AdditionalFinishDestroyTime {
		if s.settings.TimeoutOnPendingDestroy {
			panic(fmt.Sprintf("gc: timed out waiting for %d objects to be ready for destruction, first: %s",
				len(s.pendingDestruction), s.pendingOffenders()[0]))
		}
		if now.Sub(s.purgeStats.lastWaitLog) > destroyWarningDelay {
			s.purgeStats.lastWaitLog = now
			s.log.Warn("继续等待未就绪销毁的对象",
				zap.Duration("waited", waited),
				zap.Int("pending", len(s.pendingDestruction)))
		}
	}
}

// pendingOffenders 未就绪对象的调试名（最多 10 个）
func (s *GCState) pendingOffenders() []string {
	n := len(s.pendingDestruction)
	if n > 10 {
		n = 10
	}
	out := make([]string, 0, n)
	for _, idx := range s.pendingDestruction[:n] {
		out = append(out, objects.DebugName(s.store.Item(idx).Object()))
	}
	return out
}

// finishPurge 清理收尾
func (s *GCState) finishPurge() {
	n := len(s.unreachable)
	s.stats.addPurged(int64(n))
	s.unreachable = nil
	s.unhashCursor = 0
	s.destroyCursor = 0
	s.pendingDestruction = s.pendingDestruction[:0]
	s.purgeInProgress = false
	s.purgeStats = purgeProgress{}

	s.log.Info("垃圾清理完成", zap.Int("purged", n))
}

// VerifyAllObjectsDestroyed 校验不再有对象滞留在销毁流水线中间状态
func (s *GCState) VerifyAllObjectsDestroyed() {
	if s.purgeInProgress {
		panic("gc: purge still pending during destruction verification")
	}
	maxIndex := s.store.MaxIndex()
	for i := int32(0); i < maxIndex; i++ {
		it := s.store.ResolveItem(objects.ObjectIndex(i))
		if it == nil {
			continue
		}
		if st := it.State(); st != objects.StateActive {
			panic(fmt.Sprintf("gc: object %d stuck in destruction pipeline (state %v)", i, st))
		}
	}
}
