// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现可达性分析之后的收集阶段：
// 1. 并行收集仍带不可达标志的对象
// 2. 不可达簇根解散其簇，成员一并进入不可达列表
// 3. 弱引用清理：目标不可达或序列号失效的弱引用槽位置空
package gc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/titan/internal/objects"
)

// gatherUnreachableObjects 收集全部不可达对象并推进其状态机
func (s *GCState) gatherUnreachableObjects(opts ProcessorOptions) []objects.ObjectIndex {
	start := time.Now()

	first := s.store.PermanentCount()
	maxIndex := s.store.MaxIndex()

	numWorkers := 1
	if opts.Parallel {
		numWorkers = s.numWorkers()
	}

	total := int(maxIndex - first)
	perWorker := (total + numWorkers - 1) / numWorkers
	chunks := make([][]objects.ObjectIndex, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		lo := first + int32(w*perWorker)
		hi := lo + int32(perWorker)
		if hi > maxIndex {
			hi = maxIndex
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w int, lo, hi int32) {
			defer wg.Done()
			var out []objects.ObjectIndex
			for i := lo; i < hi; i++ {
				idx := objects.ObjectIndex(i)
				it := s.store.ResolveItem(idx)
				if it == nil || it.State() != objects.StateActive {
					continue
				}
				if it.IsUnreachable() {
					out = append(out, idx)
				}
			}
			chunks[w] = out
		}(w, lo, hi)
	}
	wg.Wait()

	unreachable := make([]objects.ObjectIndex, 0, total/4)
	for _, c := range chunks {
		unreachable = append(unreachable, c...)
	}

	// 不可达簇根：成员随根一起回收，簇条目释放。标记阶段不会
	// 给簇成员打不可达标志，这里补收未被簇内可达救活的成员。
	for i := 0; i < len(unreachable); i++ {
		it := s.store.Item(unreachable[i])
		if !it.IsClusterRoot() {
			continue
		}
		for _, m := range s.clusters.Members(it.ClusterIndex()) {
			mi := s.store.ResolveItem(m)
			if mi == nil || mi.State() != objects.StateActive {
				continue
			}
			if !mi.HasAnyFlags(objects.FlagReachableInCluster) {
				mi.SetFlags(objects.FlagUnreachable)
				unreachable = append(unreachable, m)
			}
		}
		s.clusters.Dissolve(unreachable[i])
	}

	// 状态机推进必须在解散之后，成员此时已脱离簇
	for _, idx := range unreachable {
		s.store.Item(idx).AdvanceState(objects.StateActive, objects.StateUnreachable)
	}

	s.log.Info("收集不可达对象完成",
		zap.Int("unreachable", len(unreachable)),
		zap.Duration("elapsed", time.Since(start)))
	return unreachable
}

// clearWeakReferences 置空指向不可达对象或序列号失效的弱引用
func (s *GCState) clearWeakReferences(slots []*objects.WeakRef) {
	cleared := 0
	for _, slot := range slots {
		if slot == nil || slot.Index.IsNull() {
			continue
		}
		it := s.store.ResolveItem(slot.Index)
		if it == nil || it.SerialNumber() != slot.Serial || it.IsUnreachable() {
			slot.Clear()
			cleared++
		}
	}
	if cleared > 0 {
		s.log.Debug("弱引用清理完成", zap.Int("cleared", cleared))
	}
}
