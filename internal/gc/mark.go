// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现标记阶段：
// 1. 按下标区间并行扫描对象存储，保留对象进初始遍历列表，
//    其余对象先标记为待定不可达，屏障后整体转正
// 2. 保留判定顺序：先查槽位快速保留标志，再查载荷级保留标志
// 3. 簇处理：被保留的簇根/簇成员累积到保活列表，带可清理标志的
//    簇根累积到解散列表；簇内可达标志每轮清零
package gc

import (
	"sync"

	"github.com/tangzhangming/titan/internal/objects"
)

// markChunk 单区间的扫描结果
type markChunk struct {
	kept []objects.ObjectIndex
}

// markPhase 标记阶段
//
// 返回初始遍历列表：根集合、保留对象与簇保活传播出的对象。
func (s *GCState) markPhase(keepFlags uint32, opts ProcessorOptions) []objects.ObjectIndex {
	first := int32(s.store.PermanentCount())
	maxIndex := s.store.MaxIndex()
	killFlag := opts.KillFlag()

	numWorkers := 1
	if opts.Parallel {
		numWorkers = s.numWorkers()
	}

	chunks := make([]markChunk, numWorkers)
	total := int(maxIndex - first)
	perWorker := (total + numWorkers - 1) / numWorkers

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
			chunks[w].kept = s.markRange(lo, hi, keepFlags, killFlag)
		}(w, lo, hi)
	}
	wg.Wait()

	// 带可清理标志的簇根：整簇解散，原成员补标记后按普通对象参与本轮回收
	for _, root := range s.clustersToDissolve.PopAll() {
		members := s.clusters.Members(s.store.Item(root).ClusterIndex())
		s.clusters.Dissolve(root)
		for _, m := range members {
			if it := s.store.ResolveItem(m); it != nil && it.State() == objects.StateActive {
				it.SetFlags(objects.FlagMaybeUnreachable)
			}
		}
	}

	// 屏障后转正：待定不可达 -> 不可达
	var pwg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		lo := first + int32(w*perWorker)
		hi := lo + int32(perWorker)
		if hi > maxIndex {
			hi = maxIndex
		}
		if lo >= hi {
			continue
		}
		pwg.Add(1)
		go func(lo, hi int32) {
			defer pwg.Done()
			s.promoteRange(lo, hi)
		}(lo, hi)
	}
	pwg.Wait()

	initial := make([]objects.ObjectIndex, 0, total/4)
	for i := range chunks {
		initial = append(initial, chunks[i].kept...)
	}

	return s.propagateKeptClusters(initial, opts)
}

// markRange 扫描下标区间 [lo, hi)
func (s *GCState) markRange(lo, hi int32, keepFlags uint32, killFlag objects.Flags) []objects.ObjectIndex {
	var kept []objects.ObjectIndex
	for i := lo; i < hi; i++ {
		idx := objects.ObjectIndex(i)
		it := s.store.ResolveItem(idx)
		if it == nil || it.State() != objects.StateActive {
			continue
		}

		it.ClearFlags(objects.FlagReachableInCluster)

		// 快速保留标志只读槽位标志字，载荷级标志其后
		keep := it.IsRootSet() || it.HasAnyFlags(objects.FlagGCKeep)
		if !keep && keepFlags != 0 {
			keep = it.HasAnyObjectFlags(keepFlags)
		}

		if keep {
			kept = append(kept, idx)
			if it.IsClusterRoot() || it.IsClusterMember() {
				s.keepClusterRefs.Push(idx)
			}
			continue
		}

		// 簇成员随簇根保活或回收，不单独标记
		if it.IsClusterMember() {
			continue
		}

		if it.IsClusterRoot() && it.HasAnyFlags(killFlag) {
			s.clustersToDissolve.Push(idx)
		}
		it.SetFlags(objects.FlagMaybeUnreachable)
	}
	return kept
}

// promoteRange 待定不可达转正
func (s *GCState) promoteRange(lo, hi int32) {
	for i := lo; i < hi; i++ {
		it := s.store.ResolveItem(objects.ObjectIndex(i))
		if it == nil {
			continue
		}
		if it.IsMaybeUnreachable() {
			it.ClearFlags(objects.FlagMaybeUnreachable)
			it.SetFlags(objects.FlagUnreachable)
		}
	}
}

// propagateKeptClusters 被保留的簇根/成员保活其簇引用图
func (s *GCState) propagateKeptClusters(initial []objects.ObjectIndex, opts ProcessorOptions) []objects.ObjectIndex {
	refs := s.keepClusterRefs.PopAll()
	if len(refs) == 0 {
		return initial
	}

	p := NewReachabilityProcessor(s, opts)
	sink := &sliceSink{objs: initial}

	for _, idx := range refs {
		it := s.store.Item(idx)
		if it.IsClusterRoot() {
			p.markReferencedClustersAsReachable(it.ClusterIndex(), sink)
			continue
		}

		// 被保留的簇成员：保活其簇根并传播
		it.SetFlags(objects.FlagReachableInCluster)
		root := objects.ObjectIndex(it.ClusterIndex())
		rootItem := s.store.ResolveItem(root)
		if rootItem == nil {
			continue
		}
		if rootItem.ClearUnreachableInterlocked() {
			sink.Add(root)
			p.markReferencedClustersAsReachable(rootItem.ClusterIndex(), sink)
		}
	}
	return sink.objs
}
