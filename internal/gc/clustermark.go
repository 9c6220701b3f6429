// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现簇可达性传播：
// 1. 命中簇根时，被引用簇的簇根清除不可达标志
// 2. 簇外可变对象清除不可达并入队遍历；本身是簇根时递归传播
// 3. 条目指向待清理对象时原子置 -1，整簇成员回灌遍历队列，
//    簇标记待解散（跨簇引用不再可信）
package gc

import (
	"github.com/tangzhangming/titan/internal/objects"
)

// objectSink 可达对象的入队目标
//
// 并行可达性分析写 worker 的工作块组装器，簇解散后的重标记等
// 路径写普通切片。
type objectSink interface {
	Add(idx objects.ObjectIndex)
}

// sliceSink 普通切片入队目标
type sliceSink struct {
	objs []objects.ObjectIndex
}

func (s *sliceSink) Add(idx objects.ObjectIndex) { s.objs = append(s.objs, idx) }

// markReferencedClustersAsReachable 标记簇引用图中的全部簇为可达
func (p *ReachabilityProcessor) markReferencedClustersAsReachable(clusterIdx int32, sink objectSink) {
	c := p.clusters.Get(clusterIdx)
	if c == nil {
		return
	}

	// 途中发现待清理对象时，需要把簇内全部对象重新入队遍历，
	// 以便正确置空它们持有的引用；该簇随后解散。
	addClusterObjects := false

	for i := range c.ReferencedClusters {
		rootIdx := objects.LoadEntry(c.ReferencedClusters, i)
		if rootIdx < 0 {
			continue
		}
		rootItem := p.store.Item(objects.ObjectIndex(rootIdx))
		if !rootItem.HasAnyFlags(objects.FlagsPendingOrGarbage) {
			if rootItem.IsUnreachable() {
				rootItem.ClearUnreachableInterlocked()
			}
		} else {
			objects.NullEntry(c.ReferencedClusters, i)
			addClusterObjects = true
		}
	}

	if p.markClusterMutableObjectsAsReachable(c, sink) {
		addClusterObjects = true
	}

	if addClusterObjects {
		for i := range c.Objects {
			if m := objects.LoadEntry(c.Objects, i); m >= 0 {
				sink.Add(objects.ObjectIndex(m))
			}
		}
		c.MarkNeedsDissolving()
		p.clusters.SetClustersNeedDissolving()
	}
}

// markClusterMutableObjectsAsReachable 标记簇外可变对象为可达
//
// 返回 true 表示途中发现了待清理对象（簇需要解散并重遍历成员）。
func (p *ReachabilityProcessor) markClusterMutableObjectsAsReachable(c *objects.Cluster, sink objectSink) bool {
	foundKill := false
	for i := range c.MutableObjects {
		mIdx := objects.LoadEntry(c.MutableObjects, i)
		if mIdx < 0 {
			continue
		}
		mItem := p.store.Item(objects.ObjectIndex(mIdx))

		if mItem.HasAnyFlags(objects.FlagsPendingOrGarbage) {
			objects.NullEntry(c.MutableObjects, i)
			foundKill = true
			continue
		}

		if mItem.IsUnreachable() {
			if mItem.ClearUnreachableInterlocked() {
				// 不可达者要么是普通非簇对象要么是簇根（簇成员从不带不可达标志）
				sink.Add(objects.ObjectIndex(mIdx))
				if mItem.IsClusterRoot() {
					p.markReferencedClustersAsReachable(mItem.ClusterIndex(), sink)
				}
			}
		} else if mItem.IsClusterMember() && !mItem.HasAnyFlags(objects.FlagReachableInCluster) {
			// 尚未处理过的簇成员：补标并保活其簇根
			if mItem.SetFlagsInterlocked(objects.FlagReachableInCluster) {
				rootItem := p.store.Item(objects.ObjectIndex(mItem.ClusterIndex()))
				if rootItem.ClearUnreachableInterlocked() {
					p.markReferencedClustersAsReachable(rootItem.ClusterIndex(), sink)
				}
			}
		}
	}
	return foundKill
}
