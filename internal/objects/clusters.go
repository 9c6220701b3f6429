// Package objects 实现 Titan 对象系统的全局对象存储。
//
// 本文件实现对象簇（Cluster）：
// 1. 簇表：簇的创建、解散与空闲下标复用
// 2. 簇间引用图与簇外可变对象列表；标记期间发现待清理对象时
//    条目被原子置 -1，簇转入待解散状态
// 3. 标记阶段使用的无锁累积链表
package objects

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 簇
// ============================================================================

// Cluster 对象簇
//
// 簇把一组不可变对象折叠成单个可达性单元：追踪命中簇内任意对象
// 时只需保活簇根，成员不再逐个遍历。三个下标表的条目在并行标记
// 期间可能被原子置 -1（待清理支持），读写都走原子操作。
type Cluster struct {
	// Objects 簇成员对象下标（不含簇根）
	Objects []int32

	// ReferencedClusters 本簇引用的其他簇的簇根对象下标
	ReferencedClusters []int32

	// MutableObjects 簇引用的簇外可变对象下标，需随簇保活
	MutableObjects []int32

	// needsDissolving 本轮结束后需要解散
	needsDissolving atomic.Bool
}

// NeedsDissolving 是否已标记待解散
func (c *Cluster) NeedsDissolving() bool { return c.needsDissolving.Load() }

// MarkNeedsDissolving 标记待解散
func (c *Cluster) MarkNeedsDissolving() { c.needsDissolving.Store(true) }

// LoadEntry 原子读条目
func LoadEntry(s []int32, i int) int32 { return atomic.LoadInt32(&s[i]) }

// NullEntry 原子置 -1
func NullEntry(s []int32, i int) { atomic.StoreInt32(&s[i], -1) }

// ============================================================================
// 簇表
// ============================================================================

// ClusterTable 全局簇表
type ClusterTable struct {
	mu       sync.Mutex
	store    *Store
	clusters []*Cluster
	roots    []ObjectIndex // 与 clusters 平行：簇根对象下标
	free     []int32
	numLive  int

	// needDissolving 任意簇被标记待解散
	needDissolving atomic.Bool
}

// NewClusterTable 创建簇表
func NewClusterTable(store *Store) *ClusterTable {
	return &ClusterTable{store: store}
}

// Create 以 root 为簇根创建簇，members 为簇成员
func (t *ClusterTable) Create(root ObjectIndex, members []ObjectIndex) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rootItem := t.store.Item(root)
	if rootItem.HasAnyFlags(FlagClustered | FlagClusterRoot) {
		panic(fmt.Sprintf("objects: object %d already belongs to a cluster", root))
	}

	c := &Cluster{Objects: make([]int32, 0, len(members))}
	for _, m := range members {
		c.Objects = append(c.Objects, int32(m))
	}

	var idx int32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
		t.clusters[idx] = c
		t.roots[idx] = root
	} else {
		idx = int32(len(t.clusters))
		t.clusters = append(t.clusters, c)
		t.roots = append(t.roots, root)
	}

	rootItem.SetFlags(FlagClusterRoot | FlagClustered)
	rootItem.SetClusterIndex(idx)
	for _, m := range members {
		it := t.store.Item(m)
		if it.HasAnyFlags(FlagClustered) {
			panic(fmt.Sprintf("objects: object %d already belongs to a cluster", m))
		}
		it.SetFlags(FlagClustered)
		it.SetClusterIndex(int32(root))
	}
	t.numLive++
	return idx
}

// Get 取簇；已解散时返回 nil
func (t *ClusterTable) Get(idx int32) *Cluster {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || int(idx) >= len(t.clusters) {
		return nil
	}
	return t.clusters[idx]
}

// Members 簇成员对象下标快照（跳过已置空条目）
func (t *ClusterTable) Members(idx int32) []ObjectIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || int(idx) >= len(t.clusters) || t.clusters[idx] == nil {
		return nil
	}
	c := t.clusters[idx]
	out := make([]ObjectIndex, 0, len(c.Objects))
	for i := range c.Objects {
		if m := LoadEntry(c.Objects, i); m >= 0 {
			out = append(out, ObjectIndex(m))
		}
	}
	return out
}

// RootOf 簇表下标对应的簇根对象
func (t *ClusterTable) RootOf(idx int32) ObjectIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || int(idx) >= len(t.clusters) || t.clusters[idx] == nil {
		return NullObjectIndex
	}
	return t.roots[idx]
}

// AddReferencedCluster 登记簇间引用（target 为对方簇根对象下标）
func (t *ClusterTable) AddReferencedCluster(from int32, targetRoot ObjectIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.clusters[from]
	if t.roots[from] == targetRoot {
		return
	}
	for _, existing := range c.ReferencedClusters {
		if existing == int32(targetRoot) {
			return
		}
	}
	c.ReferencedClusters = append(c.ReferencedClusters, int32(targetRoot))
}

// AddMutableObject 登记簇引用的簇外可变对象
func (t *ClusterTable) AddMutableObject(from int32, obj ObjectIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.clusters[from]
	for _, existing := range c.MutableObjects {
		if existing == int32(obj) {
			return
		}
	}
	c.MutableObjects = append(c.MutableObjects, int32(obj))
}

// SetClustersNeedDissolving 记录存在待解散簇
func (t *ClusterTable) SetClustersNeedDissolving() { t.needDissolving.Store(true) }

// ClustersNeedDissolving 是否存在待解散簇
func (t *ClusterTable) ClustersNeedDissolving() bool { return t.needDissolving.Load() }

// Dissolve 解散簇根 root 所在的簇
func (t *ClusterTable) Dissolve(root ObjectIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dissolveLocked(root)
}

// dissolveLocked 解散实现；调用方须持锁
func (t *ClusterTable) dissolveLocked(root ObjectIndex) {
	rootItem := t.store.Item(root)
	if !rootItem.IsClusterRoot() {
		return
	}
	idx := rootItem.ClusterIndex()
	c := t.clusters[idx]

	for i := range c.Objects {
		m := LoadEntry(c.Objects, i)
		if m < 0 {
			continue
		}
		it := t.store.Item(ObjectIndex(m))
		it.ClearFlags(FlagClustered | FlagReachableInCluster)
		it.SetClusterIndex(-1)
	}
	rootItem.ClearFlags(FlagClusterRoot | FlagClustered | FlagReachableInCluster)
	rootItem.SetClusterIndex(-1)

	t.clusters[idx] = nil
	t.roots[idx] = NullObjectIndex
	t.free = append(t.free, idx)
	t.numLive--
}

// DissolveMarked 解散全部带待解散标记的簇，返回解散数
func (t *ClusterTable) DissolveMarked() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.needDissolving.Swap(false) {
		return 0
	}
	n := 0
	for idx, c := range t.clusters {
		if c != nil && c.NeedsDissolving() {
			t.dissolveLocked(t.roots[idx])
			n++
		}
	}
	return n
}

// DissolveAll 解散全部簇（簇功能被配置关闭时调用）
func (t *ClusterTable) DissolveAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for idx, c := range t.clusters {
		if c != nil {
			t.dissolveLocked(t.roots[idx])
			n++
		}
	}
	t.needDissolving.Store(false)
	return n
}

// NumClusters 存活簇数
func (t *ClusterTable) NumClusters() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numLive
}

// ============================================================================
// 无锁累积链表
// ============================================================================

// indexNode 链表节点
type indexNode struct {
	next *indexNode
	idx  ObjectIndex
}

// LockFreeIndexList 多生产者单消费者的对象下标累积链表
//
// 标记与可达性分析期间各 worker 并发 Push，阶段结束后由驱动
// goroutine 一次性 PopAll。
type LockFreeIndexList struct {
	head atomic.Pointer[indexNode]
}

// Push 入链
func (l *LockFreeIndexList) Push(idx ObjectIndex) {
	n := &indexNode{idx: idx}
	for {
		old := l.head.Load()
		n.next = old
		if l.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// PopAll 取出全部元素并清空链表
func (l *LockFreeIndexList) PopAll() []ObjectIndex {
	n := l.head.Swap(nil)
	var out []ObjectIndex
	for ; n != nil; n = n.next {
		out = append(out, n.idx)
	}
	return out
}

// IsEmpty 是否为空
func (l *LockFreeIndexList) IsEmpty() bool { return l.head.Load() == nil }
