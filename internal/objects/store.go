// Package objects 实现 Titan 对象系统的全局对象存储。
//
// 本文件实现分块对象存储（Store）：
// 1. 槽位按块（chunk）分配，索引在存储生命周期内稳定
// 2. 空闲槽位复用（带序列号递增，供弱引用校验）
// 3. 永久块：早期分配的对象可整体划为 GC 免扫描区
// 4. 根集合管理
package objects

import (
	"fmt"
	"sync"
)

// ============================================================================
// 存储配置
// ============================================================================

const (
	// ChunkShift 每块槽位数的位宽（64Ki 槽位/块）
	ChunkShift = 16

	// ChunkSize 每块槽位数
	ChunkSize = 1 << ChunkShift

	// chunkMask 块内下标掩码
	chunkMask = ChunkSize - 1
)

// ============================================================================
// 分块对象存储
// ============================================================================

// Store 全局对象存储
//
// 槽位按固定大小的块分配，块一经创建不再移动，保证 *Item 指针
// 与 ObjectIndex 在整个生命周期内稳定。分配与释放由互斥锁保护；
// 槽位内部字段的并发访问由 Item 自身的原子操作保证。
type Store struct {
	mu sync.Mutex

	// chunks 槽位块，懒分配
	chunks []*[ChunkSize]Item

	// maxIndex 已触及的最大下标 +1
	maxIndex int32

	// freeList 可复用的空闲槽位
	freeList []ObjectIndex

	// numLive 存活对象计数
	numLive int32

	// permanentCount 永久块大小：下标小于该值的对象不参与 GC
	permanentCount int32

	// disregardOpen 永久块是否仍开放（新分配进入永久块）
	disregardOpen bool

	// pendingKillEnabled 待清理语义开关（默认开启）
	pendingKillEnabled bool

	// roots 根集合成员
	roots map[ObjectIndex]struct{}
}

// NewStore 创建对象存储
func NewStore() *Store {
	return &Store{
		roots:              make(map[ObjectIndex]struct{}),
		pendingKillEnabled: true,
	}
}

// OpenDisregardBlock 打开永久块：此后分配的对象进入 GC 免扫描区，
// 直到 CloseDisregardBlock 被调用。
func (s *Store) OpenDisregardBlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxIndex != 0 || s.permanentCount != 0 {
		panic("objects: disregard block must be opened before any allocation")
	}
	s.disregardOpen = true
}

// CloseDisregardBlock 关闭永久块，此前分配的所有对象成为永久对象
func (s *Store) CloseDisregardBlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.disregardOpen {
		return
	}
	s.disregardOpen = false
	s.permanentCount = s.maxIndex
}

// IsPermanent 对象是否位于永久块（GC 免扫描区）
func (s *Store) IsPermanent(idx ObjectIndex) bool {
	return int32(idx) < s.permanentCount
}

// PermanentCount 永久块大小
func (s *Store) PermanentCount() int32 { return s.permanentCount }

// ============================================================================
// 分配与释放
// ============================================================================

// Allocate 分配一个槽位并登记对象
func (s *Store) Allocate(obj Object) ObjectIndex {
	if obj == nil {
		panic("objects: Allocate(nil)")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var idx ObjectIndex
	if n := len(s.freeList); n > 0 && !s.disregardOpen {
		idx = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
	} else {
		idx = ObjectIndex(s.maxIndex)
		s.maxIndex++
		s.ensureChunk(int32(idx))
	}

	it := s.item(idx)
	if st := it.State(); st != StateFree {
		panic(fmt.Sprintf("objects: allocating non-free slot %d (state %v)", idx, st))
	}
	it.payload = obj
	it.flags.Store(0)
	it.objectFlags.Store(0)
	it.clusterIndex.Store(-1)
	it.state.Store(int32(StateActive))
	s.numLive++
	return idx
}

// FreeSlot 回收一个槽位（要求状态机已推进至 Destructed）
func (s *Store) FreeSlot(idx ObjectIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.item(idx)
	it.AdvanceState(StateDestructed, StateFree)
	it.payload = nil
	it.serial.Add(1)
	it.flags.Store(0)
	it.clusterIndex.Store(-1)
	s.freeList = append(s.freeList, idx)
	s.numLive--
}

// ensureChunk 确保覆盖下标 idx 的块存在
func (s *Store) ensureChunk(idx int32) {
	chunk := int(idx >> ChunkShift)
	for len(s.chunks) <= chunk {
		s.chunks = append(s.chunks, new([ChunkSize]Item))
	}
}

// ============================================================================
// 访问
// ============================================================================

// item 无校验取槽位
func (s *Store) item(idx ObjectIndex) *Item {
	return &s.chunks[idx>>ChunkShift][idx&chunkMask]
}

// Item 取槽位；越界或空引用 panic
func (s *Store) Item(idx ObjectIndex) *Item {
	if idx.IsNull() || int32(idx) >= s.maxIndex {
		panic(fmt.Sprintf("objects: index %d out of range [0, %d)", idx, s.maxIndex))
	}
	return s.item(idx)
}

// ResolveItem 取存活槽位；空引用、越界或非存活状态返回 nil
//
// 可达性分析用它校验候选引用：非空、未越界且槽位持有对象才算有效。
func (s *Store) ResolveItem(idx ObjectIndex) *Item {
	if idx.IsNull() || int32(idx) >= s.maxIndex {
		return nil
	}
	it := s.item(idx)
	if it.payload == nil {
		return nil
	}
	return it
}

// MaxIndex 已触及的最大下标 +1（含空闲槽位）
func (s *Store) MaxIndex() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxIndex
}

// NumLive 存活对象数
func (s *Store) NumLive() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numLive
}

// ============================================================================
// 根集合
// ============================================================================

// AddToRootSet 将对象加入根集合
func (s *Store) AddToRootSet(idx ObjectIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Item(idx).SetFlags(FlagRootSet)
	s.roots[idx] = struct{}{}
}

// RemoveFromRootSet 将对象移出根集合
func (s *Store) RemoveFromRootSet(idx ObjectIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Item(idx).ClearFlags(FlagRootSet)
	delete(s.roots, idx)
}

// RootSet 根集合快照
func (s *Store) RootSet() []ObjectIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ObjectIndex, 0, len(s.roots))
	for idx := range s.roots {
		out = append(out, idx)
	}
	return out
}

// ============================================================================
// 待清理标记
// ============================================================================

// MarkAsGarbage 将对象显式标记为垃圾
func (s *Store) MarkAsGarbage(idx ObjectIndex) {
	s.Item(idx).SetFlags(FlagGarbage)
}

// MarkPendingKill 将对象标记为待清理
//
// 仅在待清理语义开启时有意义。
func (s *Store) MarkPendingKill(idx ObjectIndex) {
	s.Item(idx).SetFlags(FlagPendingKill)
}

// SetPendingKillEnabled 切换待清理语义
//
// 开启时 GC 以 FlagPendingKill 为可清理标志，killable 引用在遍历中
// 被置空；关闭时以 FlagGarbage 为准，指向垃圾对象的强引用会被记入
// 垃圾引用追踪。
func (s *Store) SetPendingKillEnabled(v bool) { s.pendingKillEnabled = v }

// PendingKillEnabled 待清理语义是否开启
func (s *Store) PendingKillEnabled() bool { return s.pendingKillEnabled }
