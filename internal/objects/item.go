// Package objects 实现 Titan 对象系统的全局对象存储。
//
// 本文件实现对象槽位（Item）：状态机、内部标志位和簇归属信息。
package objects

import (
	"fmt"
	"sync/atomic"
)

// ============================================================================
// 对象索引
// ============================================================================

// ObjectIndex 对象在全局存储中的下标句柄。
//
// GC 通过索引句柄寻址对象，绝不跨对象做指针运算。
type ObjectIndex int32

// NullObjectIndex 空引用
const NullObjectIndex ObjectIndex = -1

// IsNull 是否为空引用
func (i ObjectIndex) IsNull() bool { return i < 0 }

// ============================================================================
// 槽位状态机
// ============================================================================

// ItemState 槽位状态
//
// 槽位状态是显式状态机，只允许沿销毁流水线单向推进：
//
//	Active -> Unreachable -> BeginDestroyed -> FinishDestroyed -> Destructed -> Free
//
// 非法转换视为编程错误，直接 panic。
type ItemState int32

const (
	// StateFree 空闲槽位
	StateFree ItemState = iota

	// StateActive 存活对象
	StateActive

	// StateUnreachable 可达性分析判定为不可达，等待销毁
	StateUnreachable

	// StateBeginDestroyed 已开始异步销毁（BeginDestroy 已调用）
	StateBeginDestroyed

	// StateFinishDestroyed 第二阶段销毁完成（FinishDestroy 已调用）
	StateFinishDestroyed

	// StateDestructed 载荷已析构，槽位等待回收
	StateDestructed
)

// String 状态名
func (s ItemState) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateActive:
		return "Active"
	case StateUnreachable:
		return "Unreachable"
	case StateBeginDestroyed:
		return "BeginDestroyed"
	case StateFinishDestroyed:
		return "FinishDestroyed"
	case StateDestructed:
		return "Destructed"
	default:
		return fmt.Sprintf("ItemState(%d)", int32(s))
	}
}

// stateSuccessor 合法的下一个状态
var stateSuccessor = map[ItemState]ItemState{
	StateActive:          StateUnreachable,
	StateUnreachable:     StateBeginDestroyed,
	StateBeginDestroyed:  StateFinishDestroyed,
	StateFinishDestroyed: StateDestructed,
	StateDestructed:      StateFree,
}

// ============================================================================
// 内部标志位
// ============================================================================

// Flags 槽位内部标志位（原子访问）
type Flags uint32

const (
	// FlagUnreachable 本轮 GC 中尚未被标记为可达
	FlagUnreachable Flags = 1 << iota

	// FlagMaybeUnreachable 标记阶段的初始猜测，可达性分析期间转正或清除
	FlagMaybeUnreachable

	// FlagReachableInCluster 簇成员在本轮内被外部引用命中
	FlagReachableInCluster

	// FlagGarbage 对象已被显式标记为垃圾
	FlagGarbage

	// FlagPendingKill 对象处于待清理状态，killable 引用可被置空
	FlagPendingKill

	// FlagRootSet 根集合成员，永不回收
	FlagRootSet

	// FlagClusterRoot 簇根对象
	FlagClusterRoot

	// FlagClustered 簇成员对象（归属某个簇根）
	FlagClustered

	// FlagGCKeep 快速保留标志：标记阶段只查本标志字，不解引用载荷
	FlagGCKeep
)

// FlagsPendingOrGarbage 两种“可清理”标志的并集
const FlagsPendingOrGarbage = FlagPendingKill | FlagGarbage

// ============================================================================
// 对象槽位
// ============================================================================

// Item 全局对象存储中的一个槽位
//
// 槽位与对象一一对应，索引在存储生命周期内稳定。
// flags 与 state 采用原子访问，可达性分析期间会被多个 worker 并发更新。
type Item struct {
	// flags 内部标志位
	flags atomic.Uint32

	// state 槽位状态机
	state atomic.Int32

	// serial 序列号，弱引用校验用；槽位每次复用时递增
	serial atomic.Uint32

	// objectFlags 载荷级标志（应用定义），CollectGarbage 的 keepFlags 与其匹配
	objectFlags atomic.Uint32

	// clusterIndex 簇归属：
	//   - 簇根（FlagClusterRoot）：簇表下标
	//   - 簇成员（FlagClustered）：簇根对象的 ObjectIndex
	//   - 其余：-1
	clusterIndex atomic.Int32

	// payload 用户对象
	payload Object
}

// Object 对象载荷
func (it *Item) Object() Object { return it.payload }

// State 当前槽位状态
func (it *Item) State() ItemState { return ItemState(it.state.Load()) }

// SerialNumber 当前序列号
func (it *Item) SerialNumber() uint32 { return it.serial.Load() }

// AdvanceState 推进状态机
//
// from 必须是当前状态，且 to 必须是 from 的合法后继，否则 panic。
func (it *Item) AdvanceState(from, to ItemState) {
	if stateSuccessor[from] != to {
		panic(fmt.Sprintf("objects: illegal state transition %v -> %v", from, to))
	}
	if !it.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("objects: state transition %v -> %v lost: current state %v",
			from, to, it.State()))
	}
}

// ============================================================================
// 标志位操作
// ============================================================================

// Flags 读取全部内部标志
func (it *Item) Flags() Flags { return Flags(it.flags.Load()) }

// HasAnyFlags 是否设置了 f 中任意一位
func (it *Item) HasAnyFlags(f Flags) bool { return it.flags.Load()&uint32(f) != 0 }

// SetFlags 原子置位
func (it *Item) SetFlags(f Flags) {
	for {
		old := it.flags.Load()
		if old&uint32(f) == uint32(f) {
			return
		}
		if it.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlags 原子清位
func (it *Item) ClearFlags(f Flags) {
	for {
		old := it.flags.Load()
		if old&uint32(f) == 0 {
			return
		}
		if it.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// SetFlagsInterlocked 原子置位并报告归属
//
// 返回 true 表示本调用完成了置位；并发竞争下恰有一个调用者胜出。
func (it *Item) SetFlagsInterlocked(f Flags) bool {
	for {
		old := it.flags.Load()
		if old&uint32(f) == uint32(f) {
			return false
		}
		if it.flags.CompareAndSwap(old, old|uint32(f)) {
			return true
		}
	}
}

// ClearUnreachableInterlocked 原子清除不可达标志
//
// 每轮 GC 中对同一对象恰有一个调用者抢到清除权并返回 true，
// 由它负责把对象加入待遍历队列，保证每个对象至多被追踪一次。
func (it *Item) ClearUnreachableInterlocked() bool {
	for {
		old := it.flags.Load()
		if old&uint32(FlagUnreachable) == 0 {
			return false
		}
		if it.flags.CompareAndSwap(old, old&^uint32(FlagUnreachable)) {
			return true
		}
	}
}

// IsUnreachable 是否仍带不可达标志
func (it *Item) IsUnreachable() bool { return it.HasAnyFlags(FlagUnreachable) }

// IsMaybeUnreachable 是否带待定不可达标志
func (it *Item) IsMaybeUnreachable() bool { return it.HasAnyFlags(FlagMaybeUnreachable) }

// IsRootSet 是否在根集合中
func (it *Item) IsRootSet() bool { return it.HasAnyFlags(FlagRootSet) }

// ============================================================================
// 载荷级标志
// ============================================================================

// ObjectFlags 载荷级标志
func (it *Item) ObjectFlags() uint32 { return it.objectFlags.Load() }

// SetObjectFlags 置载荷级标志位
func (it *Item) SetObjectFlags(f uint32) {
	for {
		old := it.objectFlags.Load()
		if it.objectFlags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

// HasAnyObjectFlags 载荷级标志匹配
func (it *Item) HasAnyObjectFlags(f uint32) bool { return it.objectFlags.Load()&f != 0 }

// ============================================================================
// 簇归属
// ============================================================================

// IsClusterRoot 是否为簇根
func (it *Item) IsClusterRoot() bool { return it.HasAnyFlags(FlagClusterRoot) }

// IsClusterMember 是否为簇成员（不含簇根）
func (it *Item) IsClusterMember() bool {
	return it.HasAnyFlags(FlagClustered) && !it.HasAnyFlags(FlagClusterRoot)
}

// ClusterIndex 簇归属值，语义见字段注释
func (it *Item) ClusterIndex() int32 { return it.clusterIndex.Load() }

// SetClusterIndex 设置簇归属值
func (it *Item) SetClusterIndex(v int32) { it.clusterIndex.Store(v) }
