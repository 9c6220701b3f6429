// Package objects 实现 Titan 对象系统的全局对象存储。
//
// 本文件定义对象载荷接口与引用收集器接口。
package objects

// ============================================================================
// 对象载荷接口
// ============================================================================

// Object 对象载荷
//
// 对象通过 GCSchema 声明自身的引用布局；销毁分两个阶段：
// BeginDestroy 发起异步拆卸（解注册、取消挂起 IO 等），
// IsReadyForFinishDestroy 报告异步资源是否已排空，
// FinishDestroy 完成最终拆卸。两阶段之间允许跨多个增量切片。
type Object interface {
	// GCSchema 返回对象的引用布局；无引用的对象返回 nil
	GCSchema() *Schema

	// BeginDestroy 第一阶段销毁
	BeginDestroy()

	// IsReadyForFinishDestroy 异步资源是否已排空，可以进入第二阶段
	IsReadyForFinishDestroy() bool

	// FinishDestroy 第二阶段销毁
	FinishDestroy()

	// IsDestructionThreadSafe FinishDestroy 是否允许在后台清扫线程执行
	IsDestructionThreadSafe() bool
}

// Named 可选接口：提供调试名
type Named interface {
	Name() string
}

// WeakReferencer 可选接口：持有弱引用槽位的对象
//
// 可达性分析遍历到对象时收集其弱引用槽位，
// 清扫前统一将指向死亡对象的弱引用置空。
type WeakReferencer interface {
	WeakSlots() []*WeakRef
}

// DebugName 对象调试名；未实现 Named 时返回占位串
func DebugName(obj Object) string {
	if n, ok := obj.(Named); ok {
		return n.Name()
	}
	return "<unnamed>"
}

// ============================================================================
// 引用收集器
// ============================================================================

// Collector ARO 回调的引用上报接口
//
// 对象的 AddReferences 钩子（schema 中的 ARO 成员）通过它上报
// 无法用静态布局描述的引用。上报的槽位不会被 GC 原地置空。
type Collector interface {
	// AddReference 上报一个引用槽位
	AddReference(slot *ObjectIndex)

	// AddReferences 上报一批引用槽位
	AddReferences(slots []ObjectIndex)
}

// ============================================================================
// 弱引用
// ============================================================================

// WeakRef 弱引用句柄
//
// 通过序列号校验检测槽位复用；Get 在目标死亡或槽位复用后返回 -1。
type WeakRef struct {
	// Index 目标对象下标
	Index ObjectIndex

	// Serial 绑定时的槽位序列号
	Serial uint32
}

// MakeWeakRef 创建指向 idx 的弱引用
func MakeWeakRef(s *Store, idx ObjectIndex) WeakRef {
	if idx.IsNull() {
		return WeakRef{Index: NullObjectIndex}
	}
	return WeakRef{Index: idx, Serial: s.Item(idx).SerialNumber()}
}

// Get 解引用；目标已死亡或槽位已复用时返回 NullObjectIndex
func (w *WeakRef) Get(s *Store) ObjectIndex {
	if w.Index.IsNull() {
		return NullObjectIndex
	}
	it := s.ResolveItem(w.Index)
	if it == nil || it.SerialNumber() != w.Serial {
		return NullObjectIndex
	}
	return w.Index
}

// Clear 置空
func (w *WeakRef) Clear() {
	w.Index = NullObjectIndex
	w.Serial = 0
}
