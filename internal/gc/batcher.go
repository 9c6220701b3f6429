// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现引用批处理流水线：
// 1. 定容队列链：引用数组(32) -> 待校验引用(32) -> 已校验引用(1024)，
//    每级写满即冲洗进下一级
// 2. 校验位图：非空 且 不在永久块 且 能解析到存活槽位
// 3. 无分支压实：按位图把有效引用紧凑写入已校验队列
// 4. 已校验队列带 64 项读前窗口，冲洗时提前触碰后续条目
package gc

import (
	"math/bits"

	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// 校验位图
// ============================================================================

// ValidatedBitmask 批次内候选引用的有效位图
type ValidatedBitmask struct {
	words [batchUnvalidatedCap/32 + 1]uint32
}

// SetBit 置位
func (m *ValidatedBitmask) SetBit(i int, v bool) {
	if v {
		m.words[i/32] |= 1 << (i % 32)
	}
}

// GetBit 取位
func (m *ValidatedBitmask) GetBit(i int) bool {
	return m.words[i/32]&(1<<(i%32)) != 0
}

// And 与另一位图按位与
func (m *ValidatedBitmask) And(o *ValidatedBitmask) {
	for i := range m.words {
		m.words[i] &= o.words[i]
	}
}

// CountBits 有效位数
func (m *ValidatedBitmask) CountBits() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount32(w)
	}
	return n
}

// Reset 清零
func (m *ValidatedBitmask) Reset() {
	for i := range m.words {
		m.words[i] = 0
	}
}

// ============================================================================
// 批处理队列容量
// ============================================================================

const (
	// batchArrayCap 引用数组队列容量
	batchArrayCap = 32

	// batchStructCap 结构体数组队列容量
	batchStructCap = 32

	// batchUnvalidatedCap 待校验引用队列容量
	batchUnvalidatedCap = 32

	// batchValidatedCap 已校验引用队列容量
	batchValidatedCap = 1024

	// validatedLookahead 已校验队列冲洗时的读前窗口
	validatedLookahead = 64
)

// ============================================================================
// 队列条目
// ============================================================================

// pendingRef 待校验的候选引用
type pendingRef struct {
	// referencer 引用方
	referencer objects.ObjectIndex

	// slot 引用槽位；immutable 时只读
	slot *objects.ObjectIndex

	// member 产生本引用的布局成员；ARO 上报的引用为 nil
	member *objects.Member

	// immutable 不允许原地置空（ARO 上报的引用）
	immutable bool
}

// pendingArray 待展开的引用数组
type pendingArray struct {
	referencer objects.ObjectIndex
	slots      []objects.ObjectIndex
	member     *objects.Member
}

// ValidatedReference 通过校验的引用
type ValidatedReference struct {
	// Referencer 引用方
	Referencer objects.ObjectIndex

	// Slot 引用槽位
	Slot *objects.ObjectIndex

	// Target 目标对象
	Target objects.ObjectIndex

	// Item 目标槽位
	Item *objects.Item

	// Member 布局成员；可为 nil
	Member *objects.Member

	// Immutable 是否禁止原地置空
	Immutable bool
}

// ============================================================================
// 引用批处理器
// ============================================================================

// refSink 已校验引用的处理回调
type refSink func(ValidatedReference)

// ReferenceBatcher 每 worker 一份的引用批处理器
//
// 带未冲洗条目销毁视为编程错误；排空阶段必须先 FlushAll。
type ReferenceBatcher struct {
	store *objects.Store
	sink  refSink
	stats *ContextStats

	arrays    [batchArrayCap]pendingArray
	numArrays int

	unvalidated    [batchUnvalidatedCap]pendingRef
	numUnvalidated int

	validated    [batchValidatedCap]ValidatedReference
	numValidated int

	structs *StructBlockifier
}

// Init 初始化批处理器
func (b *ReferenceBatcher) Init(store *objects.Store, structs *StructBlockifier, stats *ContextStats, sink refSink) {
	b.store = store
	b.structs = structs
	b.stats = stats
	b.sink = sink
}

// QueueReference 入队一个候选引用
func (b *ReferenceBatcher) QueueReference(referencer objects.ObjectIndex, slot *objects.ObjectIndex, member *objects.Member, immutable bool) {
	b.unvalidated[b.numUnvalidated] = pendingRef{
		referencer: referencer,
		slot:       slot,
		member:     member,
		immutable:  immutable,
	}
	b.numUnvalidated++
	if b.numUnvalidated == batchUnvalidatedCap {
		b.flushUnvalidated()
	}
}

// QueueArray 入队一个引用数组
func (b *ReferenceBatcher) QueueArray(referencer objects.ObjectIndex, slots []objects.ObjectIndex, member *objects.Member) {
	if len(slots) == 0 {
		return
	}
	b.arrays[b.numArrays] = pendingArray{referencer: referencer, slots: slots, member: member}
	b.numArrays++
	if b.numArrays == batchArrayCap {
		b.flushArrays()
	}
}

// QueueStructs 入队一个结构体数组段
func (b *ReferenceBatcher) QueueStructs(referencer objects.ObjectIndex, elems []any, inner *objects.Schema) {
	if len(elems) == 0 || inner == nil {
		return
	}
	b.structs.Push(StructRun{Referencer: referencer, Elems: elems, Inner: inner})
}

// flushArrays 展开数组队列到待校验队列
func (b *ReferenceBatcher) flushArrays() {
	n := b.numArrays
	b.numArrays = 0
	for i := 0; i < n; i++ {
		a := &b.arrays[i]
		for j := range a.slots {
			b.QueueReference(a.referencer, &a.slots[j], a.member, false)
		}
		*a = pendingArray{}
	}
}

// flushUnvalidated 校验一批候选引用并压实进已校验队列
func (b *ReferenceBatcher) flushUnvalidated() {
	n := b.numUnvalidated
	b.numUnvalidated = 0

	var mask ValidatedBitmask
	items := [batchUnvalidatedCap]*objects.Item{}
	for i := 0; i < n; i++ {
		idx := *b.unvalidated[i].slot
		valid := !idx.IsNull() && !b.store.IsPermanent(idx)
		if valid {
			items[i] = b.store.ResolveItem(idx)
			valid = items[i] != nil
		}
		mask.SetBit(i, valid)
	}
	if b.stats != nil {
		b.stats.NumReferences += int64(n)
	}

	// 压实：写入无条件，游标按有效位推进
	out := b.numValidated
	for i := 0; i < n; i++ {
		p := &b.unvalidated[i]
		b.validated[out] = ValidatedReference{
			Referencer: p.referencer,
			Slot:       p.slot,
			Target:     *p.slot,
			Item:       items[i],
			Member:     p.member,
			Immutable:  p.immutable,
		}
		if mask.GetBit(i) {
			out++
		}
		*p = pendingRef{}
	}
	b.numValidated = out

	if b.numValidated > batchValidatedCap-batchUnvalidatedCap {
		b.flushValidated()
	}
}

// flushValidated 处理已校验队列
//
// 每处理一项先触碰读前窗口末端的条目，把后续目标槽位提前拉近。
func (b *ReferenceBatcher) flushValidated() {
	n := b.numValidated
	b.numValidated = 0
	for i := 0; i < n; i++ {
		if ahead := i + validatedLookahead; ahead < n {
			_ = b.validated[ahead].Item.Flags()
		}
		b.sink(b.validated[i])
		b.validated[i] = ValidatedReference{}
	}
}

// FlushAll 逐级排空全部队列
func (b *ReferenceBatcher) FlushAll() {
	for b.numArrays > 0 || b.numUnvalidated > 0 || b.numValidated > 0 {
		if b.numArrays > 0 {
			b.flushArrays()
		}
		if b.numUnvalidated > 0 {
			b.flushUnvalidated()
		}
		if b.numValidated > 0 {
			b.flushValidated()
		}
	}
}

// Teardown 校验销毁前已冲洗干净
func (b *ReferenceBatcher) Teardown() {
	if b.numArrays != 0 || b.numUnvalidated != 0 || b.numValidated != 0 {
		panic("gc: failed to flush reference batcher")
	}
}
