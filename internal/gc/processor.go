// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现可达性处理器：
// 1. 运行期策略对象：{串行, 并行} x {PendingKill, Garbage} 四种组合
//    由同一处理器按选项分派，不做编译期特化
// 2. 对象按布局走引用批处理流水线；已校验引用集中处理
// 3. killable 引用在目标待清理时原地置空；指向簇成员时视为构建错误
// 4. 排空循环：初始对象 -> 结构体段 -> 完整块 -> 冲洗 -> 在制块 ->
//    （并行时）窃取
package gc

import (
	"fmt"

	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// 处理器选项
// ============================================================================

// ProcessorOptions 可达性处理器的运行期策略
type ProcessorOptions struct {
	// Parallel 是否并行回收
	Parallel bool

	// WithPendingKill 待清理语义：true 用 PendingKill 标志，
	// false 用 Garbage 标志
	WithPendingKill bool
}

// KillFlag 本轮的待清理标志
func (o ProcessorOptions) KillFlag() objects.Flags {
	if o.WithPendingKill {
		return objects.FlagPendingKill
	}
	return objects.FlagGarbage
}

// ============================================================================
// 可达性处理器
// ============================================================================

// ReachabilityProcessor 可达性分析处理器
type ReachabilityProcessor struct {
	opts     ProcessorOptions
	killFlag objects.Flags

	store    *objects.Store
	clusters *objects.ClusterTable
	slowARO  *SlowAROManager

	// tracker 垃圾引用追踪器；nil 表示关闭
	tracker *GarbageRefTracker
}

// NewReachabilityProcessor 创建处理器
func NewReachabilityProcessor(state *GCState, opts ProcessorOptions) *ReachabilityProcessor {
	return &ReachabilityProcessor{
		opts:     opts,
		killFlag: opts.KillFlag(),
		store:    state.store,
		clusters: state.clusters,
		slowARO:  state.slowARO,
	}
}

// SetTracker 挂接垃圾引用追踪器
func (p *ReachabilityProcessor) SetTracker(t *GarbageRefTracker) { p.tracker = t }

// ============================================================================
// 分派器
// ============================================================================

// dispatcher 单 worker 的批处理分派状态
type dispatcher struct {
	proc    *ReachabilityProcessor
	ctx     *WorkerContext
	batcher ReferenceBatcher
	structs StructBlockifier
}

// newDispatcher 创建分派器
func newDispatcher(p *ReachabilityProcessor, ctx *WorkerContext) *dispatcher {
	d := &dispatcher{proc: p, ctx: ctx}
	d.batcher.Init(p.store, &d.structs, &ctx.Stats, func(ref ValidatedReference) {
		p.handleBatchedReference(ctx, ref)
	})
	return d
}

// AddReference 实现 objects.Collector：ARO 上报的单个引用
func (d *dispatcher) AddReference(slot *objects.ObjectIndex) {
	d.batcher.QueueReference(d.ctx.ReferencingObject(), slot, nil, true)
}

// AddReferences 实现 objects.Collector：ARO 上报的一批引用
func (d *dispatcher) AddReferences(slots []objects.ObjectIndex) {
	for i := range slots {
		d.batcher.QueueReference(d.ctx.ReferencingObject(), &slots[i], nil, true)
	}
}

// ============================================================================
// 对象遍历
// ============================================================================

// processObject 按布局遍历一个对象的全部引用
func (p *ReachabilityProcessor) processObject(d *dispatcher, idx objects.ObjectIndex) {
	it := p.store.ResolveItem(idx)
	if it == nil {
		return
	}

	ctx := d.ctx
	ctx.SetReferencingObject(idx)
	ctx.Stats.NumObjects++

	obj := it.Object()
	if wr, ok := obj.(objects.WeakReferencer); ok {
		ctx.WeakSlots = append(ctx.WeakSlots, wr.WeakSlots()...)
	}

	schema := obj.GCSchema()
	if schema == nil {
		return
	}

	p.walkSchema(d, idx, obj, schema)

	if schema.ARO != nil {
		p.dispatchARO(d, idx, obj, schema.ARO)
	}
}

// walkSchema 按布局分派成员
func (p *ReachabilityProcessor) walkSchema(d *dispatcher, referencer objects.ObjectIndex, obj any, schema *objects.Schema) {
	for i := range schema.Members {
		m := &schema.Members[i]
		switch m.Type {
		case objects.MemberReference:
			d.batcher.QueueReference(referencer, m.Slot(obj), m, false)
		case objects.MemberReferenceArray:
			d.batcher.QueueArray(referencer, m.Slots(obj), m)
		case objects.MemberStructArray:
			d.batcher.QueueStructs(referencer, m.Structs(obj), m.Inner)
		case objects.MemberSparseStructArray:
			d.structs.QueueSparseRuns(referencer, m.Sparse(obj), m.Inner)
		case objects.MemberOptional:
			d.batcher.QueueStructs(referencer, m.Structs(obj), m.Inner)
		case objects.MemberARO:
			if m.StructARO != nil {
				m.StructARO(obj, d)
			}
		}
	}
}

// dispatchARO 分派对象级钩子：慢速钩子并行时排队，其余内联调用
func (p *ReachabilityProcessor) dispatchARO(d *dispatcher, idx objects.ObjectIndex, obj objects.Object, aro objects.ObjectAROFunc) {
	if p.opts.Parallel {
		if slowIdx := p.slowARO.FindIndex(aro); slowIdx >= 0 {
			if p.slowARO.QueueCall(slowIdx, d.ctx.WorkerIndex(), idx) {
				return
			}
			// 块仓耗尽，退回内联调用
		}
	}
	aro(obj, d)
}

// drainStructBlock 处理一块结构体数组段
func (p *ReachabilityProcessor) drainStructBlock(d *dispatcher) bool {
	runs := d.structs.PopBlock()
	if runs == nil {
		return false
	}
	for i := range runs {
		run := &runs[i]
		for _, elem := range run.Elems {
			p.walkSchema(d, run.Referencer, elem, run.Inner)
		}
	}
	return true
}

// ============================================================================
// 引用处理
// ============================================================================

// handleBatchedReference 处理一条通过校验的引用
func (p *ReachabilityProcessor) handleBatchedReference(ctx *WorkerContext, ref ValidatedReference) {
	it := ref.Item

	if it.HasAnyFlags(p.killFlag) {
		killable := !ref.Immutable && ref.Member != nil && ref.Member.Killable
		if killable {
			// 簇成员不可经 killable 引用置空，走到这里说明簇的
			// 构建方把待清理对象留在了簇里
			if it.IsClusterMember() {
				panic(fmt.Sprintf("gc: killable reference %s targets cluster member %s",
					ref.Member.Name, objects.DebugName(it.Object())))
			}
			*ref.Slot = objects.NullObjectIndex
			return
		}

		// 非 killable 引用指向待清理对象：Garbage 语义下记账并追踪
		if !p.opts.WithPendingKill {
			ctx.Stats.FoundGarbageRef = true
			if p.tracker != nil {
				p.tracker.Record(p.store, ref.Referencer, ref.Target, ref.Member)
			}
		}
	}

	p.handleValidReference(ctx, ref)
}

// handleValidReference 保活一条有效引用
//
// 抢到不可达清除权的调用者负责入队目标（簇根则传播簇图）；
// 已可达的簇成员补标 ReachableInCluster 并级联保活簇根。
func (p *ReachabilityProcessor) handleValidReference(ctx *WorkerContext, ref ValidatedReference) bool {
	it := ref.Item

	if it.ClearUnreachableInterlocked() {
		// 簇成员从不带不可达标志，走到这里的是普通对象或簇根
		if !it.IsClusterRoot() {
			ctx.ObjectsToSerialize.Add(ref.Target)
		} else {
			p.markReferencedClustersAsReachable(it.ClusterIndex(), &ctx.ObjectsToSerialize)
		}
		return true
	}

	if it.IsClusterMember() && !it.HasAnyFlags(objects.FlagReachableInCluster) {
		if it.SetFlagsInterlocked(objects.FlagReachableInCluster) {
			rootItem := p.store.Item(objects.ObjectIndex(it.ClusterIndex()))
			if rootItem.ClearUnreachableInterlocked() {
				p.markReferencedClustersAsReachable(rootItem.ClusterIndex(), &ctx.ObjectsToSerialize)
			}
		}
	}
	return false
}

// ============================================================================
// 排空循环
// ============================================================================

// ProcessObjectArray 单 worker 的完整遍历循环
func (p *ReachabilityProcessor) ProcessObjectArray(ctx *WorkerContext) {
	d := newDispatcher(p, ctx)

	// 初始原生引用
	for _, slot := range ctx.InitialNativeReferences {
		d.batcher.QueueReference(objects.NullObjectIndex, slot, nil, true)
	}

	view := ctx.InitialObjects()
	var block *WorkBlock

	for {
		for _, idx := range view {
			p.processObject(d, idx)
		}
		view = nil
		if block != nil {
			ctx.ObjectsToSerialize.FreeBlock(block)
			block = nil
		}

		// 结构体段优先：它们会继续喂引用流水线
		if p.drainStructBlock(d) {
			continue
		}

		if block = ctx.ObjectsToSerialize.PopFullBlock(); block != nil {
			view = block.Objects()
			continue
		}

		// 冲洗流水线可能产出新的完整块、在制块或结构体段
		d.batcher.FlushAll()
		if block = ctx.ObjectsToSerialize.PopFullBlock(); block != nil {
			view = block.Objects()
			continue
		}
		if wip := ctx.ObjectsToSerialize.PopWipBlock(); wip != nil {
			view = wip.Objects()
			block = wip
			continue
		}
		if d.structs.HasWork() {
			continue
		}

		if !p.opts.Parallel {
			break
		}

		// 本地无工可做：进入窃取
		loot, stolenBlock := stealWork(p, ctx, d)
		switch loot {
		case lootBlock:
			view = stolenBlock.Objects()
			block = stolenBlock
		case lootARO:
			// 钩子调用已执行，流水线里可能有了新工作
		case lootContext:
			view = ctx.InitialObjects()
			for _, slot := range ctx.InitialNativeReferences {
				d.batcher.QueueReference(objects.NullObjectIndex, slot, nil, true)
			}
		case lootNothing:
			d.batcher.Teardown()
			return
		}
	}

	d.batcher.Teardown()
}
