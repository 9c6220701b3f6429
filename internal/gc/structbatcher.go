// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现结构体数组段的无界队列（StructBlockifier）：
// 1. 段按块攒批，块写满挂链，消费端整块弹出
// 2. 块尾预留两项读前填充，消费端的前瞻访问不越界
// 3. 稀疏容器紧凑时按连续段整体入队，否则按有效段切分
package gc

import (
	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// 结构体数组段
// ============================================================================

// StructRun 一段待遍历的结构体元素
type StructRun struct {
	// Referencer 引用方
	Referencer objects.ObjectIndex

	// Elems 元素
	Elems []any

	// Inner 元素的内层布局
	Inner *objects.Schema
}

const (
	// structRunLookahead 块尾读前填充项数
	structRunLookahead = 2

	// structRunsPerBlock 每块有效段容量
	structRunsPerBlock = 64 - structRunLookahead
)

// structBlock 一块结构体数组段
type structBlock struct {
	prev *structBlock
	runs [structRunsPerBlock + structRunLookahead]StructRun
	num  int32
}

// ============================================================================
// 段队列
// ============================================================================

// StructBlockifier 结构体数组段的无界 LIFO 队列
type StructBlockifier struct {
	wip  *structBlock
	full *structBlock
}

// Push 入队一个段
func (s *StructBlockifier) Push(run StructRun) {
	if s.wip == nil {
		s.wip = &structBlock{}
	}
	s.wip.runs[s.wip.num] = run
	s.wip.num++
	if s.wip.num == structRunsPerBlock {
		s.sealWip()
	}
}

// sealWip 填充读前窗口并挂入完整块链
func (s *StructBlockifier) sealWip() {
	b := s.wip
	last := b.runs[b.num-1]
	for i := int32(0); i < structRunLookahead; i++ {
		b.runs[b.num+i] = last
	}
	b.prev = s.full
	s.full = b
	s.wip = nil
}

// PopBlock 弹出一块段；空队列返回 nil
func (s *StructBlockifier) PopBlock() []StructRun {
	if s.full != nil {
		b := s.full
		s.full = b.prev
		return b.runs[:b.num]
	}
	if s.wip != nil && s.wip.num > 0 {
		b := s.wip
		s.wip = nil
		return b.runs[:b.num]
	}
	return nil
}

// HasWork 是否还有待处理段
func (s *StructBlockifier) HasWork() bool {
	return s.full != nil || (s.wip != nil && s.wip.num > 0)
}

// ============================================================================
// 稀疏容器切段
// ============================================================================

// QueueSparseRuns 把稀疏结构体数组按有效段切分入队
//
// 紧凑存储整体作为一段；否则依据有效位扫描连续段逐一入队。
func (s *StructBlockifier) QueueSparseRuns(referencer objects.ObjectIndex, view objects.SparseStructs, inner *objects.Schema) {
	if len(view.Elems) == 0 || inner == nil {
		return
	}
	if view.Compact || view.Valid == nil {
		s.Push(StructRun{Referencer: referencer, Elems: view.Elems, Inner: inner})
		return
	}

	start := -1
	for i := 0; i <= len(view.Elems); i++ {
		valid := i < len(view.Elems) && view.Valid(i)
		if valid && start < 0 {
			start = i
		} else if !valid && start >= 0 {
			s.Push(StructRun{Referencer: referencer, Elems: view.Elems[start:i], Inner: inner})
			start = -1
		}
	}
}
