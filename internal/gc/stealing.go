// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现工作块的有界 SPMC 工作窃取队列：
// 1. 单生产者在队头 LIFO 压入/弹出
// 2. 窃取者在队尾 FIFO 取走，CAS 先占坑再发布
// 3. 管理器从失业 worker 的下一个下标开始环绕扫描受害者
package gc

import (
	"fmt"
	"sync/atomic"
)

// ============================================================================
// 有界工作窃取队列
// ============================================================================

const stealQueueCapacity = 16

// takenSentinel 占坑哨兵：窃取者预约槽位时先写入它，防止生产者复用
var takenSentinel WorkBlock

// paddedBlockSlot 独占缓存行的槽位，避免伪共享
type paddedBlockSlot struct {
	v atomic.Pointer[WorkBlock]
	_ [64 - 8]byte
}

// BoundedWorkstealingQueue 有界 SPMC 工作窃取队列
//
// 槽位三态：nil 空闲、takenSentinel 占坑、其余为工作块。
// head 只由生产者读写，无需原子；tail 由窃取者 CAS 推进。
type BoundedWorkstealingQueue struct {
	head uint32
	_    [64 - 4]byte
	tail atomic.Uint32
	_    [64 - 4]byte

	slots [stealQueueCapacity]paddedBlockSlot
}

// NewBoundedWorkstealingQueue 创建队列
func NewBoundedWorkstealingQueue() *BoundedWorkstealingQueue {
	q := &BoundedWorkstealingQueue{}
	q.Reset()
	return q
}

// Reset 复位到初始状态（head 从 -1 起步，首次 Push 落在槽位 0）
func (q *BoundedWorkstealingQueue) Reset() {
	q.head = ^uint32(0)
	q.tail.Store(0)
	for i := range q.slots {
		q.slots[i].v.Store(nil)
	}
}

// Push 生产者压入；槽位被占（队列满或尾部尚未清空）时返回 false
func (q *BoundedWorkstealingQueue) Push(b *WorkBlock) bool {
	if b == nil || b == &takenSentinel {
		panic("gc: invalid block pushed to workstealing queue")
	}

	idx := (q.head + 1) % stealQueueCapacity
	if q.slots[idx].v.Load() == nil {
		q.slots[idx].v.Store(b)
		q.head++
		return true
	}
	return false
}

// Pop 生产者按 LIFO 弹出；队头已被窃取或为空时返回 nil
func (q *BoundedWorkstealingQueue) Pop() *WorkBlock {
	idx := q.head % stealQueueCapacity
	s := q.slots[idx].v.Load()

	if s != nil && s != &takenSentinel && q.slots[idx].v.CompareAndSwap(s, nil) {
		q.head--
		return s
	}
	return nil
}

// Steal 窃取者按 FIFO 取走
//
// 先 CAS 占坑，确认 tail 未被其他窃取者推进后再发布推进并清空槽位；
// 确认失败则回写原值重试。
func (q *BoundedWorkstealingQueue) Steal() *WorkBlock {
	for {
		idxVer := q.tail.Load()
		idx := idxVer % stealQueueCapacity
		s := q.slots[idx].v.Load()

		if s == nil {
			return nil
		}
		if s != &takenSentinel && q.slots[idx].v.CompareAndSwap(s, &takenSentinel) {
			if idxVer == q.tail.Load() {
				q.tail.Add(1)
				q.slots[idx].v.Store(nil)
				return s
			}
			q.slots[idx].v.Store(s)
		}
	}
}

// CheckEmpty 全部生产者与窃取者停止后校验队列已排空
func (q *BoundedWorkstealingQueue) CheckEmpty() {
	for i := range q.slots {
		if q.slots[i].v.Load() != nil {
			panic(fmt.Sprintf("gc: workstealing queue slot %d not empty at teardown", i))
		}
	}
}

// ============================================================================
// 无界队列（可窃取部分有界）
// ============================================================================

// WorkstealingQueue 无界 SPMC 队列
//
// 共享有界环满时溢出到生产者私有栈；只有共享环中的块可被窃取。
type WorkstealingQueue struct {
	shared BoundedWorkstealingQueue
	local  []*WorkBlock
}

// Push 压入一个工作块
func (q *WorkstealingQueue) Push(b *WorkBlock) {
	if !q.shared.Push(b) {
		q.local = append(q.local, b)
	}
}

// Pop 弹出一个工作块；优先私有栈，并趁机把余量迁回共享环
func (q *WorkstealingQueue) Pop() *WorkBlock {
	n := len(q.local)
	if n == 0 {
		return q.shared.Pop()
	}

	n--
	out := q.local[n]
	for n > 0 && q.shared.Push(q.local[n-1]) {
		n--
	}
	q.local = q.local[:n]
	return out
}

// Steal 从共享环窃取
func (q *WorkstealingQueue) Steal() *WorkBlock {
	return q.shared.Steal()
}

// Reset 复位
func (q *WorkstealingQueue) Reset() {
	q.shared.Reset()
	q.local = q.local[:0]
}

// CheckEmpty 校验队列已排空
func (q *WorkstealingQueue) CheckEmpty() {
	q.shared.CheckEmpty()
	if len(q.local) != 0 {
		panic("gc: workstealing queue local overflow not empty at teardown")
	}
}

// ============================================================================
// 工作窃取管理器
// ============================================================================

// WorkstealingManager 每 worker 一条队列的窃取管理器
type WorkstealingManager struct {
	Queues [MaxWorkers]WorkstealingQueue
}

// TrySteal 为失业 worker 窃取：从其下一个下标开始环绕扫描
func (m *WorkstealingManager) TrySteal(worklessIdx int) *WorkBlock {
	for idx := worklessIdx + 1; idx < MaxWorkers; idx++ {
		if stolen := m.Queues[idx].Steal(); stolen != nil {
			return stolen
		}
	}
	for idx := 0; idx < worklessIdx; idx++ {
		if stolen := m.Queues[idx].Steal(); stolen != nil {
			return stolen
		}
	}
	return nil
}

// queueIndex 队列在管理器中的下标
func (m *WorkstealingManager) queueIndex(q *WorkstealingQueue) int {
	for i := range m.Queues {
		if &m.Queues[i] == q {
			return i
		}
	}
	panic("gc: workstealing queue not owned by manager")
}

// Steal 为 q 的属主窃取一个工作块
func (m *WorkstealingManager) Steal(q *WorkstealingQueue) *WorkBlock {
	return m.TrySteal(m.queueIndex(q))
}
