// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现 GC 临时内存页分配器：
// 1. 固定大小页（4KB 量级的下标槽位数组），页在一轮 GC 内循环复用
// 2. 每 worker 私有页缓存 + 互斥锁保护的共享缓存 + 堆分配兜底
// 3. worker 下标分配器（单字原子位图）
package gc

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// 常量
// ============================================================================

const (
	// PageSizeBytes 页字节数
	PageSizeBytes = 4096

	// PageSlots 每页可容纳的对象下标数
	PageSlots = PageSizeBytes / 4

	// MaxWorkers 并行回收的最大 worker 数
	MaxWorkers = 16

	// workerCacheSize 每 worker 私有页缓存容量
	workerCacheSize = 512 / MaxWorkers
)

// Page 临时内存页：一页对象下标槽位
type Page [PageSlots]objects.ObjectIndex

// ============================================================================
// 页分配器
// ============================================================================

// workerPageCache 单个 worker 的私有页缓存
type workerPageCache struct {
	pages [workerCacheSize]*Page
	num   int
}

// push 入缓存；满时返回 false
func (c *workerPageCache) push(p *Page) bool {
	if c.num == workerCacheSize {
		return false
	}
	c.pages[c.num] = p
	c.num++
	return true
}

// pop 出缓存；空时返回 nil
func (c *workerPageCache) pop() *Page {
	if c.num == 0 {
		return nil
	}
	c.num--
	p := c.pages[c.num]
	c.pages[c.num] = nil
	return p
}

// PageAllocator GC 临时页分配器
//
// 页只在一轮回收内部流转：分配出去的页最终都会归还，
// 一轮内不向运行时释放。worker 私有缓存无锁，共享缓存持锁。
type PageAllocator struct {
	worker [MaxWorkers]workerPageCache

	mu     sync.Mutex
	shared []*Page

	// numAllocated 已创建页总数（内存统计用）
	numAllocated atomic.Int64
}

// AllocatePage 为 worker 分配一页
func (a *PageAllocator) AllocatePage(workerIdx int) *Page {
	if workerIdx >= 0 && workerIdx < MaxWorkers {
		if p := a.worker[workerIdx].pop(); p != nil {
			return p
		}
	}

	a.mu.Lock()
	if n := len(a.shared); n > 0 {
		p := a.shared[n-1]
		a.shared = a.shared[:n-1]
		a.mu.Unlock()
		return p
	}
	a.mu.Unlock()

	a.numAllocated.Add(1)
	return new(Page)
}

// ReturnWorkerPage 归还一页到 worker 私有缓存，溢出落到共享缓存
func (a *PageAllocator) ReturnWorkerPage(workerIdx int, p *Page) {
	if workerIdx >= 0 && workerIdx < MaxWorkers && a.worker[workerIdx].push(p) {
		return
	}
	a.ReturnSharedPage(p)
}

// ReturnSharedPage 归还一页到共享缓存
func (a *PageAllocator) ReturnSharedPage(p *Page) {
	a.mu.Lock()
	a.shared = append(a.shared, p)
	a.mu.Unlock()
}

// FreePage 等价于归还共享缓存；页从不中途释放
func (a *PageAllocator) FreePage(p *Page) { a.ReturnSharedPage(p) }

// PushSurplus 把 worker 私有缓存的盈余页下放到共享缓存，
// 每个 worker 保留 keep 页作为下一轮的起步容量。
func (a *PageAllocator) PushSurplus(keep int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.worker {
		c := &a.worker[i]
		for c.num > keep {
			c.num--
			a.shared = append(a.shared, c.pages[c.num])
			c.pages[c.num] = nil
		}
	}
}

// CountBytes 当前页占用字节数
func (a *PageAllocator) CountBytes() int64 {
	return a.numAllocated.Load() * PageSizeBytes
}

// ============================================================================
// worker 下标分配器
// ============================================================================

// WorkerIndexAllocator worker 下标分配器
//
// 单个 64 位原子位图，下标在 worker 上下文生命周期内稳定。
type WorkerIndexAllocator struct {
	used atomic.Uint64
}

// Allocate 分配一个空闲下标；超出 MaxWorkers 个活跃上下文时 panic
func (w *WorkerIndexAllocator) Allocate() int {
	for {
		usedNow := w.used.Load()
		free := bits.TrailingZeros64(^usedNow)
		if free >= MaxWorkers {
			panic("gc: exceeded max active worker contexts")
		}
		mask := uint64(1) << free
		if w.used.Load()&mask == 0 && w.used.CompareAndSwap(usedNow, usedNow|mask) {
			return free
		}
	}
}

// Free 释放下标；重复释放 panic
func (w *WorkerIndexAllocator) Free(idx int) {
	if idx < 0 || idx >= MaxWorkers {
		panic(fmt.Sprintf("gc: worker index %d out of range", idx))
	}
	mask := uint64(1) << idx
	for {
		old := w.used.Load()
		if old&mask == 0 {
			panic(fmt.Sprintf("gc: worker index %d already freed", idx))
		}
		if w.used.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}
