// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件定义回收器对外暴露的错误值。
package gc

import "errors"

var (
	// ErrGCLocked 回收临界区被占用，本次 TryCollectGarbage 让步
	ErrGCLocked = errors.New("gc: collection lock contended")

	// ErrPurgePending 存在未完成的增量清理，操作暂不可用
	ErrPurgePending = errors.New("gc: incremental purge still pending")

	// ErrQueueFull 有界队列或注册表已满，调用方应走内联回退路径
	ErrQueueFull = errors.New("gc: queue full")
)
