// Package debugsrv 实现回收器的调试检视服务
//
// 通过 TCP 上的 JSON-RPC 暴露回收统计、内存占用、回收历史与
// 手动触发回收四个方法，供外部诊断工具接入。
package debugsrv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"

	"github.com/tangzhangming/titan/internal/gc"
)

// 方法名定义
const (
	MethodStats       = "gc/stats"       // 最近一轮回收统计
	MethodMemoryStats = "gc/memoryStats" // 回收器内存占用
	MethodHistory     = "gc/history"     // 回收历史
	MethodCollect     = "gc/collect"     // 触发一轮回收
)

// CollectParams gc/collect 请求参数
type CollectParams struct {
	// KeepFlags 与载荷级标志匹配的对象无条件保留
	KeepFlags uint32 `json:"keepFlags"`

	// FullPurge 是否阻塞清理到底
	FullPurge bool `json:"fullPurge"`
}

// CollectResult gc/collect 响应
type CollectResult struct {
	// Started 回收是否已执行
	Started bool `json:"started"`

	// Locked 回收临界区被占用，本次让步
	Locked bool `json:"locked"`
}

// Server 调试检视服务
type Server struct {
	state *gc.GCState
	log   *zap.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup

	cancel context.CancelFunc
}

// New 创建调试服务
func New(state *gc.GCState, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{state: state, log: log}
}

// Listen 监听 addr 并开始接受连接
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("调试服务已启动", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr 实际监听地址；未启动时返回空字符串
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close 停止服务并等待连接处理结束
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	cancel := s.cancel
	s.ln = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	cancel()
	err := ln.Close()
	s.wg.Wait()
	return err
}

// acceptLoop 接受连接并为每条连接启动 JSON-RPC 会话
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("接受连接失败", zap.Error(err))
			}
			return
		}

		rpc := jsonrpc2.NewConn(jsonrpc2.NewStream(conn))
		rpc.Go(ctx, s.handle)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-rpc.Done():
			case <-ctx.Done():
				_ = rpc.Close()
			}
		}()
	}
}

// handle 分发一个请求
func (s *Server) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	s.log.Debug("处理调试请求", zap.String("method", req.Method()))

	switch req.Method() {
	case MethodStats:
		return reply(ctx, s.state.Stats().Snapshot(), nil)

	case MethodMemoryStats:
		return reply(ctx, s.state.MemoryStats(), nil)

	case MethodHistory:
		return reply(ctx, s.state.History().Entries(), nil)

	case MethodCollect:
		var params CollectParams
		if len(req.Params()) > 0 {
			if err := json.Unmarshal(req.Params(), &params); err != nil {
				return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrParse, err))
			}
		}
		err := s.state.TryCollectGarbage(params.KeepFlags, params.FullPurge)
		if errors.Is(err, gc.ErrGCLocked) {
			return reply(ctx, CollectResult{Locked: true}, nil)
		}
		if err != nil {
			return reply(ctx, nil, err)
		}
		return reply(ctx, CollectResult{Started: true}, nil)

	default:
		return reply(ctx, nil, jsonrpc2.ErrMethodNotFound)
	}
}
