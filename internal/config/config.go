// Package config 实现 Titan 配置文件的加载与生成
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/tangzhangming/titan/internal/gc"
)

// 常量定义
const (
	ConfigFileName = "titan.toml" // 配置文件名
)

// Config 全局配置
type Config struct {
	GC GCConfig `toml:"gc"`
}

// GCConfig 垃圾回收配置
type GCConfig struct {
	// AllowParallel 允许并行可达性分析
	AllowParallel bool `toml:"allow_parallel"`

	// MaxWorkers 并行 worker 数上限（0 表示取 CPU 数，封顶 16）
	MaxWorkers int `toml:"max_workers"`

	// IncrementalBeginDestroy 允许增量 unhash 与增量销毁
	IncrementalBeginDestroy bool `toml:"incremental_begin_destroy"`

	// MultithreadedDestruction 允许后台清理 goroutine
	MultithreadedDestruction bool `toml:"multithreaded_destruction"`

	// TimeLimitMs 单次增量切片的时间预算（毫秒）
	TimeLimitMs float64 `toml:"time_limit_ms"`

	// NumRetriesBeforeForcing TryCollectGarbage 失败多少次后强制阻塞回收
	NumRetriesBeforeForcing int `toml:"num_retries_before_forcing"`

	// AdditionalFinishDestroyTimeS 长销毁警告后的追加等待时间（秒）
	AdditionalFinishDestroyTimeS float64 `toml:"additional_finish_destroy_time_s"`

	// TimeoutOnPendingDestroy 销毁超时是否视为致命错误
	TimeoutOnPendingDestroy bool `toml:"timeout_on_pending_destroy"`

	// GarbageReferenceTracking 垃圾引用追踪级别（0 关闭 1 逐条 2 去重）
	GarbageReferenceTracking int `toml:"garbage_reference_tracking"`

	// ForceEnableDebugProcessor 每轮都启用调试遍历
	ForceEnableDebugProcessor bool `toml:"force_enable_debug_processor"`

	// ClustersEnabled 是否启用对象簇
	ClustersEnabled bool `toml:"clusters_enabled"`

	// FlushAsyncWorkOnGC 回收前先排空注册的异步生产者
	FlushAsyncWorkOnGC bool `toml:"flush_async_work_on_gc"`

	// LogLevel 日志级别（debug/info/warn/error）
	LogLevel string `toml:"log_level"`

	// DebugServerAddr 调试服务监听地址（空字符串表示关闭）
	DebugServerAddr string `toml:"debug_server_addr"`
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := GenerateDefault()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	content := generateConfigWithComments(c)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[gc]\n")
	sb.WriteString("# 允许并行可达性分析\n")
	sb.WriteString(fmt.Sprintf("allow_parallel = %v\n\n", c.GC.AllowParallel))
	sb.WriteString("# 并行 worker 数上限（0 表示取 CPU 数，封顶 16）\n")
	sb.WriteString(fmt.Sprintf("max_workers = %d\n\n", c.GC.MaxWorkers))
	sb.WriteString("# 允许增量 unhash 与增量销毁\n")
	sb.WriteString(fmt.Sprintf("incremental_begin_destroy = %v\n\n", c.GC.IncrementalBeginDestroy))
	sb.WriteString("# 允许后台清理 goroutine\n")
	sb.WriteString(fmt.Sprintf("multithreaded_destruction = %v\n\n", c.GC.MultithreadedDestruction))
	sb.WriteString("# 单次增量切片的时间预算（毫秒）\n")
	sb.WriteString(fmt.Sprintf("time_limit_ms = %.1f\n\n", c.GC.TimeLimitMs))
	sb.WriteString("# TryCollectGarbage 失败多少次后强制阻塞回收\n")
	sb.WriteString(fmt.Sprintf("num_retries_before_forcing = %d\n\n", c.GC.NumRetriesBeforeForcing))
	sb.WriteString("# 长销毁警告后的追加等待时间（秒）\n")
	sb.WriteString(fmt.Sprintf("additional_finish_destroy_time_s = %.1f\n\n", c.GC.AdditionalFinishDestroyTimeS))
	sb.WriteString("# 销毁超时是否视为致命错误\n")
	sb.WriteString(fmt.Sprintf("timeout_on_pending_destroy = %v\n\n", c.GC.TimeoutOnPendingDestroy))
	sb.WriteString("# 垃圾引用追踪级别（0 关闭 1 逐条 2 去重）\n")
	sb.WriteString(fmt.Sprintf("garbage_reference_tracking = %d\n\n", c.GC.GarbageReferenceTracking))
	sb.WriteString("# 每轮都启用调试遍历\n")
	sb.WriteString(fmt.Sprintf("force_enable_debug_processor = %v\n\n", c.GC.ForceEnableDebugProcessor))
	sb.WriteString("# 是否启用对象簇\n")
	sb.WriteString(fmt.Sprintf("clusters_enabled = %v\n\n", c.GC.ClustersEnabled))
	sb.WriteString("# 回收前先排空注册的异步生产者\n")
	sb.WriteString(fmt.Sprintf("flush_async_work_on_gc = %v\n\n", c.GC.FlushAsyncWorkOnGC))
	sb.WriteString("# 日志级别（debug/info/warn/error）\n")
	sb.WriteString(fmt.Sprintf("log_level = %q\n\n", c.GC.LogLevel))
	sb.WriteString("# 调试服务监听地址（空字符串表示关闭）\n")
	sb.WriteString(fmt.Sprintf("debug_server_addr = %q\n", c.GC.DebugServerAddr))

	return sb.String()
}

// GenerateDefault 生成默认配置
func GenerateDefault() *Config {
	return &Config{
		GC: GCConfig{
			AllowParallel:                true,
			MaxWorkers:                   0,
			IncrementalBeginDestroy:      true,
			MultithreadedDestruction:     true,
			TimeLimitMs:                  2.0,
			NumRetriesBeforeForcing:      10,
			AdditionalFinishDestroyTimeS: 40.0,
			TimeoutOnPendingDestroy:      true,
			GarbageReferenceTracking:     0,
			ForceEnableDebugProcessor:    false,
			ClustersEnabled:              true,
			FlushAsyncWorkOnGC:           true,
			LogLevel:                     "info",
			DebugServerAddr:              "",
		},
	}
}

// Settings 转换为回收器运行参数
func (c *GCConfig) Settings() gc.Settings {
	return gc.Settings{
		AllowParallel:               c.AllowParallel,
		MaxWorkersOverride:          c.MaxWorkers,
		IncrementalBeginDestroy:     c.IncrementalBeginDestroy,
		MultithreadedDestruction:    c.MultithreadedDestruction,
		TimeLimit:                   time.Duration(c.TimeLimitMs * float64(time.Millisecond)),
		NumRetriesBeforeForcing:     c.NumRetriesBeforeForcing,
		AdditionalFinishDestroyTime: time.Duration(c.AdditionalFinishDestroyTimeS * float64(time.Second)),
		TimeoutOnPendingDestroy:     c.TimeoutOnPendingDestroy,
		GarbageTracking:             gc.TrackingVerbosity(c.GarbageReferenceTracking),
		ForceEnableDebugProcessor:   c.ForceEnableDebugProcessor,
		ClustersEnabled:             c.ClustersEnabled,
		FlushAsyncWorkOnGC:          c.FlushAsyncWorkOnGC,
	}
}
