// Package config 定义引擎内部配置
package config

import (
	"errors"
	"time"

	"github.com/dep2p/go-mesh/pkg/types"
)

// ============================================================================
//                              Config 定义
// ============================================================================

// Config 引擎配置
type Config struct {
	// NodeID 本节点标识（为空则随机生成）
	NodeID types.NodeID

	// Capabilities 本节点能力集（原样上线，不参与协商逻辑）
	Capabilities []string

	// Endpoint 端点模式：只消费 gossip，不广播、不转发
	Endpoint bool

	// NegotiationTimeout 协商超时
	NegotiationTimeout time.Duration

	// PingInterval 存活探测周期
	PingInterval time.Duration

	// PingCheckInterval 失败检测轮询周期
	PingCheckInterval time.Duration

	// LatencyWindow 延迟采样窗口大小
	LatencyWindow int

	// RequestTimeout 应用消息应答超时
	RequestTimeout time.Duration

	// BroadcastDelay 路由广播合并窗口
	BroadcastDelay time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		NegotiationTimeout: 5 * time.Second,
		PingInterval:       30 * time.Second,
		PingCheckInterval:  5 * time.Second,
		LatencyWindow:      6,
		RequestTimeout:     30 * time.Second,
		BroadcastDelay:     100 * time.Millisecond,
	}
}

// ============================================================================
//                              校验
// ============================================================================

// 配置错误
var (
	ErrInvalidTimeout = errors.New("timeout must be positive")
	ErrInvalidWindow  = errors.New("latency window must be positive")
)

// Validate 校验配置
func (c *Config) Validate() error {
	if c.NegotiationTimeout <= 0 || c.PingInterval <= 0 ||
		c.PingCheckInterval <= 0 || c.RequestTimeout <= 0 || c.BroadcastDelay <= 0 {
		return ErrInvalidTimeout
	}
	if c.LatencyWindow <= 0 {
		return ErrInvalidWindow
	}
	return nil
}
