package peer

import "errors"

// 对等连接相关错误
var (
	// ErrClosed 连接已关闭
	ErrClosed = errors.New("peer closed")

	// ErrNotActive 连接尚未完成协商
	ErrNotActive = errors.New("peer not active")

	// ErrNoLatency 尚无延迟样本
	ErrNoLatency = errors.New("no latency samples")
)
