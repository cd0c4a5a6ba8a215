package mesh

import (
	"errors"

	"github.com/dep2p/go-mesh/internal/core/messaging"
	"github.com/dep2p/go-mesh/internal/util/reqreply"
)

// 节点生命周期错误
var (
	// ErrAlreadyRunning 节点已在运行
	ErrAlreadyRunning = errors.New("mesh: node already running")

	// ErrNotRunning 节点未运行
	ErrNotRunning = errors.New("mesh: node not running")
)

// 消息投递错误（Send 的拒绝类别）
var (
	// ErrNoRoute 无可用路由
	ErrNoRoute = messaging.ErrNoRoute

	// ErrLoop 转发路径成环
	ErrLoop = messaging.ErrLoop

	// ErrPeerRejected 对端拒绝
	ErrPeerRejected = messaging.ErrPeerRejected

	// ErrTimeout 等待确认超时
	ErrTimeout = reqreply.ErrTimedOut
)
