package interfaces

import (
	"context"

	"github.com/dep2p/go-mesh/pkg/types"
)

// ============================================================================
//                              Transport - 传输层
// ============================================================================

// Transport 传输实现
//
// 传输层只负责：建立/接受双向链路、按帧收发、断开。
// 帧的线上编码（CBOR）由传输实现决定；NodeID 始终是不透明字节串。
type Transport interface {
	// Name 返回传输名称（如 "tcp"、"ws"、"local"）
	Name() string

	// Dial 主动建立到 addr 的链路
	Dial(ctx context.Context, addr string) (Link, error)

	// Listen 在 addr 上监听入站链路
	Listen(ctx context.Context, addr string) (Listener, error)
}

// Listener 入站链路监听器
type Listener interface {
	// Accept 等待下一条入站链路
	//
	// 监听器关闭后返回错误。
	Accept(ctx context.Context) (Link, error)

	// Addr 返回实际监听地址
	Addr() string

	// Close 关闭监听器
	Close() error
}

// ============================================================================
//                              Link - 单条双向链路
// ============================================================================

// Link 一条已建立的双向链路
//
// 传输层保证：Frames 通道上的帧按接收顺序投递，且每条链路的投递是串行的。
// 链路终止（对端断开或本地 Close）后 Frames 通道关闭，Err 返回终止原因。
type Link interface {
	// ID 返回链路的调试标识
	ID() string

	// Send 发送一帧
	Send(ctx context.Context, frame types.Frame) error

	// Frames 返回入站帧通道（链路终止后关闭）
	Frames() <-chan types.Frame

	// Err 返回链路终止原因（Frames 关闭前返回 nil）
	Err() error

	// Close 关闭链路
	Close() error

	// LocalSecurity 返回本端的信道绑定材料（可为 nil）
	//
	// 传输层可提供公钥等材料，供认证 flow 做信道绑定。
	LocalSecurity() []byte

	// RemoteSecurity 返回对端的信道绑定材料（可为 nil）
	RemoteSecurity() []byte
}
