// Package tcp 实现 TCP 传输
//
// 链路承载大端 uint32 长度前缀的 CBOR 帧。
package tcp

import (
	"context"
	"net"

	"github.com/dep2p/go-mesh/internal/core/transport"
	"github.com/dep2p/go-mesh/pkg/interfaces"
)

// ============================================================================
//                              Transport 实现
// ============================================================================

// Transport TCP 传输
type Transport struct {
	dialer net.Dialer
}

// New 创建 TCP 传输
func New() *Transport {
	return &Transport{}
}

// Name 返回传输名称
func (t *Transport) Name() string { return "tcp" }

// Dial 建立到 addr 的链路
func (t *Transport) Dial(ctx context.Context, addr string) (interfaces.Link, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return transport.NewConnLink(conn), nil
}

// Listen 在 addr 上监听
func (t *Transport) Listen(_ context.Context, addr string) (interfaces.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &listener{ln: ln}, nil
}

// listener TCP 监听器
type listener struct {
	ln net.Listener
}

// Accept 等待下一条入站链路
func (l *listener) Accept(ctx context.Context) (interfaces.Link, error) {
	// net.Listener 不感知 ctx：取消时主动关闭以解除阻塞
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.ln.Close()
		case <-done:
		}
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return transport.NewConnLink(conn), nil
}

// Addr 返回实际监听地址
func (l *listener) Addr() string { return l.ln.Addr().String() }

// Close 关闭监听器
func (l *listener) Close() error { return l.ln.Close() }

var _ interfaces.Transport = (*Transport)(nil)
