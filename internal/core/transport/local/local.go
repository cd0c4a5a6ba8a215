// Package local 实现本机 IPC 传输
//
// 基于 unix domain socket，帧格式与 tcp 传输一致。
// 地址是套接字文件路径。
package local

import (
	"context"
	"net"

	"github.com/dep2p/go-mesh/internal/core/transport"
	"github.com/dep2p/go-mesh/pkg/interfaces"
)

// ============================================================================
//                              Transport 实现
// ============================================================================

// Transport 本机 IPC 传输
type Transport struct {
	dialer net.Dialer
}

// New 创建本机 IPC 传输
func New() *Transport {
	return &Transport{}
}

// Name 返回传输名称
func (t *Transport) Name() string { return "local" }

// Dial 建立到套接字路径的链路
func (t *Transport) Dial(ctx context.Context, addr string) (interfaces.Link, error) {
	conn, err := t.dialer.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, err
	}
	return transport.NewConnLink(conn), nil
}

// Listen 在套接字路径上监听
func (t *Transport) Listen(_ context.Context, addr string) (interfaces.Listener, error) {
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	return &listener{ln: ln}, nil
}

// listener 本机 IPC 监听器
type listener struct {
	ln net.Listener
}

// Accept 等待下一条入站链路
func (l *listener) Accept(ctx context.Context) (interfaces.Link, error) {
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

// Addr 返回套接字路径
func (l *listener) Addr() string { return l.ln.Addr().String() }

// Close 关闭监听器
func (l *listener) Close() error { return l.ln.Close() }

var _ interfaces.Transport = (*Transport)(nil)
