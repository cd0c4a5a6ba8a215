// Package ws 实现 WebSocket 传输
//
// 一条二进制 WebSocket 消息承载一个 CBOR 帧信封。
// 监听地址是 host:port，路径固定为 /mesh。
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dep2p/go-mesh/internal/core/wire"
	"github.com/dep2p/go-mesh/internal/util/logger"
	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

var log = logger.Logger("transport/ws")

// Path WebSocket 升级路径
const Path = "/mesh"

// ErrListenerClosed 监听器已关闭
var ErrListenerClosed = errors.New("ws: listener closed")

// ============================================================================
//                              Transport 实现
// ============================================================================

// Transport WebSocket 传输
type Transport struct {
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

// New 创建 WebSocket 传输
func New() *Transport {
	return &Transport{
		dialer: websocket.DefaultDialer,
	}
}

// Name 返回传输名称
func (t *Transport) Name() string { return "ws" }

// Dial 建立到 addr 的链路
func (t *Transport) Dial(ctx context.Context, addr string) (interfaces.Link, error) {
	conn, resp, err := t.dialer.DialContext(ctx, "ws://"+addr+Path, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return newWSLink(conn), nil
}

// Listen 在 addr 上监听
func (t *Transport) Listen(_ context.Context, addr string) (interfaces.Listener, error) {
	netListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ln := &listener{
		netListener: netListener,
		accepts:     make(chan interfaces.Link, 4),
		done:        make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("WebSocket 升级失败", "remote", r.RemoteAddr, "err", err)
			return
		}
		select {
		case ln.accepts <- newWSLink(conn):
		case <-ln.done:
			_ = conn.Close()
		}
	})

	ln.server = &http.Server{Handler: mux}
	go func() {
		if err := ln.server.Serve(netListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Debug("WebSocket 服务退出", "err", err)
		}
	}()

	return ln, nil
}

// listener WebSocket 监听器
type listener struct {
	netListener net.Listener
	server      *http.Server
	accepts     chan interfaces.Link
	done        chan struct{}
	closeOnce   sync.Once
}

// Accept 等待下一条入站链路
func (l *listener) Accept(ctx context.Context) (interfaces.Link, error) {
	select {
	case link := <-l.accepts:
		return link, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr 返回实际监听地址
func (l *listener) Addr() string { return l.netListener.Addr().String() }

// Close 关闭监听器
func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.server.Close()
	})
	return nil
}

// ============================================================================
//                              Link 实现
// ============================================================================

// wsLink WebSocket 链路
type wsLink struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error

	frames chan types.Frame
	done   chan struct{}
}

func newWSLink(conn *websocket.Conn) *wsLink {
	l := &wsLink{
		id:     uuid.NewString(),
		conn:   conn,
		frames: make(chan types.Frame, 16),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// ID 返回链路标识
func (l *wsLink) ID() string { return l.id }

// Send 发送一帧
func (l *wsLink) Send(_ context.Context, frame types.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Frames 返回入站帧通道
func (l *wsLink) Frames() <-chan types.Frame { return l.frames }

// Err 返回链路终止原因
func (l *wsLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close 关闭链路
func (l *wsLink) Close() error {
	l.terminate(nil)
	return nil
}

// LocalSecurity 返回信道绑定材料
func (l *wsLink) LocalSecurity() []byte { return nil }

// RemoteSecurity 返回信道绑定材料
func (l *wsLink) RemoteSecurity() []byte { return nil }

// readLoop 持续读消息直到连接终止
func (l *wsLink) readLoop() {
	defer close(l.frames)
	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			l.terminate(err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		frame, err := wire.Decode(data)
		if err != nil {
			l.terminate(err)
			return
		}

		select {
		case l.frames <- frame:
		case <-l.done:
			return
		}
	}
}

// terminate 终止链路
func (l *wsLink) terminate(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.err = err
	close(l.done)
	l.mu.Unlock()

	_ = l.conn.Close()
}

var (
	_ interfaces.Transport = (*Transport)(nil)
	_ interfaces.Link      = (*wsLink)(nil)
)
