// Package inmem 实现进程内传输
//
// 链路成对出现：一端 Send 的帧经过 CBOR 编解码往返后投递到
// 另一端的帧通道，与真实传输保持相同的序列化语义。
// 主要用于测试与同进程拓扑。
package inmem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/dep2p/go-mesh/internal/core/wire"
	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

// ErrLinkClosed 链路已关闭
var ErrLinkClosed = errors.New("inmem: link closed")

// frameBuffer 帧通道缓冲
const frameBuffer = 16

// ============================================================================
//                              Link 实现
// ============================================================================

// link 进程内链路的一端
type link struct {
	id     string
	remote *link

	mu       sync.Mutex
	closed   bool
	err      error
	inflight sync.WaitGroup

	frames chan types.Frame
	done   chan struct{}
}

// NewPair 创建一对互联的链路
func NewPair() (interfaces.Link, interfaces.Link) {
	a := &link{
		id:     uuid.NewString(),
		frames: make(chan types.Frame, frameBuffer),
		done:   make(chan struct{}),
	}
	b := &link{
		id:     uuid.NewString(),
		frames: make(chan types.Frame, frameBuffer),
		done:   make(chan struct{}),
	}
	a.remote, b.remote = b, a
	return a, b
}

// ID 返回链路标识
func (l *link) ID() string { return l.id }

// Send 发送一帧
//
// 帧先经编解码往返，保证与线上传输相同的可见性。
func (l *link) Send(ctx context.Context, frame types.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(data)
	if err != nil {
		return fmt.Errorf("inmem: reencode: %w", err)
	}
	return l.remote.deliver(ctx, decoded)
}

// deliver 投递一帧到本端帧通道
func (l *link) deliver(ctx context.Context, frame types.Frame) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.inflight.Add(1)
	l.mu.Unlock()
	defer l.inflight.Done()

	select {
	case l.frames <- frame:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames 返回入站帧通道
func (l *link) Frames() <-chan types.Frame { return l.frames }

// Err 返回链路终止原因
func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close 关闭链路（两端都会终止）
func (l *link) Close() error {
	l.closeWithErr(nil)
	l.remote.closeWithErr(io.ErrClosedPipe)
	return nil
}

// closeWithErr 终止本端
func (l *link) closeWithErr(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.err = err
	close(l.done)
	l.mu.Unlock()

	// 等未决投递退出后关闭帧通道，让读取方结束 range
	go func() {
		l.inflight.Wait()
		close(l.frames)
	}()
}

// LocalSecurity 返回信道绑定材料（进程内无）
func (l *link) LocalSecurity() []byte { return nil }

// RemoteSecurity 返回信道绑定材料（进程内无）
func (l *link) RemoteSecurity() []byte { return nil }

var _ interfaces.Link = (*link)(nil)

// ============================================================================
//                              Hub / Transport 实现
// ============================================================================

// Hub 进程内传输枢纽
//
// 地址是任意字符串；Dial 与 Listen 在同一 Hub 内配对。
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

// NewHub 创建枢纽
func NewHub() *Hub {
	return &Hub{listeners: make(map[string]*listener)}
}

// Transport 返回挂在此枢纽上的传输实现
func (h *Hub) Transport() interfaces.Transport {
	return &transport{hub: h}
}

type transport struct {
	hub *Hub
}

// Name 返回传输名称
func (t *transport) Name() string { return "inmem" }

// Dial 建立到 addr 上监听者的链路
func (t *transport) Dial(ctx context.Context, addr string) (interfaces.Link, error) {
	t.hub.mu.Lock()
	ln, ok := t.hub.listeners[addr]
	t.hub.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem: no listener on %q", addr)
	}

	client, server := NewPair()
	select {
	case ln.accepts <- server:
		return client, nil
	case <-ln.done:
		return nil, fmt.Errorf("inmem: listener on %q closed", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen 在 addr 上开始监听
func (t *transport) Listen(_ context.Context, addr string) (interfaces.Listener, error) {
	ln := &listener{
		hub:     t.hub,
		addr:    addr,
		accepts: make(chan interfaces.Link),
		done:    make(chan struct{}),
	}

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if _, taken := t.hub.listeners[addr]; taken {
		return nil, fmt.Errorf("inmem: address %q in use", addr)
	}
	t.hub.listeners[addr] = ln
	return ln, nil
}

// listener 进程内监听器
type listener struct {
	hub       *Hub
	addr      string
	accepts   chan interfaces.Link
	done      chan struct{}
	closeOnce sync.Once
}

// Accept 等待下一条入站链路
func (ln *listener) Accept(ctx context.Context) (interfaces.Link, error) {
	select {
	case l := <-ln.accepts:
		return l, nil
	case <-ln.done:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr 返回监听地址
func (ln *listener) Addr() string { return ln.addr }

// Close 关闭监听器
func (ln *listener) Close() error {
	ln.closeOnce.Do(func() {
		close(ln.done)
		ln.hub.mu.Lock()
		delete(ln.hub.listeners, ln.addr)
		ln.hub.mu.Unlock()
	})
	return nil
}

var _ interfaces.Transport = (*transport)(nil)
