package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dep2p/go-mesh/internal/core/wire"
	"github.com/dep2p/go-mesh/internal/util/logger"
	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

var log = logger.Logger("transport")

// connFrameBuffer 入站帧通道缓冲
const connFrameBuffer = 16

// noDeadline 清除写超时
var noDeadline time.Time

// ============================================================================
//                              ConnLink - net.Conn 链路
// ============================================================================

// connLink 把 net.Conn 适配为帧链路
//
// 读循环独占连接读端；写由互斥锁串行化。
type connLink struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error

	frames chan types.Frame
	done   chan struct{}
}

// NewConnLink 把 net.Conn 包装为链路
//
// 接管连接的生命周期并立即开始读帧。
func NewConnLink(conn net.Conn) interfaces.Link {
	l := &connLink{
		id:     uuid.NewString(),
		conn:   conn,
		frames: make(chan types.Frame, connFrameBuffer),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// ID 返回链路标识
func (l *connLink) ID() string { return l.id }

// Send 发送一帧
func (l *connLink) Send(ctx context.Context, frame types.Frame) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(deadline)
		defer func() { _ = l.conn.SetWriteDeadline(noDeadline) }()
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return wire.WriteFrame(l.conn, frame)
}

// Frames 返回入站帧通道
func (l *connLink) Frames() <-chan types.Frame { return l.frames }

// Err 返回链路终止原因
func (l *connLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close 关闭链路
func (l *connLink) Close() error {
	l.terminate(nil)
	return nil
}

// LocalSecurity 返回信道绑定材料
func (l *connLink) LocalSecurity() []byte { return nil }

// RemoteSecurity 返回信道绑定材料
func (l *connLink) RemoteSecurity() []byte { return nil }

// readLoop 持续读帧直到连接终止
//
// 帧通道只在这里关闭，避免与投递竞争。
func (l *connLink) readLoop() {
	defer close(l.frames)
	for {
		frame, err := wire.ReadFrame(l.conn)
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
func (l *connLink) terminate(err error) {
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

	if err != nil {
		log.Debug("链路终止", "id", l.id, "err", err)
	}
}

var _ interfaces.Link = (*connLink)(nil)
