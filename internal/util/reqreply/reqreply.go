// Package reqreply 实现请求应答配对
//
// 为每个出站请求分配会话内单调递增的 requestId，登记一个
// 恰好完成一次的结果槽，并武装超时。应答或错误按 id 回填；
// 未知 id（先前已超时、重复应答）是无害的空操作。
package reqreply

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTimeout 默认请求超时
const DefaultTimeout = 30 * time.Second

// ErrTimedOut 请求超时
var ErrTimedOut = errors.New("Timed out")

// ============================================================================
//                              Helper 实现
// ============================================================================

// Helper 请求应答配对器
type Helper struct {
	mu sync.Mutex

	clk     clock.Clock
	timeout time.Duration

	nextID  uint32
	pending map[uint32]*pendingRequest
}

// pendingRequest 未决请求
//
// result 缓冲为 1：解决方写入后无需等待读取方。
type pendingRequest struct {
	result chan error
	timer  *clock.Timer
}

// New 创建配对器
//
// timeout 为零时使用 DefaultTimeout。
func New(clk clock.Clock, timeout time.Duration) *Helper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Helper{
		clk:     clk,
		timeout: timeout,
		pending: make(map[uint32]*pendingRequest),
	}
}

// Prepare 登记一个新请求
//
// 返回分配的 requestId 和结果通道。通道恰好收到一个值：
// nil（应答到达）或错误（拒绝、超时）。
func (h *Helper) Prepare() (uint32, <-chan error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 会话内单调递增，容忍回绕；跳过仍未决的 id
	id := h.nextID
	for {
		id++
		if _, taken := h.pending[id]; !taken {
			break
		}
	}
	h.nextID = id

	req := &pendingRequest{result: make(chan error, 1)}
	req.timer = h.clk.AfterFunc(h.timeout, func() {
		h.RegisterError(id, ErrTimedOut)
	})
	h.pending[id] = req

	return id, req.result
}

// RegisterReply 回填应答
//
// 未知 id 是空操作。
func (h *Helper) RegisterReply(id uint32) {
	if req := h.take(id); req != nil {
		req.result <- nil
	}
}

// RegisterError 回填错误
//
// 未知 id 是空操作。
func (h *Helper) RegisterError(id uint32, err error) {
	if req := h.take(id); req != nil {
		req.result <- err
	}
}

// Outstanding 返回未决请求数量
func (h *Helper) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close 释放所有未决请求
//
// 每个未决请求收到 err。
func (h *Helper) Close(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[uint32]*pendingRequest)
	h.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		req.result <- err
	}
}

// take 摘除未决请求并停掉定时器
//
// 摘除在锁内完成，保证每个 id 至多被解决一次。
func (h *Helper) take(id uint32) *pendingRequest {
	h.mu.Lock()
	defer h.mu.Unlock()

	req, ok := h.pending[id]
	if !ok {
		return nil
	}
	delete(h.pending, id)
	req.timer.Stop()
	return req
}
