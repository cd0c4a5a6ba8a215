package peer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-mesh/internal/core/emitter"
	"github.com/dep2p/go-mesh/internal/core/failure"
	"github.com/dep2p/go-mesh/internal/util/logger"
	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

var log = logger.Logger("peer")

// ============================================================================
//                              配置
// ============================================================================

// Config 对等连接配置
type Config struct {
	// LocalID 本节点标识
	LocalID types.NodeID

	// Role 连接角色
	Role types.Role

	// Capabilities 本节点能力集
	Capabilities []string

	// NegotiationTimeout 协商超时
	NegotiationTimeout time.Duration

	// PingInterval 存活探测周期
	PingInterval time.Duration

	// PingCheckInterval 失败检测轮询周期
	PingCheckInterval time.Duration

	// LatencyWindow 延迟采样窗口大小
	LatencyWindow int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: 5 * time.Second,
		PingInterval:       30 * time.Second,
		PingCheckInterval:  5 * time.Second,
		LatencyWindow:      6,
	}
}

// ============================================================================
//                              事件
// ============================================================================

// DisconnectEvent 断开事件
type DisconnectEvent struct {
	Peer   *Peer
	Reason types.DisconnectReason
}

// FrameEvent Active 状态下收到的数据或 gossip 帧
type FrameEvent struct {
	Peer  *Peer
	Frame types.Frame
}

// ============================================================================
//                              Peer 实现
// ============================================================================

// Peer 一条链路的对等连接
type Peer struct {
	mu sync.Mutex

	cfg      Config
	clk      clock.Clock
	link     interfaces.Link
	registry interfaces.AuthRegistry

	state      types.PeerState
	remoteID   types.NodeID
	remoteCaps []string

	latency       *latencyWindow
	latencySendAt time.Time
	fd            *failure.Detector

	negTimer    *clock.Timer
	pingTicker  *clock.Ticker
	checkTicker *clock.Ticker

	// 客户端认证轮换队列与当前 flow
	authQueue  []interfaces.AuthProvider
	clientFlow interfaces.ClientAuthFlow
	serverFlow interfaces.ServerAuthFlow

	connected    *emitter.Emitter[*Peer]
	disconnected *emitter.Emitter[DisconnectEvent]
	frames       *emitter.Emitter[FrameEvent]

	closed bool
	done   chan struct{}
}

// New 创建对等连接
//
// 创建后需调用 Start 启动协商。
func New(link interfaces.Link, registry interfaces.AuthRegistry, cfg Config, clk clock.Clock) *Peer {
	if clk == nil {
		clk = clock.New()
	}
	return &Peer{
		cfg:          cfg,
		clk:          clk,
		link:         link,
		registry:     registry,
		state:        types.StateInitial,
		latency:      newLatencyWindow(cfg.LatencyWindow),
		fd:           failure.NewDetector(clk),
		connected:    emitter.New[*Peer](),
		disconnected: emitter.New[DisconnectEvent](),
		frames:       emitter.New[FrameEvent](),
		done:         make(chan struct{}),
	}
}

// ============================================================================
//                              访问器
// ============================================================================

// State 返回当前状态
func (p *Peer) State() types.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LocalID 返回本节点标识
func (p *Peer) LocalID() types.NodeID {
	return p.cfg.LocalID
}

// RemoteID 返回对端标识（HELLO/SELECT 之前为空）
func (p *Peer) RemoteID() types.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID
}

// RemoteCapabilities 返回对端能力集
func (p *Peer) RemoteCapabilities() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.remoteCaps))
	copy(out, p.remoteCaps)
	return out
}

// Latency 返回延迟均值（毫秒）
//
// 尚无样本时返回 ErrNoLatency。
func (p *Peer) Latency() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency.Mean()
}

// Done 返回连接终止通知通道
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// OnConnected 订阅 Active 事件
func (p *Peer) OnConnected(fn func(*Peer)) *emitter.Subscription[*Peer] {
	return p.connected.Subscribe(fn)
}

// OnDisconnected 订阅断开事件
func (p *Peer) OnDisconnected(fn func(DisconnectEvent)) *emitter.Subscription[DisconnectEvent] {
	return p.disconnected.Subscribe(fn)
}

// OnFrame 订阅 Active 状态下的数据与 gossip 帧
func (p *Peer) OnFrame(fn func(FrameEvent)) *emitter.Subscription[FrameEvent] {
	return p.frames.Subscribe(fn)
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动协商
//
// 服务端发出 Hello；客户端开始等待 Hello。帧处理在链路的
// 投递 goroutine 上串行进行，Start 立即返回。
func (p *Peer) Start(ctx context.Context) {
	p.mu.Lock()
	now := p.clk.Now()
	if p.cfg.Role == types.RoleServer {
		p.state = types.StateWaitingForSelect
	} else {
		p.state = types.StateWaitingForHello
		// 握手起点即延迟采样起点
		p.latencySendAt = now
	}
	p.negTimer = p.clk.AfterFunc(p.cfg.NegotiationTimeout, func() {
		log.Debug("协商超时", "remote", p.RemoteID().ShortString())
		p.close(types.DisconnectNegotiationFailed)
	})
	p.mu.Unlock()

	if p.cfg.Role == types.RoleServer {
		p.sendNegotiation(ctx, &types.Hello{ID: p.cfg.LocalID, Capabilities: p.cfg.Capabilities})
	}

	go p.readLoop(ctx)
}

// Send 发送一帧
//
// 供上层（拓扑、消息转发）在 Active 状态下使用。
func (p *Peer) Send(ctx context.Context, frame types.Frame) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.state != types.StateActive {
		p.mu.Unlock()
		return ErrNotActive
	}
	p.mu.Unlock()

	return p.link.Send(ctx, frame)
}

// Disconnect 主动断开
//
// 先发送 Bye 告知对端，再关闭链路。
func (p *Peer) Disconnect(ctx context.Context) {
	if err := p.link.Send(ctx, &types.Bye{}); err != nil {
		log.Debug("发送 Bye 失败", "err", err)
	}
	p.close(types.DisconnectManual)
}

// readLoop 帧投递循环
func (p *Peer) readLoop(ctx context.Context) {
	for frame := range p.link.Frames() {
		p.handleFrame(ctx, frame)
	}

	// 链路终止：若非本地关闭则按传输错误处理
	p.mu.Lock()
	alreadyClosed := p.closed
	p.mu.Unlock()
	if !alreadyClosed {
		if err := p.link.Err(); err != nil {
			log.Debug("链路错误", "remote", p.RemoteID().ShortString(), "err", err)
		}
		p.close(types.DisconnectTransportError)
	}
}

// close 终止连接并释放全部资源
//
// 幂等；所有退出路径（协商失败、认证耗尽、失联、传输错误、
// 主动断开）都汇聚到这里。
func (p *Peer) close(reason types.DisconnectReason) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	if p.negTimer != nil {
		p.negTimer.Stop()
	}
	if p.pingTicker != nil {
		p.pingTicker.Stop()
	}
	if p.checkTicker != nil {
		p.checkTicker.Stop()
	}

	clientFlow, serverFlow := p.clientFlow, p.serverFlow
	p.clientFlow, p.serverFlow = nil, nil
	p.authQueue = nil

	close(p.done)
	p.mu.Unlock()

	if clientFlow != nil {
		if err := clientFlow.Destroy(); err != nil {
			log.Debug("释放客户端认证 flow 失败", "err", err)
		}
	}
	if serverFlow != nil {
		if err := serverFlow.Destroy(); err != nil {
			log.Debug("释放服务端认证 flow 失败", "err", err)
		}
	}

	_ = p.link.Close()

	log.Debug("连接关闭",
		"remote", p.RemoteID().ShortString(),
		"reason", reason)

	p.disconnected.Emit(DisconnectEvent{Peer: p, Reason: reason})
}

// ============================================================================
//                              Active 状态保活
// ============================================================================

// toActiveLocked 切换到 Active（须持锁调用）
//
// connect 事件由调用方在释放锁后发射。
func (p *Peer) toActiveLocked() {
	p.state = types.StateActive
	if p.negTimer != nil {
		p.negTimer.Stop()
	}

	p.pingTicker = p.clk.Ticker(p.cfg.PingInterval)
	p.checkTicker = p.clk.Ticker(p.cfg.PingCheckInterval)
	go p.keepaliveLoop()
}

// keepaliveLoop 保活循环：周期发 Ping、轮询失败检测
func (p *Peer) keepaliveLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.pingTicker.C:
			p.mu.Lock()
			p.latencySendAt = p.clk.Now()
			p.mu.Unlock()
			if err := p.link.Send(context.Background(), &types.Ping{}); err != nil {
				log.Debug("发送 Ping 失败", "remote", p.RemoteID().ShortString(), "err", err)
			}
		case <-p.checkTicker.C:
			if p.fd.CheckFailure() {
				log.Info("对端失联", "remote", p.RemoteID().ShortString())
				p.close(types.DisconnectPingTimeout)
				return
			}
		}
	}
}
