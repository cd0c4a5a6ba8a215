package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-mesh/internal/auth"
	"github.com/dep2p/go-mesh/internal/config"
	"github.com/dep2p/go-mesh/internal/core/messaging"
	"github.com/dep2p/go-mesh/internal/core/peer"
	"github.com/dep2p/go-mesh/internal/core/topology"
	"github.com/dep2p/go-mesh/internal/core/transport"
	"github.com/dep2p/go-mesh/internal/util/logger"
	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

var log = logger.Logger("mesh")

// ════════════════════════════════════════════════════════════════════════════
//                              节点状态
// ════════════════════════════════════════════════════════════════════════════

// NodeState 节点状态
type NodeState int

const (
	// StateIdle 空闲状态（已创建，未启动）
	StateIdle NodeState = iota

	// StateStarting 启动中
	StateStarting

	// StateRunning 运行中
	StateRunning

	// StateStopping 停止中
	StateStopping

	// StateStopped 已停止
	StateStopped
)

// String 返回状态的字符串表示
func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              公开类型
// ════════════════════════════════════════════════════════════════════════════

// Message 投递给应用的消息
type Message struct {
	Source  types.NodeID
	Type    string
	Payload []byte
}

// Subscription 事件订阅句柄
type Subscription interface {
	Close() error
}

// ════════════════════════════════════════════════════════════════════════════
//                              Node 实现
// ════════════════════════════════════════════════════════════════════════════

// Node 网格节点
type Node struct {
	mu    sync.Mutex
	state NodeState

	cfg  *config.Config
	opts *options
	clk  clock.Clock

	app  *fx.App
	topo *topology.Topology
	msg  *messaging.Service

	authRegistry *auth.Registry
	transports   *transport.Registry

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	listeners    []interfaces.Listener
	acceptGroup  *errgroup.Group
	acceptCancel context.CancelFunc
}

// New 创建网格节点
func New(opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	cfg, err := o.toConfig()
	if err != nil {
		return nil, err
	}

	n := &Node{
		state: StateIdle,
		cfg:   cfg,
		opts:  o,
		clk:   o.clk,
	}
	if n.clk == nil {
		n.clk = clock.New()
	}

	// 认证：未配置时退到 anonymous
	providers := o.authProviders
	if len(providers) == 0 {
		providers = []interfaces.AuthProvider{auth.NewAnonymous()}
	}
	n.authRegistry = auth.NewRegistry(providers...)

	n.transports = transport.NewRegistry(o.transports...)

	// 指标：未指定注册器时使用节点私有注册表
	if o.registerer != nil {
		n.registerer = o.registerer
	} else {
		registry := prometheus.NewRegistry()
		n.registerer = registry
		n.gatherer = registry
	}

	n.app = n.buildApp(cfg)
	if err := n.app.Err(); err != nil {
		return nil, err
	}
	return n, nil
}

// ============================================================================
//                              访问器
// ============================================================================

// ID 返回本节点标识
func (n *Node) ID() types.NodeID { return n.cfg.NodeID }

// State 返回节点状态
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// MetricsGatherer 返回节点私有指标注册表
//
// 使用 WithMetricsRegisterer 时返回 nil。
func (n *Node) MetricsGatherer() prometheus.Gatherer { return n.gatherer }

// OnNodeAvailable 订阅节点可达事件
func (n *Node) OnNodeAvailable(fn func(types.NodeID)) Subscription {
	return n.topo.OnAvailable(func(node *topology.Node) {
		fn(node.ID())
	})
}

// OnNodeUnavailable 订阅节点失联事件
func (n *Node) OnNodeUnavailable(fn func(types.NodeID)) Subscription {
	return n.topo.OnUnavailable(func(node *topology.Node) {
		fn(node.ID())
	})
}

// OnMessage 订阅投递给应用的消息
func (n *Node) OnMessage(fn func(Message)) Subscription {
	return n.msg.OnMessage(func(ev messaging.MessageEvent) {
		fn(Message{Source: ev.Source, Type: ev.Type, Payload: ev.Payload})
	})
}

// PeerLatency 返回与直连对端的延迟均值（毫秒）
func (n *Node) PeerLatency(id types.NodeID) (int64, error) {
	p, ok := n.topo.Peer(id)
	if !ok {
		return 0, ErrNoRoute
	}
	return p.Latency()
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动节点：内部服务与全部监听器
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateIdle && n.state != StateStopped {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.state = StateStarting
	n.mu.Unlock()

	if err := n.app.Start(ctx); err != nil {
		n.setState(StateStopped)
		return err
	}

	if err := n.startListeners(ctx); err != nil {
		_ = n.app.Stop(ctx)
		n.setState(StateStopped)
		return err
	}

	n.setState(StateRunning)
	log.Info("节点已启动", "id", n.cfg.NodeID.ShortString(), "endpoint", n.cfg.Endpoint)
	return nil
}

// Stop 停止节点：监听器、对等连接与内部服务
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return ErrNotRunning
	}
	n.state = StateStopping
	listeners := n.listeners
	n.listeners = nil
	cancel := n.acceptCancel
	group := n.acceptGroup
	n.mu.Unlock()

	var errs error
	if cancel != nil {
		cancel()
	}
	for _, ln := range listeners {
		errs = multierr.Append(errs, ln.Close())
	}
	if group != nil {
		_ = group.Wait()
	}

	// 未决发送全部以节点停止拒绝
	n.msg.Close(ErrNotRunning)

	errs = multierr.Append(errs, n.app.Stop(ctx))

	n.setState(StateStopped)
	log.Info("节点已停止", "id", n.cfg.NodeID.ShortString())
	return errs
}

// setState 更新节点状态
func (n *Node) setState(s NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// startListeners 启动配置的全部监听器
func (n *Node) startListeners(ctx context.Context) error {
	if len(n.opts.listens) == 0 {
		return nil
	}

	acceptCtx, cancel := context.WithCancel(context.Background())
	group, acceptCtx := errgroup.WithContext(acceptCtx)

	var listeners []interfaces.Listener
	for _, l := range n.opts.listens {
		tr, err := n.transports.Get(l.transport)
		if err != nil {
			cancel()
			closeAll(listeners)
			return err
		}
		ln, err := tr.Listen(ctx, l.addr)
		if err != nil {
			cancel()
			closeAll(listeners)
			return fmt.Errorf("mesh: listen %s %s: %w", l.transport, l.addr, err)
		}
		listeners = append(listeners, ln)

		group.Go(func() error {
			n.acceptLoop(acceptCtx, ln)
			return nil
		})
		log.Info("监听中", "transport", l.transport, "addr", ln.Addr())
	}

	n.mu.Lock()
	n.listeners = listeners
	n.acceptGroup = group
	n.acceptCancel = cancel
	n.mu.Unlock()
	return nil
}

// closeAll 关闭一组监听器
func closeAll(listeners []interfaces.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}

// acceptLoop 接受入站链路并启动服务端协商
func (n *Node) acceptLoop(ctx context.Context, ln interfaces.Listener) {
	for {
		link, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("监听器退出", "err", err)
			}
			return
		}
		n.setupPeer(ctx, link, types.RoleServer)
	}
}

// ============================================================================
//                              连接与发送
// ============================================================================

// Connect 主动连接远端节点
//
// 阻塞到协商完成，返回对端的 NodeID。
func (n *Node) Connect(ctx context.Context, transportName, addr string) (types.NodeID, error) {
	if n.State() != StateRunning {
		return types.EmptyNodeID, ErrNotRunning
	}

	tr, err := n.transports.Get(transportName)
	if err != nil {
		return types.EmptyNodeID, err
	}
	link, err := tr.Dial(ctx, addr)
	if err != nil {
		return types.EmptyNodeID, err
	}

	p := n.newPeer(link, types.RoleClient)

	connected := make(chan types.NodeID, 1)
	failed := make(chan types.DisconnectReason, 1)
	p.OnConnected(func(pp *peer.Peer) {
		n.topo.AddPeer(pp)
		select {
		case connected <- pp.RemoteID():
		default:
		}
	})
	p.OnDisconnected(func(ev peer.DisconnectEvent) {
		select {
		case failed <- ev.Reason:
		default:
		}
	})

	p.Start(ctx)

	select {
	case id := <-connected:
		return id, nil
	case reason := <-failed:
		return types.EmptyNodeID, fmt.Errorf("mesh: connect to %s failed: %s", addr, reason)
	case <-ctx.Done():
		p.Disconnect(context.Background())
		return types.EmptyNodeID, ctx.Err()
	}
}

// Send 发送应用消息并等待目标确认
//
// 拒绝类别见 ErrNoRoute、ErrLoop、ErrPeerRejected、ErrTimeout。
func (n *Node) Send(ctx context.Context, target types.NodeID, msgType string, payload []byte) error {
	if n.State() != StateRunning {
		return ErrNotRunning
	}
	return n.msg.Send(ctx, target, msgType, payload)
}

// newPeer 创建对等连接
func (n *Node) newPeer(link interfaces.Link, role types.Role) *peer.Peer {
	cfg := peer.Config{
		LocalID:            n.cfg.NodeID,
		Role:               role,
		Capabilities:       n.cfg.Capabilities,
		NegotiationTimeout: n.cfg.NegotiationTimeout,
		PingInterval:       n.cfg.PingInterval,
		PingCheckInterval:  n.cfg.PingCheckInterval,
		LatencyWindow:      n.cfg.LatencyWindow,
	}
	return peer.New(link, n.authRegistry, cfg, n.clk)
}

// setupPeer 启动入站链路的服务端协商
func (n *Node) setupPeer(ctx context.Context, link interfaces.Link, role types.Role) {
	p := n.newPeer(link, role)
	p.OnConnected(func(pp *peer.Peer) {
		n.topo.AddPeer(pp)
	})
	p.Start(ctx)
}
