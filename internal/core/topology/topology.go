// Package topology 实现网格拓扑编排
//
// Topology 持有全部对等连接与已知节点记录：
//   - 对等连接转 Active 后纳管，断开后清理其全部路由贡献
//   - 周期性（100ms 合并窗口）向所有对端广播 NodeSummary
//   - 按 summary/request/details 三步 gossip 拉取缺失路由详情
//   - 拓扑变化后惰性刷新最短路径表，发射 available/unavailable 事件
//
// 端点模式只消费 gossip：不广播、不应答详情请求。
// 所有拓扑状态由单把锁串行化；事件在锁外发射。
package topology

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-mesh/internal/config"
	"github.com/dep2p/go-mesh/internal/core/emitter"
	"github.com/dep2p/go-mesh/internal/core/peer"
	"github.com/dep2p/go-mesh/internal/core/routing"
	"github.com/dep2p/go-mesh/internal/util/logger"
	"github.com/dep2p/go-mesh/pkg/types"
)

var log = logger.Logger("topology")

// defaultEdgeLatency 尚无延迟样本时的边权（毫秒）
const defaultEdgeLatency = 1

// FrameSink 应用数据帧的接收方（消息层）
type FrameSink func(p *peer.Peer, frame types.Frame)

// closer 订阅句柄
type closer interface{ Close() error }

// ============================================================================
//                              peerDetails
// ============================================================================

// peerDetails 纳管中的对等连接
type peerDetails struct {
	peer *peer.Peer

	// advertised 该对端当前广告的节点集合
	advertised map[types.NodeID]struct{}

	// subs 事件订阅句柄，解除纳管时关闭
	subs []closer
}

// ============================================================================
//                              Topology 实现
// ============================================================================

// Topology 拓扑编排器
type Topology struct {
	mu sync.Mutex

	cfg *config.Config
	clk clock.Clock

	self  *Node
	nodes map[types.NodeID]*Node
	// order 节点插入顺序，保证路由快照稳定
	order []types.NodeID

	peers map[types.NodeID]*peerDetails

	table *routing.Table
	dirty bool

	broadcastPending bool
	broadcastTimer   *clock.Timer

	sink FrameSink

	available   *emitter.Emitter[*Node]
	unavailable *emitter.Emitter[*Node]

	metrics *metrics
	closed  bool
}

// New 创建拓扑编排器
func New(cfg *config.Config, clk clock.Clock, registerer prometheus.Registerer) *Topology {
	if clk == nil {
		clk = clock.New()
	}

	t := &Topology{
		cfg:         cfg,
		clk:         clk,
		nodes:       make(map[types.NodeID]*Node),
		peers:       make(map[types.NodeID]*peerDetails),
		table:       routing.NewTable(cfg.NodeID),
		available:   emitter.New[*Node](),
		unavailable: emitter.New[*Node](),
		metrics:     newMetrics(registerer),
	}

	t.self = t.ensureNodeLocked(cfg.NodeID)
	t.self.direct = true
	return t
}

// SelfID 返回本节点标识
func (t *Topology) SelfID() types.NodeID { return t.cfg.NodeID }

// SetFrameSink 设置应用数据帧的接收方
func (t *Topology) SetFrameSink(sink FrameSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// OnAvailable 订阅节点可达事件
func (t *Topology) OnAvailable(fn func(*Node)) *emitter.Subscription[*Node] {
	return t.available.Subscribe(fn)
}

// OnUnavailable 订阅节点失联事件
func (t *Topology) OnUnavailable(fn func(*Node)) *emitter.Subscription[*Node] {
	return t.unavailable.Subscribe(fn)
}

// ============================================================================
//                              对等连接纳管
// ============================================================================

// AddPeer 纳管一条 Active 对等连接
//
// 同一 remoteId 已有连接时忽略新连接（先到者保留）。
func (t *Topology) AddPeer(p *peer.Peer) {
	remoteID := p.RemoteID()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, exists := t.peers[remoteID]; exists {
		t.mu.Unlock()
		log.Debug("忽略重复连接", "remote", remoteID.ShortString())
		return
	}

	pd := &peerDetails{
		peer:       p,
		advertised: make(map[types.NodeID]struct{}),
	}
	pd.subs = append(pd.subs,
		p.OnFrame(func(ev peer.FrameEvent) {
			t.handleFrame(ev.Peer, ev.Frame)
		}),
		p.OnDisconnected(func(ev peer.DisconnectEvent) {
			t.removePeer(ev.Peer)
		}),
	)
	t.peers[remoteID] = pd

	node := t.ensureNodeLocked(remoteID)
	node.direct = true

	t.rebuildSelfLocked()
	t.scheduleBroadcastLocked()
	t.metrics.peers.Set(float64(len(t.peers)))

	ev := t.refreshLocked()
	t.mu.Unlock()

	log.Info("对等连接纳管", "remote", remoteID.ShortString())
	t.emit(ev)
}

// removePeer 解除纳管并清理其路由贡献
func (t *Topology) removePeer(p *peer.Peer) {
	remoteID := p.RemoteID()

	t.mu.Lock()
	pd, ok := t.peers[remoteID]
	if !ok || pd.peer != p {
		t.mu.Unlock()
		return
	}
	delete(t.peers, remoteID)
	subs := pd.subs

	if node, ok := t.nodes[remoteID]; ok {
		node.direct = false
		node.removeRouting(remoteID)
	}
	for id := range pd.advertised {
		if node, ok := t.nodes[id]; ok {
			node.removeRouting(remoteID)
		}
	}

	t.rebuildSelfLocked()
	t.scheduleBroadcastLocked()
	t.metrics.peers.Set(float64(len(t.peers)))

	ev := t.refreshLocked()
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	log.Info("对等连接移除", "remote", remoteID.ShortString())
	t.emit(ev)
}

// Peer 按节点标识查找纳管中的对等连接
func (t *Topology) Peer(id types.NodeID) (*peer.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pd, ok := t.peers[id]
	if !ok {
		return nil, false
	}
	return pd.peer, true
}

// Peers 返回所有纳管中的对等连接
func (t *Topology) Peers() []*peer.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peer.Peer, 0, len(t.peers))
	for _, pd := range t.peers {
		out = append(out, pd.peer)
	}
	return out
}

// Node 按标识查找已知节点
func (t *Topology) Node(id types.NodeID) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	return n, ok
}

// NextHop 返回去往 target 的下一跳对等连接
func (t *Topology) NextHop(target types.NodeID) (*peer.Peer, bool) {
	t.mu.Lock()
	ev := t.refreshLocked()

	var next *peer.Peer
	hopID, ok := t.table.NextHop(target)
	if ok {
		if pd, tracked := t.peers[hopID]; tracked {
			next = pd.peer
		} else {
			ok = false
		}
	}
	t.mu.Unlock()

	t.emit(ev)
	return next, ok && next != nil
}

// Close 关闭拓扑：断开全部对等连接
func (t *Topology) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.broadcastTimer != nil {
		t.broadcastTimer.Stop()
	}
	peers := make([]*peer.Peer, 0, len(t.peers))
	for _, pd := range t.peers {
		peers = append(peers, pd.peer)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.Disconnect(ctx)
	}
}

// ============================================================================
//                              gossip 处理
// ============================================================================

// handleFrame 处理 Active 对端发来的路由与数据帧
func (t *Topology) handleFrame(p *peer.Peer, frame types.Frame) {
	switch f := frame.(type) {
	case *types.NodeSummary:
		t.handleSummary(p, f)
	case *types.NodeRequest:
		t.handleRequest(p, f)
	case *types.NodeDetails:
		t.handleDetails(p, f)
	case *types.Data, *types.DataAck, *types.DataReject:
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink(p, frame)
		}
	}
}

// handleSummary 处理路由摘要
//
// 版本落后的节点进入请求集合；摘要中消失的节点撤销该对端的
// 路由贡献。
func (t *Topology) handleSummary(p *peer.Peer, summary *types.NodeSummary) {
	remoteID := p.RemoteID()

	t.mu.Lock()
	pd, tracked := t.peers[remoteID]
	if !tracked {
		t.mu.Unlock()
		return
	}

	var request []types.NodeID

	// 对端自身的版本也参与对账
	peerNode := t.ensureNodeLocked(remoteID)
	if versionNewer(summary.OwnVersion, peerNode.version) {
		request = append(request, remoteID)
	}

	inSummary := make(map[types.NodeID]struct{}, len(summary.Nodes))
	for _, entry := range summary.Nodes {
		if entry.ID.Equal(t.cfg.NodeID) {
			continue
		}
		inSummary[entry.ID] = struct{}{}

		node := t.ensureNodeLocked(entry.ID)
		node.advertisers[remoteID] = struct{}{}
		pd.advertised[entry.ID] = struct{}{}

		if versionNewer(entry.Version, node.version) && !containsID(request, entry.ID) {
			request = append(request, entry.ID)
		}
	}

	// 摘要不再提及且非直连的节点：撤销该对端的贡献
	changed := false
	for id := range pd.advertised {
		if _, still := inSummary[id]; still {
			continue
		}
		delete(pd.advertised, id)
		if node, ok := t.nodes[id]; ok && !node.direct {
			if node.removeRouting(remoteID) {
				changed = true
			}
		}
	}
	if changed {
		t.scheduleBroadcastLocked()
	}

	ev := t.refreshLocked()
	t.mu.Unlock()

	t.emit(ev)

	if len(request) > 0 {
		if err := p.Send(context.Background(), &types.NodeRequest{Nodes: request}); err != nil {
			log.Debug("发送 NodeRequest 失败", "remote", remoteID.ShortString(), "err", err)
		}
	}
}

// handleRequest 应答路由详情请求
func (t *Topology) handleRequest(p *peer.Peer, req *types.NodeRequest) {
	// 端点不参与路由广告
	if t.cfg.Endpoint {
		return
	}

	t.mu.Lock()
	details := make([]types.NodeRoutingDetails, 0, len(req.Nodes))
	for _, id := range req.Nodes {
		if node, ok := t.nodes[id]; ok && len(node.outgoing) > 0 {
			details = append(details, node.details())
		}
	}
	t.mu.Unlock()

	if len(details) == 0 {
		return
	}
	if err := p.Send(context.Background(), &types.NodeDetails{Nodes: details}); err != nil {
		log.Debug("发送 NodeDetails 失败", "remote", p.RemoteID().ShortString(), "err", err)
	}
}

// handleDetails 采纳路由详情
func (t *Topology) handleDetails(p *peer.Peer, det *types.NodeDetails) {
	remoteID := p.RemoteID()

	t.mu.Lock()
	pd, tracked := t.peers[remoteID]
	if !tracked {
		t.mu.Unlock()
		return
	}

	changed := false
	for _, nd := range det.Nodes {
		// 拒绝覆盖本节点自身
		if nd.ID.Equal(t.cfg.NodeID) {
			continue
		}
		node := t.ensureNodeLocked(nd.ID)
		pd.advertised[nd.ID] = struct{}{}
		if node.updateRouting(remoteID, nd) {
			changed = true
		}
	}

	if changed {
		t.scheduleBroadcastLocked()
	}
	ev := t.refreshLocked()
	t.mu.Unlock()

	t.emit(ev)
}

// ============================================================================
//                              广播
// ============================================================================

// scheduleBroadcastLocked 安排一次合并广播（须持锁调用）
func (t *Topology) scheduleBroadcastLocked() {
	t.dirty = true

	if t.cfg.Endpoint || t.closed || t.broadcastPending {
		return
	}
	t.broadcastPending = true
	t.broadcastTimer = t.clk.AfterFunc(t.cfg.BroadcastDelay, t.broadcast)
}

// broadcast 向所有对端发送 NodeSummary
func (t *Topology) broadcast() {
	t.mu.Lock()
	t.broadcastPending = false
	if t.closed {
		t.mu.Unlock()
		return
	}

	entries := make([]types.NodeSummaryEntry, 0, len(t.order))
	for _, id := range t.order {
		node := t.nodes[id]
		if len(node.outgoing) == 0 {
			continue
		}
		entries = append(entries, types.NodeSummaryEntry{ID: id, Version: node.version})
	}
	summary := &types.NodeSummary{
		OwnVersion: t.self.version,
		Nodes:      entries,
	}

	peers := make([]*peer.Peer, 0, len(t.peers))
	for _, pd := range t.peers {
		peers = append(peers, pd.peer)
	}
	t.metrics.broadcasts.Inc()
	t.mu.Unlock()

	for _, p := range peers {
		if err := p.Send(context.Background(), summary); err != nil {
			log.Debug("广播 NodeSummary 失败", "remote", p.RemoteID().ShortString(), "err", err)
		}
	}
}

// ============================================================================
//                              内部维护
// ============================================================================

// ensureNodeLocked 取得或创建节点记录（须持锁调用）
func (t *Topology) ensureNodeLocked(id types.NodeID) *Node {
	if node, ok := t.nodes[id]; ok {
		return node
	}
	node := newNode(id)
	t.nodes[id] = node
	t.order = append(t.order, id)
	t.metrics.nodes.Set(float64(len(t.nodes)))
	return node
}

// rebuildSelfLocked 依据当前对等连接重建本节点出边（须持锁调用）
func (t *Topology) rebuildSelfLocked() {
	edges := make(map[types.NodeID]int64, len(t.peers))
	for id, pd := range t.peers {
		latency, err := pd.peer.Latency()
		if err != nil || latency <= 0 {
			latency = defaultEdgeLatency
		}
		edges[id] = latency
	}
	if t.self.setEdges(edges) {
		t.dirty = true
	}
}

// refreshLocked 惰性重算路由表（须持锁调用）
//
// 返回需要在锁外发射的事件。
func (t *Topology) refreshLocked() routeEvents {
	if !t.dirty {
		return routeEvents{}
	}
	t.dirty = false

	snapshot := make([]routing.Node, 0, len(t.order))
	for _, id := range t.order {
		node := t.nodes[id]
		edges := make([]routing.Edge, 0, len(node.outgoing))
		for to, latency := range node.outgoing {
			edges = append(edges, routing.Edge{To: to, Latency: latency})
		}
		snapshot = append(snapshot, routing.Node{ID: id, Edges: edges})
	}

	available, unavailable := t.table.Refresh(snapshot)

	ev := routeEvents{}
	for _, id := range available {
		if node, ok := t.nodes[id]; ok {
			ev.available = append(ev.available, node)
		}
	}
	for _, id := range unavailable {
		if node, ok := t.nodes[id]; ok {
			ev.unavailable = append(ev.unavailable, node)
		}
	}
	return ev
}

// routeEvents 待发射的可达性事件
type routeEvents struct {
	available   []*Node
	unavailable []*Node
}

// emit 发射可达性事件（锁外调用）
func (t *Topology) emit(ev routeEvents) {
	for _, node := range ev.available {
		t.available.Emit(node)
	}
	for _, node := range ev.unavailable {
		t.unavailable.Emit(node)
	}
}

// containsID 判断切片是否含有指定 id
func containsID(ids []types.NodeID, id types.NodeID) bool {
	for _, x := range ids {
		if x.Equal(id) {
			return true
		}
	}
	return false
}
