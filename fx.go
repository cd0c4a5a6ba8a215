package mesh

import (
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-mesh/internal/config"
	"github.com/dep2p/go-mesh/internal/core/messaging"
	"github.com/dep2p/go-mesh/internal/core/peer"
	"github.com/dep2p/go-mesh/internal/core/topology"
	"github.com/dep2p/go-mesh/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              Fx 应用组装
// ════════════════════════════════════════════════════════════════════════════

// buildApp 组装节点内部服务
func (n *Node) buildApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.NopLogger,

		fx.Supply(cfg),
		fx.Provide(func() clock.Clock { return n.clk }),
		fx.Provide(func() prometheus.Registerer { return n.registerer }),

		topology.Module(),
		fx.Provide(provideRouter),
		messaging.Module(),

		fx.Invoke(bindFrameSink),
		fx.Populate(&n.topo, &n.msg),
	)
}

// provideRouter 把拓扑适配为消息层的路由接口
func provideRouter(t *topology.Topology) messaging.Router {
	return &topologyRouter{topo: t}
}

// bindFrameSink 把数据帧从拓扑层接到消息层
func bindFrameSink(t *topology.Topology, s *messaging.Service) {
	t.SetFrameSink(func(p *peer.Peer, frame types.Frame) {
		s.HandleFrame(p, frame)
	})
}

// ============================================================================
//                              路由适配
// ============================================================================

// topologyRouter 以 Topology 实现 messaging.Router
type topologyRouter struct {
	topo *topology.Topology
}

// SelfID 返回本节点标识
func (r *topologyRouter) SelfID() types.NodeID {
	return r.topo.SelfID()
}

// NextHop 返回去往 target 的下一跳
func (r *topologyRouter) NextHop(target types.NodeID) (messaging.Sender, bool) {
	p, ok := r.topo.NextHop(target)
	if !ok {
		return nil, false
	}
	return p, true
}

// Peer 按节点标识查找直连对端
func (r *topologyRouter) Peer(id types.NodeID) (messaging.Sender, bool) {
	p, ok := r.topo.Peer(id)
	if !ok {
		return nil, false
	}
	return p, true
}
