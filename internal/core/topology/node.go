package topology

import (
	"github.com/dep2p/go-mesh/pkg/types"
)

// ============================================================================
//                              Node - 已知节点记录
// ============================================================================

// Node 全网范围内一个已知节点的记录（含本节点自身）
//
// 并发控制由 Topology 的锁负责，方法本身不加锁。
type Node struct {
	id types.NodeID

	// version 单调递增的路由版本，gossip 对账游标
	version uint32

	// direct 是否经由当前连接的对等连接直接可达
	direct bool

	// outgoing 生效出边：邻居 → 延迟（毫秒）
	// 非本节点时镜像任一广告者发来的最新 NodeDetails
	outgoing map[types.NodeID]int64

	// advertisers 当前把该节点广告为可达的对端集合
	advertisers map[types.NodeID]struct{}
}

// newNode 创建节点记录
func newNode(id types.NodeID) *Node {
	return &Node{
		id:          id,
		outgoing:    make(map[types.NodeID]int64),
		advertisers: make(map[types.NodeID]struct{}),
	}
}

// ID 返回节点标识
func (n *Node) ID() types.NodeID { return n.id }

// Version 返回路由版本
func (n *Node) Version() uint32 { return n.version }

// Direct 返回是否直接可达
func (n *Node) Direct() bool { return n.direct }

// ============================================================================
//                              路由详情维护
// ============================================================================

// updateRouting 采纳 peerID 广告的路由详情
//
// 仅当广告版本比本地新时替换生效出边。返回生效出边是否变化。
func (n *Node) updateRouting(peerID types.NodeID, details types.NodeRoutingDetails) bool {
	n.advertisers[peerID] = struct{}{}

	if n.version != 0 && !versionNewer(details.Version, n.version) {
		return false
	}

	edges := make(map[types.NodeID]int64, len(details.Neighbors))
	for _, nb := range details.Neighbors {
		edges[nb.ID] = nb.Latency
	}

	changed := !edgesEqual(n.outgoing, edges)
	n.version = details.Version
	n.outgoing = edges
	return changed
}

// removeRouting 撤销 peerID 对该节点的广告
//
// 最后一个广告者消失且节点不直接可达时清空生效出边。
// 返回生效出边是否变化。
func (n *Node) removeRouting(peerID types.NodeID) bool {
	delete(n.advertisers, peerID)

	if len(n.advertisers) > 0 || n.direct {
		return false
	}
	if len(n.outgoing) == 0 {
		return false
	}
	n.outgoing = make(map[types.NodeID]int64)
	return true
}

// setEdges 重建生效出边（用于本节点自身）
//
// 出边变化时 version 递增。返回是否变化。
func (n *Node) setEdges(edges map[types.NodeID]int64) bool {
	if edgesEqual(n.outgoing, edges) {
		return false
	}
	n.outgoing = edges
	n.version++
	return true
}

// details 导出路由详情（gossip 应答用）
func (n *Node) details() types.NodeRoutingDetails {
	neighbors := make([]types.Neighbor, 0, len(n.outgoing))
	for id, latency := range n.outgoing {
		neighbors = append(neighbors, types.Neighbor{ID: id, Latency: latency})
	}
	return types.NodeRoutingDetails{
		ID:        n.id,
		Version:   n.version,
		Neighbors: neighbors,
	}
}

// edgesEqual 比较两组出边
func edgesEqual(a, b map[types.NodeID]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for id, latency := range a {
		if other, ok := b[id]; !ok || other != latency {
			return false
		}
	}
	return true
}
