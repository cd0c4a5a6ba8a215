// Package routing 实现最短路径路由表
//
// 拓扑层把已知节点的出边快照交给 Refresh，这里从本节点出发跑
// Dijkstra，得到每个可达节点的首跳与路径延迟。平局裁决：
// 累计延迟更低者优先；延迟相同比较首跳字典序；仍相同时按
// 快照给出的插入顺序保持稳定。
package routing

import (
	"container/heap"
	"sync"

	"github.com/dep2p/go-mesh/internal/util/logger"
	"github.com/dep2p/go-mesh/pkg/types"
)

var log = logger.Logger("routing")

// ============================================================================
//                              输入快照
// ============================================================================

// Edge 出边：邻居与延迟（毫秒）
type Edge struct {
	To      types.NodeID
	Latency int64
}

// Node 快照节点
type Node struct {
	ID    types.NodeID
	Edges []Edge
}

// Hop 路由项：首跳与路径延迟
type Hop struct {
	Next    types.NodeID
	Latency int64
}

// ============================================================================
//                              Table 实现
// ============================================================================

// Table 路由表
type Table struct {
	mu sync.RWMutex

	self   types.NodeID
	routes map[types.NodeID]Hop
}

// NewTable 创建路由表
func NewTable(self types.NodeID) *Table {
	return &Table{
		self:   self,
		routes: make(map[types.NodeID]Hop),
	}
}

// Refresh 根据拓扑快照重算最短路径
//
// 返回本次刷新中新可达与新失联的节点。快照未变时两者皆空，
// 路由表保持稳定。
func (t *Table) Refresh(nodes []Node) (available, unavailable []types.NodeID) {
	routes := t.dijkstra(nodes)

	t.mu.Lock()
	prev := t.routes
	t.routes = routes
	t.mu.Unlock()

	for id := range routes {
		if _, ok := prev[id]; !ok {
			available = append(available, id)
		}
	}
	for id := range prev {
		if _, ok := routes[id]; !ok {
			unavailable = append(unavailable, id)
		}
	}

	if len(available) > 0 || len(unavailable) > 0 {
		log.Debug("路由表更新",
			"reachable", len(routes),
			"available", len(available),
			"unavailable", len(unavailable))
	}
	return available, unavailable
}

// NextHop 返回去往 target 的首跳
func (t *Table) NextHop(target types.NodeID) (types.NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hop, ok := t.routes[target]
	if !ok {
		return types.EmptyNodeID, false
	}
	return hop.Next, true
}

// PathLatency 返回去往 target 的路径延迟（毫秒）
func (t *Table) PathLatency(target types.NodeID) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hop, ok := t.routes[target]
	return hop.Latency, ok
}

// Reachable 返回当前所有可达节点
func (t *Table) Reachable() []types.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.NodeID, 0, len(t.routes))
	for id := range t.routes {
		out = append(out, id)
	}
	return out
}

// ============================================================================
//                              Dijkstra
// ============================================================================

// dijkstra 从 self 出发计算全图最短路径
func (t *Table) dijkstra(nodes []Node) map[types.NodeID]Hop {
	adjacency := make(map[types.NodeID][]Edge, len(nodes))
	for _, n := range nodes {
		adjacency[n.ID] = n.Edges
	}

	dist := make(map[types.NodeID]int64, len(nodes))
	firstHop := make(map[types.NodeID]types.NodeID, len(nodes))
	visited := make(map[types.NodeID]bool, len(nodes))

	dist[t.self] = 0

	pq := priorityQueue{{id: t.self, dist: 0}}
	heap.Init(&pq)

	for pq.Len() > 0 {
		current := heap.Pop(&pq).(item)
		if visited[current.id] {
			continue
		}
		visited[current.id] = true

		for _, edge := range adjacency[current.id] {
			if visited[edge.To] {
				continue
			}

			newDist := dist[current.id] + edge.Latency

			// self 的直接邻居即为首跳，更远的节点继承首跳
			hop := firstHop[current.id]
			if current.id == t.self {
				hop = edge.To
			}

			old, seen := dist[edge.To]
			better := !seen || newDist < old
			// 延迟相同时按首跳字典序裁决
			if seen && newDist == old && hop.Less(firstHop[edge.To]) {
				better = true
			}
			if better {
				dist[edge.To] = newDist
				firstHop[edge.To] = hop
				heap.Push(&pq, item{id: edge.To, dist: newDist, hop: hop})
			}
		}
	}

	routes := make(map[types.NodeID]Hop, len(dist))
	for id, d := range dist {
		if id == t.self {
			continue
		}
		routes[id] = Hop{Next: firstHop[id], Latency: d}
	}
	return routes
}
