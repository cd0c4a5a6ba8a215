package routing

import "github.com/dep2p/go-mesh/pkg/types"

// ============================================================================
//                              优先队列
// ============================================================================

// item 队列元素：节点、累计延迟、首跳
type item struct {
	id   types.NodeID
	dist int64
	hop  types.NodeID
}

// priorityQueue 最小堆，container/heap 适配
//
// 排序键：累计延迟，相同延迟按首跳字典序，再按节点字典序，
// 保证计算结果确定。
type priorityQueue []item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].dist != pq[j].dist {
		return pq[i].dist < pq[j].dist
	}
	if pq[i].hop != pq[j].hop {
		return pq[i].hop.Less(pq[j].hop)
	}
	return pq[i].id.Less(pq[j].id)
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(item))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	*pq = old[:n-1]
	return it
}
