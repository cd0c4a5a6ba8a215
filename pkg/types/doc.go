// Package types 定义 go-mesh 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 go-mesh 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据：
//   - NodeID：节点标识（不透明字节串）
//   - Frame：协议帧（协商、路由 gossip、应用数据）
//   - PeerState / DisconnectReason：对等连接生命周期枚举
package types
