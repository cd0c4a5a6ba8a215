// Package peer 实现单条链路的对等连接状态机
//
// Peer 把一条原始双向链路推进到已认证、带保活的 Active 状态：
//
//	服务端: 发 Hello → 收 Select → 认证往返 → 收 Begin → Active
//	客户端: 收 Hello → 发 Select → 认证往返 → 收 Ok → Active（再发 Begin）
//
// 协商期间任何意外帧、超时或发送失败都会中止连接并释放全部资源
// （定时器、认证 flow、链路）。Active 之后按周期发送 Ping，
// 由 accrual 失败检测器判定对端失联。
//
// 并发模型：帧由链路的单个 goroutine 串行投递；状态在每次
// 认证 flow 调用（挂起点）之后重新校验。
package peer
