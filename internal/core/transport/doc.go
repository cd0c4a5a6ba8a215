// Package transport 实现传输层
//
// 子包提供具体传输：
//   - tcp：TCP，长度前缀 CBOR 帧
//   - local：本机 IPC（unix domain socket），与 tcp 同帧格式
//   - ws：WebSocket，一条二进制消息一帧
//   - inmem：进程内链路对，测试与同进程拓扑用
//
// 本包承载各流式传输共用的链路实现与传输注册表。
package transport
