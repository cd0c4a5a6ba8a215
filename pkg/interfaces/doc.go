// Package interfaces 定义 go-mesh 与外部协作者之间的契约
//
// 引擎只依赖这里的接口，不依赖具体实现：
//   - Transport / Listener / Link：传输层（TCP、WebSocket、本机 IPC、内存对）
//   - AuthProvider 及其 client/server flow：可插拔认证
//
// 实现位于 internal/core/transport 与 internal/auth，
// 使用者也可以提供自己的实现。
package interfaces
