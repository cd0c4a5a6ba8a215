// Package mesh 实现点对点网状消息网络
//
// 节点经可插拔传输（TCP、WebSocket、本机 IPC）互联成部分连通的
// 网格，完成协议协商与认证后交换路由 gossip，维护全网最短路径
// 视图，并在任意两节点间做多跳消息投递。
//
// 基本用法：
//
//	node, err := mesh.New(
//		mesh.WithTransport(tcp.New()),
//		mesh.WithListen("tcp", ":7710"),
//	)
//	if err != nil { ... }
//	if err := node.Start(ctx); err != nil { ... }
//	defer node.Stop(ctx)
//
//	node.OnMessage(func(msg mesh.Message) { ... })
//	err = node.Send(ctx, target, "chat", payload)
package mesh
