package peer

import (
	"context"

	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

// ============================================================================
//                              帧分发
// ============================================================================

// handleFrame 处理一帧
//
// 在链路的投递 goroutine 上串行调用。状态未列出的 (状态, 帧) 组合
// 是协议违例，连接中止。
func (p *Peer) handleFrame(ctx context.Context, frame types.Frame) {
	// 任意状态都有效的帧
	switch frame.(type) {
	case *types.Bye:
		log.Debug("收到 Bye", "remote", p.RemoteID().ShortString())
		p.close(types.DisconnectManual)
		return
	case *types.Ping:
		p.handlePing(ctx)
		return
	case *types.Pong:
		p.handlePong()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	state := p.state
	// 协商帧都会重置协商超时
	if state != types.StateActive {
		p.negTimer.Reset(p.cfg.NegotiationTimeout)
	}
	p.mu.Unlock()

	switch state {
	case types.StateWaitingForHello:
		if hello, ok := frame.(*types.Hello); ok {
			p.clientHandleHello(ctx, hello)
			return
		}
	case types.StateWaitingForSelect:
		if sel, ok := frame.(*types.Select); ok {
			p.serverHandleSelect(ctx, sel)
			return
		}
	case types.StateWaitingForSelectAck:
		switch frame.(type) {
		case *types.Ok:
			p.clientHandleSelectAck(ctx)
			return
		case *types.Reject:
			log.Debug("Select 被拒绝", "remote", p.RemoteID().ShortString())
			p.close(types.DisconnectNegotiationFailed)
			return
		}
	case types.StateWaitingForAuth:
		if auth, ok := frame.(*types.Auth); ok {
			p.serverHandleAuth(ctx, auth)
			return
		}
	case types.StateWaitingForAuthData:
		if data, ok := frame.(*types.AuthData); ok {
			p.serverHandleAuthData(ctx, data)
			return
		}
	case types.StateWaitingForAuthAck:
		switch f := frame.(type) {
		case *types.AuthData:
			p.clientHandleAuthData(ctx, f)
			return
		case *types.Ok:
			p.clientHandleAuthOk(ctx)
			return
		case *types.Reject:
			p.clientHandleAuthReject(ctx)
			return
		}
	case types.StateWaitingForBegin:
		if _, ok := frame.(*types.Begin); ok {
			p.serverHandleBegin()
			return
		}
	case types.StateActive:
		switch frame.(type) {
		case *types.Data, *types.DataAck, *types.DataReject,
			*types.NodeSummary, *types.NodeRequest, *types.NodeDetails:
			p.frames.Emit(FrameEvent{Peer: p, Frame: frame})
			return
		}
	}

	log.Debug("状态外帧，协商中止",
		"state", state,
		"frame", frame.FrameType(),
		"remote", p.RemoteID().ShortString())
	p.close(types.DisconnectNegotiationFailed)
}

// sendNegotiation 发送协商帧
//
// 协商期间发送失败直接中止连接。
func (p *Peer) sendNegotiation(ctx context.Context, frame types.Frame) {
	if err := p.link.Send(ctx, frame); err != nil {
		log.Debug("协商帧发送失败", "frame", frame.FrameType(), "err", err)
		p.close(types.DisconnectTransportError)
	}
}

// ============================================================================
//                              存活帧
// ============================================================================

// handlePing 处理 Ping：记录心跳并应答 Pong
func (p *Peer) handlePing(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.state != types.StateActive {
		p.mu.Unlock()
		p.close(types.DisconnectNegotiationFailed)
		return
	}
	p.mu.Unlock()

	p.fd.Heartbeat()
	if err := p.link.Send(ctx, &types.Pong{}); err != nil {
		log.Debug("发送 Pong 失败", "remote", p.RemoteID().ShortString(), "err", err)
	}
}

// handlePong 处理 Pong：记录往返延迟
func (p *Peer) handlePong() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.state != types.StateActive {
		p.mu.Unlock()
		p.close(types.DisconnectNegotiationFailed)
		return
	}
	if !p.latencySendAt.IsZero() {
		p.latency.Add(p.clk.Now().Sub(p.latencySendAt))
	}
	p.mu.Unlock()
}

// ============================================================================
//                              客户端序列
// ============================================================================

// clientHandleHello 收到服务端 Hello
func (p *Peer) clientHandleHello(ctx context.Context, hello *types.Hello) {
	p.mu.Lock()
	if p.closed || p.state != types.StateWaitingForHello {
		p.mu.Unlock()
		return
	}
	if hello.ID.Equal(p.cfg.LocalID) {
		p.mu.Unlock()
		log.Warn("拒绝到自身的连接")
		p.close(types.DisconnectNegotiationFailed)
		return
	}

	p.remoteID = hello.ID
	p.remoteCaps = hello.Capabilities
	// 握手起点到 Hello 的往返即第一份延迟样本
	p.latency.Add(p.clk.Now().Sub(p.latencySendAt))
	p.state = types.StateWaitingForSelectAck
	p.latencySendAt = p.clk.Now()
	p.mu.Unlock()

	p.sendNegotiation(ctx, &types.Select{ID: p.cfg.LocalID, Capabilities: p.cfg.Capabilities})
}

// clientHandleSelectAck Select 被接受，开始认证轮换
func (p *Peer) clientHandleSelectAck(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.state != types.StateWaitingForSelectAck {
		p.mu.Unlock()
		return
	}
	p.latency.Add(p.clk.Now().Sub(p.latencySendAt))
	// 按配置顺序快照提供者队列
	p.authQueue = p.registry.Providers()
	p.mu.Unlock()

	p.advanceClientAuth(ctx)
}

// advanceClientAuth 尝试队列中下一个认证提供者
//
// 跳过无法创建客户端 flow 的提供者；队列耗尽则以 AuthReject 中止。
func (p *Peer) advanceClientAuth(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if len(p.authQueue) == 0 {
			p.mu.Unlock()
			log.Debug("认证提供者耗尽", "remote", p.RemoteID().ShortString())
			p.close(types.DisconnectAuthReject)
			return
		}
		provider := p.authQueue[0]
		p.authQueue = p.authQueue[1:]
		authCtx := p.authContext()
		p.mu.Unlock()

		clientProvider, ok := provider.(interfaces.ClientAuthProvider)
		if !ok {
			continue
		}

		flow, err := clientProvider.CreateClientFlow(authCtx)
		if err != nil || flow == nil {
			log.Debug("创建客户端认证 flow 失败", "method", provider.ID(), "err", err)
			continue
		}

		initial, err := flow.InitialMessage(ctx)
		if err != nil {
			_ = flow.Destroy()
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = flow.Destroy()
			return
		}
		p.clientFlow = flow
		p.state = types.StateWaitingForAuthAck
		p.mu.Unlock()

		p.sendNegotiation(ctx, &types.Auth{Method: provider.ID(), Data: initial})
		return
	}
}

// clientHandleAuthData 服务端发来认证数据，交给当前 flow
func (p *Peer) clientHandleAuthData(ctx context.Context, frame *types.AuthData) {
	p.mu.Lock()
	flow := p.clientFlow
	p.mu.Unlock()
	if flow == nil {
		p.close(types.DisconnectNegotiationFailed)
		return
	}

	reply, err := flow.ReceiveData(ctx, frame.Data)

	// 挂起点之后重新校验状态
	p.mu.Lock()
	if p.closed || p.clientFlow != flow {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err != nil || reply.Kind == interfaces.AuthReplyReject {
		p.rotateClientAuth(ctx)
		return
	}
	if reply.Kind == interfaces.AuthReplyData {
		p.sendNegotiation(ctx, &types.AuthData{Data: reply.Data})
	}
}

// clientHandleAuthOk 认证通过：转 Active 并宣告 Begin
func (p *Peer) clientHandleAuthOk(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.state != types.StateWaitingForAuthAck {
		p.mu.Unlock()
		return
	}
	flow := p.clientFlow
	p.clientFlow = nil
	p.toActiveLocked()
	p.mu.Unlock()

	if flow != nil {
		_ = flow.Destroy()
	}

	log.Debug("协商完成", "remote", p.RemoteID().ShortString(), "role", "client")
	p.connected.Emit(p)

	// 状态先行切换：Begin 发送失败不影响本端视角
	if err := p.link.Send(ctx, &types.Begin{}); err != nil {
		log.Debug("发送 Begin 失败", "err", err)
	}
}

// clientHandleAuthReject 当前认证方式被拒，轮换下一个
func (p *Peer) clientHandleAuthReject(ctx context.Context) {
	p.rotateClientAuth(ctx)
}

// rotateClientAuth 释放当前 flow 并尝试下一个提供者
func (p *Peer) rotateClientAuth(ctx context.Context) {
	p.mu.Lock()
	flow := p.clientFlow
	p.clientFlow = nil
	p.mu.Unlock()

	if flow != nil {
		_ = flow.Destroy()
	}
	p.advanceClientAuth(ctx)
}

// ============================================================================
//                              服务端序列
// ============================================================================

// serverHandleSelect 收到客户端 Select
func (p *Peer) serverHandleSelect(ctx context.Context, sel *types.Select) {
	p.mu.Lock()
	if p.closed || p.state != types.StateWaitingForSelect {
		p.mu.Unlock()
		return
	}
	if sel.ID.Equal(p.cfg.LocalID) {
		p.mu.Unlock()
		log.Warn("拒绝到自身的连接")
		p.close(types.DisconnectNegotiationFailed)
		return
	}

	p.remoteID = sel.ID
	p.remoteCaps = sel.Capabilities
	p.state = types.StateWaitingForAuth
	p.mu.Unlock()

	p.sendNegotiation(ctx, &types.Ok{})
}

// serverHandleAuth 收到认证请求
func (p *Peer) serverHandleAuth(ctx context.Context, auth *types.Auth) {
	provider, ok := p.registry.Provider(auth.Method)
	var serverProvider interfaces.ServerAuthProvider
	if ok {
		serverProvider, ok = provider.(interfaces.ServerAuthProvider)
	}
	if !ok {
		// 方式不可用：拒绝并继续等待其他 Auth
		log.Debug("认证方式不可用", "method", auth.Method)
		p.sendNegotiation(ctx, &types.Reject{})
		return
	}

	p.mu.Lock()
	authCtx := p.authContext()
	p.mu.Unlock()

	flow, err := serverProvider.CreateServerFlow(authCtx)
	if err != nil || flow == nil {
		log.Debug("创建服务端认证 flow 失败", "method", auth.Method, "err", err)
		p.sendNegotiation(ctx, &types.Reject{})
		return
	}

	reply, err := flow.ReceiveInitial(ctx, auth.Data)
	p.applyServerAuthReply(ctx, flow, reply, err)
}

// serverHandleAuthData 收到认证数据，交给当前 flow
func (p *Peer) serverHandleAuthData(ctx context.Context, frame *types.AuthData) {
	p.mu.Lock()
	flow := p.serverFlow
	p.mu.Unlock()
	if flow == nil {
		p.close(types.DisconnectNegotiationFailed)
		return
	}

	reply, err := flow.ReceiveData(ctx, frame.Data)
	p.applyServerAuthReply(ctx, flow, reply, err)
}

// applyServerAuthReply 根据服务端 flow 的应答推进状态
func (p *Peer) applyServerAuthReply(ctx context.Context, flow interfaces.ServerAuthFlow, reply interfaces.AuthReply, err error) {
	if err != nil {
		_ = flow.Destroy()
		p.close(types.DisconnectNegotiationFailed)
		return
	}

	// 挂起点之后重新校验状态
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = flow.Destroy()
		return
	}

	switch reply.Kind {
	case interfaces.AuthReplyOk:
		p.serverFlow = nil
		p.state = types.StateWaitingForBegin
		p.mu.Unlock()
		_ = flow.Destroy()
		p.sendNegotiation(ctx, &types.Ok{})

	case interfaces.AuthReplyReject:
		p.serverFlow = nil
		p.state = types.StateWaitingForAuth
		p.mu.Unlock()
		_ = flow.Destroy()
		p.sendNegotiation(ctx, &types.Reject{})

	case interfaces.AuthReplyData:
		if len(reply.Data) == 0 {
			p.mu.Unlock()
			_ = flow.Destroy()
			log.Debug("服务端认证 flow 返回空数据")
			p.close(types.DisconnectNegotiationFailed)
			return
		}
		p.serverFlow = flow
		p.state = types.StateWaitingForAuthData
		p.mu.Unlock()
		p.sendNegotiation(ctx, &types.AuthData{Data: reply.Data})
	}
}

// serverHandleBegin 协商完成
func (p *Peer) serverHandleBegin() {
	p.mu.Lock()
	if p.closed || p.state != types.StateWaitingForBegin {
		p.mu.Unlock()
		return
	}
	p.toActiveLocked()
	p.mu.Unlock()

	log.Debug("协商完成", "remote", p.RemoteID().ShortString(), "role", "server")
	p.connected.Emit(p)
}

// authContext 构造认证上下文（须持锁调用）
func (p *Peer) authContext() interfaces.AuthContext {
	return interfaces.AuthContext{
		LocalPublicSecurity:  p.link.LocalSecurity(),
		RemotePublicSecurity: p.link.RemoteSecurity(),
	}
}
