package auth

import (
	"context"

	"github.com/dep2p/go-mesh/pkg/interfaces"
)

// AnonymousID anonymous 认证方式标识
const AnonymousID = "anonymous"

// ============================================================================
//                              Anonymous 提供者
// ============================================================================

// Anonymous 匿名认证提供者
//
// 客户端发送空的初始数据，服务端无条件放行。
// 用于受信环境（本机 IPC）或测试。
type Anonymous struct{}

// NewAnonymous 创建匿名认证提供者
func NewAnonymous() *Anonymous {
	return &Anonymous{}
}

// ID 返回认证方式标识
func (a *Anonymous) ID() string { return AnonymousID }

// CreateClientFlow 创建客户端 flow
func (a *Anonymous) CreateClientFlow(_ interfaces.AuthContext) (interfaces.ClientAuthFlow, error) {
	return anonymousClientFlow{}, nil
}

// CreateServerFlow 创建服务端 flow
func (a *Anonymous) CreateServerFlow(_ interfaces.AuthContext) (interfaces.ServerAuthFlow, error) {
	return anonymousServerFlow{}, nil
}

// anonymousClientFlow 客户端 flow：只发初始消息
type anonymousClientFlow struct{}

func (anonymousClientFlow) InitialMessage(context.Context) ([]byte, error) {
	return nil, nil
}

func (anonymousClientFlow) ReceiveData(context.Context, []byte) (interfaces.AuthReply, error) {
	// 匿名认证没有后续数据交换
	return interfaces.AuthReply{Kind: interfaces.AuthReplyReject}, nil
}

func (anonymousClientFlow) Destroy() error { return nil }

// anonymousServerFlow 服务端 flow：对初始消息直接放行
type anonymousServerFlow struct{}

func (anonymousServerFlow) ReceiveInitial(context.Context, []byte) (interfaces.AuthReply, error) {
	return interfaces.AuthReply{Kind: interfaces.AuthReplyOk}, nil
}

func (anonymousServerFlow) ReceiveData(context.Context, []byte) (interfaces.AuthReply, error) {
	return interfaces.AuthReply{Kind: interfaces.AuthReplyReject}, nil
}

func (anonymousServerFlow) Destroy() error { return nil }

var (
	_ interfaces.ClientAuthProvider = (*Anonymous)(nil)
	_ interfaces.ServerAuthProvider = (*Anonymous)(nil)
)
