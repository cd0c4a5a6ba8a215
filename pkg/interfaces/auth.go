package interfaces

import "context"

// ============================================================================
//                              认证提供者
// ============================================================================

// AuthContext 认证上下文
//
// 携带传输层提供的信道绑定材料（可为空）。
type AuthContext struct {
	// LocalPublicSecurity 本端公开安全材料
	LocalPublicSecurity []byte

	// RemotePublicSecurity 对端公开安全材料
	RemotePublicSecurity []byte
}

// AuthProvider 认证提供者
//
// 提供者按配置顺序参与客户端认证轮换。能够发起认证的提供者
// 额外实现 ClientAuthProvider；能够应答认证的实现 ServerAuthProvider。
type AuthProvider interface {
	// ID 返回认证方式标识（线上 Auth.Method 字段）
	ID() string
}

// ClientAuthProvider 可创建客户端认证 flow 的提供者
type ClientAuthProvider interface {
	AuthProvider

	// CreateClientFlow 创建一次客户端认证 flow
	CreateClientFlow(ctx AuthContext) (ClientAuthFlow, error)
}

// ServerAuthProvider 可创建服务端认证 flow 的提供者
type ServerAuthProvider interface {
	AuthProvider

	// CreateServerFlow 创建一次服务端认证 flow
	CreateServerFlow(ctx AuthContext) (ServerAuthFlow, error)
}

// AuthRegistry 认证提供者注册表
type AuthRegistry interface {
	// Providers 返回按配置顺序排列的提供者列表
	Providers() []AuthProvider

	// Provider 按方式标识查找提供者
	Provider(id string) (AuthProvider, bool)
}

// ============================================================================
//                              认证 flow
// ============================================================================

// AuthReplyKind 认证 flow 应答类别
type AuthReplyKind int

const (
	// AuthReplyOk 认证通过
	AuthReplyOk AuthReplyKind = iota

	// AuthReplyReject 认证拒绝
	AuthReplyReject

	// AuthReplyData 需要继续交换数据
	AuthReplyData
)

// AuthReply 认证 flow 应答
//
// 类别为 AuthReplyData 时 Data 必须非空（服务端空 Data 是协议错误）。
type AuthReply struct {
	Kind AuthReplyKind
	Data []byte
}

// ClientAuthFlow 客户端认证 flow
//
// 一次 flow 实例只服务一个提供者的一次尝试；
// 轮换到下一个提供者或连接转为 Active 时必须 Destroy。
type ClientAuthFlow interface {
	// InitialMessage 返回 Auth 帧携带的初始数据
	InitialMessage(ctx context.Context) ([]byte, error)

	// ReceiveData 处理服务端发来的 AuthData
	ReceiveData(ctx context.Context, data []byte) (AuthReply, error)

	// Destroy 释放 flow 资源
	Destroy() error
}

// ServerAuthFlow 服务端认证 flow
type ServerAuthFlow interface {
	// ReceiveInitial 处理 Auth 帧携带的初始数据
	ReceiveInitial(ctx context.Context, data []byte) (AuthReply, error)

	// ReceiveData 处理客户端发来的 AuthData
	ReceiveData(ctx context.Context, data []byte) (AuthReply, error)

	// Destroy 释放 flow 资源
	Destroy() error
}
