package types

// ============================================================================
//                              PeerState - 对等连接状态
// ============================================================================

// PeerState 对等连接协商状态
//
// 连接从 Initial 出发，经协商与认证后到达 Active。
// 只有 Active 状态的连接才会发布 connect 事件并承载数据与 gossip。
type PeerState int

const (
	// StateInitial 初始状态（链路已建立，尚未发出任何帧）
	StateInitial PeerState = iota

	// StateWaitingForHello 客户端等待服务端 Hello
	StateWaitingForHello

	// StateWaitingForSelect 服务端等待客户端 Select
	StateWaitingForSelect

	// StateWaitingForSelectAck 客户端等待 Select 的 Ok/Reject
	StateWaitingForSelectAck

	// StateWaitingForAuth 服务端等待 Auth
	StateWaitingForAuth

	// StateWaitingForAuthAck 客户端等待认证结果
	StateWaitingForAuthAck

	// StateWaitingForAuthData 服务端等待 AuthData
	StateWaitingForAuthData

	// StateWaitingForBegin 服务端等待 Begin
	StateWaitingForBegin

	// StateActive 协商完成，可承载应用数据
	StateActive
)

// String 返回状态的字符串表示
func (s PeerState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateWaitingForHello:
		return "waiting-for-hello"
	case StateWaitingForSelect:
		return "waiting-for-select"
	case StateWaitingForSelectAck:
		return "waiting-for-select-ack"
	case StateWaitingForAuth:
		return "waiting-for-auth"
	case StateWaitingForAuthAck:
		return "waiting-for-auth-ack"
	case StateWaitingForAuthData:
		return "waiting-for-auth-data"
	case StateWaitingForBegin:
		return "waiting-for-begin"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              Role - 连接角色
// ============================================================================

// Role 连接角色
//
// 服务端接受入站链路并率先发出 Hello；客户端发起链路并等待 Hello。
// 两种角色仅在协商序列上不同，Active 之后完全对称。
type Role int

const (
	// RoleServer 服务端（接受入站）
	RoleServer Role = iota

	// RoleClient 客户端（发起出站）
	RoleClient
)

// String 返回角色的字符串表示
func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ============================================================================
//                              DisconnectReason - 断开原因
// ============================================================================

// DisconnectReason 连接断开原因
type DisconnectReason int

const (
	// DisconnectManual 本地主动断开
	DisconnectManual DisconnectReason = iota

	// DisconnectNegotiationFailed 协商失败（协议违例或协商超时）
	DisconnectNegotiationFailed

	// DisconnectAuthReject 所有认证方式都被拒绝
	DisconnectAuthReject

	// DisconnectPingTimeout 失败检测器判定对端失联
	DisconnectPingTimeout

	// DisconnectTransportError 传输层错误
	DisconnectTransportError
)

// String 返回断开原因的字符串表示
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectManual:
		return "manual"
	case DisconnectNegotiationFailed:
		return "negotiation-failed"
	case DisconnectAuthReject:
		return "auth-reject"
	case DisconnectPingTimeout:
		return "ping-timeout"
	case DisconnectTransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}
