package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-mesh/internal/auth"
	"github.com/dep2p/go-mesh/internal/core/transport/inmem"
	"github.com/dep2p/go-mesh/pkg/interfaces"
	"github.com/dep2p/go-mesh/pkg/types"
)

var (
	serverID = types.NodeID("server-node-id")
	clientID = types.NodeID("client-node-id")
)

const waitFor = 2 * time.Second

// ============================================================================
//                              测试用链路
// ============================================================================

// fakeLink 脚本化链路：push 注入入站帧，sent 通道记录出站帧
type fakeLink struct {
	mu     sync.Mutex
	closed bool

	frames chan types.Frame
	sent   chan types.Frame
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		frames: make(chan types.Frame, 64),
		sent:   make(chan types.Frame, 64),
	}
}

func (l *fakeLink) ID() string { return "fake" }

func (l *fakeLink) Send(_ context.Context, frame types.Frame) error {
	l.sent <- frame
	return nil
}

func (l *fakeLink) Frames() <-chan types.Frame { return l.frames }

func (l *fakeLink) Err() error { return nil }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.frames)
	}
	return nil
}

func (l *fakeLink) LocalSecurity() []byte  { return nil }
func (l *fakeLink) RemoteSecurity() []byte { return nil }

// push 注入一帧入站帧
func (l *fakeLink) push(frame types.Frame) {
	l.frames <- frame
}

// expectSent 等待下一帧出站帧并断言类型
func expectSent(t *testing.T, l *fakeLink, want types.FrameType) types.Frame {
	t.Helper()
	select {
	case frame := <-l.sent:
		require.Equal(t, want, frame.FrameType())
		return frame
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", want)
		return nil
	}
}

// ============================================================================
//                              测试辅助
// ============================================================================

func testConfig(id types.NodeID, role types.Role) Config {
	cfg := DefaultConfig()
	cfg.LocalID = id
	cfg.Role = role
	return cfg
}

// rejectingProvider 只能创建 client flow、注定被服务端拒绝的提供者
type rejectingProvider struct {
	mu        sync.Mutex
	destroyed int
}

func (p *rejectingProvider) ID() string { return "p1" }

func (p *rejectingProvider) CreateClientFlow(interfaces.AuthContext) (interfaces.ClientAuthFlow, error) {
	return &rejectingFlow{provider: p}, nil
}

type rejectingFlow struct{ provider *rejectingProvider }

func (f *rejectingFlow) InitialMessage(context.Context) ([]byte, error) { return nil, nil }
func (f *rejectingFlow) ReceiveData(context.Context, []byte) (interfaces.AuthReply, error) {
	return interfaces.AuthReply{Kind: interfaces.AuthReplyReject}, nil
}
func (f *rejectingFlow) Destroy() error {
	f.provider.mu.Lock()
	f.provider.destroyed++
	f.provider.mu.Unlock()
	return nil
}

// emptyDataProvider 服务端 flow 返回空 Data 的提供者（协议错误路径）
type emptyDataProvider struct{}

func (emptyDataProvider) ID() string { return "empty" }
func (emptyDataProvider) CreateServerFlow(interfaces.AuthContext) (interfaces.ServerAuthFlow, error) {
	return emptyDataFlow{}, nil
}

type emptyDataFlow struct{}

func (emptyDataFlow) ReceiveInitial(context.Context, []byte) (interfaces.AuthReply, error) {
	return interfaces.AuthReply{Kind: interfaces.AuthReplyData}, nil
}
func (emptyDataFlow) ReceiveData(context.Context, []byte) (interfaces.AuthReply, error) {
	return interfaces.AuthReply{Kind: interfaces.AuthReplyReject}, nil
}
func (emptyDataFlow) Destroy() error { return nil }

// watchDisconnect 订阅断开事件
func watchDisconnect(p *Peer) <-chan types.DisconnectReason {
	ch := make(chan types.DisconnectReason, 1)
	p.OnDisconnected(func(ev DisconnectEvent) {
		select {
		case ch <- ev.Reason:
		default:
		}
	})
	return ch
}

func awaitReason(t *testing.T, ch <-chan types.DisconnectReason) types.DisconnectReason {
	t.Helper()
	select {
	case reason := <-ch:
		return reason
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for disconnect")
		return 0
	}
}

// ============================================================================
//                              服务端序列
// ============================================================================

func TestServerNegotiation(t *testing.T) {
	ctx := context.Background()

	t.Run("完整序列到 Active", func(t *testing.T) {
		link := newFakeLink()
		registry := auth.NewRegistry(auth.NewAnonymous())
		p := New(link, registry, testConfig(serverID, types.RoleServer), clock.NewMock())

		connected := make(chan struct{})
		p.OnConnected(func(*Peer) { close(connected) })

		p.Start(ctx)

		hello := expectSent(t, link, types.FrameHello).(*types.Hello)
		assert.Equal(t, serverID, hello.ID)

		link.push(&types.Select{ID: clientID})
		expectSent(t, link, types.FrameOk)

		link.push(&types.Auth{Method: auth.AnonymousID})
		expectSent(t, link, types.FrameOk)

		link.push(&types.Begin{})

		select {
		case <-connected:
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for Active")
		}
		assert.Equal(t, types.StateActive, p.State())
		assert.Equal(t, clientID, p.RemoteID())
	})

	t.Run("未知认证方式被拒绝后可重试", func(t *testing.T) {
		link := newFakeLink()
		registry := auth.NewRegistry(auth.NewAnonymous())
		p := New(link, registry, testConfig(serverID, types.RoleServer), clock.NewMock())
		p.Start(ctx)

		expectSent(t, link, types.FrameHello)
		link.push(&types.Select{ID: clientID})
		expectSent(t, link, types.FrameOk)

		link.push(&types.Auth{Method: "nonexistent"})
		expectSent(t, link, types.FrameReject)
		assert.Equal(t, types.StateWaitingForAuth, p.State())

		// 同一链路上用可用方式重试
		link.push(&types.Auth{Method: auth.AnonymousID})
		expectSent(t, link, types.FrameOk)
		link.push(&types.Begin{})

		require.Eventually(t, func() bool {
			return p.State() == types.StateActive
		}, waitFor, 10*time.Millisecond)
	})

	t.Run("拒绝到自身的连接", func(t *testing.T) {
		link := newFakeLink()
		p := New(link, auth.NewRegistry(), testConfig(serverID, types.RoleServer), clock.NewMock())
		reasons := watchDisconnect(p)
		p.Start(ctx)

		expectSent(t, link, types.FrameHello)
		link.push(&types.Select{ID: serverID})

		assert.Equal(t, types.DisconnectNegotiationFailed, awaitReason(t, reasons))
	})

	t.Run("状态外帧中止协商", func(t *testing.T) {
		link := newFakeLink()
		p := New(link, auth.NewRegistry(), testConfig(serverID, types.RoleServer), clock.NewMock())
		reasons := watchDisconnect(p)
		p.Start(ctx)

		expectSent(t, link, types.FrameHello)
		link.push(&types.Data{Source: clientID, Target: serverID, ID: 1, MessageType: "x"})

		assert.Equal(t, types.DisconnectNegotiationFailed, awaitReason(t, reasons))
	})

	t.Run("服务端 flow 空 Data 是协议错误", func(t *testing.T) {
		link := newFakeLink()
		registry := auth.NewRegistry(emptyDataProvider{})
		p := New(link, registry, testConfig(serverID, types.RoleServer), clock.NewMock())
		reasons := watchDisconnect(p)
		p.Start(ctx)

		expectSent(t, link, types.FrameHello)
		link.push(&types.Select{ID: clientID})
		expectSent(t, link, types.FrameOk)
		link.push(&types.Auth{Method: "empty"})

		assert.Equal(t, types.DisconnectNegotiationFailed, awaitReason(t, reasons))
	})
}

// ============================================================================
//                              客户端序列
// ============================================================================

func TestClientNegotiation(t *testing.T) {
	ctx := context.Background()

	t.Run("完整序列到 Active", func(t *testing.T) {
		link := newFakeLink()
		registry := auth.NewRegistry(auth.NewAnonymous())
		p := New(link, registry, testConfig(clientID, types.RoleClient), clock.NewMock())

		connected := make(chan struct{})
		p.OnConnected(func(*Peer) { close(connected) })
		p.Start(ctx)

		link.push(&types.Hello{ID: serverID})
		sel := expectSent(t, link, types.FrameSelect).(*types.Select)
		assert.Equal(t, clientID, sel.ID)

		link.push(&types.Ok{})
		authFrame := expectSent(t, link, types.FrameAuth).(*types.Auth)
		assert.Equal(t, auth.AnonymousID, authFrame.Method)

		link.push(&types.Ok{})
		// Active 先于 Begin
		select {
		case <-connected:
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for Active")
		}
		expectSent(t, link, types.FrameBegin)

		assert.Equal(t, types.StateActive, p.State())
		assert.Equal(t, serverID, p.RemoteID())

		// 握手已产生延迟样本
		_, err := p.Latency()
		assert.NoError(t, err)
	})

	t.Run("认证轮换后成功", func(t *testing.T) {
		link := newFakeLink()
		p1 := &rejectingProvider{}
		registry := auth.NewRegistry(p1, auth.NewAnonymous())
		p := New(link, registry, testConfig(clientID, types.RoleClient), clock.NewMock())
		p.Start(ctx)

		link.push(&types.Hello{ID: serverID})
		expectSent(t, link, types.FrameSelect)
		link.push(&types.Ok{})

		first := expectSent(t, link, types.FrameAuth).(*types.Auth)
		assert.Equal(t, "p1", first.Method)

		link.push(&types.Reject{})
		second := expectSent(t, link, types.FrameAuth).(*types.Auth)
		assert.Equal(t, auth.AnonymousID, second.Method)

		link.push(&types.Ok{})
		require.Eventually(t, func() bool {
			return p.State() == types.StateActive
		}, waitFor, 10*time.Millisecond)

		// 被拒的 flow 已释放
		p1.mu.Lock()
		defer p1.mu.Unlock()
		assert.Equal(t, 1, p1.destroyed)
	})

	t.Run("提供者耗尽以 AuthReject 中止", func(t *testing.T) {
		link := newFakeLink()
		registry := auth.NewRegistry(&rejectingProvider{})
		p := New(link, registry, testConfig(clientID, types.RoleClient), clock.NewMock())
		reasons := watchDisconnect(p)
		p.Start(ctx)

		link.push(&types.Hello{ID: serverID})
		expectSent(t, link, types.FrameSelect)
		link.push(&types.Ok{})
		expectSent(t, link, types.FrameAuth)
		link.push(&types.Reject{})

		assert.Equal(t, types.DisconnectAuthReject, awaitReason(t, reasons))
	})

	t.Run("SelectAck 被拒绝即中止", func(t *testing.T) {
		link := newFakeLink()
		p := New(link, auth.NewRegistry(), testConfig(clientID, types.RoleClient), clock.NewMock())
		reasons := watchDisconnect(p)
		p.Start(ctx)

		link.push(&types.Hello{ID: serverID})
		expectSent(t, link, types.FrameSelect)
		link.push(&types.Reject{})

		assert.Equal(t, types.DisconnectNegotiationFailed, awaitReason(t, reasons))
	})
}

// ============================================================================
//                              超时与保活
// ============================================================================

func TestNegotiationTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("对端沉默恰在超时点中止", func(t *testing.T) {
		mock := clock.NewMock()
		link := newFakeLink()
		p := New(link, auth.NewRegistry(), testConfig(clientID, types.RoleClient), mock)
		reasons := watchDisconnect(p)
		p.Start(ctx)

		mock.Add(4 * time.Second)
		select {
		case <-reasons:
			t.Fatal("aborted before deadline")
		default:
		}

		mock.Add(time.Second)
		assert.Equal(t, types.DisconnectNegotiationFailed, awaitReason(t, reasons))
	})

	t.Run("收到协商帧重置超时", func(t *testing.T) {
		mock := clock.NewMock()
		link := newFakeLink()
		p := New(link, auth.NewRegistry(auth.NewAnonymous()), testConfig(clientID, types.RoleClient), mock)
		reasons := watchDisconnect(p)
		p.Start(ctx)

		mock.Add(4 * time.Second)
		link.push(&types.Hello{ID: serverID})
		expectSent(t, link, types.FrameSelect)

		// 原 deadline 已过，但超时被重置
		mock.Add(4 * time.Second)
		select {
		case <-reasons:
			t.Fatal("aborted despite reset")
		default:
		}

		mock.Add(time.Second)
		assert.Equal(t, types.DisconnectNegotiationFailed, awaitReason(t, reasons))
	})
}

// activateServer 把 fakeLink 上的服务端推进到 Active
func activateServer(t *testing.T, mock *clock.Mock) (*Peer, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	registry := auth.NewRegistry(auth.NewAnonymous())
	p := New(link, registry, testConfig(serverID, types.RoleServer), mock)
	p.Start(context.Background())

	expectSent(t, link, types.FrameHello)
	link.push(&types.Select{ID: clientID})
	expectSent(t, link, types.FrameOk)
	link.push(&types.Auth{Method: auth.AnonymousID})
	expectSent(t, link, types.FrameOk)
	link.push(&types.Begin{})

	require.Eventually(t, func() bool {
		return p.State() == types.StateActive
	}, waitFor, 10*time.Millisecond)
	return p, link
}

func TestKeepalive(t *testing.T) {
	t.Run("Ping 得到 Pong 应答", func(t *testing.T) {
		mock := clock.NewMock()
		p, link := activateServer(t, mock)
		defer p.close(types.DisconnectManual)

		link.push(&types.Ping{})
		expectSent(t, link, types.FramePong)
	})

	t.Run("Active 后周期发送 Ping", func(t *testing.T) {
		mock := clock.NewMock()
		p, link := activateServer(t, mock)
		defer p.close(types.DisconnectManual)

		mock.Add(30 * time.Second)
		expectSent(t, link, types.FramePing)
	})

	t.Run("心跳停止后失败检测断开", func(t *testing.T) {
		mock := clock.NewMock()
		p, link := activateServer(t, mock)
		reasons := watchDisconnect(p)

		// 规律心跳建立基线
		for i := 0; i < 10; i++ {
			link.push(&types.Ping{})
			expectSent(t, link, types.FramePong)
			mock.Add(time.Second)
		}

		// 静默：检测轮询最终判失联
		require.Eventually(t, func() bool {
			mock.Add(5 * time.Second)
			select {
			case reason := <-reasons:
				assert.Equal(t, types.DisconnectPingTimeout, reason)
				return true
			default:
				return false
			}
		}, waitFor, 10*time.Millisecond)
	})

	t.Run("Active 前收到 Ping 中止", func(t *testing.T) {
		link := newFakeLink()
		p := New(link, auth.NewRegistry(), testConfig(serverID, types.RoleServer), clock.NewMock())
		reasons := watchDisconnect(p)
		p.Start(context.Background())

		expectSent(t, link, types.FrameHello)
		link.push(&types.Ping{})

		assert.Equal(t, types.DisconnectNegotiationFailed, awaitReason(t, reasons))
	})
}

func TestBye(t *testing.T) {
	mock := clock.NewMock()
	p, link := activateServer(t, mock)
	reasons := watchDisconnect(p)

	link.push(&types.Bye{})
	assert.Equal(t, types.DisconnectManual, awaitReason(t, reasons))
}

func TestDisconnect_SendsBye(t *testing.T) {
	mock := clock.NewMock()
	p, link := activateServer(t, mock)
	reasons := watchDisconnect(p)

	p.Disconnect(context.Background())

	expectSent(t, link, types.FrameBye)
	assert.Equal(t, types.DisconnectManual, awaitReason(t, reasons))
}

// ============================================================================
//                              延迟窗口
// ============================================================================

func TestLatencyWindow(t *testing.T) {
	w := newLatencyWindow(6)

	_, err := w.Mean()
	assert.ErrorIs(t, err, ErrNoLatency)

	// 超出容量的样本逐出最旧
	for i := 1; i <= 10; i++ {
		w.Add(time.Duration(i*10) * time.Millisecond)
	}
	assert.Equal(t, 6, w.Len())

	// 剩下 50..100ms 六个样本
	mean, err := w.Mean()
	require.NoError(t, err)
	assert.Equal(t, int64(75), mean)
}

// ============================================================================
//                              真实链路端到端
// ============================================================================

func TestPair_EndToEnd(t *testing.T) {
	ctx := context.Background()
	secret := []byte("mesh-secret")

	serverLink, clientLink := inmem.NewPair()

	server := New(serverLink,
		auth.NewRegistry(auth.NewSharedSecret(secret)),
		testConfig(serverID, types.RoleServer), nil)
	client := New(clientLink,
		auth.NewRegistry(auth.NewSharedSecret(secret)),
		testConfig(clientID, types.RoleClient), nil)

	server.Start(ctx)
	client.Start(ctx)

	require.Eventually(t, func() bool {
		return server.State() == types.StateActive && client.State() == types.StateActive
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, clientID, server.RemoteID())
	assert.Equal(t, serverID, client.RemoteID())

	// 客户端握手采样；均值可取
	_, err := client.Latency()
	assert.NoError(t, err)

	// 一侧断开，另一侧随链路终止
	server.Disconnect(ctx)
	require.Eventually(t, func() bool {
		select {
		case <-client.Done():
			return true
		default:
			return false
		}
	}, waitFor, 10*time.Millisecond)
}
