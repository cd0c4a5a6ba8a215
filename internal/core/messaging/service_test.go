package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-mesh/internal/config"
	"github.com/dep2p/go-mesh/internal/util/reqreply"
	"github.com/dep2p/go-mesh/pkg/types"
)

var (
	selfID   = types.NodeID("self")
	peerAID  = types.NodeID("node-a")
	peerBID  = types.NodeID("node-b")
	farID    = types.NodeID("node-far")
	originID = types.NodeID("node-origin")
)

// ============================================================================
//                              测试用协作者
// ============================================================================

// fakeSender 记录发出的帧
type fakeSender struct {
	id types.NodeID

	mu      sync.Mutex
	sent    []types.Frame
	sendErr error
}

func newFakeSender(id types.NodeID) *fakeSender {
	return &fakeSender{id: id}
}

func (f *fakeSender) RemoteID() types.NodeID { return f.id }

func (f *fakeSender) Send(_ context.Context, frame types.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSender) frames() []types.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) lastFrame(t *testing.T) types.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

// fakeRouter 静态路由
type fakeRouter struct {
	self  types.NodeID
	hops  map[types.NodeID]*fakeSender
	peers map[types.NodeID]*fakeSender
}

func (r *fakeRouter) SelfID() types.NodeID { return r.self }

func (r *fakeRouter) NextHop(target types.NodeID) (Sender, bool) {
	s, ok := r.hops[target]
	if !ok {
		return nil, false
	}
	return s, true
}

func (r *fakeRouter) Peer(id types.NodeID) (Sender, bool) {
	s, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return s, true
}

func newService(router *fakeRouter, clk clock.Clock) *Service {
	cfg := config.DefaultConfig()
	cfg.NodeID = router.self
	return New(cfg, router, clk, nil)
}

// ============================================================================
//                              发送
// ============================================================================

func TestSend(t *testing.T) {
	t.Run("确认后解决", func(t *testing.T) {
		hop := newFakeSender(peerAID)
		router := &fakeRouter{self: selfID, hops: map[types.NodeID]*fakeSender{farID: hop}}
		svc := newService(router, clock.NewMock())

		done := make(chan error, 1)
		go func() {
			done <- svc.Send(context.Background(), farID, "hi", []byte{1, 2})
		}()

		// 等 Data 发出，路径以 self 开头
		require.Eventually(t, func() bool { return len(hop.frames()) == 1 }, time.Second, 5*time.Millisecond)
		data := hop.lastFrame(t).(*types.Data)
		assert.Equal(t, selfID, data.Source)
		assert.Equal(t, farID, data.Target)
		assert.Equal(t, []types.NodeID{selfID}, data.Path)
		assert.Equal(t, "hi", data.MessageType)

		// 模拟确认返回
		svc.HandleFrame(hop, &types.DataAck{ID: data.ID, Target: selfID, Path: data.Path})
		require.NoError(t, <-done)
	})

	t.Run("无路由直接失败", func(t *testing.T) {
		router := &fakeRouter{self: selfID}
		svc := newService(router, clock.NewMock())

		err := svc.Send(context.Background(), farID, "hi", nil)
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("发给自己无路由", func(t *testing.T) {
		router := &fakeRouter{self: selfID}
		svc := newService(router, clock.NewMock())

		err := svc.Send(context.Background(), selfID, "hi", nil)
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("超时拒绝", func(t *testing.T) {
		mock := clock.NewMock()
		hop := newFakeSender(peerAID)
		router := &fakeRouter{self: selfID, hops: map[types.NodeID]*fakeSender{farID: hop}}
		svc := newService(router, mock)

		done := make(chan error, 1)
		go func() {
			done <- svc.Send(context.Background(), farID, "hi", nil)
		}()

		require.Eventually(t, func() bool { return len(hop.frames()) == 1 }, time.Second, 5*time.Millisecond)
		mock.Add(30 * time.Second)

		assert.ErrorIs(t, <-done, reqreply.ErrTimedOut)
	})

	t.Run("对端拒绝映射错误", func(t *testing.T) {
		hop := newFakeSender(peerAID)
		router := &fakeRouter{self: selfID, hops: map[types.NodeID]*fakeSender{farID: hop}}
		svc := newService(router, clock.NewMock())

		done := make(chan error, 1)
		go func() {
			done <- svc.Send(context.Background(), farID, "hi", nil)
		}()

		require.Eventually(t, func() bool { return len(hop.frames()) == 1 }, time.Second, 5*time.Millisecond)
		data := hop.lastFrame(t).(*types.Data)

		svc.HandleFrame(hop, &types.DataReject{ID: data.ID, Target: selfID, Path: data.Path, Code: types.RejectLoop})
		assert.ErrorIs(t, <-done, ErrLoop)
	})
}

// ============================================================================
//                              接收与转发
// ============================================================================

func TestHandleData(t *testing.T) {
	t.Run("目标是本节点则确认并投递", func(t *testing.T) {
		upstream := newFakeSender(peerAID)
		router := &fakeRouter{self: selfID}
		svc := newService(router, clock.NewMock())

		var got []MessageEvent
		svc.OnMessage(func(ev MessageEvent) { got = append(got, ev) })

		svc.HandleFrame(upstream, &types.Data{
			Source:      originID,
			Target:      selfID,
			ID:          7,
			MessageType: "hi",
			Path:        []types.NodeID{originID, peerAID},
			Payload:     []byte{0x01, 0x02},
		})

		require.Len(t, got, 1)
		assert.Equal(t, originID, got[0].Source)
		assert.Equal(t, "hi", got[0].Type)
		assert.Equal(t, []byte{0x01, 0x02}, got[0].Payload)

		ack := upstream.lastFrame(t).(*types.DataAck)
		assert.Equal(t, uint32(7), ack.ID)
		assert.Equal(t, originID, ack.Target)
	})

	t.Run("中继追加自身并转发", func(t *testing.T) {
		upstream := newFakeSender(peerAID)
		downstream := newFakeSender(peerBID)
		router := &fakeRouter{self: selfID, hops: map[types.NodeID]*fakeSender{farID: downstream}}
		svc := newService(router, clock.NewMock())

		svc.HandleFrame(upstream, &types.Data{
			Source: originID, Target: farID, ID: 3, MessageType: "t",
			Path: []types.NodeID{originID},
		})

		fwd := downstream.lastFrame(t).(*types.Data)
		assert.Equal(t, []types.NodeID{originID, selfID}, fwd.Path)
		assert.Empty(t, upstream.frames())
	})

	t.Run("路径含本节点则拒绝环路", func(t *testing.T) {
		upstream := newFakeSender(peerAID)
		router := &fakeRouter{self: selfID}
		svc := newService(router, clock.NewMock())

		svc.HandleFrame(upstream, &types.Data{
			Source: originID, Target: farID, ID: 9, MessageType: "t",
			Path: []types.NodeID{originID, selfID, peerBID},
		})

		rej := upstream.lastFrame(t).(*types.DataReject)
		assert.Equal(t, types.RejectLoop, rej.Code)
		assert.Equal(t, originID, rej.Target)
	})

	t.Run("无路由则拒绝", func(t *testing.T) {
		upstream := newFakeSender(peerAID)
		router := &fakeRouter{self: selfID}
		svc := newService(router, clock.NewMock())

		svc.HandleFrame(upstream, &types.Data{
			Source: originID, Target: farID, ID: 4, MessageType: "t",
			Path: []types.NodeID{originID},
		})

		rej := upstream.lastFrame(t).(*types.DataReject)
		assert.Equal(t, types.RejectNoRoute, rej.Code)
	})

	t.Run("端点不转发", func(t *testing.T) {
		upstream := newFakeSender(peerAID)
		downstream := newFakeSender(peerBID)
		router := &fakeRouter{self: selfID, hops: map[types.NodeID]*fakeSender{farID: downstream}}

		cfg := config.DefaultConfig()
		cfg.NodeID = selfID
		cfg.Endpoint = true
		svc := New(cfg, router, clock.NewMock(), nil)

		svc.HandleFrame(upstream, &types.Data{
			Source: originID, Target: farID, ID: 5, MessageType: "t",
			Path: []types.NodeID{originID},
		})

		rej := upstream.lastFrame(t).(*types.DataReject)
		assert.Equal(t, types.RejectNoRoute, rej.Code)
		assert.Empty(t, downstream.frames())
	})

	t.Run("重复帧只转发一次", func(t *testing.T) {
		upstream := newFakeSender(peerAID)
		downstream := newFakeSender(peerBID)
		router := &fakeRouter{self: selfID, hops: map[types.NodeID]*fakeSender{farID: downstream}}
		svc := newService(router, clock.NewMock())

		frame := &types.Data{
			Source: originID, Target: farID, ID: 6, MessageType: "t",
			Path: []types.NodeID{originID},
		}
		svc.HandleFrame(upstream, frame)
		svc.HandleFrame(upstream, frame)

		assert.Len(t, downstream.frames(), 1)
	})
}

// ============================================================================
//                              应答回送
// ============================================================================

func TestRouteBack(t *testing.T) {
	t.Run("沿路径前驱回送", func(t *testing.T) {
		prev := newFakeSender(originID)
		router := &fakeRouter{
			self:  selfID,
			peers: map[types.NodeID]*fakeSender{originID: prev},
		}
		svc := newService(router, clock.NewMock())

		svc.HandleFrame(newFakeSender(peerBID), &types.DataAck{
			ID: 11, Target: originID,
			Path: []types.NodeID{originID, selfID},
		})

		ack := prev.lastFrame(t).(*types.DataAck)
		assert.Equal(t, uint32(11), ack.ID)
	})

	t.Run("前驱不可用退回最短路径", func(t *testing.T) {
		alt := newFakeSender(peerBID)
		router := &fakeRouter{
			self: selfID,
			hops: map[types.NodeID]*fakeSender{originID: alt},
		}
		svc := newService(router, clock.NewMock())

		svc.HandleFrame(newFakeSender(peerAID), &types.DataReject{
			ID: 12, Target: originID, Code: types.RejectNoRoute,
			Path: []types.NodeID{originID, selfID},
		})

		rej := alt.lastFrame(t).(*types.DataReject)
		assert.Equal(t, types.RejectNoRoute, rej.Code)
	})
}
